package progress

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
)

// minIncrement keeps the counter moving on every tick
const minIncrement = 10

// ErrEstimatorActive is returned by Start while another handle is running
var ErrEstimatorActive = errors.New("progress estimator already running")

// Profile controls the cadence and growth of an estimate
type Profile struct {
	Interval     time.Duration
	MaxIncrement int
}

// DefaultProfiles are tuned so longer scans look slower
var DefaultProfiles = map[models.ScanKind]Profile{
	models.ScanKindQuick:  {Interval: 200 * time.Millisecond, MaxIncrement: 50},
	models.ScanKindFull:   {Interval: 300 * time.Millisecond, MaxIncrement: 100},
	models.ScanKindCustom: {Interval: 250 * time.Millisecond, MaxIncrement: 75},
}

var scanLocations = []string{
	`C:\Users\Downloads\`,
	`C:\Users\Documents\`,
	`C:\Users\Desktop\`,
	`C:\Users\AppData\Local\`,
	`C:\Users\AppData\Roaming\`,
	`C:\Windows\System32\`,
	`C:\Windows\SysWOW64\`,
	`C:\Program Files\`,
	`C:\Program Files (x86)\`,
	`C:\Windows\Temp\`,
}

var fileExtensions = []string{".dll", ".exe", ".sys", ".tmp", ".js", ".docx"}

// Tick is one emitted estimate. FilesScanned is an approximation, the
// engine does not report progress.
type Tick struct {
	FilesScanned uint64 `json:"files_scanned"`
	CurrentFile  string `json:"current_file"`
}

// Estimator fabricates plausible progress for a running scan. At most
// one Handle is active at a time.
type Estimator struct {
	mu       sync.Mutex
	active   *Handle
	profiles map[models.ScanKind]Profile
	intN     func(n int) int
}

// NewEstimator creates an estimator with the default per-kind profiles
func NewEstimator() *Estimator {
	profiles := make(map[models.ScanKind]Profile, len(DefaultProfiles))
	for kind, p := range DefaultProfiles {
		profiles[kind] = p
	}
	return &Estimator{
		profiles: profiles,
		intN:     rand.Intn,
	}
}

// WithProfile overrides the profile used for kind
func (e *Estimator) WithProfile(kind models.ScanKind, p Profile) *Estimator {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profiles[kind] = p
	return e
}

// Start begins emitting ticks for kind. onTick runs on the estimator's
// goroutine and may be nil.
func (e *Estimator) Start(kind models.ScanKind, onTick func(Tick)) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return nil, ErrEstimatorActive
	}

	profile, ok := e.profiles[kind]
	if !ok {
		return nil, fmt.Errorf("no progress profile for scan kind %q", kind)
	}
	if profile.Interval <= 0 {
		return nil, fmt.Errorf("invalid progress interval %s for scan kind %q", profile.Interval, kind)
	}

	h := &Handle{
		estimator: e,
		profile:   profile,
		onTick:    onTick,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	e.active = h

	go h.run()
	return h, nil
}

// Active reports whether a handle is currently running
func (e *Estimator) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

func (e *Estimator) release(h *Handle) {
	e.mu.Lock()
	if e.active == h {
		e.active = nil
	}
	e.mu.Unlock()
}

func (e *Estimator) next(profile Profile) (uint64, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	increment := minIncrement
	if profile.MaxIncrement > 0 {
		increment += e.intN(profile.MaxIncrement)
	}
	label := fmt.Sprintf("%sfile_%d%s",
		scanLocations[e.intN(len(scanLocations))],
		e.intN(10000),
		fileExtensions[e.intN(len(fileExtensions))])
	return uint64(increment), label
}

// Handle owns one running estimate
type Handle struct {
	estimator *Estimator
	profile   Profile
	onTick    func(Tick)

	mu   sync.RWMutex
	tick Tick

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (h *Handle) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.profile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
		}

		// Stop wins over a tick that fired at the same time
		select {
		case <-h.stopCh:
			return
		default:
		}

		increment, label := h.estimator.next(h.profile)

		h.mu.Lock()
		h.tick.FilesScanned += increment
		h.tick.CurrentFile = label
		tick := h.tick
		h.mu.Unlock()

		if h.onTick != nil {
			h.onTick(tick)
		}
	}
}

// Stop halts the estimate and returns the frozen tick. No tick is
// emitted once Stop returns. Safe to call more than once.
func (h *Handle) Stop() Tick {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		<-h.done
		h.estimator.release(h)
	})
	return h.Snapshot()
}

// Snapshot returns the latest tick
func (h *Handle) Snapshot() Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tick
}
