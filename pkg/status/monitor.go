package status

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Signal is an activation event from the presentation layer
type Signal string

const (
	SignalFocus   Signal = "focus"
	SignalVisible Signal = "visible"
)

// ParseSignal validates an activation signal
func ParseSignal(s string) (Signal, error) {
	switch Signal(s) {
	case SignalFocus, SignalVisible:
		return Signal(s), nil
	default:
		return "", fmt.Errorf("unknown activation signal %q, must be focus or visible", s)
	}
}

// Source is the part of the engine gateway the monitor reads
type Source interface {
	Status(ctx context.Context) (*models.DefenderStatus, error)
}

// DefinitionsUpdater is implemented by gateways that can refresh signatures
type DefinitionsUpdater interface {
	UpdateDefinitions(ctx context.Context) (string, error)
}

// Config holds monitor timings
type Config struct {
	// Window suppresses unforced refreshes this soon after a successful one
	Window      time.Duration
	Interval    time.Duration
	CallTimeout time.Duration
}

// Monitor keeps the latest protection status
type Monitor struct {
	source Source
	config Config
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.RWMutex
	status      *models.DefenderStatus
	provisional *string
	refreshedAt time.Time
	lastSuccess time.Time
	failed      bool
	errorText   string
	inFlight    bool

	// provisionalGen counts SetProvisionalLastScan calls; a refresh only
	// clears a label that was set before it started
	provisionalGen uint64
}

// NewMonitor creates a status monitor
func NewMonitor(source Source, cfg Config, logger *logrus.Logger) *Monitor {
	return &Monitor{
		source: source,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Refresh fetches the status unless one is in flight or, when not forced,
// the last successful refresh is younger than the window. It reports
// whether a fetch was attempted.
func (m *Monitor) Refresh(ctx context.Context, force bool) bool {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		metrics.RecordStatusRefresh("skipped_in_flight")
		return false
	}
	if !force && !m.lastSuccess.IsZero() && m.now().Sub(m.lastSuccess) < m.config.Window {
		m.mu.Unlock()
		metrics.RecordStatusRefresh("skipped_window")
		return false
	}
	m.inFlight = true
	gen := m.provisionalGen
	m.mu.Unlock()

	if m.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.CallTimeout)
		defer cancel()
	}

	status, err := m.source.Status(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false
	m.refreshedAt = m.now()

	if err != nil {
		m.failed = true
		m.errorText = err.Error()
		metrics.RecordStatusRefresh("failure")
		m.logger.WithField("error", err.Error()).Warn("Status refresh failed, keeping previous status")
		return true
	}

	m.status = status
	if m.provisionalGen == gen {
		m.provisional = nil
	}
	m.lastSuccess = m.refreshedAt
	m.failed = false
	m.errorText = ""
	metrics.RecordStatusRefresh("success")

	m.logger.WithField("is_enabled", status.IsEnabled).Debug("Status refreshed")
	return true
}

// Activate handles a focus or visibility regain with a forced refresh
func (m *Monitor) Activate(ctx context.Context, signal Signal) bool {
	m.logger.WithField("signal", signal).Debug("Activation signal received")
	return m.Refresh(ctx, true)
}

// SetProvisionalLastScan shows a locally known last-scan label until a
// successful refresh started after this call replaces it
func (m *Monitor) SetProvisionalLastScan(label string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provisional = &label
	m.provisionalGen++
}

// UpdateDefinitions asks the engine to refresh signatures, then forces a
// status refresh
func (m *Monitor) UpdateDefinitions(ctx context.Context) (string, error) {
	updater, ok := m.source.(DefinitionsUpdater)
	if !ok {
		return "", fmt.Errorf("engine backend cannot update definitions")
	}

	msg, err := updater.UpdateDefinitions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to update definitions: %w", err)
	}

	m.logger.WithField("message", msg).Info("Definitions updated")
	m.Refresh(ctx, true)
	return msg, nil
}

// View returns a copy of the current status
func (m *Monitor) View() models.StatusView {
	m.mu.RLock()
	defer m.mu.RUnlock()

	view := models.StatusView{
		RefreshedAt: m.refreshedAt,
		Error:       m.failed,
		ErrorText:   m.errorText,
	}
	if m.status != nil {
		status := *m.status
		view.Status = &status
	}
	if m.provisional != nil {
		label := *m.provisional
		view.Provisional = &label
	}
	return view
}

// Run loads the status once, then refreshes on the configured interval
// until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	m.Refresh(ctx, true)

	if m.config.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Status monitor stopped")
			return nil
		case <-ticker.C:
			m.Refresh(ctx, false)
		}
	}
}
