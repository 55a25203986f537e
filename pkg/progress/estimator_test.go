package progress

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastEstimator() *Estimator {
	return NewEstimator().
		WithProfile(models.ScanKindQuick, Profile{Interval: 2 * time.Millisecond, MaxIncrement: 50}).
		WithProfile(models.ScanKindFull, Profile{Interval: 2 * time.Millisecond, MaxIncrement: 100})
}

func TestDefaultProfiles(t *testing.T) {
	tests := []struct {
		kind         models.ScanKind
		interval     time.Duration
		maxIncrement int
	}{
		{models.ScanKindQuick, 200 * time.Millisecond, 50},
		{models.ScanKindFull, 300 * time.Millisecond, 100},
		{models.ScanKindCustom, 250 * time.Millisecond, 75},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, ok := DefaultProfiles[tt.kind]
			require.True(t, ok)
			assert.Equal(t, tt.interval, p.Interval)
			assert.Equal(t, tt.maxIncrement, p.MaxIncrement)
		})
	}
}

func TestEstimator_TicksAreMonotonic(t *testing.T) {
	e := fastEstimator()

	var (
		mu    sync.Mutex
		ticks []Tick
	)
	h, err := e.Start(models.ScanKindQuick, func(tick Tick) {
		mu.Lock()
		ticks = append(ticks, tick)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) >= 5
	}, time.Second, time.Millisecond)
	h.Stop()

	mu.Lock()
	defer mu.Unlock()
	var prev uint64
	for i, tick := range ticks {
		increment := tick.FilesScanned - prev
		assert.GreaterOrEqual(t, increment, uint64(minIncrement), "tick %d did not advance enough", i)
		assert.Less(t, increment, uint64(minIncrement+50), "tick %d advanced too far", i)
		assert.True(t, strings.HasPrefix(tick.CurrentFile, `C:\`), "label %q", tick.CurrentFile)
		prev = tick.FilesScanned
	}
}

func TestEstimator_NoTickAfterStop(t *testing.T) {
	e := fastEstimator()

	var emitted int64
	h, err := e.Start(models.ScanKindFull, func(Tick) {
		atomic.AddInt64(&emitted, 1)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return atomic.LoadInt64(&emitted) > 0 }, time.Second, time.Millisecond)

	frozen := h.Stop()
	after := atomic.LoadInt64(&emitted)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt64(&emitted), "ticks emitted after Stop returned")
	assert.Equal(t, frozen, h.Snapshot())
	assert.Greater(t, frozen.FilesScanned, uint64(0))
}

func TestEstimator_StopIsIdempotent(t *testing.T) {
	e := fastEstimator()
	h, err := e.Start(models.ScanKindQuick, nil)
	require.NoError(t, err)

	first := h.Stop()
	second := h.Stop()
	assert.Equal(t, first, second)
	assert.False(t, e.Active())
}

func TestEstimator_SingleActiveHandle(t *testing.T) {
	e := fastEstimator()

	h, err := e.Start(models.ScanKindQuick, nil)
	require.NoError(t, err)

	_, err = e.Start(models.ScanKindFull, nil)
	assert.ErrorIs(t, err, ErrEstimatorActive)

	h.Stop()

	h2, err := e.Start(models.ScanKindFull, nil)
	require.NoError(t, err)
	h2.Stop()

	// a stale handle stopping again must not release the new one
	h3, err := e.Start(models.ScanKindQuick, nil)
	require.NoError(t, err)
	h.Stop()
	assert.True(t, e.Active())
	h3.Stop()
}

func TestEstimator_UnknownKind(t *testing.T) {
	_, err := NewEstimator().Start(models.ScanKind("deep"), nil)
	assert.Error(t, err)
}

func TestEstimator_DeterministicIncrements(t *testing.T) {
	e := fastEstimator()
	e.intN = func(n int) int { return n - 1 }

	increment, label := e.next(Profile{MaxIncrement: 50})
	assert.Equal(t, uint64(59), increment)
	assert.Equal(t, `C:\Windows\Temp\file_9999.docx`, label)

	increment, _ = e.next(Profile{})
	assert.Equal(t, uint64(minIncrement), increment)
}
