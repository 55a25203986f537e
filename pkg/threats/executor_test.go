package threats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(fake *fakeEngine, cfg ExecutorConfig) (*Executor, *Store) {
	store := NewStore(fake, testLogger())
	return NewExecutor(fake, store, cfg, testLogger()), store
}

func TestExecutor_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		err      error
		wantKind OutcomeKind
		wantMsg  string
	}{
		{"success", "threat quarantined", nil, OutcomeSucceeded, "threat quarantined"},
		{"file in use", "file in use, close the application and try again", nil, OutcomePartiallyFailed, "file in use, close the application and try again"},
		{"other process", "The file is IN USE BY ANOTHER PROCESS", nil, OutcomePartiallyFailed, "The file is IN USE BY ANOTHER PROCESS"},
		{"restart", "Restart required to finish removal", nil, OutcomePartiallyFailed, "Restart required to finish removal"},
		{"partial prefix", "partial: removed from history only", nil, OutcomePartiallyFailed, "removed from history only"},
		{"refused", "", &engine.ActionError{Message: "threat not found"}, OutcomeFailed, "threat not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeEngine{actionFunc: func(context.Context, models.ThreatID, models.ActionKind) (string, error) {
				return tt.message, tt.err
			}}
			fake.setList(sampleList(), nil)
			exec, _ := newTestExecutor(fake, ExecutorConfig{Timeout: time.Second})

			outcome := exec.Execute(context.Background(), models.ActionRequest{ThreatID: "1", Action: models.ActionRemove})

			assert.Equal(t, tt.wantKind, outcome.Kind)
			assert.Equal(t, tt.wantMsg, outcome.Message)
			assert.False(t, outcome.EngineMayStillComplete)
			require.NotNil(t, outcome.Snapshot, "every engine answer is followed by a reload")
			assert.Equal(t, 3, outcome.Snapshot.Total())
			assert.Equal(t, int32(1), atomic.LoadInt32(&fake.listCalls))
			assert.False(t, exec.InFlight("1"))
		})
	}
}

func TestExecutor_SettleDelayBeforeReload(t *testing.T) {
	fake := &fakeEngine{}
	exec, _ := newTestExecutor(fake, ExecutorConfig{Timeout: time.Second, SettleDelay: 40 * time.Millisecond})

	start := time.Now()
	outcome := exec.Execute(context.Background(), models.ActionRequest{ThreatID: "1", Action: models.ActionQuarantine})

	assert.Equal(t, OutcomeSucceeded, outcome.Kind)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.listCalls))
}

func TestExecutor_TimeoutKeepsThreatLocked(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeEngine{actionFunc: func(context.Context, models.ThreatID, models.ActionKind) (string, error) {
		<-release
		return "threat removed", nil
	}}
	exec, _ := newTestExecutor(fake, ExecutorConfig{Timeout: 30 * time.Millisecond})

	outcome := exec.Execute(context.Background(), models.ActionRequest{ThreatID: "1", Action: models.ActionRemove})

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.True(t, engine.IsTimeout(outcome.Err))
	assert.True(t, outcome.EngineMayStillComplete)
	assert.Equal(t, GuidanceCheckLater, outcome.Guidance)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.listCalls), "no reload before the engine answers")
	assert.True(t, exec.InFlight("1"))

	second := exec.Execute(context.Background(), models.ActionRequest{ThreatID: "1", Action: models.ActionQuarantine})
	assert.Equal(t, OutcomeFailed, second.Kind)
	assert.ErrorIs(t, second.Err, ErrActionInProgress)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.actions), "rejected request must not reach the engine")

	close(release)

	require.Eventually(t, func() bool { return !exec.InFlight("1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.listCalls), "late answer triggers one reconciliation reload")
	require.NoError(t, exec.Stop(time.Second))
}

func TestExecutor_GatewayTimeoutMayStillComplete(t *testing.T) {
	fake := &fakeEngine{actionFunc: func(context.Context, models.ThreatID, models.ActionKind) (string, error) {
		return "", &engine.TimeoutError{Operation: "threat_remove", Timeout: time.Second}
	}}
	exec, _ := newTestExecutor(fake, ExecutorConfig{Timeout: time.Second})

	outcome := exec.Execute(context.Background(), models.ActionRequest{ThreatID: "1", Action: models.ActionRemove})

	assert.Equal(t, OutcomeFailed, outcome.Kind)
	assert.True(t, outcome.EngineMayStillComplete)
	assert.NotNil(t, outcome.Snapshot)
}

func TestExecutor_DistinctThreatsRunConcurrently(t *testing.T) {
	var running, peak int32
	gate := make(chan struct{})
	fake := &fakeEngine{actionFunc: func(context.Context, models.ThreatID, models.ActionKind) (string, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-gate
		atomic.AddInt32(&running, -1)
		return "threat quarantined", nil
	}}
	fake.setList(sampleList(), nil)
	exec, _ := newTestExecutor(fake, ExecutorConfig{Timeout: time.Second, BulkConcurrency: 2})

	done := make(chan []Outcome, 1)
	go func() {
		done <- exec.ExecuteAll(context.Background(), []models.ThreatID{"1", "2", "3", "1"}, models.ActionQuarantine)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 2 }, time.Second, time.Millisecond)
	close(gate)

	outcomes := <-done
	require.Len(t, outcomes, 3, "duplicate ids are collapsed")
	for _, o := range outcomes {
		assert.Equal(t, OutcomeSucceeded, o.Kind)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&peak), "bulk concurrency bounds parallel engine calls")
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.actions))
}

func TestExecutor_ClearHistory(t *testing.T) {
	fake := &fakeEngine{}
	fake.setList(sampleList(), nil)
	exec, store := newTestExecutor(fake, ExecutorConfig{Timeout: time.Second})
	store.Reload(context.Background())

	msg, snap, err := exec.ClearHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "threat history cleared", msg)
	assert.Equal(t, 0, snap.Total())
	assert.True(t, fake.cleared)
}

type remediatorOnly struct{}

func (remediatorOnly) ApplyThreatAction(context.Context, models.ThreatID, models.ActionKind, string) (string, error) {
	return "", errors.New("unused")
}

func TestExecutor_ClearHistoryUnsupported(t *testing.T) {
	store := NewStore(&fakeEngine{}, testLogger())
	exec := NewExecutor(remediatorOnly{}, store, ExecutorConfig{}, testLogger())

	_, snap, err := exec.ClearHistory(context.Background())
	assert.Error(t, err)
	assert.NotNil(t, snap)
}

func TestIsPartial(t *testing.T) {
	tests := []struct {
		message string
		want    bool
	}{
		{"threat quarantined", false},
		{"File In Use", true},
		{"restart required", true},
		{"PARTIAL success", true},
		{"", false},
	}

	for _, tt := range tests {
		if got := isPartial(tt.message); got != tt.want {
			t.Errorf("isPartial(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}
