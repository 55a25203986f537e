package threats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/engine"
	"github.com/defenderpro/engine-orchestrator/pkg/logging"
	"github.com/defenderpro/engine-orchestrator/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrActionInProgress rejects a second action on a threat that is still
// being remediated
var ErrActionInProgress = errors.New("an action is already in progress for this threat")

// GuidanceCheckLater is attached to outcomes the engine may still finish
const GuidanceCheckLater = "the engine may still complete this action, check again later"

// partialMarkers flag engine text that reports a partial success
var partialMarkers = []string{
	"file in use",
	"in use by another process",
	"restart required",
	"partial",
}

// OutcomeKind classifies the result of one remediation
type OutcomeKind string

const (
	OutcomeSucceeded       OutcomeKind = "succeeded"
	OutcomePartiallyFailed OutcomeKind = "partially_failed"
	OutcomeFailed          OutcomeKind = "failed"
)

// Outcome is the terminal message for one action request
type Outcome struct {
	ThreatID models.ThreatID   `json:"threat_id"`
	Action   models.ActionKind `json:"action"`
	Kind     OutcomeKind       `json:"outcome"`
	Message  string            `json:"message"`

	// EngineMayStillComplete is set when the call was abandoned on timeout
	EngineMayStillComplete bool   `json:"engine_may_still_complete"`
	Guidance               string `json:"guidance,omitempty"`

	Err      error                  `json:"-"`
	Snapshot *models.ThreatSnapshot `json:"-"`
	Duration time.Duration          `json:"-"`
}

// Remediator is the part of the engine gateway the executor needs
type Remediator interface {
	ApplyThreatAction(ctx context.Context, id models.ThreatID, action models.ActionKind, filePath string) (string, error)
}

// HistoryClearer is implemented by gateways that can drop detections
type HistoryClearer interface {
	ClearThreatHistory(ctx context.Context) (string, error)
}

// ExecutorConfig bounds action execution
type ExecutorConfig struct {
	Timeout         time.Duration
	SettleDelay     time.Duration
	BulkConcurrency int
}

// Executor applies remediation actions with a hard timeout and reconciles
// the store after every engine answer
type Executor struct {
	gateway Remediator
	store   *Store
	logger  *logrus.Logger
	config  ExecutorConfig

	mu       sync.Mutex
	inFlight map[models.ThreatID]models.ActionKind

	// background tracks abandoned engine calls and their reconciliation
	background sync.WaitGroup
}

type engineAnswer struct {
	message string
	err     error
}

// NewExecutor creates an executor
func NewExecutor(gateway Remediator, store *Store, cfg ExecutorConfig, logger *logrus.Logger) *Executor {
	if cfg.BulkConcurrency < 1 {
		cfg.BulkConcurrency = 1
	}
	return &Executor{
		gateway:  gateway,
		store:    store,
		logger:   logger,
		config:   cfg,
		inFlight: make(map[models.ThreatID]models.ActionKind),
	}
}

// Execute runs one action and always returns exactly one outcome
func (e *Executor) Execute(ctx context.Context, req models.ActionRequest) Outcome {
	start := time.Now()
	outcome := Outcome{ThreatID: req.ThreatID, Action: req.Action}

	logger := logging.LogWithThreatID(e.logger, string(req.ThreatID)).WithField("action", req.Action)

	if !e.acquire(req.ThreatID, req.Action) {
		outcome.Kind = OutcomeFailed
		outcome.Err = ErrActionInProgress
		outcome.Message = ErrActionInProgress.Error()
		outcome.Snapshot = e.store.Snapshot()
		logger.Warn("Rejected action, threat is already being remediated")
		return e.finish(outcome, start)
	}

	// The engine call outlives a timed out caller so a late answer can
	// still release the threat and reconcile the store.
	answers := make(chan engineAnswer, 1)
	callCtx := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		msg, err := e.gateway.ApplyThreatAction(callCtx, req.ThreatID, req.Action, req.FilePath)
		answers <- engineAnswer{message: msg, err: err}
	}()

	var timeout <-chan time.Time
	if e.config.Timeout > 0 {
		timer := time.NewTimer(e.config.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case answer := <-answers:
		outcome = e.classify(outcome, answer)
		e.settle(ctx)
		outcome.Snapshot = e.store.Reload(context.WithoutCancel(ctx))
		e.release(req.ThreatID)

	case <-timeout:
		outcome.Kind = OutcomeFailed
		outcome.Err = &engine.TimeoutError{Operation: "threat_" + string(req.Action), Timeout: e.config.Timeout}
		outcome.Message = outcome.Err.Error()
		outcome.EngineMayStillComplete = true
		outcome.Guidance = GuidanceCheckLater
		outcome.Snapshot = e.store.Snapshot()
		e.abandon(req, answers, logger)

	case <-ctx.Done():
		outcome.Kind = OutcomeFailed
		outcome.Err = ctx.Err()
		outcome.Message = fmt.Sprintf("action abandoned: %v", ctx.Err())
		outcome.EngineMayStillComplete = true
		outcome.Guidance = GuidanceCheckLater
		outcome.Snapshot = e.store.Snapshot()
		e.abandon(req, answers, logger)
	}

	logger.WithFields(logrus.Fields{
		"outcome":     outcome.Kind,
		"message":     outcome.Message,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Threat action finished")

	return e.finish(outcome, start)
}

// ExecuteAll applies action to every distinct id, bounded by the bulk
// concurrency. File paths come from the current snapshot.
func (e *Executor) ExecuteAll(ctx context.Context, ids []models.ThreatID, action models.ActionKind) []Outcome {
	seen := make(map[models.ThreatID]bool, len(ids))
	var unique []models.ThreatID
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	snapshot := e.store.Snapshot()
	outcomes := make([]Outcome, len(unique))

	g := new(errgroup.Group)
	g.SetLimit(e.config.BulkConcurrency)

	for i, id := range unique {
		i := i
		req := models.ActionRequest{ThreatID: id, Action: action}
		if threat, ok := snapshot.Find(id); ok {
			req.FilePath = threat.FilePath
		}
		g.Go(func() error {
			outcomes[i] = e.Execute(ctx, req)
			return nil
		})
	}
	g.Wait()

	e.logger.WithFields(logrus.Fields{
		"action":  action,
		"threats": len(unique),
	}).Info("Bulk threat action finished")

	return outcomes
}

// ClearHistory asks the engine to drop all detections and reloads
func (e *Executor) ClearHistory(ctx context.Context) (string, *models.ThreatSnapshot, error) {
	clearer, ok := e.gateway.(HistoryClearer)
	if !ok {
		return "", e.store.Snapshot(), fmt.Errorf("engine backend cannot clear threat history")
	}

	msg, err := clearer.ClearThreatHistory(ctx)
	if err != nil {
		return "", e.store.Snapshot(), fmt.Errorf("failed to clear threat history: %w", err)
	}

	e.settle(ctx)
	return msg, e.store.Reload(context.WithoutCancel(ctx)), nil
}

// InFlight reports whether an action is running for id
func (e *Executor) InFlight(id models.ThreatID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[id]
	return ok
}

// Stop waits for abandoned engine calls to drain
func (e *Executor) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		e.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Threat executor stopped")
		return nil
	case <-time.After(timeout):
		e.logger.Warn("Threat executor shutdown timeout, engine calls may still be running")
		return fmt.Errorf("threat executor shutdown timeout after %v", timeout)
	}
}

func (e *Executor) classify(outcome Outcome, answer engineAnswer) Outcome {
	if answer.err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Err = answer.err
		outcome.Message = answer.err.Error()
		if engine.IsTimeout(answer.err) {
			outcome.EngineMayStillComplete = true
			outcome.Guidance = GuidanceCheckLater
		}
		return outcome
	}

	outcome.Message = strings.TrimPrefix(answer.message, "partial: ")
	if isPartial(answer.message) {
		outcome.Kind = OutcomePartiallyFailed
	} else {
		outcome.Kind = OutcomeSucceeded
	}
	return outcome
}

// abandon keeps the threat locked until the engine answers, then
// reconciles the store in the background
func (e *Executor) abandon(req models.ActionRequest, answers <-chan engineAnswer, logger *logrus.Entry) {
	logger.Warn("Threat action timed out, waiting for the engine in the background")

	e.background.Add(1)
	go func() {
		defer e.background.Done()

		answer := <-answers
		fields := logrus.Fields{"late": true}
		if answer.err != nil {
			fields["error"] = answer.err.Error()
		} else {
			fields["message"] = answer.message
		}
		logger.WithFields(fields).Info("Abandoned threat action returned, reconciling")

		e.store.Reload(context.Background())
		e.release(req.ThreatID)
	}()
}

func (e *Executor) settle(ctx context.Context) {
	if e.config.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(e.config.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (e *Executor) acquire(id models.ThreatID, action models.ActionKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = action
	return true
}

func (e *Executor) release(id models.ThreatID) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

func (e *Executor) finish(outcome Outcome, start time.Time) Outcome {
	outcome.Duration = time.Since(start)
	metrics.RecordAction(string(outcome.Action), string(outcome.Kind), outcome.Duration.Seconds())
	return outcome
}

func isPartial(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range partialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
