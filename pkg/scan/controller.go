package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/engine"
	"github.com/defenderpro/engine-orchestrator/pkg/logging"
	"github.com/defenderpro/engine-orchestrator/pkg/metrics"
	"github.com/defenderpro/engine-orchestrator/pkg/progress"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Gateway is the part of the engine gateway the controller drives
type Gateway interface {
	StartScan(ctx context.Context, kind models.ScanKind, path string) error
	IsScanRunning(ctx context.Context) (bool, error)
	CancelScan(ctx context.Context) error
	LastScanSummary(ctx context.Context, kind models.ScanKind) (*models.ScanSummary, error)
}

// Reloader refreshes the threat list after a scan
type Reloader interface {
	Reload(ctx context.Context) *models.ThreatSnapshot
}

// Config holds controller timings
type Config struct {
	PollInterval   time.Duration
	PollTimeout    time.Duration
	StartTimeout   time.Duration
	SummaryTimeout time.Duration
	CancelTimeout  time.Duration
	RestartTimeout time.Duration

	// MaxDuration fails a job that runs longer. Zero disables the limit.
	MaxDuration time.Duration
}

// Controller owns the single scan job and its polling loop
type Controller struct {
	gateway   Gateway
	store     Reloader
	estimator *progress.Estimator
	config    Config
	logger    *logrus.Logger

	mu      sync.Mutex
	current *job
	hooks   []func(Job)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

type pollResult struct {
	running bool
	err     error
}

// NewController creates a scan controller
func NewController(gateway Gateway, store Reloader, estimator *progress.Estimator, cfg Config, logger *logrus.Logger) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		gateway:   gateway,
		store:     store,
		estimator: estimator,
		config:    cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// OnTerminal registers a hook that receives every job once it ends.
// Hooks run outside the controller lock.
func (c *Controller) OnTerminal(hook func(Job)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Current returns a copy of the current or last job. With no job yet the
// state is idle.
func (c *Controller) Current() Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Job{State: models.ScanStateIdle}
	}
	return c.current.snapshot()
}

// Start launches a scan. It returns once the engine accepted the job.
func (c *Controller) Start(ctx context.Context, kind models.ScanKind, path string) (*Handle, error) {
	if err := kind.Validate(path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.current != nil && c.current.State.IsActive() {
		c.mu.Unlock()
		return nil, ErrScanAlreadyRunning
	}
	j := newJob(uuid.New().String(), kind, path, c.now())
	c.current = j
	c.mu.Unlock()

	logger := c.jobLogger(j)
	logger.Info("Starting scan")

	startCtx, cancel := c.bounded(ctx, c.config.StartTimeout)
	err := c.gateway.StartScan(startCtx, kind, path)
	cancel()

	c.mu.Lock()
	if err != nil {
		var result error
		if engine.IsScanAlreadyRunning(err) {
			conflict := &ConflictError{Kind: kind, Path: path}
			var running *engine.ScanAlreadyRunningError
			if errors.As(err, &running) {
				conflict.Message = running.Message
			}
			j.Message = "Another scan is already running on the engine"
			result = conflict
		} else {
			j.Message = "Scan could not be started"
			result = fmt.Errorf("failed to start %s scan: %w", kind, err)
		}
		j.Error = err.Error()
		final := c.finalize(j, models.ScanStateFailed)
		c.mu.Unlock()

		logger.WithField("error", err.Error()).Error("Scan start failed")
		c.notify(final)
		return nil, result
	}

	started := c.now()
	j.State = models.ScanStateRunning
	j.StartedAt = &started

	estimate, estErr := c.estimator.Start(kind, nil)
	if estErr != nil {
		logger.WithField("error", estErr.Error()).Warn("Progress estimate unavailable")
	}
	j.estimate = estimate

	c.wg.Add(1)
	go c.pollLoop(j)
	c.mu.Unlock()

	logger.Info("Scan accepted by engine")
	return &Handle{controller: c, job: j}, nil
}

// Cancel cancels the running job
func (c *Controller) Cancel() error {
	c.mu.Lock()
	j := c.current
	c.mu.Unlock()
	if j == nil {
		return ErrNotRunning
	}
	return c.cancelJob(j)
}

// cancelJob moves j to cancelled locally, then asks the engine to stop in
// the background. An engine failure is recorded but never reverts the state.
func (c *Controller) cancelJob(j *job) error {
	c.mu.Lock()
	if c.current != j || j.State != models.ScanStateRunning || j.finishing {
		c.mu.Unlock()
		return ErrNotRunning
	}

	close(j.stop)
	j.freeze()
	j.Progress = progress.Tick{}
	j.Message = "Scan cancelled"
	final := c.finalize(j, models.ScanStateCancelled)
	c.mu.Unlock()

	c.jobLogger(j).Info("Scan cancelled")
	c.notify(final)
	c.cancelEngine(j)
	return nil
}

// Restart is the recovery path for a conflict: stop whatever the engine is
// running, wait for it to report idle, then start again.
func (c *Controller) Restart(ctx context.Context, kind models.ScanKind, path string) (*Handle, error) {
	if err := kind.Validate(path); err != nil {
		return nil, err
	}

	c.mu.Lock()
	j := c.current
	starting := j != nil && j.State == models.ScanStateStarting
	c.mu.Unlock()

	if starting {
		return nil, ErrScanAlreadyRunning
	}

	// a local running job is cancelled the normal way, which also stops
	// the engine; otherwise the engine scan belongs to someone else
	if j == nil || c.cancelJob(j) != nil {
		cancelCtx, cancel := c.bounded(ctx, c.config.CancelTimeout)
		if err := c.gateway.CancelScan(cancelCtx); err != nil {
			c.logger.WithField("error", err.Error()).Warn("Engine cancel before restart failed")
		}
		cancel()
	}

	if err := c.waitForIdle(ctx, kind, path); err != nil {
		return nil, err
	}
	return c.Start(ctx, kind, path)
}

// Shutdown stops all polling loops and waits for background work. A scan
// still running is failed so waiters and terminal hooks see it end; the
// engine is left to finish it on its own.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()

	c.mu.Lock()
	j := c.current
	var final *Job
	if j != nil && j.State == models.ScanStateRunning && !j.finishing {
		close(j.stop)
		j.freeze()
		j.Error = "scan controller shut down before the scan finished"
		j.Message = "Scan interrupted by shutdown"
		snap := c.finalize(j, models.ScanStateFailed)
		final = &snap
	}
	c.mu.Unlock()

	if final != nil {
		c.jobLogger(j).Warn("Scan interrupted by shutdown")
		c.notify(*final)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Scan controller stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scan controller shutdown: %w", ctx.Err())
	}
}

// pollLoop is the only consumer of poll results for j. At most one poll
// is outstanding; ticks that fire while one is in flight are skipped. A poll
// that has not answered within PollTimeout is abandoned here, even when the
// gateway ignores its context, so the next tick can poll again.
func (c *Controller) pollLoop(j *job) {
	defer c.wg.Done()

	logger := c.jobLogger(j)

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if c.config.MaxDuration > 0 {
		timer := time.NewTimer(c.config.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	var inFlight chan pollResult
	var pollTimer *time.Timer
	var pollExpired <-chan time.Time
	defer func() {
		if pollTimer != nil {
			pollTimer.Stop()
		}
	}()
	disarm := func() {
		inFlight = nil
		pollExpired = nil
		if pollTimer != nil {
			pollTimer.Stop()
		}
	}

	for {
		select {
		case <-j.stop:
			return

		case <-c.ctx.Done():
			return

		case <-deadline:
			c.expire(j)
			return

		case <-pollExpired:
			disarm()
			metrics.RecordScanPollFailure("timeout")
			logger.WithField("poll_timeout", c.config.PollTimeout.String()).Warn("Scan poll did not answer, abandoning it")

		case res := <-inFlight:
			disarm()
			if res.err != nil {
				metrics.RecordScanPollFailure(pollFailureReason(res.err))
				logger.WithField("error", res.err.Error()).Warn("Scan poll failed, retrying on next tick")
				continue
			}
			if res.running {
				logger.Debug("Scan still running")
				continue
			}
			c.complete(j)
			return

		case <-ticker.C:
			if inFlight != nil {
				metrics.RecordScanPollSkipped()
				logger.Debug("Previous poll still in flight, skipping tick")
				continue
			}
			inFlight = c.poll(j)
			if c.config.PollTimeout > 0 {
				if pollTimer == nil {
					pollTimer = time.NewTimer(c.config.PollTimeout)
				} else {
					pollTimer.Reset(c.config.PollTimeout)
				}
				pollExpired = pollTimer.C
			}
		}
	}
}

func (c *Controller) poll(j *job) chan pollResult {
	c.mu.Lock()
	j.PollAttempts++
	c.mu.Unlock()

	out := make(chan pollResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.PollTimeout)
		defer cancel()
		running, err := c.gateway.IsScanRunning(ctx)
		out <- pollResult{running: running, err: err}
	}()
	return out
}

// complete runs once, when the engine first reports idle for j
func (c *Controller) complete(j *job) {
	c.mu.Lock()
	if c.current != j || j.State != models.ScanStateRunning || j.finishing {
		c.mu.Unlock()
		return
	}
	j.finishing = true
	j.freeze()
	estimated := j.EstimatedFilesScanned
	c.mu.Unlock()

	logger := c.jobLogger(j)
	logger.Info("Engine reports scan finished, collecting summary")

	summaryCtx, cancel := c.bounded(c.ctx, c.config.SummaryTimeout)
	summary, err := c.gateway.LastScanSummary(summaryCtx, j.Kind)
	cancel()
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Scan summary unavailable, using estimate")
	}

	snapshot := c.store.Reload(c.ctx)

	c.mu.Lock()
	result := c.buildResult(j, summary, estimated, snapshot)
	j.Result = result
	j.Message = fmt.Sprintf("%d threats found. Duration: %s. %d files scanned.",
		result.ThreatsFound, result.ScanTime, result.FilesScanned)
	final := c.finalize(j, models.ScanStateCompleted)
	c.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"files_scanned": result.FilesScanned,
		"threats_found": result.ThreatsFound,
		"estimated":     result.Estimated,
	}).Info("Scan completed")
	c.notify(final)
}

func (c *Controller) buildResult(j *job, summary *models.ScanSummary, estimated uint64, snapshot *models.ThreatSnapshot) *models.ScanResult {
	elapsed := time.Duration(0)
	if j.StartedAt != nil {
		elapsed = c.now().Sub(*j.StartedAt)
	}

	result := &models.ScanResult{Duration: elapsed}

	if summary == nil {
		result.FilesScanned = estimated
		result.ScanTime = models.FormatScanDuration(elapsed)
		result.Estimated = true
		if snapshot != nil {
			result.ThreatsFound = snapshot.Total()
		}
		return result
	}

	result.ThreatsFound = summary.ThreatsFound
	result.ScanTime = summary.DurationLabel
	if result.ScanTime == "" {
		result.ScanTime = models.FormatScanDuration(elapsed)
	}
	if summary.LastScanLabel != nil {
		result.LastScanLabel = *summary.LastScanLabel
	}

	result.FilesScanned = summary.FilesScanned
	if result.FilesScanned == 0 {
		// some engines never count files, fall back to the estimate
		result.FilesScanned = estimated
		result.Estimated = true
	}
	return result
}

// expire fails a job that outlived the configured maximum duration
func (c *Controller) expire(j *job) {
	c.mu.Lock()
	if c.current != j || j.State != models.ScanStateRunning || j.finishing {
		c.mu.Unlock()
		return
	}
	j.freeze()
	j.Error = fmt.Sprintf("scan exceeded maximum duration of %s", c.config.MaxDuration)
	j.Message = "Scan timed out"
	final := c.finalize(j, models.ScanStateFailed)
	c.mu.Unlock()

	c.jobLogger(j).WithField("max_duration", c.config.MaxDuration.String()).Error("Scan exceeded maximum duration")
	c.notify(final)
	c.cancelEngine(j)
}

// cancelEngine asks the engine to stop in the background and records a
// failure on j
func (c *Controller) cancelEngine(j *job) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := c.bounded(c.ctx, c.config.CancelTimeout)
		defer cancel()

		if err := c.gateway.CancelScan(ctx); err != nil {
			c.jobLogger(j).WithField("error", err.Error()).Warn("Engine cancel failed")
			c.mu.Lock()
			j.CancelError = err.Error()
			c.mu.Unlock()
		}
	}()
}

// waitForIdle polls the engine until it reports no running scan
func (c *Controller) waitForIdle(ctx context.Context, kind models.ScanKind, path string) error {
	waitCtx, cancel := c.bounded(ctx, c.config.RestartTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		pollCtx, pollCancel := context.WithTimeout(waitCtx, c.config.PollTimeout)
		running, err := c.gateway.IsScanRunning(pollCtx)
		pollCancel()
		if err == nil && !running {
			return nil
		}

		select {
		case <-waitCtx.Done():
			return &ConflictError{Kind: kind, Path: path, Message: "engine did not stop its scan in time"}
		case <-ticker.C:
		}
	}
}

// finalize moves j to a terminal state. Must be called with the lock held;
// the returned copy goes to notify after unlocking.
func (c *Controller) finalize(j *job, state models.ScanState) Job {
	finished := c.now()
	j.State = state
	j.FinishedAt = &finished
	close(j.done)

	elapsed := finished.Sub(j.CreatedAt)
	if j.StartedAt != nil {
		elapsed = finished.Sub(*j.StartedAt)
	}
	metrics.RecordScan(string(j.Kind), string(state), elapsed.Seconds())
	metrics.RecordScanPollAttempts(j.PollAttempts)

	return j.snapshot()
}

func (c *Controller) notify(final Job) {
	c.mu.Lock()
	hooks := make([]func(Job), len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(final)
	}
}

func (c *Controller) bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Controller) jobLogger(j *job) *logrus.Entry {
	return logging.LogWithJobID(c.logger, j.ID).WithField("scan_kind", j.Kind)
}

func pollFailureReason(err error) string {
	switch {
	case engine.IsTimeout(err):
		return "timeout"
	case engine.IsUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
