package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/progress"
)

var (
	// ErrScanAlreadyRunning is returned by Start while a job is starting or running
	ErrScanAlreadyRunning = errors.New("a scan is already running")

	// ErrNotRunning is returned by Cancel when there is no running job
	ErrNotRunning = errors.New("no scan is running")
)

// ConflictError means the engine refused to start because it is already
// scanning on its own. Restart with the same kind and path cancels the
// engine scan and tries again.
type ConflictError struct {
	Kind    models.ScanKind
	Path    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine is already running a scan, cannot start %s scan", e.Kind)
	}
	return fmt.Sprintf("engine is already running a scan, cannot start %s scan: %s", e.Kind, e.Message)
}

// IsConflict reports whether err is an engine-side scan conflict
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// Job is a point-in-time copy of a scan job
type Job struct {
	ID    string           `json:"id"`
	Kind  models.ScanKind  `json:"scan_kind,omitempty"`
	Path  string           `json:"path,omitempty"`
	State models.ScanState `json:"state"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// EstimatedFilesScanned grows while running and is frozen on any
	// terminal transition
	EstimatedFilesScanned uint64 `json:"estimated_files_scanned"`

	// Progress is the advisory display value, reset on cancel
	Progress progress.Tick `json:"progress"`

	Result       *models.ScanResult `json:"result,omitempty"`
	Error        string             `json:"error,omitempty"`
	Message      string             `json:"message,omitempty"`
	CancelError  string             `json:"cancel_error,omitempty"`
	PollAttempts int                `json:"poll_attempts"`
}

// job is the controller-owned mutable state behind a Job
type job struct {
	Job

	estimate  *progress.Handle
	finishing bool

	stop chan struct{}
	done chan struct{}
}

func newJob(id string, kind models.ScanKind, path string, now time.Time) *job {
	return &job{
		Job: Job{
			ID:        id,
			Kind:      kind,
			Path:      path,
			State:     models.ScanStateStarting,
			CreatedAt: now,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// snapshot must be called with the controller lock held
func (j *job) snapshot() Job {
	out := j.Job
	if j.State == models.ScanStateRunning && j.estimate != nil {
		tick := j.estimate.Snapshot()
		out.EstimatedFilesScanned = tick.FilesScanned
		out.Progress = tick
	}
	if j.Result != nil {
		result := *j.Result
		out.Result = &result
	}
	return out
}

// freeze stops the estimator and pins its final count on the job
func (j *job) freeze() {
	if j.estimate == nil {
		return
	}
	tick := j.estimate.Stop()
	j.EstimatedFilesScanned = tick.FilesScanned
	j.Progress = tick
	j.estimate = nil
}

// Handle is the caller's reference to one started job
type Handle struct {
	controller *Controller
	job        *job
}

// ID returns the job id
func (h *Handle) ID() string {
	return h.job.ID
}

// Done is closed when the job reaches a terminal state
func (h *Handle) Done() <-chan struct{} {
	return h.job.done
}

// Job returns the current copy of this handle's job
func (h *Handle) Job() Job {
	h.controller.mu.Lock()
	defer h.controller.mu.Unlock()
	return h.job.snapshot()
}

// Wait blocks until the job is terminal or ctx is done
func (h *Handle) Wait(ctx context.Context) (Job, error) {
	select {
	case <-h.job.done:
		return h.Job(), nil
	case <-ctx.Done():
		return h.Job(), ctx.Err()
	}
}

// Cancel cancels this handle's job. A handle never cancels a newer job.
func (h *Handle) Cancel() error {
	return h.controller.cancelJob(h.job)
}
