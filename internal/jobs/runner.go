package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/frameagent/frameagent/internal/logging"
	"github.com/frameagent/frameagent/internal/metrics"
)

// Executor runs a job to completion.
type Executor interface {
	Run(ctx context.Context, job *Job) error
}

// RunnerConfig holds the runner's settings.
type RunnerConfig struct {
	// MaxConcurrent bounds in-flight jobs; 0 means unbounded. Jobs over the
	// bound wait in the received state.
	MaxConcurrent int
	// OnComplete, when set, is called once per finished task.
	OnComplete func(*Task)
	Logger     *slog.Logger
}

// Runner starts one detached background task per accepted request.
type Runner struct {
	root       context.Context
	exec       Executor
	repo       Repository
	sem        *semaphore.Weighted
	onComplete func(*Task)
	logger     *slog.Logger
	active     atomic.Int64
	submitted  atomic.Int64
}

// NewRunner creates a runner whose tasks run on root. Tasks are not tied to
// the submitting request and outlive it.
func NewRunner(root context.Context, exec Executor, repo Repository, cfg RunnerConfig) *Runner {
	r := &Runner{
		root:       root,
		exec:       exec,
		repo:       repo,
		onComplete: cfg.OnComplete,
		logger:     logging.WithComponent(logging.OrDiscard(cfg.Logger), "runner"),
	}
	if cfg.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return r
}

// Task is the handle for one submitted job.
type Task struct {
	JobID    string
	RecordID string

	done  chan struct{}
	err   error
	state State
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's failure, or nil. Only meaningful after Done.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// State returns the final state once Done is closed, or "" before that.
func (t *Task) State() State {
	select {
	case <-t.done:
		return t.state
	default:
		return ""
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit records a new job and starts its task. It returns once the job is
// in the ledger; the pipeline itself runs in the background.
func (r *Runner) Submit(ctx context.Context, req Request) (*Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.NewString(),
		RecordID:  req.RecordID,
		VideoPath: req.VideoPath,
		Prompt:    req.Prompt,
		State:     StateReceived,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(StateReceived)).Inc()
	r.submitted.Add(1)

	logging.WithJob(r.logger, job.ID, job.RecordID).Info("job received",
		"stage", StateReceived,
		"video", logging.SanitizeRef(job.VideoPath),
	)

	task := &Task{JobID: job.ID, RecordID: job.RecordID, done: make(chan struct{})}
	go r.run(job, task)
	return task, nil
}

// Active returns the number of tasks currently executing their pipeline.
func (r *Runner) Active() int64 {
	return r.active.Load()
}

// Submitted returns the number of tasks started since the runner was created.
func (r *Runner) Submitted() int64 {
	return r.submitted.Load()
}

func (r *Runner) run(job *Job, task *Task) {
	logger := logging.WithJob(r.logger, job.ID, job.RecordID)

	defer func() {
		if rec := recover(); rec != nil {
			task.err = fmt.Errorf("panic in job: %v", rec)
			stage := job.State
			if stage.Terminal() {
				stage = StateReceived
			}
			logger.Error("job panicked", "stage", stage, "panic", rec, "stack", string(debug.Stack()))
			job.State = StateFailed
			metrics.JobsTotal.WithLabelValues(string(StateFailed)).Inc()
			if err := r.repo.FailJob(context.Background(), job.ID, stage, task.err.Error(), job.DispatchStatus); err != nil {
				logger.Error("failed to record job failure", "error", err)
			}
		}
		task.state = job.State
		close(task.done)
		r.notify(task, logger)
	}()

	if r.sem != nil {
		if err := r.sem.Acquire(r.root, 1); err != nil {
			task.err = &StageError{Stage: StateReceived, Err: err}
			job.State = StateFailed
			metrics.JobsTotal.WithLabelValues(string(StateFailed)).Inc()
			if rerr := r.repo.FailJob(context.Background(), job.ID, StateReceived, task.err.Error(), 0); rerr != nil {
				logger.Error("failed to record job failure", "error", rerr)
			}
			return
		}
		defer r.sem.Release(1)
	}

	r.active.Add(1)
	metrics.ActiveJobs.Inc()
	defer func() {
		r.active.Add(-1)
		metrics.ActiveJobs.Dec()
	}()

	task.err = r.exec.Run(r.root, job)
}

// notify runs the completion callback. A panicking callback is logged and
// contained to this task.
func (r *Runner) notify(task *Task, logger *slog.Logger) {
	if r.onComplete == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("completion callback panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	r.onComplete(task)
}
