// Package worker runs queued background jobs from the SQLite job table.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/pilltrack/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	HasDueJob(types []string) (bool, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id, errMsg string, retryIn time.Duration) (exhausted bool, err error)
	AbandonJob(id, errMsg string) error
}

// Handler processes one job. Returning an error wrapped with
// backoff.Permanent fails the job without further attempts.
type Handler func(ctx context.Context, job *storage.Job) error

type Options struct {
	// PollInterval defaults to 500ms.
	PollInterval time.Duration
	// Online gates claiming; jobs wait while it reports false. It is only
	// consulted when a job is due.
	Online func(ctx context.Context) bool
	// RetryPolicy spaces attempts of a failing job. Stop gives up.
	RetryPolicy func() backoff.BackOff
	// MaxElapsed gives up on a job this long after it was enqueued.
	MaxElapsed time.Duration
	// OnGiveUp runs once a job has failed for good.
	OnGiveUp func(job *storage.Job, err error)
	Now      func() time.Time
	Logger   *slog.Logger
}

// Worker claims one job at a time and dispatches it by type.
type Worker struct {
	store       JobStore
	handlers    map[string]Handler
	poll        time.Duration
	online      func(ctx context.Context) bool
	retryPolicy func() backoff.BackOff
	maxElapsed  time.Duration
	onGiveUp    func(job *storage.Job, err error)
	now         func() time.Time
	logger      *slog.Logger
}

func New(store JobStore, opts Options) *Worker {
	w := &Worker{
		store:       store,
		handlers:    make(map[string]Handler),
		poll:        opts.PollInterval,
		online:      opts.Online,
		retryPolicy: opts.RetryPolicy,
		maxElapsed:  opts.MaxElapsed,
		onGiveUp:    opts.OnGiveUp,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if w.poll <= 0 {
		w.poll = 500 * time.Millisecond
	}
	if w.retryPolicy == nil {
		w.retryPolicy = DefaultRetryPolicy
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// DefaultRetryPolicy starts at 10s and doubles up to 5m between attempts.
func DefaultRetryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	return bo
}

// Handle registers h for jobType. Call before Run.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

func (w *Worker) types() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.online != nil {
		due, err := w.store.HasDueJob(w.types())
		if err != nil {
			return false, fmt.Errorf("checking for due jobs: %w", err)
		}
		if !due || !w.online(ctx) {
			return false, nil
		}
	}
	job, err := w.store.ClaimNextJob(w.types())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	h := w.handlers[job.Type]
	if err := h(ctx, job); err != nil {
		w.fail(job, err)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) fail(job *storage.Job, err error) {
	var perm *backoff.PermanentError
	permanent := errors.As(err, &perm)
	expired := w.maxElapsed > 0 && w.now().Sub(job.CreatedAt) >= w.maxElapsed

	delay := w.retryDelay(job.Attempts)
	if permanent || expired || delay == backoff.Stop {
		w.logger.Error("job failed permanently", "job_id", job.ID, "type", job.Type,
			"attempts", job.Attempts+1, "error", err)
		if aerr := w.store.AbandonJob(job.ID, err.Error()); aerr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", aerr)
		}
		w.giveUp(job, err)
		return
	}

	w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type,
		"attempt", job.Attempts+1, "retry_in", delay, "error", err)
	exhausted, ferr := w.store.FailJob(job.ID, err.Error(), delay)
	if ferr != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", ferr)
		return
	}
	if exhausted {
		w.logger.Error("job exhausted its attempts", "job_id", job.ID, "type", job.Type, "error", err)
		w.giveUp(job, err)
	}
}

func (w *Worker) giveUp(job *storage.Job, err error) {
	if w.onGiveUp != nil {
		w.onGiveUp(job, err)
	}
}

// retryDelay is the policy's delay before attempt number attempts+2.
func (w *Worker) retryDelay(attempts int) time.Duration {
	bo := w.retryPolicy()
	bo.Reset()
	var d time.Duration
	for i := 0; i <= attempts; i++ {
		d = bo.NextBackOff()
		if d == backoff.Stop {
			return backoff.Stop
		}
	}
	return d
}
