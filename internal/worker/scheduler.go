package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/pilltrack/internal/storage"
)

const (
	// JobTypeSync runs one background sync cycle.
	JobTypeSync = "cloud_sync"
	// SyncJobName keeps at most one sync queued.
	SyncJobName = "cloud-sync"
)

// SyncQueue is the part of the job store the scheduler needs.
type SyncQueue interface {
	EnqueueJob(job storage.Job) error
	CancelPendingJobs(uniqueName string) (int, error)
	PendingJob(uniqueName string) (*storage.Job, error)
}

// SyncScheduler queues sync cycles as unique jobs. A new request replaces the
// queued one; a cycle already running is left to finish and the new request
// runs after it.
type SyncScheduler struct {
	queue       SyncQueue
	maxAttempts int
	now         func() time.Time
}

func NewSyncScheduler(queue SyncQueue, maxAttempts int) *SyncScheduler {
	return &SyncScheduler{queue: queue, maxAttempts: maxAttempts, now: time.Now}
}

func (s *SyncScheduler) RequestSync(delay time.Duration) error {
	return s.queue.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeSync,
		UniqueName:  SyncJobName,
		MaxAttempts: s.maxAttempts,
		RunAfter:    s.now().Add(delay),
	})
}

func (s *SyncScheduler) CancelSync() error {
	_, err := s.queue.CancelPendingJobs(SyncJobName)
	return err
}

func (s *SyncScheduler) SyncPending() (bool, error) {
	_, err := s.queue.PendingJob(SyncJobName)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SyncHandler adapts a sync entry point to a job handler.
func SyncHandler(run func(ctx context.Context) error) Handler {
	return func(ctx context.Context, _ *storage.Job) error {
		return run(ctx)
	}
}
