package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kalambet/pilltrack/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// resetRunAfter makes a retried job claimable immediately.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	now := time.Now().UTC().Add(-time.Second).Format("2006-01-02T15:04:05.000Z07:00")
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, now, jobID); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, id string) (string, int) {
	t.Helper()
	j, err := store.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return j.Status, j.Attempts
}

func fixedPolicy(d time.Duration, retries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(d), retries)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-1", Type: JobTypeSync}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var calls atomic.Int32
	w := New(store, Options{})
	w.Handle(JobTypeSync, func(_ context.Context, job *storage.Job) error {
		calls.Add(1)
		if job.ID != "job-1" {
			t.Errorf("job.ID = %q", job.ID)
		}
		return nil
	})

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
	if status, _ := jobStatus(t, store, "job-1"); status != storage.JobCompleted {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_IgnoresUnknownTypes(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "other", Type: "other"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	w := New(store, Options{})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error { return nil })

	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Fatalf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-r", Type: JobTypeSync}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var calls atomic.Int32
	w := New(store, Options{RetryPolicy: fixedPolicy(time.Minute, 10)})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error {
		n := calls.Add(1)
		if n <= 2 {
			return fmt.Errorf("transient error %d", n)
		}
		return nil
	})
	ctx := context.Background()

	// 1st attempt fails and is rescheduled a minute out.
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 1 error: %v", err)
	}
	if status, attempts := jobStatus(t, store, "job-r"); status != storage.JobPending || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Error("job should not be due before its retry delay")
	}

	resetRunAfter(t, store, "job-r")
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 2 error: %v", err)
	}
	if _, attempts := jobStatus(t, store, "job-r"); attempts != 2 {
		t.Errorf("after 2nd fail: attempts=%d, want 2", attempts)
	}

	resetRunAfter(t, store, "job-r")
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobStatus(t, store, "job-r"); status != storage.JobCompleted {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-x", Type: JobTypeSync, MaxAttempts: 2}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var gaveUp atomic.Int32
	w := New(store, Options{
		RetryPolicy: fixedPolicy(time.Minute, 10),
		OnGiveUp:    func(*storage.Job, error) { gaveUp.Add(1) },
	})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error { return errors.New("down") })

	ctx := context.Background()
	w.RunOnce(ctx)
	if gaveUp.Load() != 0 {
		t.Fatal("gave up after first failure")
	}
	resetRunAfter(t, store, "job-x")
	w.RunOnce(ctx)

	if status, attempts := jobStatus(t, store, "job-x"); status != storage.JobFailed || attempts != 2 {
		t.Errorf("status=%q attempts=%d, want failed/2", status, attempts)
	}
	if gaveUp.Load() != 1 {
		t.Errorf("OnGiveUp calls = %d, want 1", gaveUp.Load())
	}
}

func TestWorker_PermanentErrorStopsRetries(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-p", Type: JobTypeSync}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	var got error
	w := New(store, Options{OnGiveUp: func(_ *storage.Job, err error) { got = err }})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error {
		return backoff.Permanent(errors.New("bad payload"))
	})

	w.RunOnce(context.Background())
	if status, attempts := jobStatus(t, store, "job-p"); status != storage.JobFailed || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want failed/1", status, attempts)
	}
	if got == nil || got.Error() != "bad payload" {
		t.Errorf("OnGiveUp err = %v", got)
	}
}

func TestWorker_PolicyStopGivesUp(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-s", Type: JobTypeSync, MaxAttempts: 10}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	var gaveUp atomic.Int32
	w := New(store, Options{
		RetryPolicy: fixedPolicy(time.Minute, 0),
		OnGiveUp:    func(*storage.Job, error) { gaveUp.Add(1) },
	})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error { return errors.New("down") })

	w.RunOnce(context.Background())
	if status, _ := jobStatus(t, store, "job-s"); status != storage.JobFailed {
		t.Errorf("status = %q, want failed", status)
	}
	if gaveUp.Load() != 1 {
		t.Errorf("OnGiveUp calls = %d, want 1", gaveUp.Load())
	}
}

func TestWorker_OfflineDefersJobs(t *testing.T) {
	store := openTestStore(t)
	if err := store.EnqueueJob(storage.Job{ID: "job-o", Type: JobTypeSync}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	var online atomic.Bool
	w := New(store, Options{Online: func(context.Context) bool { return online.Load() }})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error { return nil })

	if didWork, _ := w.RunOnce(context.Background()); didWork {
		t.Fatal("worker claimed a job while offline")
	}
	online.Store(true)
	if didWork, _ := w.RunOnce(context.Background()); !didWork {
		t.Fatal("worker did not claim the job once online")
	}
}

func TestWorker_IdleQueueDoesNotDialRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	var dials atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			dials.Add(1)
			conn.Close()
		}
	}()

	store := openTestStore(t)
	w := New(store, Options{
		PollInterval: 5 * time.Millisecond,
		Online:       ReachableProbe("http://"+ln.Addr().String(), time.Second),
	})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if n := dials.Load(); n != 0 {
		t.Fatalf("idle worker opened %d connections to the remote", n)
	}

	if err := store.EnqueueJob(storage.Job{ID: "job-d", Type: JobTypeSync}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v; want the due job processed", didWork, err)
	}
	deadline := time.Now().Add(time.Second)
	for dials.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if dials.Load() == 0 {
		t.Error("expected a reachability check once a job was due")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := New(store, Options{PollInterval: 10 * time.Millisecond})
	w.Handle(JobTypeSync, func(context.Context, *storage.Job) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	if err := store.EnqueueJob(storage.Job{ID: "job-run", Type: JobTypeSync}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if status, _ := jobStatus(t, store, "job-run"); status == storage.JobCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job was not processed by Run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSyncScheduler(t *testing.T) {
	store := openTestStore(t)
	s := NewSyncScheduler(store, 3)

	pending, err := s.SyncPending()
	if err != nil || pending {
		t.Fatalf("SyncPending = %v, %v; want false", pending, err)
	}

	if err := s.RequestSync(time.Hour); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	first, err := store.PendingJob(SyncJobName)
	if err != nil {
		t.Fatalf("PendingJob: %v", err)
	}
	if err := s.RequestSync(time.Minute); err != nil {
		t.Fatalf("RequestSync: %v", err)
	}
	second, err := store.PendingJob(SyncJobName)
	if err != nil {
		t.Fatalf("PendingJob: %v", err)
	}
	if second.ID == first.ID {
		t.Error("second request should replace the first")
	}
	if second.MaxAttempts != 3 || second.Type != JobTypeSync {
		t.Errorf("job = %+v", second)
	}
	if !second.RunAfter.Before(first.RunAfter) {
		t.Error("replacement should carry the new delay")
	}

	if err := s.CancelSync(); err != nil {
		t.Fatalf("CancelSync: %v", err)
	}
	if pending, _ := s.SyncPending(); pending {
		t.Error("sync still pending after cancel")
	}
}

func TestReachableProbe(t *testing.T) {
	srv := httptest.NewServer(nil)
	probe := ReachableProbe(srv.URL, time.Second)
	if probe == nil {
		t.Fatal("probe is nil for a valid URL")
	}
	if !probe(context.Background()) {
		t.Error("probe reports a live server unreachable")
	}

	addr := srv.Listener.Addr().(*net.TCPAddr)
	srv.Close()
	closed := ReachableProbe(fmt.Sprintf("http://127.0.0.1:%d", addr.Port), 200*time.Millisecond)
	if closed(context.Background()) {
		t.Error("probe reports a closed port reachable")
	}

	if ReachableProbe("::not a url", time.Second) != nil {
		t.Error("probe should be nil for an invalid URL")
	}
}
