package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultMaxAttempts = 5

const jobColumns = `id, type, unique_name, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob inserts a pending job. When job.UniqueName is set, any pending job
// with the same name is replaced so at most one remains queued. A job of that
// name that is already running is left alone.
func (s *Store) EnqueueJob(job Job) error {
	now := s.timestamp()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(timeLayout)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	var unique sql.NullString
	if job.UniqueName != "" {
		unique = sql.NullString{String: job.UniqueName, Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if unique.Valid {
		if _, err := tx.Exec(`DELETE FROM jobs WHERE unique_name = ? AND status = 'pending'`, unique); err != nil {
			return fmt.Errorf("replacing pending job %q: %w", job.UniqueName, err)
		}
	}
	_, err = tx.Exec(`
		INSERT INTO jobs (id, type, unique_name, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, unique, payload, maxAttempts, runAfter, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return tx.Commit()
}

// ClaimNextJob marks the oldest due pending job of one of the given types as
// running and returns it. It returns nil, nil when nothing is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := s.timestamp()
	where, args := dueFilter(now, types)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where + `
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	if j.UpdatedAt, err = parseTime(now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// HasDueJob reports whether ClaimNextJob would find a job, without claiming it.
func (s *Store) HasDueJob(types []string) (bool, error) {
	if len(types) == 0 {
		return false, nil
	}
	where, args := dueFilter(s.timestamp(), types)
	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM jobs WHERE `+where+`)`, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking for due jobs: %w", err)
	}
	return exists, nil
}

func dueFilter(now string, types []string) (string, []any) {
	where := `status = 'pending' AND run_after <= ? AND type IN (?` + strings.Repeat(",?", len(types)-1) + `)`
	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}
	return where, args
}

func (s *Store) CompleteJob(id string) error {
	return s.setJobStatus(id, JobCompleted)
}

// FailJob records a failed attempt. If attempts remain the job goes back to
// pending and becomes due after retryIn; otherwise it is marked failed and
// exhausted is true.
func (s *Store) FailJob(id, errMsg string, retryIn time.Duration) (exhausted bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := s.now().UTC()
	attempts++
	exhausted = attempts >= maxAttempts

	if exhausted {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(timeLayout), id)
	} else {
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Add(retryIn).Format(timeLayout), now.Format(timeLayout), id)
	}
	if err != nil {
		// A newer pending job with the same unique name already holds the slot.
		if !exhausted && isUniqueViolation(err) {
			_, err = tx.Exec(`UPDATE jobs SET status = 'cancelled', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				attempts, errMsg, now.Format(timeLayout), id)
		}
		if err != nil {
			return false, err
		}
	}

	return exhausted, tx.Commit()
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// AbandonJob marks a job failed without further attempts.
func (s *Store) AbandonJob(id, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ? WHERE id = ?`,
		errMsg, s.timestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelPendingJobs cancels every pending job with the given unique name and
// reports how many were cancelled.
func (s *Store) CancelPendingJobs(uniqueName string) (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'cancelled', updated_at = ? WHERE unique_name = ? AND status = 'pending'`,
		s.timestamp(), uniqueName)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueRunningJobs returns jobs left running by a previous process to
// pending. Call it before any worker starts.
func (s *Store) RequeueRunningJobs() (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := s.timestamp()
	// A stale running job loses to a newer pending job of the same name.
	if _, err := tx.Exec(`
		UPDATE jobs SET status = 'cancelled', updated_at = ?
		WHERE status = 'running' AND unique_name IS NOT NULL
		  AND unique_name IN (SELECT unique_name FROM jobs WHERE status = 'pending' AND unique_name IS NOT NULL)`, now); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`UPDATE jobs SET status = 'pending', run_after = ?, updated_at = ? WHERE status = 'running'`, now, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *Store) GetJob(id string) (*Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// PendingJob returns the queued job with the given unique name, or ErrNotFound.
func (s *Store) PendingJob(uniqueName string) (*Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE unique_name = ? AND status = 'pending'`, uniqueName))
}

// RunningJob returns the in-flight job with the given unique name, or ErrNotFound.
func (s *Store) RunningJob(uniqueName string) (*Job, error) {
	return scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE unique_name = ? AND status = 'running'
		ORDER BY updated_at DESC LIMIT 1`, uniqueName))
}

func (s *Store) setJobStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, s.timestamp(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var unique, lastError sql.NullString
	var runAfter, createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.Type, &unique, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.UniqueName = unique.String
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}
