// Package remote talks to the single-file backup store behind bearer auth.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// BackupName is the fixed logical name of the backup file.
const BackupName = "pill_tracker_backup.json"

var (
	// ErrUnauthorized means the store rejected the credentials even after one
	// token refresh.
	ErrUnauthorized = errors.New("remote store rejected credentials")
	// ErrNotFound means the requested file does not exist.
	ErrNotFound = errors.New("remote file not found")
)

// Store is a single backup blob under a fixed name. FindBackupID reports
// found=false when no backup has been created yet.
type Store interface {
	FindBackupID(ctx context.Context) (id string, found bool, err error)
	Download(ctx context.Context, id string) ([]byte, error)
	Create(ctx context.Context, data []byte) (id string, err error)
	Update(ctx context.Context, id string, data []byte) error
}

// TransientError wraps a failure worth retrying: network errors, 429 and 5xx.
type TransientError struct {
	Op         string
	StatusCode int // 0 for network errors
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// HTTPError is a non-retryable response from the store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
