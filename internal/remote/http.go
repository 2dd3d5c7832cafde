package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

var errAuthRejected = errors.New("auth rejected")

type HTTPStoreOptions struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	// Name overrides BackupName.
	Name string
	// NewBackOff builds the in-call retry policy for transient failures.
	NewBackOff func() backoff.BackOff
}

// HTTPStore implements Store over the app-data file API:
//
//	GET  /files?name=<name>      -> {"files":[{"id":"..."}]}
//	GET  /files/{id}/content     -> raw bytes
//	POST /files?name=<name>      -> {"id":"..."}
//	PUT  /files/{id}/content
type HTTPStore struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	name       string
	newBackOff func() backoff.BackOff
}

var _ Store = (*HTTPStore)(nil)

func NewHTTPStore(opts HTTPStoreOptions) (*HTTPStore, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	s := &HTTPStore{
		baseURL:    baseURL,
		tokens:     opts.Tokens,
		httpClient: opts.HTTPClient,
		name:       opts.Name,
		newBackOff: opts.NewBackOff,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.name == "" {
		s.name = BackupName
	}
	if s.newBackOff == nil {
		s.newBackOff = defaultBackOff
	}
	return s, nil
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(bo, 3)
}

type fileRef struct {
	ID string `json:"id"`
}

func (s *HTTPStore) FindBackupID(ctx context.Context) (string, bool, error) {
	q := url.Values{"name": {s.name}}
	body, err := s.do(ctx, "find backup", http.MethodGet, "/files?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	var list struct {
		Files []fileRef `json:"files"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return "", false, fmt.Errorf("find backup: decoding listing: %w", err)
	}
	for _, f := range list.Files {
		if f.ID != "" {
			return f.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *HTTPStore) Download(ctx context.Context, id string) ([]byte, error) {
	return s.do(ctx, "download backup", http.MethodGet, "/files/"+url.PathEscape(id)+"/content", nil)
}

func (s *HTTPStore) Create(ctx context.Context, data []byte) (string, error) {
	q := url.Values{"name": {s.name}}
	body, err := s.do(ctx, "create backup", http.MethodPost, "/files?"+q.Encode(), data)
	if err != nil {
		return "", err
	}
	var ref fileRef
	if err := json.Unmarshal(body, &ref); err != nil || ref.ID == "" {
		return "", fmt.Errorf("create backup: response has no file id")
	}
	return ref.ID, nil
}

func (s *HTTPStore) Update(ctx context.Context, id string, data []byte) error {
	_, err := s.do(ctx, "update backup", http.MethodPut, "/files/"+url.PathEscape(id)+"/content", data)
	return err
}

// do runs one logical call. Transient failures are retried under the
// backoff policy; a 401/403 triggers exactly one token refresh and one more
// attempt before ErrUnauthorized.
func (s *HTTPStore) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	out, err := s.doWithRetry(ctx, op, method, path, body)
	if !errors.Is(err, errAuthRejected) {
		return out, err
	}

	slog.Info("remote store rejected token, refreshing", "op", op)
	if rerr := s.tokens.Refresh(ctx); rerr != nil {
		if IsTransient(rerr) {
			return nil, rerr
		}
		return nil, fmt.Errorf("%s: %w: refresh failed: %v", op, ErrUnauthorized, rerr)
	}
	out, err = s.doWithRetry(ctx, op, method, path, body)
	if errors.Is(err, errAuthRejected) {
		return nil, fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	return out, err
}

func (s *HTTPStore) doWithRetry(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	var out []byte
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		out, err = s.once(ctx, op, method, path, body)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			slog.Warn("transient remote failure", "op", op, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(operation, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) once(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		if IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, errAuthRejected)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Op: op, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &TransientError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return payload, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: http %d: %w", op, resp.StatusCode, errAuthRejected)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var errPayload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return nil, &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Error.Code,
		Message:    errPayload.Error.Message,
	}
}
