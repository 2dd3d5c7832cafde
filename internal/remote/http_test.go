package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFiles is a minimal in-memory file API.
type fakeFiles struct {
	mu     sync.Mutex
	token  string
	files  map[string][]byte
	nextID int

	// failNext makes the next n requests answer with failStatus.
	failNext   int
	failStatus int
	requests   int
}

func newFakeFiles(token string) *fakeFiles {
	return &fakeFiles{token: token, files: map[string][]byte{}}
}

func (f *fakeFiles) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++

	if r.Header.Get("X-Correlation-Id") == "" {
		http.Error(w, "missing correlation id", http.StatusBadRequest)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.failNext > 0 {
		f.failNext--
		w.WriteHeader(f.failStatus)
		return
	}

	switch {
	case r.URL.Path == "/files" && r.Method == http.MethodGet:
		var list struct {
			Files []fileRef `json:"files"`
		}
		list.Files = []fileRef{}
		for id := range f.files {
			list.Files = append(list.Files, fileRef{ID: id})
		}
		_ = json.NewEncoder(w).Encode(list)
	case r.URL.Path == "/files" && r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		f.nextID++
		id := "file-" + string(rune('0'+f.nextID))
		f.files[id] = body
		_ = json.NewEncoder(w).Encode(fileRef{ID: id})
	case len(r.URL.Path) > len("/files/") && r.Method == http.MethodGet:
		id := r.URL.Path[len("/files/") : len(r.URL.Path)-len("/content")]
		data, ok := f.files[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	case len(r.URL.Path) > len("/files/") && r.Method == http.MethodPut:
		id := r.URL.Path[len("/files/") : len(r.URL.Path)-len("/content")]
		if _, ok := f.files[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.files[id], _ = io.ReadAll(r.Body)
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"bad_route","message":"no such route"}}`))
	}
}

func (f *fakeFiles) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// countingTokens hands out a token and swaps to another on Refresh.
type countingTokens struct {
	mu        sync.Mutex
	token     string
	refreshed string
	refreshes int32
	err       error
}

func (c *countingTokens) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *countingTokens) Refresh(context.Context) error {
	atomic.AddInt32(&c.refreshes, 1)
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refreshed != "" {
		c.token = c.refreshed
	}
	return nil
}

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
}

func newTestStore(t *testing.T, srv *httptest.Server, tokens TokenSource) *HTTPStore {
	t.Helper()
	s, err := NewHTTPStore(HTTPStoreOptions{
		BaseURL:    srv.URL,
		Tokens:     tokens,
		HTTPClient: srv.Client(),
		NewBackOff: fastBackOff,
	})
	require.NoError(t, err)
	return s
}

func TestHTTPStoreLifecycle(t *testing.T) {
	files := newFakeFiles("good")
	srv := httptest.NewServer(files)
	defer srv.Close()
	s := newTestStore(t, srv, StaticToken("good"))
	ctx := context.Background()

	_, found, err := s.FindBackupID(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	id, err := s.Create(ctx, []byte(`{"v":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, found, err := s.FindBackupID(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id, got)

	require.NoError(t, s.Update(ctx, id, []byte(`{"v":2}`)))
	data, err := s.Download(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestHTTPStoreNotFound(t *testing.T) {
	srv := httptest.NewServer(newFakeFiles("good"))
	defer srv.Close()
	s := newTestStore(t, srv, StaticToken("good"))

	_, err := s.Download(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStoreRetriesTransient(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		files := newFakeFiles("good")
		files.failNext = 2
		files.failStatus = status
		srv := httptest.NewServer(files)

		s := newTestStore(t, srv, StaticToken("good"))
		_, _, err := s.FindBackupID(context.Background())
		assert.NoError(t, err, "status %d", status)
		assert.Equal(t, 3, files.count(), "status %d", status)
		srv.Close()
	}
}

func TestHTTPStoreTransientExhausted(t *testing.T) {
	files := newFakeFiles("good")
	files.failNext = 100
	files.failStatus = http.StatusBadGateway
	srv := httptest.NewServer(files)
	defer srv.Close()

	s := newTestStore(t, srv, StaticToken("good"))
	_, _, err := s.FindBackupID(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	// One attempt plus three retries.
	assert.Equal(t, 4, files.count())
}

func TestHTTPStoreRefreshesOnceOnUnauthorized(t *testing.T) {
	files := newFakeFiles("fresh")
	srv := httptest.NewServer(files)
	defer srv.Close()

	tokens := &countingTokens{token: "stale", refreshed: "fresh"}
	s := newTestStore(t, srv, tokens)

	_, _, err := s.FindBackupID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
}

func TestHTTPStoreUnauthorizedAfterRefresh(t *testing.T) {
	files := newFakeFiles("never")
	srv := httptest.NewServer(files)
	defer srv.Close()

	tokens := &countingTokens{token: "stale", refreshed: "still-stale"}
	s := newTestStore(t, srv, tokens)

	_, _, err := s.FindBackupID(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokens.refreshes))
	assert.Equal(t, 2, files.count())
}

func TestHTTPStoreRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(newFakeFiles("never"))
	defer srv.Close()

	tokens := &countingTokens{token: "stale", err: errors.New("invalid_grant")}
	s := newTestStore(t, srv, tokens)

	_, _, err := s.FindBackupID(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHTTPStoreClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"conflict","message":"busy"}}`))
	}))
	defer srv.Close()
	s := newTestStore(t, srv, StaticToken("t"))

	err := s.Update(context.Background(), "id", []byte("{}"))
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusConflict, he.StatusCode)
	assert.Equal(t, "conflict", he.Code)
	assert.False(t, IsTransient(err))
}

func TestNewHTTPStoreValidates(t *testing.T) {
	_, err := NewHTTPStore(HTTPStoreOptions{Tokens: StaticToken("t")})
	assert.Error(t, err)
	_, err = NewHTTPStore(HTTPStoreOptions{BaseURL: "http://x"})
	assert.Error(t, err)
}
