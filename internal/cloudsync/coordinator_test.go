package cloudsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pilltrack/internal/backup"
	"github.com/kalambet/pilltrack/internal/prefs"
	"github.com/kalambet/pilltrack/internal/remote"
	"github.com/kalambet/pilltrack/internal/storage"
)

// memRemote is an in-memory remote.Store holding at most one file.
type memRemote struct {
	mu      sync.Mutex
	id      string
	data    []byte
	err     error
	creates int
	updates int
}

func (r *memRemote) FindBackupID(context.Context) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", false, r.err
	}
	return r.id, r.id != "", nil
}

func (r *memRemote) Download(_ context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if id != r.id {
		return nil, remote.ErrNotFound
	}
	return append([]byte(nil), r.data...), nil
}

func (r *memRemote) Create(_ context.Context, data []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.creates++
	r.id = "backup-1"
	r.data = append([]byte(nil), data...)
	return r.id, nil
}

func (r *memRemote) Update(_ context.Context, id string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if id != r.id {
		return remote.ErrNotFound
	}
	r.updates++
	r.data = append([]byte(nil), data...)
	return nil
}

func (r *memRemote) payload(t *testing.T) backup.Payload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := backup.Unmarshal(r.data)
	require.NoError(t, err)
	return p
}

type fakeScheduler struct {
	mu        sync.Mutex
	requests  []time.Duration
	cancelled int
	pending   bool
}

func (s *fakeScheduler) RequestSync(delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, delay)
	s.pending = true
	return nil
}

func (s *fakeScheduler) CancelSync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled++
	s.pending = false
	return nil
}

func (s *fakeScheduler) SyncPending() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

type fakeCredentials struct{ cleared int }

func (f *fakeCredentials) Clear() error { f.cleared++; return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

type device struct {
	store *storage.Store
	sched *fakeScheduler
	clock *clock
	coord *Coordinator
	creds *fakeCredentials
}

func newDevice(t *testing.T, r remote.Store) *device {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	d := &device{store: st, sched: &fakeScheduler{}, clock: &clock{now: time.UnixMilli(1_000)}, creds: &fakeCredentials{}}
	d.coord, err = New(Options{
		Prefs:       st,
		Remote:      r,
		Scheduler:   d.sched,
		Credentials: d.creds,
		Debounce:    time.Second,
		Now:         d.clock.Now,
	})
	require.NoError(t, err)
	return d
}

func (d *device) put(t *testing.T, scope, key string, v prefs.Value) {
	t.Helper()
	require.NoError(t, d.store.PutPrefs(scope, map[string]prefs.Value{key: v}))
	require.NoError(t, d.coord.MarkLocalChanged())
}

func (d *device) bookkeeping(t *testing.T) Bookkeeping {
	t.Helper()
	b, err := d.coord.Status()
	require.NoError(t, err)
	return b
}

func scopesOf(t *testing.T, st *storage.Store) map[string]map[string]prefs.Value {
	t.Helper()
	out := map[string]map[string]prefs.Value{}
	for _, scope := range prefs.BackedUpScopes {
		m, err := st.ScopePrefs(scope)
		require.NoError(t, err)
		out[scope] = m
	}
	return out
}

func seedRemote(t *testing.T, r *memRemote, ts int64, scopes map[string]map[string]prefs.Value) {
	t.Helper()
	data, err := backup.Marshal(backup.Payload{Version: 1, LastModifiedMs: ts, DeviceID: "other", Scopes: scopes})
	require.NoError(t, err)
	r.id = "backup-1"
	r.data = data
}

func TestRunSyncCycleSignedOutIsNoop(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)

	out, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Zero(t, r.creates+r.updates)
}

func TestRunSyncCycleNoBackupBeforeInitialSync(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))

	out, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoBackup, out)
	assert.Zero(t, r.creates)
	assert.Equal(t, StatusNoBackup, d.bookkeeping(t).LastStatus)
}

func TestCreateBackupNowEstablishesBaseline(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	d.put(t, prefs.ScopeConfig, "active_count", prefs.Int(21))

	d.clock.Set(5_000)
	require.NoError(t, d.coord.CreateBackupNow(context.Background()))
	assert.Equal(t, 1, r.creates)

	b := d.bookkeeping(t)
	assert.Equal(t, int64(5_000), b.BaselineMs)
	assert.True(t, b.InitialSyncCompleted)
	assert.Equal(t, StatusSuccess, b.LastStatus)

	p := r.payload(t)
	assert.Equal(t, int64(5_000), p.LastModifiedMs)
	assert.True(t, p.Scopes[prefs.ScopeConfig]["active_count"].Equal(prefs.Int(21)))
	_, leaked := p.Scopes[prefs.ScopeSync]
	assert.False(t, leaked, "sync scope must not be backed up")
}

func TestRunSyncCycleCreatesAfterInitialSync(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.CreateBackupNow(context.Background()))

	// The remote file disappeared; the next cycle recreates it.
	r.id, r.data = "", nil
	d.clock.Set(9_000)
	out, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)
	assert.Equal(t, 2, r.creates)
	assert.Equal(t, int64(9_000), d.bookkeeping(t).BaselineMs)
}

func TestRunSyncCycleRemoteNewerRestores(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	d.put(t, prefs.ScopeStatus, "status_2026-01-01", prefs.String("NOT_TAKEN"))
	d.put(t, prefs.ScopeConfig, "local_only", prefs.Bool(true))

	remoteScopes := map[string]map[string]prefs.Value{
		prefs.ScopeConfig:  {"active_count": prefs.Int(24), "placebo_count": prefs.Int(4)},
		prefs.ScopeStatus:  {"status_2026-01-01": prefs.String("TAKEN"), "takenAt_2026-01-01": prefs.Int(1_767_225_600_000)},
		prefs.ScopeAccount: {"tags": prefs.StringSet([]string{"b", "a"})},
	}
	seedRemote(t, r, 2_000, remoteScopes)

	events, unsubscribe := d.coord.Subscribe()
	defer unsubscribe()

	out, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestored, out)
	assert.Zero(t, r.updates)

	local := scopesOf(t, d.store)
	for scope, want := range remoteScopes {
		require.Len(t, local[scope], len(want), scope)
		for k, v := range want {
			assert.True(t, v.Equal(local[scope][k]), "%s/%s", scope, k)
		}
	}

	b := d.bookkeeping(t)
	assert.Equal(t, int64(2_000), b.BaselineMs)
	assert.Equal(t, StatusSuccess, b.LastStatus)
	assert.True(t, b.InitialSyncCompleted)

	var sawRestore bool
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventRestored {
			sawRestore = true
		}
	}
	assert.True(t, sawRestore)
}

func TestRunSyncCycleLocalWinsUploads(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	seedRemote(t, r, 2_000, map[string]map[string]prefs.Value{
		prefs.ScopeConfig: {"active_count": prefs.Int(24)},
	})

	d.clock.Set(2_500)
	_, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)

	d.clock.Set(3_000)
	d.put(t, prefs.ScopeConfig, "active_count", prefs.Int(28))
	d.clock.Set(4_000)
	out, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)
	assert.Equal(t, 1, r.updates)

	p := r.payload(t)
	assert.Equal(t, int64(4_000), p.LastModifiedMs)
	assert.Equal(t, scopesOf(t, d.store)[prefs.ScopeConfig], p.Scopes[prefs.ScopeConfig])
	assert.Equal(t, int64(4_000), d.bookkeeping(t).BaselineMs)
}

func TestTwoDevicesLastWriterWins(t *testing.T) {
	r := &memRemote{}
	a := newDevice(t, r)
	b := newDevice(t, r)
	require.NoError(t, a.coord.SignIn("same@example.com"))
	require.NoError(t, b.coord.SignIn("same@example.com"))

	// A establishes the backup at t=100 and uploads a change at t=150.
	a.clock.Set(100)
	require.NoError(t, a.coord.CreateBackupNow(context.Background()))
	a.clock.Set(140)
	a.put(t, prefs.ScopeConfig, "active_count", prefs.Int(24))
	a.clock.Set(150)
	out, err := a.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeUploaded, out)

	// B changed locally at t=120 and has never synced (baseline 0).
	b.clock.Set(120)
	b.put(t, prefs.ScopeConfig, "active_count", prefs.Int(21))
	b.clock.Set(160)
	out, err = b.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestored, out)

	v, ok, err := b.store.GetPref(prefs.ScopeConfig, "active_count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, v.Equal(prefs.Int(24)))
	assert.Equal(t, int64(150), b.bookkeeping(t).BaselineMs)
}

func TestSnapshotStampNeverBelowBaseline(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	seedRemote(t, r, 10_000, map[string]map[string]prefs.Value{prefs.ScopeConfig: {}})

	d.clock.Set(5_000)
	_, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)

	// The local clock lags the remote writer.
	d.clock.Set(6_000)
	out, err := d.coord.RunSyncCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeUploaded, out)
	assert.Equal(t, int64(10_001), r.payload(t).LastModifiedMs)
}

func TestUploadNowRestoresAndReschedules(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	seedRemote(t, r, 2_000, map[string]map[string]prefs.Value{prefs.ScopeConfig: {"x": prefs.Int(1)}})

	out, err := d.coord.UploadNowWithConflictProtection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRestored, out)
	assert.Equal(t, []time.Duration{time.Second}, d.sched.requests)
	assert.Zero(t, r.updates)
}

func TestUploadNowRequiresAccount(t *testing.T) {
	d := newDevice(t, &memRemote{})
	_, err := d.coord.UploadNowWithConflictProtection(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestTransientFailureLeavesStateUnchanged(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.CreateBackupNow(context.Background()))
	before := d.bookkeeping(t)

	r.err = &remote.TransientError{Op: "find backup", StatusCode: 503, Err: errors.New("unavailable")}
	_, err := d.coord.RunSyncCycle(context.Background())
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.Equal(t, before, d.bookkeeping(t))

	jobErr := d.coord.HandleSyncJob(context.Background())
	var perm *backoff.PermanentError
	assert.False(t, errors.As(jobErr, &perm), "transient errors stay retryable")

	d.coord.GiveUp(err)
	after := d.bookkeeping(t)
	assert.Equal(t, StatusError, after.LastStatus)
	assert.Contains(t, after.LastError, "unavailable")
	assert.Equal(t, before.BaselineMs, after.BaselineMs)
}

func TestUnauthorizedRequiresReauth(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	r.err = remote.ErrUnauthorized

	err := d.coord.HandleSyncJob(context.Background())
	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.ErrorIs(t, err, ErrReauthRequired)

	b := d.bookkeeping(t)
	assert.True(t, b.AuthRequired)
	assert.Equal(t, StatusError, b.LastStatus)
	assert.Equal(t, 1, d.sched.cancelled)

	// Background sync stays off until the next sign-in.
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Empty(t, d.sched.requests)

	r.err = nil
	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Equal(t, []time.Duration{time.Second}, d.sched.requests)
}

func TestMalformedRemoteIsNotApplied(t *testing.T) {
	r := &memRemote{id: "backup-1", data: []byte(`{"prefs":{}}`)}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	d.put(t, prefs.ScopeConfig, "keep", prefs.Bool(true))

	err := d.coord.HandleSyncJob(context.Background())
	var perm *backoff.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.ErrorIs(t, err, backup.ErrMalformedPayload)

	v, ok, _ := d.store.GetPref(prefs.ScopeConfig, "keep")
	assert.True(t, ok && v.Equal(prefs.Bool(true)))
	assert.Equal(t, StatusError, d.bookkeeping(t).LastStatus)
}

func TestMarkLocalChangedAndDebounce(t *testing.T) {
	d := newDevice(t, &memRemote{})

	// Signed out: recorded but no sync is scheduled.
	d.clock.Set(42_000)
	require.NoError(t, d.coord.MarkLocalChanged())
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Empty(t, d.sched.requests)
	assert.Equal(t, int64(42_000), d.bookkeeping(t).LocalLastChangedMs)

	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.RequestSyncDebounced(250*time.Millisecond))
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Equal(t, []time.Duration{250 * time.Millisecond, time.Second}, d.sched.requests)
	assert.Equal(t, StatePending, d.coord.State())
	assert.Equal(t, int64(42_000), d.bookkeeping(t).LocalLastChangedMs, "sign-in keeps the change marker")

	require.NoError(t, d.coord.SetAutoUpload(false))
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Len(t, d.sched.requests, 2)
	assert.Equal(t, StateIdle, d.coord.State())
}

func TestSetAutoUpload(t *testing.T) {
	d := newDevice(t, &memRemote{})

	assert.ErrorIs(t, d.coord.SetAutoUpload(true), ErrNotSignedIn)
	assert.False(t, d.bookkeeping(t).AutoUploadEnabled)

	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.SetAutoUpload(false))
	assert.False(t, d.bookkeeping(t).AutoUploadEnabled)
	assert.Equal(t, 1, d.sched.cancelled)

	d.put(t, prefs.ScopeConfig, "k", prefs.Int(1))
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Empty(t, d.sched.requests)

	require.NoError(t, d.coord.SetAutoUpload(true))
	assert.True(t, d.bookkeeping(t).AutoUploadEnabled)
	assert.Equal(t, []time.Duration{time.Second}, d.sched.requests)
}

// gatedRemote blocks every FindBackupID until released and tracks overlap.
type gatedRemote struct {
	memRemote
	entered  chan struct{}
	release  chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (g *gatedRemote) FindBackupID(ctx context.Context) (string, bool, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		m := g.maxSeen.Load()
		if n <= m || g.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	g.entered <- struct{}{}
	<-g.release
	return g.memRemote.FindBackupID(ctx)
}

func TestRunSyncCycleOneAtATime(t *testing.T) {
	r := &gatedRemote{entered: make(chan struct{}, 2), release: make(chan struct{})}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	assert.Equal(t, StateIdle, d.coord.State())

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := d.coord.RunSyncCycle(context.Background())
			assert.NoError(t, err)
			outcomes <- out
		}()
	}

	<-r.entered
	assert.Equal(t, StateSyncing, d.coord.State())
	select {
	case <-r.entered:
		t.Fatal("second cycle reached the remote while the first was running")
	case <-time.After(50 * time.Millisecond):
	}

	r.release <- struct{}{}
	<-r.entered
	assert.Equal(t, StateSyncing, d.coord.State())
	r.release <- struct{}{}
	wg.Wait()
	close(outcomes)

	assert.Equal(t, int32(1), r.maxSeen.Load())
	for out := range outcomes {
		assert.Equal(t, OutcomeNoBackup, out)
	}
	assert.Equal(t, StateIdle, d.coord.State())
}

func TestSignOutClearsBookkeeping(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.CreateBackupNow(context.Background()))
	deviceID, err := DeviceID(d.store)
	require.NoError(t, err)

	require.NoError(t, d.coord.SignOut())
	b := d.bookkeeping(t)
	assert.False(t, b.SignedIn())
	assert.Zero(t, b.BaselineMs)
	assert.Equal(t, StatusNotSynced, b.LastStatus)
	assert.Equal(t, 1, d.sched.cancelled)
	assert.Equal(t, 1, d.creds.cleared)

	again, err := DeviceID(d.store)
	require.NoError(t, err)
	assert.Equal(t, deviceID, again, "device id survives sign-out")
}

func TestSignInDifferentAccountResets(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	require.NoError(t, d.coord.CreateBackupNow(context.Background()))

	require.NoError(t, d.coord.SignIn("b@example.com"))
	b := d.bookkeeping(t)
	assert.Equal(t, "b@example.com", b.AccountEmail)
	assert.Zero(t, b.BaselineMs)
	assert.False(t, b.InitialSyncCompleted)
}

func TestInitialSyncAndRestoreNow(t *testing.T) {
	r := &memRemote{}
	d := newDevice(t, r)
	require.NoError(t, d.coord.SignIn("a@example.com"))

	res, err := d.coord.InitialSync(context.Background())
	require.NoError(t, err)
	assert.False(t, res.BackupFound)
	assert.NotEmpty(t, res.LocalDeviceID)
	assert.ErrorIs(t, d.coord.RestoreNow(context.Background()), ErrNoBackup)

	seedRemote(t, r, 7_000, map[string]map[string]prefs.Value{prefs.ScopeAccount: {"name": prefs.String("Ann")}})
	res, err = d.coord.InitialSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.BackupFound)
	assert.Equal(t, int64(7_000), res.RemoteModifiedMs)
	assert.Equal(t, "other", res.RemoteDeviceID)

	// Inspection alone changes nothing.
	_, ok, _ := d.store.GetPref(prefs.ScopeAccount, "name")
	assert.False(t, ok)

	require.NoError(t, d.coord.RestoreNow(context.Background()))
	v, ok, _ := d.store.GetPref(prefs.ScopeAccount, "name")
	assert.True(t, ok && v.Equal(prefs.String("Ann")))
	assert.Equal(t, int64(7_000), d.bookkeeping(t).BaselineMs)
}

func TestRemoteNotConfigured(t *testing.T) {
	d := newDevice(t, nil)
	require.NoError(t, d.coord.SignIn("a@example.com"))
	_, err := d.coord.UploadNowWithConflictProtection(context.Background())
	assert.ErrorIs(t, err, ErrRemoteNotConfigured)
	require.NoError(t, d.coord.RequestSyncDebounced(0))
	assert.Empty(t, d.sched.requests)
}
