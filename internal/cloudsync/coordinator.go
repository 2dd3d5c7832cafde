// Package cloudsync keeps the local preference scopes and the single remote
// backup consistent under whole-payload last-writer-wins.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalambet/pilltrack/internal/backup"
	"github.com/kalambet/pilltrack/internal/prefs"
	"github.com/kalambet/pilltrack/internal/remote"
)

const instrumentationScope = "github.com/kalambet/pilltrack/internal/cloudsync"

var (
	ErrNotSignedIn         = errors.New("no account signed in")
	ErrReauthRequired      = errors.New("re-authentication required")
	ErrRemoteNotConfigured = errors.New("remote backup store not configured")
	ErrNoBackup            = errors.New("no remote backup found")
)

// State of the sync state machine.
type State string

const (
	StateIdle    State = "IDLE"
	StatePending State = "PENDING"
	StateSyncing State = "SYNCING"
)

// Outcome says what a completed cycle did.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeUploaded Outcome = "uploaded"
	OutcomeRestored Outcome = "restored"
	OutcomeNoBackup Outcome = "no_backup"
)

// Scheduler runs sync cycles in the background. RequestSync replaces any
// not-yet-started request; it never stacks a second one.
type Scheduler interface {
	RequestSync(delay time.Duration) error
	CancelSync() error
	SyncPending() (bool, error)
}

// Credentials is the signed-in account's token storage.
type Credentials interface {
	Clear() error
}

type Options struct {
	Prefs prefs.Store
	// Replacer applies restored scopes. It defaults to Prefs; pass the
	// schedule engine so restores never interleave with a rebuild.
	Replacer  backup.Replacer
	Remote    remote.Store
	Scheduler Scheduler
	// Credentials are cleared on sign-out when set.
	Credentials Credentials
	// Debounce is the delay used when RequestSyncDebounced gets zero.
	Debounce time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Coordinator owns the sync bookkeeping and runs sync cycles one at a time.
type Coordinator struct {
	prefs       prefs.Store
	replacer    backup.Replacer
	remote      remote.Store
	scheduler   Scheduler
	credentials Credentials
	debounce    time.Duration
	now         func() time.Time
	logger      *slog.Logger

	tracer  trace.Tracer
	cycles  metric.Int64Counter
	failed  metric.Int64Counter
	elapsed metric.Float64Histogram

	// cycleMu admits one cycle at a time; bkMu guards read-modify-write of
	// the bookkeeping.
	cycleMu sync.Mutex
	bkMu    sync.Mutex

	syncingMu sync.Mutex
	syncing   bool

	events broadcaster
}

func New(opts Options) (*Coordinator, error) {
	if opts.Prefs == nil {
		return nil, errors.New("cloudsync: preference store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("cloudsync: scheduler is required")
	}
	c := &Coordinator{
		prefs:       opts.Prefs,
		replacer:    opts.Replacer,
		remote:      opts.Remote,
		scheduler:   opts.Scheduler,
		credentials: opts.Credentials,
		debounce:    opts.Debounce,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if c.replacer == nil {
		c.replacer = opts.Prefs
	}
	if c.debounce <= 0 {
		c.debounce = 5 * time.Second
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.tracer = otel.Tracer(instrumentationScope)
	m := otel.Meter(instrumentationScope)
	c.cycles, _ = m.Int64Counter("pilltrack.sync.cycles",
		metric.WithDescription("Completed sync cycles by outcome"))
	c.failed, _ = m.Int64Counter("pilltrack.sync.failures",
		metric.WithDescription("Failed sync cycles"))
	c.elapsed, _ = m.Float64Histogram("pilltrack.sync.duration",
		metric.WithDescription("Sync cycle duration in milliseconds"),
		metric.WithUnit("ms"))
	return c, nil
}

// Subscribe returns a stream of sync events and a function that ends the
// subscription.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

func (c *Coordinator) Status() (Bookkeeping, error) {
	return LoadBookkeeping(c.prefs)
}

func (c *Coordinator) State() State {
	c.syncingMu.Lock()
	syncing := c.syncing
	c.syncingMu.Unlock()
	if syncing {
		return StateSyncing
	}
	pending, err := c.scheduler.SyncPending()
	if err != nil {
		c.logger.Warn("checking pending sync", "error", err)
	}
	if pending {
		return StatePending
	}
	return StateIdle
}

// MarkLocalChanged records that a backed-up scope was just mutated.
func (c *Coordinator) MarkLocalChanged() error {
	_, err := c.update(false, func(b *Bookkeeping) {
		b.LocalLastChangedMs = c.now().UnixMilli()
	})
	return err
}

// RequestSyncDebounced (re)schedules the single pending background sync. It
// does nothing while sync is off: signed out, awaiting re-authentication or
// with automatic upload disabled.
func (c *Coordinator) RequestSyncDebounced(delay time.Duration) error {
	b, err := LoadBookkeeping(c.prefs)
	if err != nil {
		return err
	}
	if !b.SignedIn() || b.AuthRequired || !b.AutoUploadEnabled || c.remote == nil {
		return nil
	}
	if delay <= 0 {
		delay = c.debounce
	}
	if err := c.scheduler.RequestSync(delay); err != nil {
		return fmt.Errorf("scheduling sync: %w", err)
	}
	return nil
}

// RunSyncCycle runs the background conflict-resolution cycle. When no remote
// backup exists it is created only after the initial sync has been settled;
// before that the status becomes NO_BACKUP and the user decides.
func (c *Coordinator) RunSyncCycle(ctx context.Context) (Outcome, error) {
	return c.cycle(ctx, "sync.cycle", false)
}

// UploadNowWithConflictProtection is the user-triggered "sync now". A newer
// remote is restored instead of overwritten and a background sync is
// scheduled to propagate the restored state.
func (c *Coordinator) UploadNowWithConflictProtection(ctx context.Context) (Outcome, error) {
	out, err := c.cycle(ctx, "sync.upload_now", true)
	if err == nil && out == OutcomeRestored {
		if serr := c.scheduler.RequestSync(c.debounce); serr != nil {
			c.logger.Warn("scheduling re-sync after restore", "error", serr)
		}
	}
	return out, err
}

func (c *Coordinator) cycle(ctx context.Context, name string, explicit bool) (out Outcome, err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx, done := c.begin(ctx, name)
	defer func() { done(out, err) }()

	b, err := LoadBookkeeping(c.prefs)
	if err != nil {
		return "", err
	}
	if !b.SignedIn() {
		if explicit {
			return "", ErrNotSignedIn
		}
		return OutcomeSkipped, nil
	}
	if b.AuthRequired {
		return "", ErrReauthRequired
	}
	if c.remote == nil {
		return "", ErrRemoteNotConfigured
	}

	local, data, err := c.snapshot(b)
	if err != nil {
		return "", err
	}

	id, found, err := c.remote.FindBackupID(ctx)
	if err != nil {
		return "", c.remoteFailure(err)
	}
	if !found {
		if !b.InitialSyncCompleted {
			c.logger.Info("no remote backup; waiting for the user to create one")
			return OutcomeNoBackup, c.record(func(b *Bookkeeping) {
				b.LastStatus = StatusNoBackup
				b.LastError = ""
			})
		}
		if _, err := c.remote.Create(ctx, data); err != nil {
			return "", c.remoteFailure(err)
		}
		c.logger.Info("created remote backup", "ts", local.LastModifiedMs)
		return OutcomeUploaded, c.succeeded(local.LastModifiedMs)
	}

	rp, err := c.download(ctx, id)
	if err != nil {
		return "", err
	}

	if rp.LastModifiedMs > b.BaselineMs {
		c.logger.Info("remote backup is newer; restoring",
			"remote_ts", rp.LastModifiedMs, "baseline", b.BaselineMs, "remote_device", rp.DeviceID)
		if err := c.restore(rp); err != nil {
			return "", err
		}
		return OutcomeRestored, nil
	}

	if err := c.remote.Update(ctx, id, data); err != nil {
		return "", c.remoteFailure(err)
	}
	c.logger.Info("uploaded local backup", "ts", local.LastModifiedMs, "baseline", b.BaselineMs)
	return OutcomeUploaded, c.succeeded(local.LastModifiedMs)
}

// CreateBackupNow uploads local state unconditionally and establishes the
// baseline. It is the user's answer to NO_BACKUP.
func (c *Coordinator) CreateBackupNow(ctx context.Context) (err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx, done := c.begin(ctx, "sync.create_backup")
	defer func() { done(OutcomeUploaded, err) }()

	b, err := c.ready()
	if err != nil {
		return err
	}
	local, data, err := c.snapshot(b)
	if err != nil {
		return err
	}

	id, found, err := c.remote.FindBackupID(ctx)
	if err != nil {
		return c.remoteFailure(err)
	}
	if found {
		err = c.remote.Update(ctx, id, data)
	} else {
		_, err = c.remote.Create(ctx, data)
	}
	if err != nil {
		return c.remoteFailure(err)
	}
	return c.succeeded(local.LastModifiedMs)
}

// InitialSyncResult describes the remote backup found right after sign-in.
type InitialSyncResult struct {
	BackupFound      bool   `json:"backupFound"`
	RemoteModifiedMs int64  `json:"remoteModifiedEpochMs,omitempty"`
	RemoteDeviceID   string `json:"remoteDeviceId,omitempty"`
	LocalDeviceID    string `json:"localDeviceId"`
}

// InitialSync inspects the remote after sign-in without changing any data.
// The caller then chooses RestoreNow or CreateBackupNow.
func (c *Coordinator) InitialSync(ctx context.Context) (res InitialSyncResult, err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx, done := c.begin(ctx, "sync.initial")
	defer func() { done(OutcomeSkipped, err) }()

	if _, err := c.ready(); err != nil {
		return res, err
	}
	if res.LocalDeviceID, err = DeviceID(c.prefs); err != nil {
		return res, err
	}

	id, found, err := c.remote.FindBackupID(ctx)
	if err != nil {
		return res, c.remoteFailure(err)
	}
	if !found {
		return res, c.record(func(b *Bookkeeping) {
			b.LastStatus = StatusNoBackup
			b.LastError = ""
		})
	}
	rp, err := c.download(ctx, id)
	if err != nil {
		return res, err
	}
	res.BackupFound = true
	res.RemoteModifiedMs = rp.LastModifiedMs
	res.RemoteDeviceID = rp.DeviceID
	return res, nil
}

// RestoreNow replaces local state with the remote backup regardless of
// timestamps.
func (c *Coordinator) RestoreNow(ctx context.Context) (err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ctx, done := c.begin(ctx, "sync.restore")
	defer func() { done(OutcomeRestored, err) }()

	if _, err := c.ready(); err != nil {
		return err
	}
	id, found, err := c.remote.FindBackupID(ctx)
	if err != nil {
		return c.remoteFailure(err)
	}
	if !found {
		if rerr := c.record(func(b *Bookkeeping) { b.LastStatus = StatusNoBackup }); rerr != nil {
			return rerr
		}
		return ErrNoBackup
	}
	rp, err := c.download(ctx, id)
	if err != nil {
		return err
	}
	return c.restore(rp)
}

// SignIn attaches an account and turns background sync on. Signing in again
// with the same account keeps the baseline; a different account starts over.
func (c *Coordinator) SignIn(email string) error {
	if email == "" {
		return errors.New("account email is required")
	}
	_, err := c.update(true, func(b *Bookkeeping) {
		if b.AccountEmail != email {
			*b = Bookkeeping{
				LocalLastChangedMs: b.LocalLastChangedMs,
				LastStatus:         StatusNotSynced,
			}
		}
		b.AccountEmail = email
		b.AuthRequired = false
		b.AutoUploadEnabled = true
		b.LastError = ""
	})
	return err
}

// SignOut disables sync, cancels any pending request and forgets the
// bookkeeping and stored credentials.
func (c *Coordinator) SignOut() error {
	if err := c.scheduler.CancelSync(); err != nil {
		return fmt.Errorf("cancelling pending sync: %w", err)
	}

	c.bkMu.Lock()
	err := c.prefs.ClearScope(prefs.ScopeSync)
	c.bkMu.Unlock()
	if err != nil {
		return fmt.Errorf("clearing sync bookkeeping: %w", err)
	}

	if c.credentials != nil {
		if err := c.credentials.Clear(); err != nil {
			c.logger.Warn("clearing stored credentials", "error", err)
		}
	}
	c.publish(EventStatusChanged)
	return nil
}

// SetAutoUpload turns background uploads on or off for the signed-in account.
// Turning them on schedules a sync for changes made while they were off.
func (c *Coordinator) SetAutoUpload(enabled bool) error {
	b, err := c.update(true, func(b *Bookkeeping) {
		if b.SignedIn() {
			b.AutoUploadEnabled = enabled
		}
	})
	if err != nil {
		return err
	}
	if !b.SignedIn() {
		return ErrNotSignedIn
	}
	if enabled {
		return c.RequestSyncDebounced(0)
	}
	return c.scheduler.CancelSync()
}

// GiveUp records that background retries for a cycle are exhausted.
func (c *Coordinator) GiveUp(cause error) {
	err := c.record(func(b *Bookkeeping) {
		b.LastStatus = StatusError
		b.LastError = cause.Error()
	})
	if err != nil {
		c.logger.Error("recording sync failure", "error", err)
	}
}

// HandleSyncJob is the worker entry point for a scheduled sync. Errors that
// retrying cannot fix are marked permanent.
func (c *Coordinator) HandleSyncJob(ctx context.Context) error {
	out, err := c.RunSyncCycle(ctx)
	if err == nil {
		c.logger.Debug("background sync finished", "outcome", out)
		return nil
	}
	if Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// Retryable reports whether a failed cycle may succeed when run again.
func Retryable(err error) bool {
	return remote.IsTransient(err)
}

func (c *Coordinator) ready() (Bookkeeping, error) {
	b, err := LoadBookkeeping(c.prefs)
	if err != nil {
		return b, err
	}
	switch {
	case !b.SignedIn():
		return b, ErrNotSignedIn
	case b.AuthRequired:
		return b, ErrReauthRequired
	case c.remote == nil:
		return b, ErrRemoteNotConfigured
	}
	return b, nil
}

// snapshot captures the backed-up scopes. The stamp never goes below the
// baseline so a device with a lagging clock still publishes a newer payload.
func (c *Coordinator) snapshot(b Bookkeeping) (backup.Payload, []byte, error) {
	deviceID, err := DeviceID(c.prefs)
	if err != nil {
		return backup.Payload{}, nil, err
	}
	now := c.now()
	if now.UnixMilli() <= b.BaselineMs {
		now = time.UnixMilli(b.BaselineMs + 1)
	}
	p, err := backup.Snapshot(c.prefs, prefs.BackedUpScopes, deviceID, now)
	if err != nil {
		return backup.Payload{}, nil, fmt.Errorf("building snapshot: %w", err)
	}
	data, err := backup.Marshal(p)
	if err != nil {
		return backup.Payload{}, nil, err
	}
	return p, data, nil
}

func (c *Coordinator) download(ctx context.Context, id string) (backup.Payload, error) {
	data, err := c.remote.Download(ctx, id)
	if err != nil {
		return backup.Payload{}, c.remoteFailure(err)
	}
	p, err := backup.Unmarshal(data)
	if err != nil {
		c.logger.Error("remote backup is unreadable", "file_id", id, "error", err)
		if rerr := c.record(func(b *Bookkeeping) {
			b.LastStatus = StatusError
			b.LastError = err.Error()
		}); rerr != nil {
			c.logger.Error("recording sync failure", "error", rerr)
		}
		return backup.Payload{}, err
	}
	return p, nil
}

func (c *Coordinator) restore(p backup.Payload) error {
	if err := backup.Apply(p, c.replacer); err != nil {
		return err
	}
	if _, err := c.update(false, func(b *Bookkeeping) {
		b.BaselineMs = p.LastModifiedMs
		b.InitialSyncCompleted = true
		b.LastStatus = StatusSuccess
		b.LastSyncTimeMs = c.now().UnixMilli()
		b.LastError = ""
	}); err != nil {
		return err
	}
	c.publish(EventRestored)
	c.publish(EventStatusChanged)
	return nil
}

func (c *Coordinator) succeeded(baseline int64) error {
	return c.record(func(b *Bookkeeping) {
		b.BaselineMs = baseline
		b.InitialSyncCompleted = true
		b.LastStatus = StatusSuccess
		b.LastSyncTimeMs = c.now().UnixMilli()
		b.LastError = ""
	})
}

// remoteFailure maps a store error. Rejected credentials disable sync until
// the next sign-in; transient errors leave the status alone for the retry
// policy to settle.
func (c *Coordinator) remoteFailure(err error) error {
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		c.logger.Warn("remote store rejected credentials; re-authentication required", "error", err)
		if rerr := c.record(func(b *Bookkeeping) {
			b.AuthRequired = true
			b.LastStatus = StatusError
			b.LastError = ErrReauthRequired.Error()
		}); rerr != nil {
			c.logger.Error("recording auth failure", "error", rerr)
		}
		if cerr := c.scheduler.CancelSync(); cerr != nil {
			c.logger.Warn("cancelling pending sync", "error", cerr)
		}
		return fmt.Errorf("%w: %v", ErrReauthRequired, err)
	case remote.IsTransient(err):
		return err
	}
	if rerr := c.record(func(b *Bookkeeping) {
		b.LastStatus = StatusError
		b.LastError = err.Error()
	}); rerr != nil {
		c.logger.Error("recording sync failure", "error", rerr)
	}
	return err
}

// record applies fn to the bookkeeping and notifies subscribers.
func (c *Coordinator) record(fn func(*Bookkeeping)) error {
	_, err := c.update(true, fn)
	return err
}

func (c *Coordinator) update(notify bool, fn func(*Bookkeeping)) (Bookkeeping, error) {
	c.bkMu.Lock()
	b, err := LoadBookkeeping(c.prefs)
	if err != nil {
		c.bkMu.Unlock()
		return b, err
	}
	fn(&b)
	err = c.prefs.PutPrefs(prefs.ScopeSync, b.entries())
	c.bkMu.Unlock()
	if err != nil {
		return b, fmt.Errorf("saving sync bookkeeping: %w", err)
	}
	if notify {
		c.events.publish(Event{Type: EventStatusChanged, Bookkeeping: b})
	}
	return b, nil
}

func (c *Coordinator) publish(t EventType) {
	b, err := LoadBookkeeping(c.prefs)
	if err != nil {
		c.logger.Warn("loading bookkeeping for event", "error", err)
	}
	c.events.publish(Event{Type: t, Bookkeeping: b})
}

// begin marks the coordinator as syncing and opens a span. The returned
// function ends both and records metrics.
func (c *Coordinator) begin(ctx context.Context, name string) (context.Context, func(Outcome, error)) {
	c.syncingMu.Lock()
	c.syncing = true
	c.syncingMu.Unlock()

	start := c.now()
	ctx, span := c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(out Outcome, err error) {
		c.syncingMu.Lock()
		c.syncing = false
		c.syncingMu.Unlock()

		attrs := []attribute.KeyValue{attribute.String("sync.op", name)}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.failed.Add(ctx, 1, metric.WithAttributes(attrs...))
		} else {
			attrs = append(attrs, attribute.String("sync.outcome", string(out)))
			span.SetAttributes(attrs...)
			c.cycles.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
		c.elapsed.Record(ctx, float64(c.now().Sub(start).Milliseconds()), metric.WithAttributes(attrs...))
		span.End()
	}
}
