// Package tracker is the entry point the UI layer drives. It wires local
// mutations to the sync coordinator and keeps the current schedule.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/pilltrack/internal/cloudsync"
	"github.com/kalambet/pilltrack/internal/prefs"
	"github.com/kalambet/pilltrack/internal/schedule"
)

// ErrScopeNotWritable is returned for mutations of device-local scopes.
var ErrScopeNotWritable = errors.New("scope is not writable")

// Wiper erases local data, keeping the named scopes.
type Wiper interface {
	Wipe(keepScopes ...string) error
}

type Options struct {
	Prefs  prefs.Store
	Engine *schedule.Engine
	Sync   *cloudsync.Coordinator
	Wiper  Wiper
	// Location decides which calendar day "today" is. Defaults to time.Local.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// View is the state the UI renders.
type View struct {
	Plan    schedule.Plan        `json:"plan"`
	Today   schedule.Date        `json:"today"`
	Days    []schedule.DayRecord `json:"days"`
	Summary schedule.Summary     `json:"summary"`
}

// SyncView is the observable sync state.
type SyncView struct {
	State       cloudsync.State       `json:"state"`
	Bookkeeping cloudsync.Bookkeeping `json:"bookkeeping"`
}

type Tracker struct {
	prefs  prefs.Store
	engine *schedule.Engine
	sync   *cloudsync.Coordinator
	wiper  Wiper
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger

	mu   sync.RWMutex
	view View
}

func New(opts Options) (*Tracker, error) {
	if opts.Prefs == nil || opts.Engine == nil || opts.Sync == nil {
		return nil, errors.New("tracker: prefs, engine and sync are required")
	}
	t := &Tracker{
		prefs:  opts.Prefs,
		engine: opts.Engine,
		sync:   opts.Sync,
		wiper:  opts.Wiper,
		loc:    opts.Location,
		now:    opts.Now,
		logger: opts.Logger,
	}
	if t.loc == nil {
		t.loc = time.Local
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// Run reloads the schedule whenever a sync restores remote state, until ctx
// is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	events, unsubscribe := t.sync.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != cloudsync.EventRestored {
				continue
			}
			t.logger.Info("reloading schedule after restore")
			if _, err := t.OnAppForeground(); err != nil {
				t.logger.Error("reloading schedule after restore", "error", err)
			}
		}
	}
}

func (t *Tracker) today() schedule.Date {
	return schedule.DateOf(t.now().In(t.loc))
}

// OnAppForeground rebuilds the schedule for today, creating the default plan
// on first launch.
func (t *Tracker) OnAppForeground() (View, error) {
	today := t.today()
	plan, created, err := schedule.EnsurePlan(t.prefs, today)
	if err != nil {
		return View{}, err
	}
	if created {
		t.logger.Info("created default plan", "start", plan.Start)
		t.localChanged()
	}
	return t.rebuild(plan, today)
}

// OnScheduleConfigChanged saves a new plan and rebuilds the schedule.
func (t *Tracker) OnScheduleConfigChanged(cfg schedule.Configuration, start schedule.Date) (View, error) {
	plan := schedule.Plan{Config: cfg, Start: start}
	if err := schedule.SavePlan(t.prefs, plan); err != nil {
		return View{}, err
	}
	t.localChanged()
	return t.rebuild(plan, t.today())
}

// OnUserSetDayStatus records an explicit status for a one-based day index.
func (t *Tracker) OnUserSetDayStatus(dayIndex int, status schedule.Status) (schedule.DayRecord, error) {
	today := t.today()
	plan, _, err := schedule.EnsurePlan(t.prefs, today)
	if err != nil {
		return schedule.DayRecord{}, err
	}
	rec, err := t.engine.SetStatus(plan.Config, plan.Start, dayIndex, status, t.now())
	if err != nil {
		return schedule.DayRecord{}, err
	}
	t.localChanged()
	if _, err := t.rebuild(plan, today); err != nil {
		return rec, err
	}
	return rec, nil
}

// OnLocalMutation writes entries to a backed-up scope and schedules a sync.
func (t *Tracker) OnLocalMutation(scope string, entries map[string]prefs.Value) error {
	if !prefs.IsBackedUp(scope) {
		return fmt.Errorf("%w: %q", ErrScopeNotWritable, scope)
	}
	if len(entries) == 0 {
		return nil
	}
	write := t.prefs.PutPrefs
	if scope == prefs.ScopeStatus {
		write = func(_ string, entries map[string]prefs.Value) error {
			return t.engine.PutOverrides(entries)
		}
	}
	if err := write(scope, entries); err != nil {
		return fmt.Errorf("writing %s preferences: %w", scope, err)
	}
	t.localChanged()
	if scope == prefs.ScopeConfig || scope == prefs.ScopeStatus {
		if _, err := t.OnAppForeground(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) OnSignIn(email string) error {
	if err := t.sync.SignIn(email); err != nil {
		return err
	}
	return t.sync.RequestSyncDebounced(0)
}

func (t *Tracker) OnSignOut() error {
	return t.sync.SignOut()
}

// Wipe erases every local preference and queued job except the device id,
// then recreates the default plan.
func (t *Tracker) Wipe() (View, error) {
	if t.wiper == nil {
		return View{}, errors.New("wipe is not supported by this store")
	}
	if err := t.sync.SignOut(); err != nil {
		return View{}, err
	}
	if err := t.wiper.Wipe(prefs.ScopeInstall); err != nil {
		return View{}, fmt.Errorf("wiping local data: %w", err)
	}
	return t.OnAppForeground()
}

// Schedule returns the last built view.
func (t *Tracker) Schedule() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := t.view
	v.Days = append([]schedule.DayRecord(nil), t.view.Days...)
	return v
}

func (t *Tracker) SyncStatus() (SyncView, error) {
	b, err := t.sync.Status()
	if err != nil {
		return SyncView{}, err
	}
	return SyncView{State: t.sync.State(), Bookkeeping: b}, nil
}

func (t *Tracker) Prefs(scope string) (map[string]prefs.Value, error) {
	if !prefs.ValidScope(scope) {
		return nil, fmt.Errorf("unknown scope %q", scope)
	}
	return t.prefs.ScopePrefs(scope)
}

func (t *Tracker) Sync() *cloudsync.Coordinator { return t.sync }

func (t *Tracker) rebuild(plan schedule.Plan, today schedule.Date) (View, error) {
	days, err := t.engine.BuildSchedule(plan.Config, plan.Start, today)
	if err != nil {
		return View{}, fmt.Errorf("building schedule: %w", err)
	}
	v := View{Plan: plan, Today: today, Days: days, Summary: schedule.Summarize(days, today)}
	t.mu.Lock()
	t.view = v
	t.mu.Unlock()
	return v, nil
}

// localChanged feeds a committed local mutation to the sync coordinator.
// Sync bookkeeping failures never fail the mutation itself.
func (t *Tracker) localChanged() {
	if err := t.sync.MarkLocalChanged(); err != nil {
		t.logger.Warn("recording local change", "error", err)
	}
	if err := t.sync.RequestSyncDebounced(0); err != nil {
		t.logger.Warn("scheduling sync", "error", err)
	}
}
