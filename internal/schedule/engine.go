package schedule

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/pilltrack/internal/prefs"
)

// Engine builds schedules from stored overrides and writes back the
// corrections it derives. All reads and writes of the status scope made by
// the engine are serialized so a correction can never overwrite a concurrent
// explicit status change.
type Engine struct {
	store prefs.Store

	mu sync.Mutex
}

func NewEngine(store prefs.Store) *Engine {
	return &Engine{store: store}
}

type override struct {
	status    Status
	takenAtMs *int64
	hasTaken  bool // takenAt key present, even if unusable
}

// BuildSchedule returns one record per day of cfg starting at start. Past days
// still NOT_TAKEN (by override or by absence) are corrected to MISSED and the
// corrections are persisted in a single atomic write before returning. A
// second call with the same inputs writes nothing.
func (e *Engine) BuildSchedule(cfg Configuration, start, today Date) ([]DayRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if start.IsZero() || today.IsZero() {
		return nil, fmt.Errorf("%w: start and today are required", ErrInvalidConfiguration)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stored, err := e.store.ScopePrefs(prefs.ScopeStatus)
	if err != nil {
		return nil, fmt.Errorf("loading day overrides: %w", err)
	}

	total := cfg.Total()
	days := make([]DayRecord, 0, total)
	corrections := make(map[string]prefs.Value)

	for i := 0; i < total; i++ {
		date := start.AddDays(i)
		placebo, lowDose := cfg.Classify(i)
		rec := DayRecord{
			DayIndex:  i + 1,
			Date:      date,
			IsPlacebo: placebo,
			IsLowDose: lowDose,
		}

		ov, found := lookupOverride(stored, date)
		past := date.Before(today)
		switch {
		case found && ov.status == NotTaken && past:
			rec.Status = Missed
			corrections[StatusKey(date)] = prefs.String(string(Missed))
			if ov.hasTaken {
				corrections[TakenAtKey(date)] = prefs.Null()
			}
		case found:
			rec.Status = ov.status
			rec.TakenAtMs = ov.takenAtMs
		case past:
			rec.Status = Missed
			corrections[StatusKey(date)] = prefs.String(string(Missed))
		default:
			rec.Status = NotTaken
		}
		days = append(days, rec)
	}

	if len(corrections) > 0 {
		if err := e.store.PutPrefs(prefs.ScopeStatus, corrections); err != nil {
			return nil, fmt.Errorf("persisting missed-day corrections: %w", err)
		}
		slog.Debug("corrected past days to missed", "count", countStatusKeys(corrections))
	}
	return days, nil
}

// SetStatus overwrites the override for a one-based dayIndex regardless of
// date. takenAt is set to now for TAKEN and removed otherwise.
func (e *Engine) SetStatus(cfg Configuration, start Date, dayIndex int, status Status, now time.Time) (DayRecord, error) {
	if err := cfg.Validate(); err != nil {
		return DayRecord{}, err
	}
	if dayIndex < 1 || dayIndex > cfg.Total() {
		return DayRecord{}, fmt.Errorf("%w: %d not in 1..%d", ErrDayOutOfRange, dayIndex, cfg.Total())
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return DayRecord{}, err
	}

	date := start.AddDays(dayIndex - 1)
	placebo, lowDose := cfg.Classify(dayIndex - 1)
	rec := DayRecord{
		DayIndex:  dayIndex,
		Date:      date,
		Status:    status,
		IsPlacebo: placebo,
		IsLowDose: lowDose,
	}

	entries := map[string]prefs.Value{
		StatusKey(date):  prefs.String(string(status)),
		TakenAtKey(date): prefs.Null(),
	}
	if status == Taken {
		ms := now.UnixMilli()
		rec.TakenAtMs = &ms
		entries[TakenAtKey(date)] = prefs.Int(ms)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.PutPrefs(prefs.ScopeStatus, entries); err != nil {
		return DayRecord{}, fmt.Errorf("writing status for %s: %w", date, err)
	}
	return rec, nil
}

// PutOverrides writes raw status-scope entries while no rebuild is in flight.
func (e *Engine) PutOverrides(entries map[string]prefs.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.PutPrefs(prefs.ScopeStatus, entries)
}

// ReplaceScopes applies a full-scope replace while no rebuild is in flight.
func (e *Engine) ReplaceScopes(scopes map[string]map[string]prefs.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.ReplaceScopes(scopes)
}

func lookupOverride(stored map[string]prefs.Value, date Date) (override, bool) {
	raw, ok := stored[StatusKey(date)]
	if !ok {
		return override{}, false
	}
	str, ok := raw.AsString()
	if !ok {
		slog.Warn("ignoring day override with unexpected kind", "date", date.String(), "kind", raw.Kind().String())
		return override{}, false
	}
	status, err := ParseStatus(str)
	if err != nil {
		slog.Warn("ignoring malformed day override", "date", date.String(), "error", err)
		return override{}, false
	}

	ov := override{status: status}
	if v, ok := stored[TakenAtKey(date)]; ok {
		ov.hasTaken = true
		if ms, ok := v.AsInt(); ok {
			ov.takenAtMs = &ms
		} else {
			slog.Warn("ignoring takenAt with unexpected kind", "date", date.String(), "kind", v.Kind().String())
		}
	}
	return ov, true
}

func countStatusKeys(m map[string]prefs.Value) int {
	n := 0
	for k := range m {
		if strings.HasPrefix(k, "status_") {
			n++
		}
	}
	return n
}
