package schedule

import (
	"fmt"

	"github.com/kalambet/pilltrack/internal/prefs"
)

// Plan keys in the config scope.
const (
	KeyActiveCount  = "active_count"
	KeyPlaceboCount = "placebo_count"
	KeyLowDoseCount = "low_dose_count"
	KeyStartDate    = "start_date"
)

// Plan is the persisted configuration plus the day the cycle started.
type Plan struct {
	Config Configuration `json:"config"`
	Start  Date          `json:"startDate"`
}

// LoadPlan reads the plan from the config scope. ok is false when no complete
// plan has been saved; unreadable fields count as missing.
func LoadPlan(store prefs.Store) (Plan, bool, error) {
	active, okA, err := prefs.GetInt(store, prefs.ScopeConfig, KeyActiveCount)
	if err != nil {
		return Plan{}, false, err
	}
	placebo, okP, err := prefs.GetInt(store, prefs.ScopeConfig, KeyPlaceboCount)
	if err != nil {
		return Plan{}, false, err
	}
	lowDose, _, err := prefs.GetInt(store, prefs.ScopeConfig, KeyLowDoseCount)
	if err != nil {
		return Plan{}, false, err
	}
	startStr, okS, err := prefs.GetString(store, prefs.ScopeConfig, KeyStartDate)
	if err != nil {
		return Plan{}, false, err
	}
	if !okA || !okP || !okS {
		return Plan{}, false, nil
	}
	for _, n := range []int64{active, placebo, lowDose} {
		if n < 0 || n > MaxCycleDays {
			return Plan{}, false, nil
		}
	}
	start, err := ParseDate(startStr)
	if err != nil {
		return Plan{}, false, nil
	}

	p := Plan{
		Config: Configuration{ActiveCount: int(active), PlaceboCount: int(placebo), LowDoseCount: int(lowDose)},
		Start:  start,
	}
	if p.Config.Validate() != nil {
		return Plan{}, false, nil
	}
	return p, true, nil
}

// SavePlan validates and writes every plan field in one atomic write.
func SavePlan(store prefs.Store, p Plan) error {
	if err := p.Config.Validate(); err != nil {
		return err
	}
	if p.Start.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidConfiguration)
	}
	return store.PutPrefs(prefs.ScopeConfig, map[string]prefs.Value{
		KeyActiveCount:  prefs.Int(int64(p.Config.ActiveCount)),
		KeyPlaceboCount: prefs.Int(int64(p.Config.PlaceboCount)),
		KeyLowDoseCount: prefs.Int(int64(p.Config.LowDoseCount)),
		KeyStartDate:    prefs.String(p.Start.String()),
	})
}

// EnsurePlan returns the stored plan, writing the default plan starting today
// when none exists. created reports whether a plan was written.
func EnsurePlan(store prefs.Store, today Date) (p Plan, created bool, err error) {
	p, ok, err := LoadPlan(store)
	if err != nil {
		return Plan{}, false, err
	}
	if ok {
		return p, false, nil
	}
	p = Plan{Config: DefaultConfiguration, Start: today}
	if err := SavePlan(store, p); err != nil {
		return Plan{}, false, fmt.Errorf("writing default plan: %w", err)
	}
	return p, true, nil
}

// Summary counts adherence over a built schedule.
type Summary struct {
	Total      int `json:"total"`
	Taken      int `json:"taken"`
	Missed     int `json:"missed"`
	Remaining  int `json:"remaining"`
	CurrentDay int `json:"currentDay"` // one-based; 0 when today is outside the cycle
}

func Summarize(days []DayRecord, today Date) Summary {
	s := Summary{Total: len(days)}
	for _, d := range days {
		switch d.Status {
		case Taken:
			s.Taken++
		case Missed:
			s.Missed++
		default:
			s.Remaining++
		}
		if d.Date.Equal(today) {
			s.CurrentDay = d.DayIndex
		}
	}
	return s
}
