// Package schedule derives the per-day medication schedule from a plan
// configuration and the sparse day overrides stored in the status scope.
package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid schedule configuration")
	ErrDayOutOfRange        = errors.New("day index out of range")
	ErrInvalidStatus        = errors.New("invalid day status")
)

// Status is the resolved state of one day.
type Status string

const (
	NotTaken Status = "NOT_TAKEN"
	Taken    Status = "TAKEN"
	Missed   Status = "MISSED"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case NotTaken, Taken, Missed:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Configuration splits a cycle into active days followed by a tail of
// low-dose days and then placebo days.
type Configuration struct {
	ActiveCount  int `json:"activeCount"`
	PlaceboCount int `json:"placeboCount"`
	LowDoseCount int `json:"lowDoseCount"`
}

// MaxCycleDays bounds each count and the cycle length.
const MaxCycleDays = 366

// DefaultConfiguration is the plan written on first launch.
var DefaultConfiguration = Configuration{ActiveCount: 21, PlaceboCount: 7}

func (c Configuration) Total() int {
	return c.ActiveCount + c.PlaceboCount + c.LowDoseCount
}

// Validate requires non-negative counts, at least one day and at most
// MaxCycleDays in total. A plan with no active days is accepted.
func (c Configuration) Validate() error {
	if c.ActiveCount < 0 || c.PlaceboCount < 0 || c.LowDoseCount < 0 {
		return fmt.Errorf("%w: counts must be non-negative (%d/%d/%d)",
			ErrInvalidConfiguration, c.ActiveCount, c.PlaceboCount, c.LowDoseCount)
	}
	// Checked per count first so Total cannot overflow.
	if c.ActiveCount > MaxCycleDays || c.PlaceboCount > MaxCycleDays || c.LowDoseCount > MaxCycleDays ||
		c.Total() > MaxCycleDays {
		return fmt.Errorf("%w: cycle is longer than %d days (%d/%d/%d)",
			ErrInvalidConfiguration, MaxCycleDays, c.ActiveCount, c.PlaceboCount, c.LowDoseCount)
	}
	if c.Total() == 0 {
		return fmt.Errorf("%w: at least one day is required", ErrInvalidConfiguration)
	}
	return nil
}

// Classify reports tail membership for a zero-based day index. Low-dose days
// come first in the tail; a day is never both.
func (c Configuration) Classify(dayIndex int) (placebo, lowDose bool) {
	if dayIndex < c.ActiveCount || dayIndex >= c.Total() {
		return false, false
	}
	if dayIndex-c.ActiveCount < c.LowDoseCount {
		return false, true
	}
	return true, false
}

// DayRecord is one derived day of the schedule. DayIndex is one-based.
type DayRecord struct {
	DayIndex  int    `json:"dayIndex"`
	Date      Date   `json:"date"`
	Status    Status `json:"status"`
	TakenAtMs *int64 `json:"takenAtEpochMs,omitempty"`
	IsPlacebo bool   `json:"isPlacebo"`
	IsLowDose bool   `json:"isLowDose"`
}

// Persisted override keys in the status scope.
func StatusKey(d Date) string  { return "status_" + d.String() }
func TakenAtKey(d Date) string { return "takenAt_" + d.String() }
