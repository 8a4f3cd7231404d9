package generic

import "time"

// =============================================================================
// PERIOD - The date range a settlement covers
// =============================================================================

// Period is an inclusive, day-granular date range.
//
// Examples:
//   - Weekly pay period: Mon 2025-03-03 .. Sun 2025-03-09
//   - Frequency window for a monthly rule: 2025-03-01 .. 2025-03-31
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod normalizes both bounds to whole days.
func NewPeriod(start, end time.Time) Period {
	return Period{Start: DateOf(start), End: DateOf(end)}
}

// Validate returns ErrInvalidPeriod when End is before Start or either bound is unset.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() || DateOf(p.End).Before(DateOf(p.Start)) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains returns true if t falls on a day within [Start, End].
func (p Period) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(DateOf(p.Start)) && !d.After(DateOf(p.End))
}

// Key is a stable string used for uniqueness constraints.
func (p Period) Key() string {
	return DateOf(p.Start).Format("2006-01-02") + "/" + DateOf(p.End).Format("2006-01-02")
}

func (p Period) String() string {
	return "[" + DateOf(p.Start).Format("2006-01-02") + ", " + DateOf(p.End).Format("2006-01-02") + "]"
}

// =============================================================================
// CALENDAR WINDOWS - Where a recurring rule may apply at most once
// =============================================================================

// WeekOf returns the Monday..Sunday week containing anchor.
func WeekOf(anchor time.Time) Period {
	start := StartOfWeek(anchor)
	return Period{Start: start, End: start.AddDate(0, 0, 6)}
}

// BiweekOf returns the week containing anchor plus the week before it.
func BiweekOf(anchor time.Time) Period {
	week := WeekOf(anchor)
	return Period{Start: week.Start.AddDate(0, 0, -7), End: week.End}
}

// MonthOf returns the calendar month containing anchor.
func MonthOf(anchor time.Time) Period {
	return Period{Start: StartOfMonth(anchor), End: EndOfMonth(anchor)}
}

// AllTime is the window used by one-time rules.
func AllTime() Period {
	return Period{Start: NewDate(1970, time.January, 1), End: NewDate(9999, time.December, 31)}
}
