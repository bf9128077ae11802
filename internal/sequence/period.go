package sequence

import (
	"fmt"
	"time"
)

// Period is how often a sequence restarts.
type Period int

const (
	// Daily restarts at local midnight.
	Daily Period = iota
	// Fiscal restarts on the first day of the fiscal year.
	Fiscal
)

func (p Period) String() string {
	switch p {
	case Daily:
		return "daily"
	case Fiscal:
		return "fiscal"
	default:
		return fmt.Sprintf("Period(%d)", int(p))
	}
}

// Window is one period: [Start, End) in the business timezone.
type Window struct {
	Key   string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls in the window. Start is inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Calendar maps instants to period windows in a business timezone.
type Calendar struct {
	loc        *time.Location
	fiscalFrom time.Month
}

// NewCalendar creates a calendar. A nil location means UTC and a zero
// month means April.
func NewCalendar(loc *time.Location, fiscalYearStart time.Month) (Calendar, error) {
	if loc == nil {
		loc = time.UTC
	}
	if fiscalYearStart == 0 {
		fiscalYearStart = time.April
	}
	if fiscalYearStart < time.January || fiscalYearStart > time.December {
		return Calendar{}, fmt.Errorf("sequence: invalid fiscal year start month %d", fiscalYearStart)
	}
	return Calendar{loc: loc, fiscalFrom: fiscalYearStart}, nil
}

// Location returns the business timezone.
func (c Calendar) Location() *time.Location {
	return c.loc
}

// Window returns the period of kind p containing t.
func (c Calendar) Window(p Period, t time.Time) Window {
	local := t.In(c.loc)
	switch p {
	case Fiscal:
		year := local.Year()
		if local.Month() < c.fiscalFrom {
			year--
		}
		start := time.Date(year, c.fiscalFrom, 1, 0, 0, 0, 0, c.loc)
		return Window{Key: c.fiscalKey(year), Start: start, End: start.AddDate(1, 0, 0)}
	default:
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
		return Window{Key: start.Format("2006-01-02"), Start: start, End: start.AddDate(0, 0, 1)}
	}
}

// fiscalKey names a fiscal year by its starting calendar year: FY2026-27,
// or FY2026 when the fiscal year is the calendar year.
func (c Calendar) fiscalKey(year int) string {
	if c.fiscalFrom == time.January {
		return fmt.Sprintf("FY%d", year)
	}
	return fmt.Sprintf("FY%d-%02d", year, (year+1)%100)
}
