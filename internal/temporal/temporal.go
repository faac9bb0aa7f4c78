// Package temporal provides calendar arithmetic for statutory deadlines.
// All functions are pure; the accelerator for compressed-time test
// environments is passed explicitly, never read from a global.
package temporal

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// ParseDate accepts a bare date or a full ISO-8601 timestamp and returns the
// parsed time. Bare dates are midnight UTC.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// CountDays returns the calendar-date difference a-b in whole days.
// Time-of-day is ignored: 23:59 on one day to 00:01 the next still counts as
// one day. Each timestamp's calendar date is read in its own offset, so
// the count survives the spring offset change.
func CountDays(a, b time.Time) int {
	return dayNumber(a) - dayNumber(b)
}

// dayNumber maps the timestamp's local calendar date to days since the epoch.
func dayNumber(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// CountDaysBetween is CountDays over date strings.
func CountDaysBetween(a, b string) (int, error) {
	ta, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	tb, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	return CountDays(ta, tb), nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// PercentDiff returns how much smaller b is than a, as a percentage of a.
// A zero base yields zero rather than dividing.
func PercentDiff(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return (a - b) * 100 / a
}

// Calendar marks non-working dates beyond the regular weekend.
type Calendar struct {
	Holidays map[string]bool // "2006-01-02"
}

// IsWorkingDay reports whether t is a regular business day.
func (c *Calendar) IsWorkingDay(t time.Time) bool {
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if c != nil && c.Holidays[t.Format(dateLayout)] {
		return false
	}
	return true
}

// Options controls EndDate behavior.
type Options struct {
	normalize   bool
	calendar    *Calendar
	workingDays bool
	accelerator int
}

// Option configures EndDate.
type Option func(*Options)

// Normalized snaps the start to the beginning of the next day before adding,
// matching deadlines that run from "the day after".
func Normalized() Option {
	return func(o *Options) { o.normalize = true }
}

// Working counts only business days per the given calendar (nil means
// weekends only).
func Working(cal *Calendar) Option {
	return func(o *Options) { o.workingDays = true; o.calendar = cal }
}

// Accelerated compresses day lengths by factor, for test environments where
// statutory periods elapse in minutes. Factor <= 1 is real time.
func Accelerated(factor int) Option {
	return func(o *Options) { o.accelerator = factor }
}

// EndDate returns start plus the given number of days under the options.
func EndDate(start time.Time, days int, opts ...Option) time.Time {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.accelerator > 1 {
		return start.Add(time.Duration(days) * 24 * time.Hour / time.Duration(o.accelerator))
	}
	if o.normalize {
		start = truncateDay(start).AddDate(0, 0, 1)
	}
	if !o.workingDays {
		return start.AddDate(0, 0, days)
	}
	for added := 0; added < days; {
		start = start.AddDate(0, 0, 1)
		if o.calendar.IsWorkingDay(start) {
			added++
		}
	}
	return start
}
