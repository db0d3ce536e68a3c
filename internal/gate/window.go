package gate

import (
	"fmt"
	"strings"
	"time"
)

// Window is a protected foreground period during which tasks of the listed
// domains must not start, e.g. document generation during business hours.
type Window struct {
	Name    string   `mapstructure:"name" json:"name"`
	Domains []string `mapstructure:"domains" json:"domains"`
	// Days are lowercase three-letter weekday names; empty means every day.
	Days  []string `mapstructure:"days" json:"days,omitempty"`
	Start string   `mapstructure:"start" json:"start"`
	End   string   `mapstructure:"end" json:"end"`
}

// Validate checks the clock format of the window.
func (w Window) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("window %s: start: %w", w.Name, err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("window %s: end: %w", w.Name, err)
	}
	for _, d := range w.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("window %s: unknown day %q", w.Name, d)
		}
	}
	return nil
}

// Covers reports whether the window protects domain.
func (w Window) Covers(domain string) bool {
	for _, d := range w.Domains {
		if d == domain || d == "*" {
			return true
		}
	}
	return false
}

// Active reports whether now falls inside the window. Windows whose end is
// before their start wrap past midnight; the day check applies to the day
// the window opened.
func (w Window) Active(now time.Time) bool {
	start, err := parseClock(w.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false
	}
	minute := now.Hour()*60 + now.Minute()

	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end && w.onDay(now.Weekday())
	case minute >= start:
		return w.onDay(now.Weekday())
	case minute < end:
		return w.onDay(now.AddDate(0, 0, -1).Weekday())
	default:
		return false
	}
}

func (w Window) onDay(day time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		if wd, ok := weekdays[strings.ToLower(d)]; ok && wd == day {
			return true
		}
	}
	return false
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
