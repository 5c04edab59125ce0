// Package period resolves dates to academic period labels.
//
// Everything here is a pure function: callers thread the reference time in
// explicitly. Reading the ambient clock inside resolution logic is exactly
// the bug that once reclassified years of history as current-period data,
// so the wall clock appears only as the last entry in the explicit
// precedence chain (completion date, then creation date, then caller "now").
package period

import (
	"fmt"
	"time"
)

// Mode selects how dates map to period labels.
type Mode string

const (
	// ModeCalendar labels a period with the date's calendar year ("2025").
	ModeCalendar Mode = "calendar"
	// ModeSplit labels a period with the school-year span ("2024/2025").
	// Dates on/after the cutoff in year Y belong to "Y/Y+1"; dates before
	// it belong to "Y-1/Y".
	ModeSplit Mode = "split"
)

// ParseMode validates a mode string from config or a raw record.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCalendar, ModeSplit:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown region mode %q", s)
}

// Cutoff is the split-year boundary day. Dates on or after it start a new
// academic period.
type Cutoff struct {
	Month time.Month
	Day   int
}

// DefaultCutoff is August 1, the common school-year boundary.
var DefaultCutoff = Cutoff{Month: time.August, Day: 1}

// Validate rejects impossible cutoff days.
func (c Cutoff) Validate() error {
	if c.Month < time.January || c.Month > time.December {
		return fmt.Errorf("cutoff month %d out of range", c.Month)
	}
	if c.Day < 1 || c.Day > 31 {
		return fmt.Errorf("cutoff day %d out of range", c.Day)
	}
	return nil
}

// Resolve maps a date to its academic period label under the given mode.
func Resolve(t time.Time, mode Mode, cutoff Cutoff) string {
	if mode == ModeCalendar {
		return fmt.Sprintf("%d", t.Year())
	}

	y := t.Year()
	boundary := time.Date(y, cutoff.Month, cutoff.Day, 0, 0, 0, 0, t.Location())
	if t.Before(boundary) {
		return fmt.Sprintf("%d/%d", y-1, y)
	}
	return fmt.Sprintf("%d/%d", y, y+1)
}

// DateSource names which input a resolved date came from.
type DateSource int

const (
	// SourceCompletion is the authoritative completion date.
	SourceCompletion DateSource = iota + 1
	// SourceCreation is the record-creation date fallback.
	SourceCreation
	// SourceNow is the caller-supplied current time, used only when the
	// record carries neither of the above.
	SourceNow
)

// String returns the lowercase name of the date source.
func (s DateSource) String() string {
	switch s {
	case SourceCompletion:
		return "completion"
	case SourceCreation:
		return "creation"
	case SourceNow:
		return "now"
	}
	return "unknown"
}

// EffectiveDate applies the date precedence: completion date first,
// creation date second, caller-supplied now last.
func EffectiveDate(completion, creation *time.Time, now time.Time) (time.Time, DateSource) {
	if completion != nil {
		return *completion, SourceCompletion
	}
	if creation != nil {
		return *creation, SourceCreation
	}
	return now, SourceNow
}

// Disagree reports whether a record's completion and creation dates are
// both present but resolve to different periods. The completion date still
// wins; callers surface the disagreement as an anomaly for operator review
// instead of silently choosing.
func Disagree(completion, creation *time.Time, mode Mode, cutoff Cutoff) bool {
	if completion == nil || creation == nil {
		return false
	}
	return Resolve(*completion, mode, cutoff) != Resolve(*creation, mode, cutoff)
}
