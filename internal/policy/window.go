package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock is a time of day with minute resolution, stored as minutes since
// midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock(h*60 + m), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// Window is an accepted time-of-day range. Both bounds are inclusive at
// minute resolution, so an End of 23:59 accepts 23:59:59. A zero Window
// accepts the whole day.
type Window struct {
	Start Clock
	End   Clock
	Set   bool
}

// NewWindow builds a window from "HH:MM" bounds.
func NewWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	return Window{Start: s, End: e, Set: true}, nil
}

// Contains reports whether the time of day of t lies inside the window.
// A window whose End precedes its Start spans midnight.
func (w Window) Contains(t time.Time) bool {
	if !w.Set {
		return true
	}
	c := Clock(t.Hour()*60 + t.Minute())
	if w.Start <= w.End {
		return c >= w.Start && c <= w.End
	}
	return c >= w.Start || c <= w.End
}

func (w Window) String() string {
	if !w.Set {
		return "all-day"
	}
	return fmt.Sprintf("[%s,%s]", w.Start, w.End)
}
