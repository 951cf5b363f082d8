// Package policy decides whether an observation may count as a new
// attendance event.
//
// Evaluate is a pure function of the last recorded attendance, the current
// time and a Config. Two dedup rules are supported:
//
//   - cooldown: reject while less than Cooldown has elapsed since the last event
//   - same-day: reject when an event already exists for the current calendar date
//
// Both rules reject unconditionally when the time of day falls outside the
// configured Window. The window check runs first.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Kind names a dedup rule.
type Kind string

const (
	// KindCooldown rejects repeats inside a fixed interval.
	KindCooldown Kind = "cooldown"
	// KindSameDay rejects repeats on the same calendar date.
	KindSameDay Kind = "same-day"
)

// DefaultKind is used when no kind is configured.
const DefaultKind = KindCooldown

// DefaultCooldown is the repeat interval used when none is configured.
const DefaultCooldown = 30 * time.Second

// MinCooldown is the shortest accepted cooldown. Timestamps and snapshot
// names have second resolution, so two events inside one second would
// collide.
const MinCooldown = time.Second

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultKind, nil
	case KindCooldown:
		return KindCooldown, nil
	case KindSameDay, "sameday", "daily":
		return KindSameDay, nil
	default:
		return "", fmt.Errorf("unknown policy kind %q: must be %q or %q", s, KindCooldown, KindSameDay)
	}
}

// Decision is the result of Evaluate.
type Decision int

const (
	// Eligible means the observation may be recorded.
	Eligible Decision = iota
	// TooSoon means a previous event still suppresses this one.
	TooSoon
	// OutsideWindow means the time of day is not accepted.
	OutsideWindow
)

func (d Decision) String() string {
	switch d {
	case Eligible:
		return "eligible"
	case TooSoon:
		return "too-soon"
	case OutsideWindow:
		return "outside-window"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Config parameterizes Evaluate.
type Config struct {
	Kind     Kind
	Cooldown time.Duration
	Window   Window
	// Location defines calendar dates and the time of day. Nil means the
	// location carried by now.
	Location *time.Location
}

// Validate rejects a cooldown below MinCooldown. Zero selects
// DefaultCooldown.
func (c Config) Validate() error {
	if c.Kind == KindCooldown && c.Cooldown != 0 && c.Cooldown < MinCooldown {
		return fmt.Errorf("cooldown %s must be at least %s", c.Cooldown, MinCooldown)
	}
	return nil
}

// Evaluate applies the configured rule.
//
// A nil last means no prior event. A now earlier than last is TooSoon under
// either rule so the recorded last attendance never moves backwards.
func Evaluate(last *time.Time, now time.Time, cfg Config) Decision {
	if cfg.Location != nil {
		now = now.In(cfg.Location)
	}

	if !cfg.Window.Contains(now) {
		return OutsideWindow
	}

	if last == nil {
		return Eligible
	}
	prev := last.In(now.Location())

	if now.Before(prev) {
		return TooSoon
	}

	switch cfg.Kind {
	case KindSameDay:
		if sameDate(prev, now) {
			return TooSoon
		}
		return Eligible
	default:
		cooldown := cfg.Cooldown
		if cooldown <= 0 {
			cooldown = DefaultCooldown
		}
		if now.Sub(prev) < cooldown {
			return TooSoon
		}
		return Eligible
	}
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
