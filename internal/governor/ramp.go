// Package governor decides whether a sender may dispatch right now,
// enforcing daily quotas, warmup ramps and send windows under a two-phase
// reserve/commit protocol.
package governor

import (
	"time"

	"github.com/intralog/outreach-engine/internal/domain"
)

// Named warmup ramps: per-day send caps from warmup start. Days past the
// end of a table use the sender's steady-state daily cap.
var rampCurves = map[string][]int{
	"conservative": {
		5, 5, 5, 10, 10, 10, 10,
		15, 15, 15, 20, 20, 20, 20,
		25, 25, 30, 30, 35, 35, 40,
		40, 45, 45, 50, 50, 50, 50,
	},
	"moderate": {
		10, 10, 15, 15, 20, 20,
		25, 25, 30, 30, 35, 35,
		40, 40, 45, 45, 50, 50,
	},
	"aggressive": {
		20, 25, 30, 35, 40,
		40, 45, 45, 50, 50,
	},
}

// DefaultRamp is applied when a sender enables warmup without naming one.
const DefaultRamp = "conservative"

// RampNames lists the valid ramp keys.
func RampNames() []string {
	return []string{"conservative", "moderate", "aggressive"}
}

// ValidRamp reports whether key names a known ramp curve.
func ValidRamp(key string) bool {
	_, ok := rampCurves[key]
	return ok
}

// EffectiveCap returns the sender's cap for the calendar day containing
// now (in the sender's window timezone). Warmup-disabled senders use their
// steady-state daily cap directly.
func EffectiveCap(s *domain.Sender, now time.Time) int {
	if !s.WarmupEnabled || s.WarmupStart.IsZero() {
		return s.DailyCap
	}
	curve, ok := rampCurves[s.RampKey]
	if !ok {
		curve = rampCurves[DefaultRamp]
	}

	loc := windowLocation(s.Window)
	day := calendarDaysBetween(s.WarmupStart.In(loc), now.In(loc))
	if day < 0 {
		day = 0
	}
	if day >= len(curve) {
		return s.DailyCap
	}
	cap := curve[day]
	if s.DailyCap > 0 && cap > s.DailyCap {
		return s.DailyCap
	}
	return cap
}

// calendarDaysBetween counts whole calendar-day boundaries crossed from a
// to b in their shared location.
func calendarDaysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	start := time.Date(ay, am, ad, 0, 0, 0, 0, a.Location())
	end := time.Date(by, bm, bd, 0, 0, 0, 0, b.Location())
	return int(end.Sub(start).Hours() / 24)
}
