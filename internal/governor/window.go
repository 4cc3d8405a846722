package governor

import (
	"time"

	"github.com/intralog/outreach-engine/internal/domain"
)

func windowLocation(w domain.SendWindow) *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func dayAllowed(w domain.SendWindow, d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, allowed := range w.Days {
		if allowed == d {
			return true
		}
	}
	return false
}

// minuteInside checks the clock-time half of the window. Start == End means
// the whole day; End before Start wraps past midnight.
func minuteInside(w domain.SendWindow, minute int) bool {
	if w.StartMinute == w.EndMinute {
		return true
	}
	if w.StartMinute < w.EndMinute {
		return minute >= w.StartMinute && minute < w.EndMinute
	}
	return minute >= w.StartMinute || minute < w.EndMinute
}

// WindowContains reports whether t falls inside the sender's send window.
// Membership is judged on t's own local weekday, so a wrapped window like
// Fri 22:00-02:00 covers Sat 01:30 only when Saturday is in the day set.
func WindowContains(w domain.SendWindow, t time.Time) bool {
	local := t.In(windowLocation(w))
	if !dayAllowed(w, local.Weekday()) {
		return false
	}
	return minuteInside(w, local.Hour()*60+local.Minute())
}

// NextOpening returns the earliest instant at or after t that is inside
// the window. The scan is bounded at eight days, which always suffices for
// a non-empty weekday set.
func NextOpening(w domain.SendWindow, t time.Time) time.Time {
	if WindowContains(w, t) {
		return t
	}
	loc := windowLocation(w)
	local := t.In(loc)
	for d := 0; d <= 8; d++ {
		day := local.AddDate(0, 0, d)
		if !dayAllowed(w, day.Weekday()) {
			continue
		}
		opening := time.Date(day.Year(), day.Month(), day.Day(),
			w.StartMinute/60, w.StartMinute%60, 0, 0, loc)
		if !opening.Before(local) {
			return opening
		}
	}
	return t
}

// NextDayOpening returns the first window opening on or after the calendar
// day following t, used when a daily quota is exhausted.
func NextDayOpening(w domain.SendWindow, t time.Time) time.Time {
	loc := windowLocation(w)
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return NextOpening(w, midnight)
}
