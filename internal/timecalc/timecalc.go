package timecalc

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the calendar-day layout used in Hubstaff report queries.
const DateLayout = "2006-01-02"

// Remaining returns how many seconds are left to reach targetHours of work,
// given worked seconds already tracked. It never returns a negative value.
func Remaining(targetHours float64, worked int64) int64 {
	target := int64(math.Round(targetHours * 3600))
	if left := target - worked; left > 0 {
		return left
	}
	return 0
}

// FormatHHMMSS formats seconds as HH:MM:SS. Hours are not wrapped at 24.
func FormatHHMMSS(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatHHMM is FormatHHMMSS without the seconds.
func FormatHHMM(seconds int64) string {
	s := FormatHHMMSS(seconds)
	return s[:strings.LastIndex(s, ":")]
}

// ISOWeekday returns the ISO 8601 weekday of t: Monday=1 … Sunday=7.
func ISOWeekday(t time.Time) int {
	// Go's weekday: Sunday=0, Monday=1, …, Saturday=6
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// StartOfDay returns 00:00:00 of the same day.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// TruncateMinute drops seconds and below, keeping t's location.
func TruncateMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}
