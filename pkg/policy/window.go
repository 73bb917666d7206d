package policy

import (
	"strings"
	"time"
)

// WithinWindow reports whether now (converted to UTC) falls inside any of the
// allowed windows. No windows means no restriction. A window needs the
// current day in Days and, when Hours is a [start, end] pair, the current
// "HH:MM" between them inclusive.
func (w ExecutionWindows) WithinWindow(now time.Time) bool {
	if len(w.Allowed) == 0 {
		return true
	}
	utc := now.UTC()
	day := strings.ToLower(utc.Format("Mon"))
	clock := utc.Format("15:04")
	for _, win := range w.Allowed {
		if !containsDay(win.Days, day) {
			continue
		}
		if len(win.Hours) != 2 {
			continue
		}
		if win.Hours[0] <= clock && clock <= win.Hours[1] {
			return true
		}
	}
	return false
}

func containsDay(days []string, day string) bool {
	for _, d := range days {
		if strings.ToLower(d) == day {
			return true
		}
	}
	return false
}
