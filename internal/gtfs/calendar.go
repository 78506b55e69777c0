package gtfs

import (
	"strconv"
	"strings"
	"time"
)

// ServiceWindow is a departure-time window on one service date. A trip is in
// progress within it when its first departure is <= EndSec and its last
// departure is >= StartSec (seconds since the date's midnight).
type ServiceWindow struct {
	Date     time.Time
	StartSec int
	EndSec   int
}

// Covers reports whether a trip running from first to last (seconds since
// midnight of w.Date) overlaps the window.
func (w ServiceWindow) Covers(first, last int) bool {
	return first <= w.EndSec && last >= w.StartSec
}

// ServiceWindows returns the service dates and windows to search for trips
// running at now, looking lookback either side. Close to midnight the window
// spills into the neighbouring service day: after midnight yesterday's trips
// with 24h+ departures are still running, before midnight tomorrow's earliest
// departures are already due.
func ServiceWindows(now time.Time, lookback time.Duration) []ServiceWindow {
	lb := int(lookback / time.Second)
	today := Midnight(now)
	nowSec := secondsOfDay(now)
	before := now.Add(-lookback)
	after := now.Add(lookback)

	switch {
	case Midnight(before).Before(today):
		bs := secondsOfDay(before)
		return []ServiceWindow{
			{Date: Midnight(before), StartSec: bs, EndSec: bs + 2*lb},
			{Date: today, StartSec: 0, EndSec: nowSec + lb},
		}
	case Midnight(after).After(today):
		as := secondsOfDay(after)
		return []ServiceWindow{
			{Date: today, StartSec: nowSec - lb, EndSec: nowSec + lb},
			{Date: Midnight(after), StartSec: as - 2*lb, EndSec: as},
		}
	default:
		return []ServiceWindow{{Date: today, StartSec: nowSec - lb, EndSec: nowSec + lb}}
	}
}

// Midnight returns 00:00 of t's calendar day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func secondsOfDay(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}

// ParseDaySeconds parses HH:MM:SS possibly with hours >= 24.
func ParseDaySeconds(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 {
		return 0
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec := 0
	if len(parts) > 2 {
		sec, _ = strconv.Atoi(parts[2])
	}
	total := h*3600 + m*60 + sec
	if total < 0 {
		total = 0
	}
	return total
}

// FormatDaySeconds renders seconds since midnight as HH:MM:SS, keeping hours
// past 24 the way stop_times does.
func FormatDaySeconds(sec int) string {
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return pad2(h) + ":" + pad2(m) + ":" + pad2(s)
}

func pad2(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}
