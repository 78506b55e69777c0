package feed

import (
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Snapshot is the output of one successful poll of one source. It is never
// modified after being stored in a slot.
type Snapshot struct {
	Entities   []*gtfsrt.FeedEntity
	StopAlerts StopAlerts
	FetchedAt  time.Time
}

// StopAlerts indexes alerts by the stop ids they inform.
type StopAlerts map[string][]*gtfsrt.Alert

// Add files alert under every stop id among its informed entities.
func (s StopAlerts) Add(alert *gtfsrt.Alert) {
	for _, sel := range alert.GetInformedEntity() {
		if id := sel.GetStopId(); id != "" {
			s[id] = append(s[id], alert)
		}
	}
}

// Alerts returns each distinct alert once, in first-seen order over sorted
// stop keys.
func (s StopAlerts) Alerts() []*gtfsrt.Alert {
	seen := make(map[*gtfsrt.Alert]struct{})
	var out []*gtfsrt.Alert
	for _, stop := range sortedKeys(s) {
		for _, a := range s[stop] {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

// Merge appends other's alerts to s, stop by stop.
func (s StopAlerts) Merge(other StopAlerts) {
	for stop, alerts := range other {
		s[stop] = append(s[stop], alerts...)
	}
}
