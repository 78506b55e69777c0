// Package feed merges per-source snapshots into one GTFS-RT feed and encodes
// it, stop alerts included.
package feed

import (
	"sort"
	"sync/atomic"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

const gtfsRealtimeVersion = "2.0"

// Slot holds the latest snapshot of one source. Only the owning source writes
// it; any number of readers may load it concurrently.
type Slot struct {
	name string
	ptr  atomic.Pointer[Snapshot]
}

func (s *Slot) Name() string { return s.name }

// Store replaces the slot's snapshot wholesale.
func (s *Slot) Store(snap *Snapshot) { s.ptr.Store(snap) }

// Load returns the current snapshot, nil before the first successful poll.
func (s *Slot) Load() *Snapshot { return s.ptr.Load() }

// Aggregator owns one slot per source. The slot set is fixed at construction
// so reads need no locking.
type Aggregator struct {
	order []*Slot
	slots map[string]*Slot
}

func NewAggregator(names ...string) *Aggregator {
	a := &Aggregator{slots: make(map[string]*Slot, len(names))}
	for _, n := range names {
		if _, dup := a.slots[n]; dup {
			continue
		}
		s := &Slot{name: n}
		a.slots[n] = s
		a.order = append(a.order, s)
	}
	return a
}

// Slot returns the named slot.
func (a *Aggregator) Slot(name string) (*Slot, bool) {
	s, ok := a.slots[name]
	return s, ok
}

// Feed is the aggregated realtime message plus its stop alert side channel.
type Feed struct {
	Message    *gtfsrt.FeedMessage
	StopAlerts StopAlerts
}

// NewFeed returns an empty full-dataset feed stamped with now.
func NewFeed(now time.Time) *Feed {
	return &Feed{
		Message: &gtfsrt.FeedMessage{
			Header: &gtfsrt.FeedHeader{
				GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
				Incrementality:      gtfsrt.FeedHeader_FULL_DATASET.Enum(),
				Timestamp:           proto.Uint64(uint64(now.Unix())),
			},
		},
		StopAlerts: StopAlerts{},
	}
}

// Build unions the current snapshot of every slot. Slots may hold snapshots
// from different poll cycles.
func (a *Aggregator) Build(now time.Time) *Feed {
	f := NewFeed(now)
	for _, s := range a.order {
		snap := s.Load()
		if snap == nil {
			continue
		}
		f.Message.Entity = append(f.Message.Entity, snap.Entities...)
		f.StopAlerts.Merge(snap.StopAlerts)
	}
	return f
}

// SlotStatus describes one slot for health reporting.
type SlotStatus struct {
	Source    string    `json:"source"`
	Entities  int       `json:"entities"`
	StopCount int       `json:"stops"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
	Ready     bool      `json:"ready"`
}

// Status reports every slot in registration order.
func (a *Aggregator) Status() []SlotStatus {
	out := make([]SlotStatus, 0, len(a.order))
	for _, s := range a.order {
		st := SlotStatus{Source: s.name}
		if snap := s.Load(); snap != nil {
			st.Ready = true
			st.Entities = len(snap.Entities)
			st.StopCount = len(snap.StopAlerts)
			st.FetchedAt = snap.FetchedAt
		}
		out = append(out, st)
	}
	return out
}

// Ready reports whether at least one slot has been filled.
func (a *Aggregator) Ready() bool {
	for _, s := range a.order {
		if s.Load() != nil {
			return true
		}
	}
	return len(a.order) == 0
}

func sortedKeys(m StopAlerts) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
