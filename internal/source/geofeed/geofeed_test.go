package geofeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source/sourcetest"
)

var day = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

func dir(d int) *int { return &d }

const vehicles = `{"type":"FeatureCollection","features":[
 {"type":"Feature","geometry":{"type":"Point","coordinates":[-3.15,55.95]},
  "properties":{"operator":"GNE","line":"X7","vehicle":"v1","direction":"inbound","bearing":270}},
 {"type":"Feature","geometry":{"type":"Point","coordinates":[-3.15,55.95]},
  "properties":{"operator":"GNE","line":"X7","vehicle":"v2","direction":"outbound"}},
 {"type":"Feature","geometry":{"type":"Point","coordinates":[-3.15,55.95]},
  "properties":{"operator":"OTHER","line":"X7","vehicle":"v3","direction":"inbound"}},
 {"type":"Feature","geometry":{"type":"Point","coordinates":[-3.15,55.95]},
  "properties":{"operator":"gne","line":"NOPE","vehicle":"v4","direction":"inbound"}},
 {"type":"Feature","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},
  "properties":{"operator":"GNE","line":"X7","vehicle":"v5"}}
]}`

func TestPollGroupsByLineAndDirection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write([]byte(vehicles))
	}))
	defer srv.Close()

	sched := &sourcetest.Schedule{
		Routes: map[string]string{"AG1|X7": "R7"},
		Trips: map[string][]gtfs.ScheduledTrip{
			"R7": {
				// the outbound trip is the better time match for both vehicles
				{TripID: "OUT", RouteID: "R7", Direction: dir(1), Stops: []string{"A", "B"}, Departures: []string{"10:00:00", "10:10:00"}, Sequences: []int{1, 2}, ServiceDate: day},
				{TripID: "IN", RouteID: "R7", Direction: dir(0), Stops: []string{"B", "A"}, Departures: []string{"10:02:00", "10:12:00"}, Sequences: []int{1, 2}, ServiceDate: day},
				{TripID: "NODIR", RouteID: "R7", Stops: []string{"A", "B"}, Departures: []string{"10:00:00", "10:10:00"}, Sequences: []int{1, 2}, ServiceDate: day},
			},
		},
		Stops: map[string]map[string]orb.Point{"R7": {"A": {-3.20, 55.95}, "B": {-3.10, 55.95}}},
	}

	a := New(Config{Name: "passenger", URL: srv.URL, Operators: map[string]string{"GNE": "AG1"}, Lookback: time.Hour, Location: time.UTC}, sched, srv.Client())
	a.now = func() time.Time { return day.Add(10*time.Hour + 5*time.Minute) }

	snap, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entities, 2)

	got := map[string]string{}
	for _, e := range snap.Entities {
		got[e.GetId()] = e.GetVehicle().GetTrip().GetTripId()
	}
	assert.Equal(t, map[string]string{"gne-X7-v1": "IN", "gne-X7-v2": "OUT"}, got)

	v1 := snap.Entities[0].GetVehicle()
	assert.Equal(t, float32(270), v1.GetPosition().GetBearing())
	assert.Equal(t, "A", v1.GetStopId())
}

func TestPollFailsOnBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"Feature`))
	}))
	defer srv.Close()

	a := New(Config{Name: "passenger", URL: srv.URL}, &sourcetest.Schedule{}, srv.Client())
	_, err := a.Poll(context.Background())
	assert.Error(t, err)
}

func TestPollFailsWhenScheduleIsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(vehicles))
	}))
	defer srv.Close()

	a := New(Config{Name: "passenger", URL: srv.URL, Operators: map[string]string{"GNE": "AG1"}, Lookback: time.Hour, Location: time.UTC},
		&sourcetest.Schedule{Err: errors.New("db down")}, srv.Client())
	snap, err := a.Poll(context.Background())
	assert.Error(t, err)
	assert.Nil(t, snap)
}

func TestPollSucceedsWhenLinesAreUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(vehicles))
	}))
	defer srv.Close()

	a := New(Config{Name: "passenger", URL: srv.URL, Operators: map[string]string{"GNE": "AG1"}, Location: time.UTC}, &sourcetest.Schedule{}, srv.Client())
	snap, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Entities)
}
