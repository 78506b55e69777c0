package journeys

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
	"gtfsrt-aggregator/internal/source/sourcetest"
)

var (
	day    = time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)
	origin = day.Add(10 * time.Hour)
)

func record(td, completed, cancelled, lon string) string {
	return fmt.Sprintf(`{"fn":"10%s","ut":"%d","sn":"10","cd":"%s","la":"55.95","lo":"%s","hg":"45","nr":"C","ao":"%d","td":"%s","jc":"%s"}`,
		td, origin.Add(7*time.Minute).UnixMilli(), cancelled, lon, origin.UnixMilli(), td, completed)
}

func TestPollResolvesJourneys(t *testing.T) {
	body := `{"services":[` +
		record("J1", "", "False", "-3.14") + "," +
		record("J2", "True", "False", "-3.14") + "," +
		record("J3", "True", "True", "-3.14") + "," +
		`{"fn":"1","sn":"10","la":"55.95","lo":"-3.1","nr":"C","ao":"","td":"J4"},` +
		`{"fn":"2","sn":"99","la":"55.95","lo":"-3.1","nr":"C","ao":"` + fmt.Sprint(origin.UnixMilli()) + `","td":"J5"}` +
		`]}`

	regions := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		regions <- r.URL.Query().Get("services")
		w.Write([]byte(body))
	}))
	defer srv.Close()

	sched := &sourcetest.Schedule{
		Lookups: map[string]gtfs.TripRef{
			sourcetest.LookupKey("AG", "10", origin, "C"): {TripID: "T1", RouteID: "R1", StopID: "C", StopSequence: 3, ServiceDate: day},
		},
		Trips: map[string][]gtfs.ScheduledTrip{
			"R1": {{TripID: "T1", RouteID: "R1", Stops: []string{"A", "B", "C"}, Departures: []string{"10:00:00", "10:05:00", "10:10:00"}, Sequences: []int{1, 2, 3}}},
		},
		Stops: map[string]map[string]orb.Point{"R1": {"A": {-3.20, 55.95}, "B": {-3.15, 55.95}, "C": {-3.10, 55.95}}},
	}

	a := New(Config{Name: "stagecoach", URL: srv.URL + "/vehicles?services={region}", Regions: map[string]string{"SCOT": "AG"}, Location: time.UTC}, sched, srv.Client())
	snap, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "SCOT", <-regions)
	require.Len(t, snap.Entities, 2)

	j1 := snap.Entities[0]
	assert.Equal(t, "J1", j1.GetId())
	vp := j1.GetVehicle()
	assert.Equal(t, "T1", vp.GetTrip().GetTripId())
	assert.Equal(t, "R1", vp.GetTrip().GetRouteId())
	assert.Equal(t, "10:00:00", vp.GetTrip().GetStartTime())
	assert.Equal(t, "20240312", vp.GetTrip().GetStartDate())
	assert.Equal(t, gtfsrt.TripDescriptor_SCHEDULED, vp.GetTrip().GetScheduleRelationship())
	// -3.14 lies on the B-C leg
	assert.Equal(t, "C", vp.GetStopId())
	assert.Equal(t, uint32(3), vp.GetCurrentStopSequence())
	assert.Equal(t, float32(45), vp.GetPosition().GetBearing())
	assert.Equal(t, uint64(origin.Add(7*time.Minute).Unix()), vp.GetTimestamp())

	j3 := snap.Entities[1]
	assert.Equal(t, "J3", j3.GetId())
	assert.Equal(t, gtfsrt.TripDescriptor_CANCELED, j3.GetVehicle().GetTrip().GetScheduleRelationship())
}

func TestNearestLegOverridesLookupStop(t *testing.T) {
	body := `{"services":[` + record("J1", "", "False", "-3.19") + `]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	sched := &sourcetest.Schedule{
		Lookups: map[string]gtfs.TripRef{
			sourcetest.LookupKey("AG", "10", origin, "C"): {TripID: "T1", RouteID: "R1", StopID: "C", StopSequence: 3, ServiceDate: day},
		},
		Trips: map[string][]gtfs.ScheduledTrip{
			"R1": {{TripID: "T1", RouteID: "R1", Stops: []string{"A", "B", "C"}, Departures: []string{"10:00:00", "10:05:00", "10:10:00"}, Sequences: []int{1, 2, 3}}},
		},
		Stops: map[string]map[string]orb.Point{"R1": {"A": {-3.20, 55.95}, "B": {-3.15, 55.95}, "C": {-3.10, 55.95}}},
	}
	a := New(Config{Name: "stagecoach", URL: srv.URL, Regions: map[string]string{"SCOT": "AG"}, Location: time.UTC}, sched, srv.Client())
	snap, err := a.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, "B", snap.Entities[0].GetVehicle().GetStopId())
	assert.Equal(t, uint32(2), snap.Entities[0].GetVehicle().GetCurrentStopSequence())
}

func TestPollFailsWhenEveryRegionFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()
	a := New(Config{Name: "stagecoach", URL: srv.URL, Regions: map[string]string{"A": "x", "B": "y"}}, &sourcetest.Schedule{}, srv.Client())
	_, err := a.Poll(context.Background())
	assert.Error(t, err)
}

func TestPollFailsWhenScheduleIsDown(t *testing.T) {
	body := `{"services":[` + record("J1", "", "False", "-3.14") + "," + record("J2", "", "False", "-3.12") + `]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a := New(Config{Name: "stagecoach", URL: srv.URL, Regions: map[string]string{"SCOT": "AG"}, Location: time.UTC},
		&sourcetest.Schedule{Err: errors.New("db down")}, srv.Client())
	_, err := a.Poll(context.Background())
	assert.ErrorIs(t, err, source.ErrSchedule)
}
