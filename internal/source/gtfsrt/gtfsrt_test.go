package gtfsrt

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	rt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source/sourcetest"
)

func vehicle(id, trip string, lon float32) *rt.FeedEntity {
	return &rt.FeedEntity{
		Id: proto.String(id),
		Vehicle: &rt.VehiclePosition{
			Trip:     &rt.TripDescriptor{TripId: proto.String(trip)},
			Position: &rt.Position{Latitude: proto.Float32(55.95), Longitude: proto.Float32(lon)},
		},
	}
}

func tripUpdate(id, trip string) *rt.FeedEntity {
	return &rt.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &rt.TripUpdate{
			Trip:  &rt.TripDescriptor{TripId: proto.String(trip)},
			Delay: proto.Int32(120),
		},
	}
}

func upstream(t *testing.T) []byte {
	f := feed.NewFeed(time.Unix(1700000000, 0))
	f.Message.Entity = []*rt.FeedEntity{
		vehicle("v1", "T1", -3.14),
		vehicle("v2", "", -3.14),
		tripUpdate("u1", "T1"),
		tripUpdate("u2", "T9"),
		{
			Id: proto.String("a1"),
			Alert: &rt.Alert{InformedEntity: []*rt.EntitySelector{
				{Trip: &rt.TripDescriptor{TripId: proto.String("T1")}},
			}},
		},
	}
	f.StopAlerts.Add(&rt.Alert{InformedEntity: []*rt.EntitySelector{{StopId: proto.String("S1")}}})
	b, err := feed.Marshal(f)
	require.NoError(t, err)
	return b
}

func schedule() *sourcetest.Schedule {
	return &sourcetest.Schedule{
		Trips: map[string][]gtfs.ScheduledTrip{
			"R1": {{TripID: "E:T1", RouteID: "R1", Stops: []string{"A", "B", "C"}, Departures: []string{"10:00:00", "10:05:00", "10:10:00"}, Sequences: []int{1, 2, 3}}},
		},
		Stops: map[string]map[string]orb.Point{"R1": {"A": {-3.20, 55.95}, "B": {-3.15, 55.95}, "C": {-3.10, 55.95}}},
	}
}

func TestPollNormalisesUpstream(t *testing.T) {
	body := upstream(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Write(body)
	}))
	defer srv.Close()

	a := New(Config{Name: "ember", URL: srv.URL, TripPrefix: "E:", Header: http.Header{"X-Api-Key": {"secret"}}}, schedule(), srv.Client())
	snap, err := a.Poll(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(snap.Entities))
	for _, e := range snap.Entities {
		ids = append(ids, e.GetId())
	}
	// v2 has no trip, u1 is folded into v1, u2 has no vehicle to join
	assert.Equal(t, []string{"v1", "a1", "u2"}, ids)

	v1 := snap.Entities[0]
	assert.Equal(t, "E:T1", v1.GetVehicle().GetTrip().GetTripId())
	assert.Equal(t, int32(120), v1.GetTripUpdate().GetDelay())
	assert.Equal(t, "C", v1.GetVehicle().GetStopId())
	assert.Equal(t, uint32(3), v1.GetVehicle().GetCurrentStopSequence())

	assert.Equal(t, "E:T1", snap.Entities[1].GetAlert().GetInformedEntity()[0].GetTrip().GetTripId())
	assert.Equal(t, "E:T9", snap.Entities[2].GetTripUpdate().GetTrip().GetTripId())

	require.Len(t, snap.StopAlerts["S1"], 1)
	assert.Equal(t, time.Unix(1700000000, 0), snap.FetchedAt)
}

func TestPollKeepsReportedStop(t *testing.T) {
	f := feed.NewFeed(time.Now())
	v := vehicle("v1", "E:T1", -3.19)
	v.Vehicle.CurrentStopSequence = proto.Uint32(3)
	f.Message.Entity = []*rt.FeedEntity{v}
	body, err := feed.Marshal(f)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	snap, err := New(Config{Name: "x", URL: srv.URL}, schedule(), srv.Client()).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, uint32(3), snap.Entities[0].GetVehicle().GetCurrentStopSequence())
}

func TestPollReadsZipMember(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("gtfsrt.bin")
	require.NoError(t, err)
	_, err = w.Write(upstream(t))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	a := New(Config{Name: "bods", URL: srv.URL, ZipMember: "gtfsrt.bin"}, nil, srv.Client())
	snap, err := a.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Entities, 3)
	assert.False(t, snap.Entities[0].GetVehicle().CurrentStopSequence != nil)

	missing := New(Config{Name: "bods", URL: srv.URL, ZipMember: "other.bin"}, nil, srv.Client())
	_, err = missing.Poll(context.Background())
	assert.Error(t, err)
}

func TestPollRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0xff, 0xff, 0xff})
	}))
	defer srv.Close()

	_, err := New(Config{Name: "x", URL: srv.URL}, nil, srv.Client()).Poll(context.Background())
	assert.Error(t, err)
}

func TestPrefixAppliedOnceToSharedStopAlert(t *testing.T) {
	f := feed.NewFeed(time.Unix(1700000000, 0))
	f.StopAlerts.Add(&rt.Alert{InformedEntity: []*rt.EntitySelector{
		{StopId: proto.String("S1")},
		{StopId: proto.String("S2")},
		{Trip: &rt.TripDescriptor{TripId: proto.String("T1")}},
	}})
	body, err := feed.Marshal(f)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	snap, err := New(Config{Name: "ember", URL: srv.URL, TripPrefix: "E:"}, nil, srv.Client()).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.StopAlerts["S1"], 1)
	require.Len(t, snap.StopAlerts["S2"], 1)
	for _, stop := range []string{"S1", "S2"} {
		assert.Equal(t, "E:T1", snap.StopAlerts[stop][0].GetInformedEntity()[2].GetTrip().GetTripId())
	}
}
