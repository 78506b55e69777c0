package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfsrt-aggregator/internal/gtfs"
)

func TestCandidateRowToTrip(t *testing.T) {
	date := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	r := candidateRow{
		TripID:     "T1",
		RouteID:    "R1",
		Direction:  "1",
		Stops:      "A,B,C",
		Departures: "23:50:00,24:00:00,24:10:00",
		Sequences:  "1,2,5",
	}
	trip := r.toTrip(date)
	assert.Equal(t, []string{"A", "B", "C"}, trip.Stops)
	assert.Equal(t, []int{1, 2, 5}, trip.Sequences)
	require.NotNil(t, trip.Direction)
	assert.Equal(t, 1, *trip.Direction)
	assert.Equal(t, date, trip.ServiceDate)

	r.Direction = ""
	assert.Nil(t, r.toTrip(date).Direction)
	assert.Nil(t, splitList(""))
}

// openTestDB connects to TEST_DATABASE_URL and loads a minimal schedule into
// temporary tables. The pool is pinned to one connection so every query sees
// them.
func openTestDB(t *testing.T) *Store {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	conn, err := Open(dsn)
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, Ping(context.Background(), conn))

	stmts := []string{
		`CREATE TEMP TABLE calendar (service_id text, monday int, tuesday int, wednesday int, thursday int, friday int, saturday int, sunday int, start_date date, end_date date)`,
		`CREATE TEMP TABLE calendar_dates (service_id text, date date, exception_type int)`,
		`CREATE TEMP TABLE routes (route_id text, agency_id text, route_short_name text)`,
		`CREATE TEMP TABLE trips (trip_id text, route_id text, service_id text, direction_id int)`,
		`CREATE TEMP TABLE stop_times (trip_id text, stop_id text, stop_sequence int, arrival_time text, departure_time text)`,
		`INSERT INTO calendar VALUES ('WK', 1,1,1,1,1,0,0, '2024-01-01', '2024-12-31')`,
		`INSERT INTO calendar_dates VALUES ('WK', '2024-03-13', 2), ('EXTRA', '2024-03-16', 1)`,
		`INSERT INTO routes VALUES ('R1', 'AG', '10')`,
		`INSERT INTO trips VALUES ('LATE', 'R1', 'WK', 0), ('DAY', 'R1', 'WK', 1), ('SAT', 'R1', 'EXTRA', 0)`,
		`INSERT INTO stop_times VALUES
			('LATE', 'A', 1, '23:50:00', '23:50:00'), ('LATE', 'B', 2, '24:10:00', '24:10:00'),
			('DAY', 'A', 1, '10:00:00', '10:00:00'), ('DAY', 'B', 2, '10:10:00', '10:10:00'),
			('SAT', 'A', 1, '10:00:00', '10:00:00'), ('SAT', 'B', 2, '10:10:00', '10:10:00')`,
	}
	for _, s := range stmts {
		_, err := conn.Exec(s)
		require.NoError(t, err, s)
	}
	return NewStore(conn)
}

func tripIDs(trips []gtfs.ScheduledTrip) []string {
	var ids []string
	for _, t := range trips {
		ids = append(ids, t.TripID)
	}
	return ids
}

func TestCandidatesAgainstDatabase(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	t.Run("midnight lookback", func(t *testing.T) {
		// Tuesday 00:02, the Monday LATE trip is still running
		now := time.Date(2024, 3, 12, 0, 2, 0, 0, time.UTC)
		trips, err := store.Candidates(ctx, now, "R1", time.Hour)
		require.NoError(t, err)
		require.Equal(t, []string{"LATE"}, tripIDs(trips))
		assert.Equal(t, "20240311", trips[0].StartDate())
	})

	t.Run("daytime window", func(t *testing.T) {
		now := time.Date(2024, 3, 12, 10, 5, 0, 0, time.UTC)
		trips, err := store.Candidates(ctx, now, "R1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"DAY"}, tripIDs(trips))
	})

	t.Run("removed exception", func(t *testing.T) {
		now := time.Date(2024, 3, 13, 10, 5, 0, 0, time.UTC)
		trips, err := store.Candidates(ctx, now, "R1", time.Hour)
		require.NoError(t, err)
		assert.Empty(t, trips)
	})

	t.Run("added exception", func(t *testing.T) {
		now := time.Date(2024, 3, 16, 10, 5, 0, 0, time.UTC)
		trips, err := store.Candidates(ctx, now, "R1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, []string{"SAT"}, tripIDs(trips))
	})

	t.Run("find trip by origin", func(t *testing.T) {
		ref, err := store.FindTrip(ctx, gtfs.TripLookup{
			AgencyID:        "AG",
			RouteName:       "10",
			OriginDeparture: time.Date(2024, 3, 12, 10, 0, 30, 0, time.UTC),
			StopID:          "B",
		})
		require.NoError(t, err)
		assert.Equal(t, "DAY", ref.TripID)
		assert.Equal(t, 2, ref.StopSequence)

		_, err = store.FindTrip(ctx, gtfs.TripLookup{AgencyID: "AG", RouteName: "99", OriginDeparture: time.Now(), StopID: "B"})
		assert.ErrorIs(t, err, gtfs.ErrNotFound)
	})
}
