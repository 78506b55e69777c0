package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/jmoiron/sqlx"
	"github.com/paulmach/orb"

	"gtfsrt-aggregator/internal/gtfs"
)

// Store answers read-only schedule queries. It is safe for concurrent use by
// every source; the underlying database can be swapped while queries run.
type Store struct {
	conn atomic.Pointer[sqlx.DB]

	stops   gcache.Cache // route id -> map[string]orb.Point
	routes  gcache.Cache // agency|name -> route id
	agency  gcache.Cache // operator code -> agency id
	columns sync.Map     // "table.col,col" -> bool
}

func NewStore(conn *sqlx.DB) *Store {
	s := &Store{
		stops:  gcache.New(512).LRU().Expiration(time.Hour).Build(),
		routes: gcache.New(4096).LRU().Expiration(6 * time.Hour).Build(),
		agency: gcache.New(1024).LRU().Expiration(6 * time.Hour).Build(),
	}
	s.conn.Store(conn)
	return s
}

func (s *Store) db() *sqlx.DB { return s.conn.Load() }

// Swap points the store at a new database and returns the previous one.
// Cached lookups are dropped.
func (s *Store) Swap(conn *sqlx.DB) *sqlx.DB {
	old := s.conn.Swap(conn)
	s.stops.Purge()
	s.routes.Purge()
	s.agency.Purge()
	s.columns.Range(func(k, _ any) bool {
		s.columns.Delete(k)
		return true
	})
	return old
}

type candidateRow struct {
	TripID     string `db:"trip_id"`
	RouteID    string `db:"route_id"`
	Direction  string `db:"direction"`
	Stops      string `db:"stops"`
	Departures string `db:"departures"`
	Sequences  string `db:"sequences"`
}

const candidatesQuery = activeServicesCTE + `
SELECT t.trip_id,
       t.route_id,
       COALESCE(t.direction_id::text, '') AS direction,
       string_agg(st.stop_id, ',' ORDER BY st.stop_sequence) AS stops,
       string_agg(COALESCE(st.departure_time::text, st.arrival_time::text, ''), ',' ORDER BY st.stop_sequence) AS departures,
       string_agg(st.stop_sequence::text, ',' ORDER BY st.stop_sequence) AS sequences
FROM trips t
JOIN stop_times st ON st.trip_id = t.trip_id
WHERE t.route_id = $3
  AND t.service_id IN (SELECT service_id FROM active)
GROUP BY t.trip_id, t.route_id, t.direction_id`

// Candidates returns the trips of routeID in progress around now, across
// every service window now falls into. An empty result is not an error.
func (s *Store) Candidates(ctx context.Context, now time.Time, routeID string, lookback time.Duration) ([]gtfs.ScheduledTrip, error) {
	var out []gtfs.ScheduledTrip
	for _, w := range gtfs.ServiceWindows(now, lookback) {
		date, dow := dateArgs(w.Date)
		var rows []candidateRow
		if err := s.db().SelectContext(ctx, &rows, candidatesQuery, date, dow, routeID); err != nil {
			return nil, fmt.Errorf("query candidates for route %s on %s: %w", routeID, date, err)
		}
		for _, r := range rows {
			trip := r.toTrip(w.Date)
			n := len(trip.Departures)
			if n == 0 {
				continue
			}
			first := gtfs.ParseDaySeconds(trip.Departures[0])
			last := gtfs.ParseDaySeconds(trip.Departures[n-1])
			if !w.Covers(first, last) {
				continue
			}
			out = append(out, trip)
		}
	}
	return out, nil
}

func (r candidateRow) toTrip(date time.Time) gtfs.ScheduledTrip {
	t := gtfs.ScheduledTrip{
		TripID:      r.TripID,
		RouteID:     r.RouteID,
		Stops:       splitList(r.Stops),
		Departures:  splitList(r.Departures),
		ServiceDate: date,
	}
	for _, seq := range splitList(r.Sequences) {
		n, _ := strconv.Atoi(seq)
		t.Sequences = append(t.Sequences, n)
	}
	switch strings.TrimSpace(r.Direction) {
	case "0":
		d := 0
		t.Direction = &d
	case "1":
		d := 1
		t.Direction = &d
	}
	return t
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

const tripStopsQuery = `
SELECT t.trip_id,
       t.route_id,
       COALESCE(t.direction_id::text, '') AS direction,
       string_agg(st.stop_id, ',' ORDER BY st.stop_sequence) AS stops,
       string_agg(COALESCE(st.departure_time::text, st.arrival_time::text, ''), ',' ORDER BY st.stop_sequence) AS departures,
       string_agg(st.stop_sequence::text, ',' ORDER BY st.stop_sequence) AS sequences
FROM trips t
JOIN stop_times st ON st.trip_id = t.trip_id
WHERE t.trip_id = $1
GROUP BY t.trip_id, t.route_id, t.direction_id`

// TripStops returns the stop pattern of one trip. ServiceDate is left zero.
func (s *Store) TripStops(ctx context.Context, tripID string) (*gtfs.ScheduledTrip, error) {
	var r candidateRow
	if err := s.db().GetContext(ctx, &r, tripStopsQuery, tripID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, gtfs.ErrNotFound
		}
		return nil, fmt.Errorf("query trip %s: %w", tripID, err)
	}
	t := r.toTrip(time.Time{})
	return &t, nil
}

type tripRefRow struct {
	TripID       string `db:"trip_id"`
	RouteID      string `db:"route_id"`
	StopID       string `db:"stop_id"`
	StopSequence int    `db:"stop_sequence"`
}

const findTripQuery = activeServicesCTE + `
SELECT t.trip_id, t.route_id, st.stop_id, st.stop_sequence
FROM trips t
JOIN routes r ON r.route_id = t.route_id
JOIN stop_times st ON st.trip_id = t.trip_id
JOIN stop_times origin ON origin.trip_id = t.trip_id
WHERE r.agency_id = $3
  AND upper(r.route_short_name) = upper($4)
  AND st.stop_id = $5
  AND origin.stop_sequence = (SELECT MIN(stop_sequence) FROM stop_times WHERE trip_id = t.trip_id)
  AND COALESCE(origin.departure_time::text, origin.arrival_time::text) = $6
  AND t.service_id IN (SELECT service_id FROM active)
ORDER BY st.stop_sequence
LIMIT 1`

// FindTrip resolves a trip from its route, origin departure and a stop it
// calls at. A departure shortly after midnight is also tried as a 24h+ time
// on the previous service date.
func (s *Store) FindTrip(ctx context.Context, q gtfs.TripLookup) (gtfs.TripRef, error) {
	dep := q.OriginDeparture.Truncate(time.Minute)
	day := gtfs.Midnight(dep)
	sec := int(dep.Sub(day) / time.Second)

	type attempt struct {
		date time.Time
		sec  int
	}
	attempts := []attempt{{day, sec}}
	if sec < 6*3600 {
		attempts = append(attempts, attempt{gtfs.Midnight(day.Add(-12 * time.Hour)), sec + 24*3600})
	}

	for _, a := range attempts {
		date, dow := dateArgs(a.date)
		var r tripRefRow
		err := s.db().GetContext(ctx, &r, findTripQuery, date, dow, q.AgencyID, q.RouteName, q.StopID, gtfs.FormatDaySeconds(a.sec))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return gtfs.TripRef{}, fmt.Errorf("find trip %s/%s at %s: %w", q.AgencyID, q.RouteName, gtfs.FormatDaySeconds(a.sec), err)
		}
		return gtfs.TripRef{TripID: r.TripID, RouteID: r.RouteID, StopID: r.StopID, StopSequence: r.StopSequence, ServiceDate: a.date}, nil
	}
	return gtfs.TripRef{}, gtfs.ErrNotFound
}

// RouteIDByName maps an agency and route short name (case-insensitive) to a
// route id.
func (s *Store) RouteIDByName(ctx context.Context, agencyID, name string) (string, error) {
	key := agencyID + "|" + strings.ToUpper(name)
	if v, err := s.routes.Get(key); err == nil {
		return v.(string), nil
	}
	var id string
	err := s.db().GetContext(ctx, &id,
		`SELECT route_id FROM routes WHERE agency_id = $1 AND upper(route_short_name) = upper($2) LIMIT 1`,
		agencyID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", gtfs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query route %s/%s: %w", agencyID, name, err)
	}
	_ = s.routes.Set(key, id)
	return id, nil
}

// AgencyForOperator maps an upstream operator code (NOC) to a GTFS agency.
func (s *Store) AgencyForOperator(ctx context.Context, code string) (string, error) {
	if v, err := s.agency.Get(code); err == nil {
		return v.(string), nil
	}
	var id string
	err := s.db().GetContext(ctx, &id, `SELECT agency_id FROM operator_agencies WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", gtfs.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query operator %s: %w", code, err)
	}
	_ = s.agency.Set(code, id)
	return id, nil
}

// RoutePatterns returns every upstream pattern -> route mapping.
func (s *Store) RoutePatterns(ctx context.Context) ([]gtfs.RoutePattern, error) {
	var out []gtfs.RoutePattern
	if err := s.db().SelectContext(ctx, &out, `SELECT pattern, route_id FROM route_patterns ORDER BY pattern`); err != nil {
		return nil, fmt.Errorf("query route patterns: %w", err)
	}
	return out, nil
}

type stopPointRow struct {
	StopID string  `db:"stop_id"`
	Lat    float64 `db:"lat"`
	Lon    float64 `db:"lon"`
}

// StopPoints returns lon/lat of every stop served by routeID.
func (s *Store) StopPoints(ctx context.Context, routeID string) (map[string]orb.Point, error) {
	if v, err := s.stops.Get(routeID); err == nil {
		return v.(map[string]orb.Point), nil
	}
	coords, err := s.stopCoordColumns(ctx)
	if err != nil {
		return nil, err
	}
	q := `SELECT DISTINCT s.stop_id, ` + coords + `
FROM stops s
JOIN stop_times st ON st.stop_id = s.stop_id
JOIN trips t ON t.trip_id = st.trip_id
WHERE t.route_id = $1`
	var rows []stopPointRow
	if err := s.db().SelectContext(ctx, &rows, q, routeID); err != nil {
		return nil, fmt.Errorf("query stops for route %s: %w", routeID, err)
	}
	pts := make(map[string]orb.Point, len(rows))
	for _, r := range rows {
		pts[r.StopID] = orb.Point{r.Lon, r.Lat}
	}
	_ = s.stops.Set(routeID, pts)
	return pts, nil
}

// stopCoordColumns prefers stop_lat/stop_lon and falls back to a PostGIS
// stop_loc column.
func (s *Store) stopCoordColumns(ctx context.Context) (string, error) {
	latlon, err := s.hasColumns(ctx, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return "", fmt.Errorf("introspect stops columns: %w", err)
	}
	if latlon {
		return `COALESCE(s.stop_lat, 0) AS lat, COALESCE(s.stop_lon, 0) AS lon`, nil
	}
	loc, err := s.hasColumns(ctx, "public", "stops", "stop_loc")
	if err != nil {
		return "", fmt.Errorf("introspect stops stop_loc: %w", err)
	}
	if !loc {
		return "", fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
	return `COALESCE(ST_Y(s.stop_loc::geometry), 0) AS lat, COALESCE(ST_X(s.stop_loc::geometry), 0) AS lon`, nil
}

// hasColumns reports whether every requested column exists on the table.
func (s *Store) hasColumns(ctx context.Context, schema, table string, cols ...string) (bool, error) {
	key := schema + "." + table + "." + strings.Join(cols, ",")
	if v, ok := s.columns.Load(key); ok {
		return v.(bool), nil
	}
	var found []string
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	if err := s.db().SelectContext(ctx, &found, q, schema, table, cols); err != nil {
		return false, err
	}
	ok := len(found) == len(cols)
	s.columns.Store(key, ok)
	return ok, nil
}
