// Package regions polls a JSON-RPC websocket service that answers with the
// vehicles inside a bounding box. Boxes that hit the per-request vehicle cap
// are split and re-queried, and the finer boxes are kept for later polls.
package regions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
)

// VehicleCap is the response size at which the service truncates a box.
const VehicleCap = 50

// Bounds is a lat/lon box in the service's request shape.
type Bounds struct {
	MinLat float64 `json:"min_lat" yaml:"min_lat"`
	MaxLat float64 `json:"max_lat" yaml:"max_lat"`
	MinLon float64 `json:"min_lon" yaml:"min_lon"`
	MaxLon float64 `json:"max_lon" yaml:"max_lon"`
}

type Config struct {
	Name string
	// URL is the websocket endpoint.
	URL string
	// TokenURL, when set, is exchanged for a bearer token using APIKey
	// before every connect.
	TokenURL string
	APIKey   string
	Bounds   []Bounds
	// Operators maps lowercased operator codes to GTFS agency ids.
	Operators map[string]string
	Location  *time.Location
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  Bounds `json:"params"`
}

// rpcMessage covers results, updates and errors; which one it is follows
// from the fields present.
type rpcMessage struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Result *struct{}       `json:"result"`
	Params *updateParams   `json:"params"`
	Error  *rpcErrorDetail `json:"error"`
}

type rpcErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type updateParams struct {
	Resource struct {
		Member []member `json:"member"`
	} `json:"resource"`
}

type member struct {
	LineName       string `json:"line_name"`
	Operator       string `json:"operator"`
	OriginAtcocode string `json:"origin_atcocode"`
	Status         struct {
		Bearing  float64 `json:"bearing"`
		Location struct {
			Coordinates [2]float64 `json:"coordinates"` // lon, lat
		} `json:"location"`
		RecordedAtTime time.Time `json:"recorded_at_time"`
		StopsIndex     *struct {
			Value int `json:"value"`
		} `json:"stops_index"`
		VehicleID string `json:"vehicle_id"`
	} `json:"status"`
	Stops []struct {
		Atcocode string `json:"atcocode"`
		Date     string `json:"date"` // YYYY-MM-DD
		Time     string `json:"time"` // HH:MM
	} `json:"stops"`
}

func (m member) point() orb.Point {
	return orb.Point{m.Status.Location.Coordinates[0], m.Status.Location.Coordinates[1]}
}

type tokenResponse struct {
	Data struct {
		AccessToken string `json:"access-token"`
	} `json:"data"`
}

type Adapter struct {
	cfg    Config
	sched  source.Schedule
	client *http.Client
	log    *logrus.Entry

	mu     sync.Mutex
	conn   *websocket.Conn
	bounds []Bounds
}

func New(cfg Config, sched source.Schedule, client *http.Client) *Adapter {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Adapter{
		cfg:    cfg,
		sched:  sched,
		client: client,
		log:    logrus.WithFields(logrus.Fields{"source": cfg.Name, "kind": "regions"}),
		bounds: append([]Bounds(nil), cfg.Bounds...),
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

// Bounds returns the boxes the next poll will query.
func (a *Adapter) Bounds() []Bounds {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Bounds(nil), a.bounds...)
}

// Close drops the websocket connection, if any.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close(websocket.StatusNormalClosure, "")
	a.conn = nil
	return err
}

func (a *Adapter) Poll(ctx context.Context) (*feed.Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		conn, err := a.connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		a.conn = conn
	}

	members, bounds, err := a.collect(ctx)
	if err != nil {
		a.conn.CloseNow()
		a.conn = nil
		return nil, err
	}
	if len(bounds) != len(a.bounds) {
		a.log.WithFields(logrus.Fields{"from": len(a.bounds), "to": len(bounds)}).Info("regions split")
	}
	a.bounds = bounds

	snap := &feed.Snapshot{StopAlerts: feed.StopAlerts{}, FetchedAt: time.Now()}
	storeErrs := 0
	var lastErr error
	for _, m := range members {
		e, err := a.resolve(ctx, m)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, source.ErrSchedule) {
				storeErrs++
				lastErr = err
			}
			a.log.WithError(err).WithFields(logrus.Fields{"vehicle": m.Status.VehicleID, "line": m.LineName}).Debug("vehicle skipped")
			continue
		}
		if e != nil {
			snap.Entities = append(snap.Entities, e)
		}
	}
	if storeErrs > 0 && len(snap.Entities) == 0 {
		return nil, fmt.Errorf("%d vehicles unresolved: %w", storeErrs, lastErr)
	}
	return snap, nil
}

func (a *Adapter) connect(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if a.cfg.TokenURL != "" {
		var tok tokenResponse
		if err := source.FetchJSON(ctx, a.client, a.cfg.TokenURL, http.Header{"X-App-Key": {a.cfg.APIKey}}, &tok); err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok.Data.AccessToken)
	}
	conn, _, err := websocket.Dial(ctx, a.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// collect queries every box, splitting those at the cap, and returns the
// vehicles together with the boxes that produced them.
func (a *Adapter) collect(ctx context.Context) ([]member, []Bounds, error) {
	queue := append([]Bounds(nil), a.bounds...)
	var (
		done     []Bounds
		vehicles []member
	)
	for len(queue) > 0 {
		b := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		got, err := a.query(ctx, b)
		if err != nil {
			return nil, nil, err
		}
		if len(got) >= VehicleCap {
			if lo, hi, ok := split(b, got); ok {
				queue = append(queue, lo, hi)
				continue
			}
		}
		done = append(done, b)
		vehicles = append(vehicles, got...)
	}
	return vehicles, done, nil
}

// query sends one configuration request and waits for the update that
// follows its result.
func (a *Adapter) query(ctx context.Context, b Bounds) ([]member, error) {
	id := uuid.NewString()
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: "configuration", Params: b}
	if err := wsjson.Write(ctx, a.conn, req); err != nil {
		return nil, fmt.Errorf("send configuration: %w", err)
	}

	current := ""
	for {
		var msg rpcMessage
		if err := wsjson.Read(ctx, a.conn, &msg); err != nil {
			return nil, fmt.Errorf("read update: %w", err)
		}
		switch {
		case msg.Error != nil:
			if msg.ID == id {
				return nil, fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
			}
		case msg.Result != nil:
			current = msg.ID
		case msg.Params != nil:
			if current == id {
				return msg.Params.Resource.Member, nil
			}
		}
	}
}

// split cuts b at the centroid of the vehicles along whichever axis puts
// the centroid nearer the middle of the box. ok is false when the cut would
// leave an empty box.
func split(b Bounds, vehicles []member) (Bounds, Bounds, bool) {
	if len(vehicles) == 0 {
		return b, b, false
	}
	var latSum, lonSum float64
	for _, v := range vehicles {
		latSum += v.point().Lat()
		lonSum += v.point().Lon()
	}
	latMid := latSum / float64(len(vehicles))
	lonMid := lonSum / float64(len(vehicles))

	height := b.MaxLat - b.MinLat
	width := b.MaxLon - b.MinLon
	latBalance := math.Abs(0.5 - math.Abs(latMid-b.MinLat)/height)
	lonBalance := math.Abs(0.5 - math.Abs(lonMid-b.MinLon)/width)

	if latBalance < lonBalance {
		if latMid <= b.MinLat || latMid >= b.MaxLat {
			return b, b, false
		}
		lo, hi := b, b
		lo.MaxLat, hi.MinLat = latMid, latMid
		return lo, hi, true
	}
	if lonMid <= b.MinLon || lonMid >= b.MaxLon {
		return b, b, false
	}
	lo, hi := b, b
	lo.MaxLon, hi.MinLon = lonMid, lonMid
	return lo, hi, true
}

func (a *Adapter) resolve(ctx context.Context, m member) (*gtfsrt.FeedEntity, error) {
	if len(m.Stops) == 0 {
		return nil, nil
	}
	agency, ok := a.cfg.Operators[strings.ToLower(m.Operator)]
	if !ok {
		return nil, nil
	}
	origin := m.Stops[0]
	dep, err := time.ParseInLocation("2006-01-02 15:04", origin.Date+" "+origin.Time, a.cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("origin departure: %w", err)
	}

	ref, err := a.sched.FindTrip(ctx, gtfs.TripLookup{
		AgencyID:        agency,
		RouteName:       m.LineName,
		OriginDeparture: dep,
		StopID:          m.OriginAtcocode,
	})
	if errors.Is(err, gtfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", source.ErrSchedule, err)
	}

	v := source.Vehicle{
		EntityID:  m.Status.VehicleID,
		TripID:    ref.TripID,
		RouteID:   ref.RouteID,
		StartTime: origin.Time + ":00",
		StartDate: strings.ReplaceAll(origin.Date, "-", ""),
		Position:  m.point(),
		Bearing:   source.Float32(m.Status.Bearing),
		Timestamp: m.Status.RecordedAtTime,
	}
	a.placeStop(ctx, &v, ref.TripID, m)
	return v.Entity(), nil
}

// placeStop fills the current stop from the reported stop index, or from the
// nearest leg when the service leaves it out.
func (a *Adapter) placeStop(ctx context.Context, v *source.Vehicle, tripID string, m member) {
	trip, err := a.sched.TripStops(ctx, tripID)
	if err != nil {
		return
	}
	if si := m.Status.StopsIndex; si != nil && si.Value >= 0 && si.Value < len(m.Stops) {
		if i := trip.StopIndex(m.Stops[si.Value].Atcocode); i >= 0 {
			v.StopID, v.StopSequence = trip.Stops[i], source.Uint32(trip.Sequences[i])
			return
		}
	}
	if i, ok, err := source.InferStop(ctx, a.sched, trip, v.Position); err == nil && ok {
		v.StopID, v.StopSequence = trip.Stops[i], source.Uint32(trip.Sequences[i])
	}
}
