// Package disruptions turns a SIRI-SX situation exchange document into
// GTFS-RT alerts: one per consequence for the routes and agencies it names,
// and one per situation for its affected stops.
package disruptions

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"gtfsrt-aggregator/internal/feed"
	"gtfsrt-aggregator/internal/gtfs"
	"gtfsrt-aggregator/internal/source"
)

// DefaultInterval is how often situations are refetched.
const DefaultInterval = 15 * time.Minute

// openEnded is the lifetime given to situations without an end time.
const openEnded = 52 * 7 * 24 * time.Hour

var alertNamespace = uuid.MustParse("5c1f3f0e-8a59-4f7e-9a43-3f0c2b7d8e11")

type Config struct {
	Name string
	URL  string
	// ZipMember names the XML document when the response is a zip archive.
	ZipMember string
	Header    http.Header
}

type siri struct {
	Situations []situation `xml:"ServiceDelivery>SituationExchangeDelivery>Situations>PtSituationElement"`
}

type situation struct {
	SituationNumber string        `xml:"SituationNumber"`
	Validity        []window      `xml:"ValidityPeriod"`
	Summary         string        `xml:"Summary"`
	Description     string        `xml:"Description"`
	InfoLinks       []string      `xml:"InfoLinks>InfoLink>Uri"`
	Consequences    []consequence `xml:"Consequences>Consequence"`
}

type window struct {
	Start time.Time  `xml:"StartTime"`
	End   *time.Time `xml:"EndTime"`
}

type consequence struct {
	Lines      []affectedLine `xml:"Affects>Networks>AffectedNetwork>AffectedLine"`
	Operators  []string       `xml:"Affects>Operators>AffectedOperator>OperatorRef"`
	StopPoints []string       `xml:"Affects>StopPoints>AffectedStopPoint>StopPointRef"`
	Advice     string         `xml:"Advice>Details"`
}

type affectedLine struct {
	OperatorRef string `xml:"AffectedOperator>OperatorRef"`
	LineRef     string `xml:"LineRef"`
}

type Adapter struct {
	cfg    Config
	sched  source.Schedule
	client *http.Client
	log    *logrus.Entry
	now    func() time.Time
}

func New(cfg Config, sched source.Schedule, client *http.Client) *Adapter {
	return &Adapter{
		cfg:    cfg,
		sched:  sched,
		client: client,
		log:    logrus.WithFields(logrus.Fields{"source": cfg.Name, "kind": "disruptions"}),
		now:    time.Now,
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Poll(ctx context.Context) (*feed.Snapshot, error) {
	body, err := source.Fetch(ctx, a.client, a.cfg.URL, a.cfg.Header)
	if err != nil {
		return nil, err
	}
	if a.cfg.ZipMember != "" {
		if body, err = source.Unzip(body, a.cfg.ZipMember); err != nil {
			return nil, err
		}
	}
	var doc siri
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding situations: %w", err)
	}

	now := a.now()
	snap := &feed.Snapshot{StopAlerts: feed.StopAlerts{}, FetchedAt: now}
	for _, s := range doc.Situations {
		entities, stopAlert, err := a.convert(ctx, s, now)
		if err != nil {
			return nil, err
		}
		snap.Entities = append(snap.Entities, entities...)
		if stopAlert != nil {
			snap.StopAlerts.Add(stopAlert)
		}
	}
	a.log.WithFields(logrus.Fields{"situations": len(doc.Situations), "alerts": len(snap.Entities), "stops": len(snap.StopAlerts)}).Debug("situations converted")
	return snap, nil
}

func (a *Adapter) convert(ctx context.Context, s situation, now time.Time) ([]*gtfsrt.FeedEntity, *gtfsrt.Alert, error) {
	periods := make([]*gtfsrt.TimeRange, 0, len(s.Validity))
	for _, w := range s.Validity {
		end := now.Add(openEnded)
		if w.End != nil {
			end = *w.End
		}
		periods = append(periods, &gtfsrt.TimeRange{
			Start: proto.Uint64(uint64(w.Start.Unix())),
			End:   proto.Uint64(uint64(end.Unix())),
		})
	}
	var url *gtfsrt.TranslatedString
	if len(s.InfoLinks) > 0 {
		url = text(s.InfoLinks[0])
	}
	base := func(description string, informed []*gtfsrt.EntitySelector) *gtfsrt.Alert {
		return &gtfsrt.Alert{
			ActivePeriod:    periods,
			InformedEntity:  informed,
			Cause:           gtfsrt.Alert_OTHER_CAUSE.Enum(),
			Effect:          gtfsrt.Alert_OTHER_EFFECT.Enum(),
			Url:             url,
			HeaderText:      text(s.Summary),
			DescriptionText: text(description),
		}
	}

	var (
		entities []*gtfsrt.FeedEntity
		stops    []*gtfsrt.EntitySelector
	)
	for i, c := range s.Consequences {
		informed, err := a.informed(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		for _, ref := range c.StopPoints {
			stops = append(stops, &gtfsrt.EntitySelector{StopId: proto.String(strings.TrimSpace(ref))})
		}
		if len(informed) == 0 {
			continue
		}
		desc := s.Description
		if c.Advice != "" {
			desc += " " + c.Advice
		}
		id := uuid.NewSHA1(alertNamespace, fmt.Appendf(nil, "%s/%d", s.SituationNumber, i)).String()
		entities = append(entities, &gtfsrt.FeedEntity{Id: proto.String(id), Alert: base(desc, informed)})
	}
	if len(stops) == 0 {
		return entities, nil, nil
	}
	return entities, base(s.Description, stops), nil
}

// informed resolves a consequence's lines to routes and its operators to
// agencies. References the schedule does not know are left out.
func (a *Adapter) informed(ctx context.Context, c consequence) ([]*gtfsrt.EntitySelector, error) {
	var out []*gtfsrt.EntitySelector
	for _, l := range c.Lines {
		agency, err := a.sched.AgencyForOperator(ctx, strings.TrimSpace(l.OperatorRef))
		if errors.Is(err, gtfs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		route, err := a.sched.RouteIDByName(ctx, agency, strings.TrimSpace(l.LineRef))
		if errors.Is(err, gtfs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &gtfsrt.EntitySelector{RouteId: proto.String(route)})
	}
	for _, op := range c.Operators {
		agency, err := a.sched.AgencyForOperator(ctx, strings.TrimSpace(op))
		if errors.Is(err, gtfs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &gtfsrt.EntitySelector{AgencyId: proto.String(agency)})
	}
	return out, nil
}

func text(s string) *gtfsrt.TranslatedString {
	return &gtfsrt.TranslatedString{Translation: []*gtfsrt.TranslatedString_Translation{{
		Text:     proto.String(strings.TrimSpace(s)),
		Language: proto.String("en"),
	}}}
}
