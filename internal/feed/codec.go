package feed

import (
	"errors"
	"fmt"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// stopAlertField is the top-level field number carrying stop alerts next to
// the standard header (1) and entity (2) fields. Standard consumers skip it as
// an unknown field.
const stopAlertField protowire.Number = 3

var (
	marshalOpts   = proto.MarshalOptions{AllowPartial: true}
	unmarshalOpts = proto.UnmarshalOptions{AllowPartial: true, DiscardUnknown: false}
)

// Marshal encodes f as a GTFS-RT FeedMessage followed by one length-delimited
// Alert per distinct stop alert.
func Marshal(f *Feed) ([]byte, error) {
	b, err := marshalOpts.Marshal(f.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal feed message: %w", err)
	}
	for _, alert := range f.StopAlerts.Alerts() {
		ab, err := marshalOpts.Marshal(alert)
		if err != nil {
			return nil, fmt.Errorf("marshal stop alert: %w", err)
		}
		b = protowire.AppendTag(b, stopAlertField, protowire.BytesType)
		b = protowire.AppendBytes(b, ab)
	}
	return b, nil
}

// Unmarshal decodes a feed produced by Marshal or by any GTFS-RT producer.
// Stop alerts are re-indexed by their informed stop ids; one that informs no
// stop is appended to the entities instead.
func Unmarshal(b []byte) (*Feed, error) {
	msg := &gtfsrt.FeedMessage{}
	if err := unmarshalOpts.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("unmarshal feed message: %w", err)
	}

	alerts := StopAlerts{}
	unknown := msg.ProtoReflect().GetUnknown()
	var rest []byte
	unindexed := 0
	for len(unknown) > 0 {
		num, typ, n := protowire.ConsumeTag(unknown)
		if n < 0 {
			return nil, fmt.Errorf("read unknown field tag: %w", protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, unknown[n:])
		if m < 0 {
			return nil, fmt.Errorf("read unknown field %d: %w", num, protowire.ParseError(m))
		}
		field := unknown[:n+m]
		unknown = unknown[n+m:]

		if num != stopAlertField || typ != protowire.BytesType {
			rest = append(rest, field...)
			continue
		}
		payload, _ := protowire.ConsumeBytes(field[n:])
		alert := &gtfsrt.Alert{}
		if err := unmarshalOpts.Unmarshal(payload, alert); err != nil {
			return nil, fmt.Errorf("unmarshal stop alert: %w", err)
		}
		if !informsStop(alert) {
			// nothing to index it by, keep it as an ordinary alert entity
			unindexed++
			msg.Entity = append(msg.Entity, &gtfsrt.FeedEntity{
				Id:    proto.String(fmt.Sprintf("stop-alert-%d", unindexed)),
				Alert: alert,
			})
			continue
		}
		alerts.Add(alert)
	}
	msg.ProtoReflect().SetUnknown(rest)

	if msg.Header == nil {
		return nil, errors.New("feed message has no header")
	}
	return &Feed{Message: msg, StopAlerts: alerts}, nil
}

// Decode is Unmarshal for callers that must keep going: malformed input
// yields an empty feed and the error for logging.
func Decode(b []byte, now time.Time) (*Feed, error) {
	f, err := Unmarshal(b)
	if err != nil {
		return NewFeed(now), err
	}
	return f, nil
}

func informsStop(alert *gtfsrt.Alert) bool {
	for _, sel := range alert.GetInformedEntity() {
		if sel.GetStopId() != "" {
			return true
		}
	}
	return false
}
