// Package api serves the aggregated feed over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"

	"gtfsrt-aggregator/internal/feed"
)

const protoContentType = "application/x-protobuf"

// FeedSource is what the handlers read from; *feed.Aggregator satisfies it.
type FeedSource interface {
	Build(now time.Time) *feed.Feed
	Ready() bool
	Status() []feed.SlotStatus
}

type FeedMetrics interface {
	FeedServed(format string, entities, size int)
}

type Handler struct {
	feeds   FeedSource
	metrics FeedMetrics
	now     func() time.Time
}

func NewHandler(feeds FeedSource, m FeedMetrics) *Handler {
	return &Handler{feeds: feeds, metrics: m, now: time.Now}
}

// Routes returns the full HTTP surface with compression applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gtfsrt/proto", h.Proto)
	mux.HandleFunc("GET /gtfsrt/json", h.JSON)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	return gzipMiddleware(corsMiddleware(mux))
}

// Proto writes the feed in the binary wire format, stop alerts included.
func (h *Handler) Proto(w http.ResponseWriter, r *http.Request) {
	f := h.feeds.Build(h.now())
	b, err := feed.Marshal(f)
	if err != nil {
		logrus.WithError(err).Error("encode feed")
		http.Error(w, "encode feed", http.StatusInternalServerError)
		return
	}
	h.served("proto", f, len(b))
	w.Header().Set("Content-Type", protoContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

type jsonFeed struct {
	Feed       json.RawMessage              `json:"feed"`
	StopAlerts map[string][]json.RawMessage `json:"stopAlerts"`
}

// JSON writes the same feed as protobuf JSON, with stop alerts keyed by stop.
func (h *Handler) JSON(w http.ResponseWriter, r *http.Request) {
	f := h.feeds.Build(h.now())
	msg, err := protojson.Marshal(f.Message)
	if err != nil {
		logrus.WithError(err).Error("encode feed as json")
		respondError(w, http.StatusInternalServerError, "encode feed")
		return
	}
	out := jsonFeed{Feed: msg, StopAlerts: make(map[string][]json.RawMessage, len(f.StopAlerts))}
	for stop, alerts := range f.StopAlerts {
		for _, a := range alerts {
			b, err := protojson.Marshal(a)
			if err != nil {
				logrus.WithError(err).WithField("stop", stop).Error("encode stop alert as json")
				respondError(w, http.StatusInternalServerError, "encode feed")
				return
			}
			out.StopAlerts[stop] = append(out.StopAlerts[stop], b)
		}
	}
	h.served("json", f, len(msg))
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool              `json:"ready"`
	Sources    []feed.SlotStatus `json:"sources"`
	ServerTime time.Time         `json:"serverTime"`
}

// Readyz is 503 until at least one source has produced a snapshot.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.feeds.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, ReadyResponse{
		Ready:      ready,
		Sources:    h.feeds.Status(),
		ServerTime: h.now(),
	})
}

func (h *Handler) served(format string, f *feed.Feed, size int) {
	if h.metrics != nil {
		h.metrics.FeedServed(format, len(f.Message.GetEntity()), size)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

func gzipMiddleware(next http.Handler) http.Handler {
	wrapper, _ := gzhttp.NewWrapper(
		gzhttp.MinSize(1024),
		gzhttp.CompressionLevel(6),
	)
	return wrapper(next)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
