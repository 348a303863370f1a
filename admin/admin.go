// Package admin serves the bridge's HTTP endpoints: health, metrics and a
// passthrough to the discovery facade.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"busbridge/bridge"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Health is the body of GET /healthz.
type Health struct {
	State     string   `json:"state"`
	Peer      string   `json:"peer,omitempty"`
	Pending   int      `json:"pending"`
	Addresses []string `json:"addresses"`
}

// NewRouter returns the admin handler. A nil gatherer mounts the default
// prometheus registry.
func NewRouter(b *bridge.Bridge, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handlers{bridge: b, log: logger.With(zap.String("component", "admin"))}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Get("/healthz", h.health)
	r.Get("/records", h.records)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

type handlers struct {
	bridge *bridge.Bridge
	log    *zap.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := Health{
		State:     h.bridge.Conn.State().String(),
		Peer:      h.bridge.Conn.Addr(),
		Pending:   h.bridge.Table.Len(),
		Addresses: h.bridge.Forwarder.Addresses(),
	}
	status := http.StatusOK
	if !h.bridge.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (h *handlers) records(w http.ResponseWriter, r *http.Request) {
	records, err := h.bridge.Discovery.ListRecords(r.Context())
	if err != nil {
		h.log.Warn("list records failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
