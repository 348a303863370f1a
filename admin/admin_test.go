package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"busbridge/bridge"
	"busbridge/bus"
	"busbridge/config"
	"busbridge/message"
	"busbridge/peer"

	"github.com/prometheus/client_golang/prometheus"
)

func setup(t *testing.T) (*bus.Local, *bridge.Bridge, *prometheus.Registry) {
	t.Helper()
	p := peer.NewServer(peer.Options{})
	p.Handle(config.AddressGetRecords, func(ctx context.Context, req *message.Request) (any, error) {
		return peer.Verbatim{Body: []any{map[string]any{"name": "local-tracing"}}}, nil
	})
	p.Handle(config.AddressLocalTracing, func(ctx context.Context, req *message.Request) (any, error) {
		return "ok", nil
	})
	go p.Serve("tcp", "127.0.0.1:0", "", nil)
	<-p.Ready()
	t.Cleanup(func() { p.Shutdown(time.Second) })

	host, port, _ := net.SplitHostPort(p.Addr().String())
	cfg := config.Default()
	cfg.Peer.Host = host
	cfg.Peer.Port, _ = strconv.Atoi(port)
	cfg.Discovery.CacheTTL = 0

	reg := prometheus.NewRegistry()
	l := bus.NewLocal(nil)
	br, err := bridge.New(context.Background(), bridge.Options{Config: cfg, Bus: l, Registerer: reg})
	if err != nil {
		t.Fatal(err)
	}
	if err := br.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Close() })
	return l, br, reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthBeforeAndAfterConnect(t *testing.T) {
	l, br, reg := setup(t)
	h := NewRouter(br, reg, nil)

	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expect 503 before the first dial, got %d", rec.Code)
	}
	var health Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.State != "disconnected" || len(health.Addresses) != 3 {
		t.Fatalf("unexpected health %+v", health)
	}

	if _, err := l.Request(context.Background(), config.AddressLocalTracing, nil, nil); err != nil {
		t.Fatal(err)
	}
	rec = get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expect 200 once connected, got %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.State != "ready" || health.Peer == "" || health.Pending != 0 {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestRecords(t *testing.T) {
	_, br, reg := setup(t)
	rec := get(t, NewRouter(br, reg, nil), "/records")
	if rec.Code != http.StatusOK {
		t.Fatalf("expect 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var records []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0]["name"] != "local-tracing" {
		t.Fatalf("unexpected records %v", records)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	l, br, reg := setup(t)
	if _, err := l.Request(context.Background(), config.AddressLocalTracing, nil, nil); err != nil {
		t.Fatal(err)
	}
	rec := get(t, NewRouter(br, reg, nil), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expect 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "busbridge_") {
		t.Fatalf("expect busbridge metrics in exposition, got %s", rec.Body.String())
	}
}
