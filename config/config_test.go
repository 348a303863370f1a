package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Peer.Address() != "localhost:5455" {
		t.Errorf("expect localhost:5455, got %s", c.Peer.Address())
	}
	if c.Peer.MaxFrameSize != 10<<20 || c.Peer.Codec != "json" {
		t.Errorf("unexpected peer defaults %+v", c.Peer)
	}
	if c.Peer.DialTimeout != 5*time.Second || c.Peer.Heartbeat != 0 {
		t.Errorf("unexpected peer timeouts %+v", c.Peer)
	}
	if c.Forward.RequestTimeout != 30*time.Second {
		t.Errorf("expect 30s request timeout, got %s", c.Forward.RequestTimeout)
	}
	want := []string{"get-records", "sm.provider.local-tracing", "sm.provider.log-count-indicator"}
	if !reflect.DeepEqual(c.Forward.Addresses, want) {
		t.Errorf("expect %v, got %v", want, c.Forward.Addresses)
	}
	if c.Discovery.CacheTTL != time.Second || c.Registry.Enabled() {
		t.Errorf("unexpected discovery/registry defaults %+v %+v", c.Discovery, c.Registry)
	}
}

func TestParseOverlays(t *testing.T) {
	c, err := Parse([]byte(`
peer:
  host: 10.0.0.5
  port: 6000
  codec: cbor
  heartbeat: 15s
forward:
  addresses: [get-records]
  request_timeout: 0s
  rate_limit: 50
registry:
  endpoints: [etcd-1:2379, etcd-2:2379]
  balancer: consistent_hash
  affinity_key: bridge-a
log:
  level: debug
`))
	if err != nil {
		t.Fatal(err)
	}
	if c.Peer.Address() != "10.0.0.5:6000" || c.Peer.Codec != "cbor" || c.Peer.Heartbeat != 15*time.Second {
		t.Errorf("unexpected peer %+v", c.Peer)
	}
	// Untouched keys keep their defaults.
	if c.Peer.DialTimeout != 5*time.Second {
		t.Errorf("expect default dial timeout, got %s", c.Peer.DialTimeout)
	}
	if c.Forward.RequestTimeout != 0 {
		t.Errorf("expect explicit 0 request timeout kept, got %s", c.Forward.RequestTimeout)
	}
	if c.Forward.RateBurst != 1 {
		t.Errorf("expect burst defaulted to 1, got %d", c.Forward.RateBurst)
	}
	if !c.Registry.Enabled() || c.Registry.Service != "busbridge-peer" {
		t.Errorf("unexpected registry %+v", c.Registry)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"peer:\n  port: 70000\n":             "peer.port",
		"peer:\n  codec: xml\n":              "peer.codec",
		"registry:\n  balancer: random\n":    "registry.balancer",
		"forward:\n  addresses: [a, a]\n":    "twice",
		"forward:\n  addresses: [\"\"]\n":    "empty address",
		"forward:\n  request_timeout: -1s\n": "request_timeout",
		"log:\n  level: loud\n":              "log.level",
		"discovery:\n  retries: -2\n":        "discovery",
		"peer:\n  port: 0\n  codec: xml\n":   "peer.codec",
	}
	for doc, want := range cases {
		_, err := Parse([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("%q: expect error mentioning %q, got %v", doc, want, err)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	if err := os.WriteFile(path, []byte("peer:\n  port: 7000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Peer.Port != 7000 {
		t.Fatalf("expect port 7000, got %d", c.Peer.Port)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expect error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	for _, dev := range []bool{false, true} {
		logger, err := LogConfig{Level: "warn", Development: dev}.NewLogger()
		if err != nil {
			t.Fatal(err)
		}
		if logger.Core().Enabled(-1) {
			t.Errorf("development=%v: debug should be disabled at warn level", dev)
		}
	}
}
