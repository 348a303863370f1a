// Package config loads the bridge configuration from YAML.
//
// Load starts from Default, overlays the file, fills any fields left empty
// with SetDefaults and then runs Validate. Durations use Go syntax ("5s").
// A duration explicitly set to 0 in the file is kept, which is how the
// request timeout and the heartbeat are disabled.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"busbridge/codec"
	"busbridge/loadbalance"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Served bus addresses.
const (
	AddressGetRecords        = "get-records"
	AddressLocalTracing      = "sm.provider.local-tracing"
	AddressLogCountIndicator = "sm.provider.log-count-indicator"
)

type Config struct {
	Peer      PeerConfig      `yaml:"peer"`
	Registry  RegistryConfig  `yaml:"registry"`
	Forward   ForwardConfig   `yaml:"forward"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// PeerConfig describes the socket to the remote peer.
type PeerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Codec        string        `yaml:"codec"`
	MaxFrameSize uint32        `yaml:"max_frame_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
}

// Address returns host:port.
func (p PeerConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// RegistryConfig enables dialing peers found in etcd instead of the fixed
// host and port. It is off while Endpoints is empty.
type RegistryConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Service     string        `yaml:"service"`
	Balancer    string        `yaml:"balancer"`
	AffinityKey string        `yaml:"affinity_key"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	TTL         int64         `yaml:"ttl"` // lease seconds for a peer started with this file
}

func (r RegistryConfig) Enabled() bool { return len(r.Endpoints) > 0 }

type ForwardConfig struct {
	Addresses      []string      `yaml:"addresses"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst      int           `yaml:"rate_burst"`
}

type DiscoveryConfig struct {
	Address    string        `yaml:"address"`
	CacheTTL   time.Duration `yaml:"cache_ttl"` // 0 disables the cache
	RedisURL   string        `yaml:"redis_url"` // empty keeps the cache in memory
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"` // empty disables the admin server
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	c := &Config{
		Peer: PeerConfig{
			DialTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Forward: ForwardConfig{
			RequestTimeout: 30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			CacheTTL:   time.Second,
			RetryDelay: 100 * time.Millisecond,
		},
		HTTP: HTTPConfig{Listen: "127.0.0.1:9455"},
	}
	c.SetDefaults()
	return c
}

// SetDefaults fills fields that have no meaningful zero value.
func (c *Config) SetDefaults() {
	if c.Peer.Host == "" {
		c.Peer.Host = "localhost"
	}
	if c.Peer.Port == 0 {
		c.Peer.Port = 5455
	}
	if c.Peer.Codec == "" {
		c.Peer.Codec = "json"
	}
	if c.Peer.MaxFrameSize == 0 {
		c.Peer.MaxFrameSize = 10 << 20
	}
	if c.Registry.Service == "" {
		c.Registry.Service = "busbridge-peer"
	}
	if c.Registry.Balancer == "" {
		c.Registry.Balancer = "round_robin"
	}
	if c.Registry.DialTimeout == 0 {
		c.Registry.DialTimeout = 5 * time.Second
	}
	if c.Registry.TTL == 0 {
		c.Registry.TTL = 10
	}
	if c.Forward.Addresses == nil {
		c.Forward.Addresses = []string{AddressGetRecords, AddressLocalTracing, AddressLogCountIndicator}
	}
	if c.Forward.RateLimit > 0 && c.Forward.RateBurst == 0 {
		c.Forward.RateBurst = 1
	}
	if c.Discovery.Address == "" {
		c.Discovery.Address = AddressGetRecords
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Peer.Port < 1 || c.Peer.Port > 65535 {
		errs = append(errs, fmt.Errorf("peer.port %d out of range", c.Peer.Port))
	}
	if _, err := codec.ParseType(c.Peer.Codec); err != nil {
		errs = append(errs, fmt.Errorf("peer.codec: %w", err))
	}
	if c.Peer.DialTimeout < 0 || c.Peer.WriteTimeout < 0 || c.Peer.Heartbeat < 0 {
		errs = append(errs, errors.New("peer timeouts must not be negative"))
	}
	if _, err := loadbalance.New(c.Registry.Balancer, c.Registry.AffinityKey); err != nil {
		errs = append(errs, fmt.Errorf("registry.balancer: %w", err))
	}
	if c.Forward.RequestTimeout < 0 {
		errs = append(errs, errors.New("forward.request_timeout must not be negative"))
	}
	if c.Forward.RateLimit < 0 || c.Forward.RateBurst < 0 {
		errs = append(errs, errors.New("forward.rate_limit and forward.rate_burst must not be negative"))
	}
	seen := make(map[string]bool, len(c.Forward.Addresses))
	for _, a := range c.Forward.Addresses {
		if a == "" {
			errs = append(errs, errors.New("forward.addresses contains an empty address"))
			continue
		}
		if seen[a] {
			errs = append(errs, fmt.Errorf("forward.addresses lists %q twice", a))
		}
		seen[a] = true
	}
	if c.Discovery.CacheTTL < 0 || c.Discovery.Retries < 0 || c.Discovery.RetryDelay < 0 {
		errs = append(errs, errors.New("discovery values must not be negative"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return c, nil
}

// Load reads path. An empty path yields the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		c := Default()
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
