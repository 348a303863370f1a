// Package bridge assembles one bus-to-socket bridge from configuration:
//
//	local caller → bus → Forwarder → middleware → Conn (queued until ready)
//	  → frame → peer → frame → Conn reader → Table → Forwarder → bus reply
//
// The Conn and the Table are created once per Bridge and owned by it.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"busbridge/bus"
	"busbridge/codec"
	"busbridge/config"
	"busbridge/correlate"
	"busbridge/discovery"
	"busbridge/forwarder"
	"busbridge/loadbalance"
	"busbridge/metrics"
	"busbridge/middleware"
	"busbridge/registry"
	"busbridge/transport"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Options struct {
	Config *config.Config // nil means config.Default()
	Bus    bus.Bus

	// Registry overrides the etcd registry built from Config.Registry.
	Registry registry.Registry

	// Registerer receives the bridge collectors; nil skips registration.
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

type Bridge struct {
	Conn      *transport.Conn
	Table     *correlate.Table
	Forwarder *forwarder.Forwarder
	Discovery *discovery.Facade
	Metrics   *metrics.Metrics

	cfg     *config.Config
	log     *zap.Logger
	closers []func() error
}

func New(ctx context.Context, opts Options) (*Bridge, error) {
	if opts.Bus == nil {
		return nil, errors.New("bridge: bus is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{cfg: cfg, log: logger.With(zap.String("component", "bridge"))}
	b.Metrics = metrics.New(opts.Registerer)
	b.Table = correlate.NewTable(correlate.Options{Logger: logger, Metrics: b.Metrics})

	codecType, err := codec.ParseType(cfg.Peer.Codec)
	if err != nil {
		return nil, err
	}
	resolver, err := b.resolver(opts.Registry, logger)
	if err != nil {
		b.Close()
		return nil, err
	}

	b.Conn = transport.NewConn(transport.Options{
		Resolver:          resolver,
		Inbound:           b.Table,
		Codec:             codec.GetCodec(codecType),
		MaxFrameSize:      cfg.Peer.MaxFrameSize,
		DialTimeout:       cfg.Peer.DialTimeout,
		WriteTimeout:      cfg.Peer.WriteTimeout,
		HeartbeatInterval: cfg.Peer.Heartbeat,
		Logger:            logger,
		Metrics:           b.Metrics,
	})
	b.closers = append(b.closers, b.Conn.Close)

	mws := []middleware.Middleware{
		middleware.Logging(logger.With(zap.String("component", "forwarder"))),
		middleware.Metrics(b.Metrics, forwarder.Outcome),
	}
	if cfg.Forward.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(cfg.Forward.RateLimit, cfg.Forward.RateBurst))
	}
	mws = append(mws, middleware.Timeout(cfg.Forward.RequestTimeout))

	b.Forwarder, err = forwarder.New(forwarder.Options{
		Bus:        opts.Bus,
		Conn:       b.Conn,
		Table:      b.Table,
		Middleware: mws,
		Logger:     logger,
		Metrics:    b.Metrics,
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	cache, err := b.recordCache(ctx)
	if err != nil {
		b.Close()
		return nil, err
	}
	var discoveryMws []middleware.Middleware
	if cfg.Discovery.Retries > 0 {
		discoveryMws = append(discoveryMws, middleware.Retry(cfg.Discovery.Retries, cfg.Discovery.RetryDelay, retryable, logger))
	}
	b.Discovery, err = discovery.New(discovery.Options{
		Bus:        opts.Bus,
		Conn:       b.Conn,
		Address:    cfg.Discovery.Address,
		Cache:      cache,
		Middleware: discoveryMws,
		Logger:     logger,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bridge) resolver(reg registry.Registry, logger *zap.Logger) (transport.Resolver, error) {
	rc := b.cfg.Registry
	if reg == nil && !rc.Enabled() {
		return transport.StaticResolver(b.cfg.Peer.Address()), nil
	}
	if reg == nil {
		etcd, err := registry.NewEtcdRegistry(registry.EtcdOptions{
			Endpoints:   rc.Endpoints,
			DialTimeout: rc.DialTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, etcd.Close)
		reg = etcd
	}
	balancer, err := loadbalance.New(rc.Balancer, rc.AffinityKey)
	if err != nil {
		return nil, err
	}
	b.log.Info("resolving peer through registry", zap.String("service", rc.Service), zap.String("balancer", balancer.Name()))
	return &loadbalance.Resolver{Registry: reg, Service: rc.Service, Balancer: balancer}, nil
}

func (b *Bridge) recordCache(ctx context.Context) (discovery.Cache, error) {
	dc := b.cfg.Discovery
	switch {
	case dc.CacheTTL <= 0:
		return nil, nil
	case dc.RedisURL != "":
		rc, err := discovery.NewRedisCache(ctx, dc.RedisURL, dc.CacheTTL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, rc.Close)
		return rc, nil
	default:
		return discovery.NewMemoryCache(dc.CacheTTL), nil
	}
}

// retryable reports whether a discovery request failed for a reason a
// fresh attempt can fix: the socket dropped or the peer refused.
func retryable(err error) bool {
	var re *bus.ReplyError
	return errors.As(err, &re) && re.Code == forwarder.CodeTransportError
}

// Start subscribes the forwarder on every configured address. The peer is
// dialed on first use.
func (b *Bridge) Start() error {
	if err := b.Forwarder.ServeAll(b.cfg.Forward.Addresses); err != nil {
		return fmt.Errorf("bridge: start: %w", err)
	}
	b.log.Info("bridge started",
		zap.Strings("addresses", b.Forwarder.Addresses()),
		zap.String("peer", b.cfg.Peer.Address()),
	)
	return nil
}

// Ready reports whether the peer connection is established.
func (b *Bridge) Ready() bool { return b.Conn != nil && b.Conn.IsReady() }

// Close stops serving and releases the connection and any registry or
// cache clients. Pending requests fail with transport.ErrClosed.
func (b *Bridge) Close() error {
	if b.Forwarder != nil {
		b.Forwarder.Close()
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
