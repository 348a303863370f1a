// Package discovery is the service discovery facade on top of the bridge.
// Listing records is a get-records request through the local bus; the
// record mutations have no protocol support and fail with
// ErrNotImplemented.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"busbridge/bus"
	"busbridge/message"
	"busbridge/middleware"

	"go.uber.org/zap"
)

// Name is the backend name reported by Facade.Name.
const Name = "tcp-service-discovery"

// DefaultAddress is the bus address that lists records.
const DefaultAddress = "get-records"

// Requester issues local bus requests. bus.Bus satisfies it.
type Requester interface {
	Request(ctx context.Context, address string, body any, headers map[string]string) (*bus.Message, error)
}

// Readiness reports and awaits the peer connection. *transport.Conn
// satisfies it.
type Readiness interface {
	IsReady() bool
	EnsureReady(ctx context.Context) error
}

type Options struct {
	Bus     Requester
	Conn    Readiness
	Address string // default DefaultAddress
	Cache   Cache  // nil disables caching

	// Middleware wraps each get-records request, e.g. middleware.Retry.
	Middleware []middleware.Middleware

	Logger *zap.Logger
}

type Facade struct {
	bus     Requester
	conn    Readiness
	address string
	cache   Cache
	request middleware.HandlerFunc
	log     *zap.Logger
}

func New(opts Options) (*Facade, error) {
	if opts.Bus == nil || opts.Conn == nil {
		return nil, errors.New("discovery: bus and conn are required")
	}
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Facade{
		bus:     opts.Bus,
		conn:    opts.Conn,
		address: opts.Address,
		cache:   opts.Cache,
		log:     logger.With(zap.String("component", "discovery")),
	}
	f.request = middleware.Chain(opts.Middleware...)(f.doRequest)
	return f, nil
}

func (f *Facade) doRequest(ctx context.Context, req *message.Request) *message.Response {
	reply, err := f.bus.Request(ctx, req.Address, req.Body, req.Headers)
	if err != nil {
		return &message.Response{Err: err}
	}
	return &message.Response{Body: reply.Body}
}

// ListRecords asks the peer for its records. A call made before the
// connection is ready waits for it first.
func (f *Facade) ListRecords(ctx context.Context) ([]Record, error) {
	if f.cache != nil {
		records, ok, err := f.cache.Get(ctx)
		if err != nil {
			f.log.Warn("record cache read failed", zap.Error(err))
		} else if ok {
			return records, nil
		}
	}

	ready := f.conn.IsReady()
	if !ready {
		if err := f.conn.EnsureReady(ctx); err != nil {
			return nil, fmt.Errorf("discovery: list records: %w", err)
		}
	}

	resp := f.request(ctx, &message.Request{Address: f.address})
	if resp.Err != nil {
		return nil, fmt.Errorf("discovery: list records: %w", resp.Err)
	}
	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, err
	}
	f.log.Debug("listed records", zap.Int("count", len(records)), zap.Bool("was_ready", ready))

	if f.cache != nil {
		if err := f.cache.Set(ctx, records); err != nil {
			f.log.Warn("record cache write failed", zap.Error(err))
		}
	}
	return records, nil
}

func (f *Facade) Store(ctx context.Context, r Record) (Record, error) {
	return nil, &NotImplementedError{Op: "store"}
}

func (f *Facade) Remove(ctx context.Context, r Record) (Record, error) {
	return nil, &NotImplementedError{Op: "remove"}
}

func (f *Facade) RemoveByID(ctx context.Context, id string) (Record, error) {
	return nil, &NotImplementedError{Op: "remove"}
}

func (f *Facade) Update(ctx context.Context, r Record) error {
	return &NotImplementedError{Op: "update"}
}

func (f *Facade) GetRecord(ctx context.Context, id string) (Record, error) {
	return nil, &NotImplementedError{Op: "get record"}
}

func (f *Facade) Name() string { return Name }
