// Package forwarder serves local bus addresses by relaying each request to
// the remote peer and answering the local caller with the peer's reply.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"busbridge/bus"
	"busbridge/correlate"
	"busbridge/message"
	"busbridge/metrics"
	"busbridge/middleware"
	"busbridge/transport"

	"go.uber.org/zap"
)

// Failure codes used when answering a local caller.
const (
	CodeRemoteFailure  = 500
	CodeTransportError = 502
	CodeTimeout        = 504
	CodeRateLimited    = 429
	CodeInternal       = 500
)

// ErrAlreadyServing is returned by Serve for an address that is already served.
var ErrAlreadyServing = errors.New("forwarder: address already served")

// Sender writes frames to the peer. *transport.Conn satisfies it.
type Sender interface {
	Send(ctx context.Context, f *message.Frame) error
}

type Options struct {
	Bus   bus.Bus
	Conn  Sender
	Table *correlate.Table

	// Middleware wraps the forward step; the first entry is outermost.
	Middleware []middleware.Middleware

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Forwarder holds one bus consumer per served address.
type Forwarder struct {
	bus     bus.Bus
	conn    Sender
	table   *correlate.Table
	handler middleware.HandlerFunc
	log     *zap.Logger

	mu   sync.Mutex
	regs map[string]bus.Registration
}

func New(opts Options) (*Forwarder, error) {
	if opts.Bus == nil || opts.Conn == nil || opts.Table == nil {
		return nil, errors.New("forwarder: bus, conn and table are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Forwarder{
		bus:   opts.Bus,
		conn:  opts.Conn,
		table: opts.Table,
		log:   logger.With(zap.String("component", "forwarder")),
		regs:  make(map[string]bus.Registration),
	}
	f.handler = middleware.Chain(opts.Middleware...)(f.forward)
	return f, nil
}

// Serve subscribes on the local bus for address.
func (f *Forwarder) Serve(address string) error {
	if address == "" {
		return message.ErrEmptyAddress
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.regs[address]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyServing, address)
	}
	f.regs[address] = f.bus.Consumer(address, f.handle(address))
	f.log.Info("serving address", zap.String("address", address))
	return nil
}

// ServeAll serves every address, stopping at the first error.
func (f *Forwarder) ServeAll(addresses []string) error {
	for _, a := range addresses {
		if err := f.Serve(a); err != nil {
			return err
		}
	}
	return nil
}

// Addresses returns the served addresses, sorted.
func (f *Forwarder) Addresses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.regs))
	for a := range f.regs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Close unregisters every bus consumer. Requests already in flight still
// get their reply.
func (f *Forwarder) Close() {
	f.mu.Lock()
	regs := f.regs
	f.regs = make(map[string]bus.Registration)
	f.mu.Unlock()

	for _, r := range regs {
		r.Unregister()
	}
}

func (f *Forwarder) handle(address string) bus.Handler {
	return func(m *bus.Message) {
		resp := f.handler(context.Background(), &message.Request{
			Address: address,
			Headers: m.Headers,
			Body:    m.Body,
		})
		if resp.Err != nil {
			m.Fail(FailureCode(resp.Err), FailureMessage(resp.Err))
			return
		}
		m.Reply(resp.Body)
	}
}

// forward is the innermost handler: one request, one frame, one reply.
func (f *Forwarder) forward(ctx context.Context, req *message.Request) *message.Response {
	replies := make(chan correlate.Reply, 1)
	replyAddress := f.table.Register(req.Address, correlate.ContinuationFunc(func(r correlate.Reply) {
		replies <- r
	}))

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	headers[message.HeaderReply] = replyAddress

	frame := &message.Frame{
		Type:         message.TypeSend,
		Address:      req.Address,
		ReplyAddress: replyAddress,
		Headers:      headers,
		Send:         true,
		Body:         req.Body,
	}
	f.log.Debug("forwarding request",
		zap.String("address", req.Address),
		zap.String("reply_address", replyAddress),
	)
	if err := f.conn.Send(ctx, frame); err != nil {
		// Lost to a concurrent FailAll is fine; the reply is already queued.
		f.table.Cancel(replyAddress, err)
	}

	select {
	case r := <-replies:
		return toResponse(r)
	case <-ctx.Done():
		f.table.Cancel(replyAddress, fmt.Errorf("%w: %w", correlate.ErrTimeout, ctx.Err()))
		return toResponse(<-replies)
	}
}

func toResponse(r correlate.Reply) *message.Response {
	if r.Kind == correlate.ReplyFailure {
		return &message.Response{Err: r.Err}
	}
	return &message.Response{Body: r.Body}
}

// FailureCode maps a forwarding error to the status code of the local
// failure reply. A transport error that wraps a socket timeout is still a
// transport error.
func FailureCode(err error) int {
	var rf *correlate.RemoteFailure
	switch {
	case errors.As(err, &rf):
		return CodeRemoteFailure
	case errors.Is(err, middleware.ErrRateLimited):
		return CodeRateLimited
	case transport.IsTransport(err):
		return CodeTransportError
	case isTimeout(err):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// FailureMessage is the text of the local failure reply. A remote failure
// carries the peer's raw failure text unchanged.
func FailureMessage(err error) string {
	var rf *correlate.RemoteFailure
	if errors.As(err, &rf) {
		return rf.Message
	}
	return err.Error()
}

// Outcome labels err for request metrics.
func Outcome(err error) string {
	var rf *correlate.RemoteFailure
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &rf):
		return "remote_failure"
	case errors.Is(err, middleware.ErrRateLimited):
		return "rate_limited"
	case transport.IsTransport(err):
		return "transport_error"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, correlate.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
