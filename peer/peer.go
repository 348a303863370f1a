// Package peer implements the remote end of the bridge: a frame server that
// dispatches send frames by address and answers on the reply address.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → for each send/publish: go handleFrame (parallel processing)
//	    → Middleware Chain → dispatch (handler by address) → reply frame → write
//
// Handler results are wrapped as {"value": v}. A Verbatim result is sent
// as its body unchanged, and an error becomes an err frame carrying the
// error text as rawFailure (or an {error, rawFailure} body with
// Options.ErrorsAsBody).
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"busbridge/codec"
	"busbridge/message"
	"busbridge/middleware"
	"busbridge/protocol"
	"busbridge/registry"

	"go.uber.org/zap"
)

// DefaultService is the registry service name peers register under.
const DefaultService = "busbridge-peer"

// HandlerFunc serves one address.
type HandlerFunc func(ctx context.Context, req *message.Request) (any, error)

// Verbatim marks a handler result that is sent as the reply body without
// the {"value": ...} wrapper.
type Verbatim struct {
	Body any
}

// Failure is a handler error with an explicit failure code.
type Failure struct {
	Code    int
	Message string
}

func (f *Failure) Error() string { return f.Message }

type Options struct {
	Codec        codec.Codec // default JSON
	MaxFrameSize uint32      // default protocol.DefaultMaxFrameSize

	// Service and TTL are used when Serve is given a registry.
	Service string // default DefaultService
	TTL     int64  // seconds, default 10

	// ErrorsAsBody sends handler errors as message frames with an
	// {"error": true, "rawFailure": ...} body instead of err frames.
	ErrorsAsBody bool

	Logger *zap.Logger
}

// Server is the reference peer.
type Server struct {
	opts Options
	log  *zap.Logger

	mu          sync.RWMutex
	handlers    map[string]HandlerFunc
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(dispatch)))

	listener      net.Listener
	ready         chan struct{}
	wg            sync.WaitGroup // in-flight requests
	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

func NewServer(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		opts:     opts,
		log:      logger.With(zap.String("component", "peer")),
		handlers: make(map[string]HandlerFunc),
		ready:    make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Handle registers h for address, replacing any previous handler.
func (s *Server) Handle(address string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[address] = h
}

// Use registers a middleware. Middlewares are applied in the order they
// are added and must be registered before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Ready is closed once Serve has bound its listener, or failed to.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	select {
	case <-s.ready:
	default:
		return nil
	}
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens, optionally registers with reg, and runs the Accept loop
// until Shutdown.
//
// advertiseAddr is the address registered with reg. It differs from the
// listen address since ":5455" is not routable; empty means the bound
// listener address.
func (s *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		close(s.ready)
		return err
	}
	s.listener = listener

	// Build the middleware chain once at startup, not per request.
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
	close(s.ready)

	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	s.advertiseAddr = advertiseAddr
	if reg != nil {
		s.registry = reg
		instance := registry.Instance{Addr: advertiseAddr, Weight: 1, Codec: s.opts.Codec.Type().String()}
		if err := reg.Register(context.Background(), s.opts.Service, instance, s.opts.TTL); err != nil {
			listener.Close()
			return fmt.Errorf("peer: register %s: %w", advertiseAddr, err)
		}
	}
	s.log.Info("peer listening", zap.String("addr", listener.Addr().String()), zap.String("advertise", advertiseAddr))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close during Shutdown also lands here.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.track(conn, true)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConn reads frames sequentially and dispatches each request to its
// own goroutine. The write mutex is shared by every request on the
// connection so reply frames never interleave.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		conn.Close()
	}()

	writeMu := &sync.Mutex{}
	reader := protocol.NewReader(conn, s.opts.Codec, s.opts.MaxFrameSize)
	for f, err := range reader.Frames() {
		if err != nil {
			if protocol.IsMalformed(err) {
				s.log.Warn("malformed frame from bridge", zap.Error(err))
			}
			return
		}

		switch f.Type {
		case message.TypePing:
			s.write(conn, writeMu, &message.Frame{Type: message.TypePong})
		case message.TypeSend, message.TypePublish:
			s.wg.Add(1)
			go s.handleFrame(f, conn, writeMu)
		case message.TypePong:
		default:
			s.log.Debug("ignoring frame", zap.String("type", string(f.Type)), zap.String("address", f.Address))
		}
	}
}

func (s *Server) handleFrame(f *message.Frame, conn net.Conn, writeMu *sync.Mutex) {
	defer s.wg.Done()

	resp := s.handler(context.Background(), &message.Request{
		Address: f.Address,
		Headers: f.Headers,
		Body:    f.Body,
	})

	replyTo := f.Header(message.HeaderReply)
	if replyTo == "" {
		replyTo = f.ReplyAddress
	}
	if f.Type == message.TypePublish || replyTo == "" {
		return
	}
	s.write(conn, writeMu, s.replyFrame(replyTo, resp))
}

func (s *Server) replyFrame(replyTo string, resp *message.Response) *message.Frame {
	if resp.Err != nil {
		code := 500
		var failure *Failure
		if errors.As(resp.Err, &failure) {
			code = failure.Code
		}
		if s.opts.ErrorsAsBody {
			return &message.Frame{
				Type:    message.TypeMessage,
				Address: replyTo,
				Body:    map[string]any{"error": true, "rawFailure": resp.Err.Error()},
			}
		}
		return &message.Frame{
			Type:        message.TypeErr,
			Address:     replyTo,
			FailureCode: code,
			FailureType: "RECIPIENT_FAILURE",
			Message:     resp.Err.Error(),
			RawFailure:  resp.Err.Error(),
		}
	}
	return &message.Frame{Type: message.TypeMessage, Address: replyTo, Body: resp.Body}
}

func (s *Server) write(conn net.Conn, writeMu *sync.Mutex, f *message.Frame) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := protocol.WriteFrameLimit(conn, s.opts.Codec, f, s.opts.MaxFrameSize); err != nil {
		s.log.Warn("write reply failed", zap.String("address", f.Address), zap.Error(err))
	}
}

// dispatch is the innermost handler: find the handler by address, run it,
// and shape the reply body.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Address]
	s.mu.RUnlock()
	if !ok {
		return &message.Response{Err: &Failure{Code: 404, Message: "no handler for address " + req.Address}}
	}

	v, err := h(ctx, req)
	if err != nil {
		return &message.Response{Err: err}
	}
	if verbatim, ok := v.(Verbatim); ok {
		return &message.Response{Body: verbatim.Body}
	}
	return &message.Response{Body: map[string]any{"value": v}}
}

// DropConnections closes every open bridge connection without stopping the
// server.
func (s *Server) DropConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	return len(s.conns)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so bridges stop dialing this peer
//  2. Set the shutdown flag so the Accept error is recognized as intentional
//  3. Close the listener
//  4. Wait for in-flight requests, then close connections
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.opts.Service, s.advertiseAddr); err != nil {
			s.log.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}

	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.DropConnections()
		return nil
	case <-time.After(timeout):
		s.DropConnections()
		return fmt.Errorf("peer: timeout waiting for ongoing requests to finish")
	}
}
