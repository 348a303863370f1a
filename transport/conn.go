// Package transport implements the bridge's connection manager: one shared
// TCP connection to the remote peer, dialed lazily on first use.
//
// Many goroutines may Send concurrently; replies come back on a single
// reader goroutine per connection and are handed to the Inbound handler in
// arrival order.
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ one TCP conn ──→ peer
//	goroutine-3 ──Send──┘
//
//	readLoop:  ←── frame ── Inbound.HandleFrame (correlator)
//
// State machine:
//
//	Disconnected ──first Send/EnsureReady──→ Connecting ──dial ok──→ Ready
//	Connecting ──dial failed──→ Disconnected   (queued sends fail)
//	Ready ──read/write failure──→ Disconnected (Inbound.ConnectionLost; next use redials)
//	any ──Close──→ Closed
//
// Sends issued while not Ready are queued and written in FIFO order before
// the state becomes Ready, so a direct send can never overtake a queued one.
//
// Every socket gets a connection id. Each request frame written is reported
// to Inbound.Bind with that id, so a lost socket fails only the replies it
// owed and not requests already headed for its replacement.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"busbridge/codec"
	"busbridge/message"
	"busbridge/metrics"
	"busbridge/protocol"

	"go.uber.org/zap"
)

// DefaultAddress is the fixed loopback endpoint of the peer.
const DefaultAddress = "localhost:5455"

// ErrClosed is wrapped by the TransportError returned after Close.
var ErrClosed = errors.New("transport: connection manager closed")

// TransportError is a socket-level failure: dial refused, write failed, or
// the connection dropped while a request was outstanding.
type TransportError struct {
	Op   string // "resolve", "dial", "write", "read", "close"
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is, or wraps, a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// State is the connection manager state.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Resolver yields the address to dial for each connection attempt.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// StaticResolver always resolves to the same host:port.
type StaticResolver string

func (s StaticResolver) Resolve(context.Context) (string, error) { return string(s), nil }

// Inbound receives everything the peer sends. HandleFrame runs on the
// connection's single reader goroutine. Bind runs with the connection lock
// held, right after a frame carrying replyAddress was written on connection
// conn; it must not call back into the Conn. ConnectionLost runs once per
// lost connection, after the state has left Ready; conn is 0 when the
// manager itself was closed.
type Inbound interface {
	HandleFrame(f *message.Frame)
	Bind(replyAddress string, conn uint64)
	ConnectionLost(conn uint64, err error)
}

// Options configures a Conn. Zero values select the defaults noted.
type Options struct {
	Resolver Resolver    // default StaticResolver(DefaultAddress)
	Inbound  Inbound     // default discards
	Codec    codec.Codec // default JSON

	MaxFrameSize      uint32        // default protocol.DefaultMaxFrameSize
	DialTimeout       time.Duration // default 5s
	WriteTimeout      time.Duration // 0 means no write deadline
	HeartbeatInterval time.Duration // 0 disables ping frames

	// Dial opens the socket. Defaults to net.Dialer.DialContext.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type discardInbound struct{}

func (discardInbound) HandleFrame(*message.Frame)   {}
func (discardInbound) Bind(string, uint64)          {}
func (discardInbound) ConnectionLost(uint64, error) {}

// op is one encoded frame waiting to be written.
type op struct {
	frameType    message.Type
	replyAddress string
	payload      []byte
	done         chan error // buffered, receives exactly one result
}

// attempt is one Connecting episode, shared by everyone waiting on it.
type attempt struct {
	done chan struct{}
	err  error
}

// Conn owns the peer socket. All fields below mu are guarded by it, and
// socket writes happen with mu held so frames never interleave.
type Conn struct {
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	conn    net.Conn
	id      uint64 // id of conn; ids start at 1 and never repeat
	addr    string
	attempt *attempt
	queue   []*op
}

// NewConn returns a connection manager in the Disconnected state. Nothing
// is dialed until the first Send or EnsureReady.
func NewConn(opts Options) *Conn {
	if opts.Resolver == nil {
		opts.Resolver = StaticResolver(DefaultAddress)
	}
	if opts.Inbound == nil {
		opts.Inbound = discardInbound{}
	}
	if opts.Codec == nil {
		opts.Codec = codec.GetCodec(codec.CodecTypeJSON)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{}
		opts.Dial = dialer.DialContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:    opts,
		log:     logger.With(zap.String("component", "transport")),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.metrics.SetConnectionState(int(Disconnected))
	return c
}

// State returns the current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsReady reports whether the connection is established.
func (c *Conn) IsReady() bool {
	return c.State() == Ready
}

// Addr returns the address of the current connection, or "" when there is none.
func (c *Conn) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.addr
}

// EnsureReady blocks until the connection is Ready, the connection attempt
// fails, or ctx ends. It starts a connection attempt if none is running.
func (c *Conn) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Ready:
		c.mu.Unlock()
		return nil
	case Closed:
		c.mu.Unlock()
		return &TransportError{Op: "dial", Err: ErrClosed}
	case Disconnected:
		c.startConnectLocked()
	}
	a := c.attempt
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes f to the peer. When the connection is not Ready the frame is
// queued and Send blocks until it has been written or has failed. If ctx
// ends while the frame is still queued, the frame is dropped from the
// queue and ctx.Err() is returned.
func (c *Conn) Send(ctx context.Context, f *message.Frame) error {
	payload, err := protocol.EncodeLimit(c.opts.Codec, f, c.opts.MaxFrameSize)
	if err != nil {
		return err
	}
	o := &op{frameType: f.Type, replyAddress: f.ReplyAddress, payload: payload, done: make(chan error, 1)}

	c.mu.Lock()
	switch c.state {
	case Closed:
		c.mu.Unlock()
		return &TransportError{Op: "write", Err: ErrClosed}
	case Ready:
		nc, id := c.conn, c.id
		if werr := c.writeLocked(nc, o); werr != nil {
			terr := &TransportError{Op: "write", Addr: c.addr, Err: werr}
			c.dropLocked()
			c.mu.Unlock()
			c.lost(nc, id, terr)
			return terr
		}
		c.mu.Unlock()
		return nil
	case Disconnected:
		c.startConnectLocked()
	}
	c.queue = append(c.queue, o)
	c.mu.Unlock()

	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		removed := c.removeLocked(o)
		c.mu.Unlock()
		if removed {
			return ctx.Err()
		}
		// Already taken off the queue; its result is on the way.
		return <-o.done
	}
}

// Close tears the connection down. Queued sends and pending replies fail
// with ErrClosed and later calls return ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	nc := c.conn
	queue := c.queue
	c.conn = nil
	c.queue = nil
	c.attempt = nil
	c.setStateLocked(Closed)
	c.mu.Unlock()

	c.cancel()
	if nc != nil {
		nc.Close()
	}
	terr := &TransportError{Op: "close", Err: ErrClosed}
	for _, o := range queue {
		o.done <- terr
	}
	c.opts.Inbound.ConnectionLost(0, terr)
	c.wg.Wait()
	c.log.Info("connection manager closed")
	return nil
}

func (c *Conn) setStateLocked(s State) {
	c.state = s
	c.metrics.SetConnectionState(int(s))
}

func (c *Conn) startConnectLocked() {
	a := &attempt{done: make(chan struct{})}
	c.attempt = a
	c.setStateLocked(Connecting)
	c.wg.Add(1)
	go c.connect(a)
}

// connect runs one Connecting episode.
func (c *Conn) connect(a *attempt) {
	defer c.wg.Done()

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	addr, err := c.opts.Resolver.Resolve(dialCtx)
	var nc net.Conn
	if err != nil {
		err = &TransportError{Op: "resolve", Err: err}
	} else {
		nc, err = c.opts.Dial(dialCtx, "tcp", addr)
		if err != nil {
			err = &TransportError{Op: "dial", Addr: addr, Err: err}
		}
	}
	cancel()

	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
		a.err = &TransportError{Op: "dial", Addr: addr, Err: ErrClosed}
		close(a.done)
		return
	}

	if err != nil {
		queue := c.queue
		c.queue = nil
		c.attempt = nil
		c.setStateLocked(Disconnected)
		a.err = err
		close(a.done)
		c.mu.Unlock()

		c.log.Warn("connect failed", zap.String("addr", addr), zap.Int("queued", len(queue)), zap.Error(err))
		for _, o := range queue {
			o.done <- err
		}
		return
	}

	c.id++
	id := c.id
	c.conn = nc
	c.addr = addr
	pongs := make(chan struct{}, 8)
	c.wg.Add(2)
	go c.readLoop(nc, pongs)
	go c.pongLoop(nc, pongs)

	// Drain in FIFO order before anyone can observe Ready.
	queued := len(c.queue)
	for i, o := range c.queue {
		if werr := c.writeLocked(nc, o); werr != nil {
			terr := &TransportError{Op: "write", Addr: addr, Err: werr}
			rest := c.queue[i:]
			c.queue = nil
			c.attempt = nil
			c.dropLocked()
			a.err = terr
			close(a.done)
			c.mu.Unlock()

			for _, r := range rest {
				r.done <- terr
			}
			c.lost(nc, id, terr)
			return
		}
		o.done <- nil
	}
	c.queue = nil
	c.attempt = nil
	c.setStateLocked(Ready)
	close(a.done)
	if c.opts.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(nc, c.opts.HeartbeatInterval)
	}
	c.mu.Unlock()

	c.log.Info("connected", zap.String("addr", addr), zap.Uint64("conn", id), zap.Int("drained", queued))
}

// writeLocked writes one encoded frame on the current socket. Caller holds
// mu.
func (c *Conn) writeLocked(nc net.Conn, o *op) error {
	if c.opts.WriteTimeout > 0 {
		nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if _, err := nc.Write(o.payload); err != nil {
		return err
	}
	c.metrics.FrameOut(string(o.frameType))
	if o.replyAddress != "" {
		c.opts.Inbound.Bind(o.replyAddress, c.id)
	}
	return nil
}

// dropLocked forgets the current socket after a failure. Caller holds mu
// and must call lost once it has released it.
func (c *Conn) dropLocked() {
	c.conn = nil
	if c.state != Closed {
		c.setStateLocked(Disconnected)
	}
}

// lost closes nc and fails the replies owed by connection id.
func (c *Conn) lost(nc net.Conn, id uint64, err error) {
	nc.Close()
	c.opts.Inbound.ConnectionLost(id, err)
}

func (c *Conn) removeLocked(target *op) bool {
	for i, o := range c.queue {
		if o == target {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// readLoop is the only reader of nc. Frames are dispatched one at a time;
// the next frame is not read until the previous one has been handled.
// Pings are answered by pongLoop so the reader never waits on a writer.
func (c *Conn) readLoop(nc net.Conn, pongs chan<- struct{}) {
	defer c.wg.Done()
	defer close(pongs)

	reader := protocol.NewReader(nc, c.opts.Codec, c.opts.MaxFrameSize)
	for f, err := range reader.Frames() {
		if err != nil {
			c.readFailed(nc, err)
			return
		}
		c.metrics.FrameIn(string(f.Type))

		switch f.Type {
		case message.TypePong:
			continue
		case message.TypePing:
			select {
			case pongs <- struct{}{}:
			default:
				c.log.Debug("pong backlog full, dropping ping")
			}
			continue
		}
		c.opts.Inbound.HandleFrame(f)
	}
}

func (c *Conn) readFailed(nc net.Conn, err error) {
	c.mu.Lock()
	if c.conn != nc {
		// Close or a write failure already handled this socket.
		c.mu.Unlock()
		return
	}
	addr, id := c.addr, c.id
	c.dropLocked()
	c.mu.Unlock()

	switch {
	case protocol.IsMalformed(err):
		c.metrics.MalformedFrame()
		c.log.Error("malformed frame, dropping connection", zap.String("addr", addr), zap.Error(err))
	case errors.Is(err, io.EOF):
		c.log.Info("peer closed connection", zap.String("addr", addr))
	default:
		c.log.Warn("read failed, dropping connection", zap.String("addr", addr), zap.Error(err))
	}
	c.lost(nc, id, &TransportError{Op: "read", Addr: addr, Err: err})
}

// pongLoop answers pings on nc until the reader exits.
func (c *Conn) pongLoop(nc net.Conn, pongs <-chan struct{}) {
	defer c.wg.Done()
	for range pongs {
		c.writeControl(nc, &message.Frame{Type: message.TypePong})
	}
}

// writeControl writes a ping or pong on nc if it is still the live socket.
func (c *Conn) writeControl(nc net.Conn, f *message.Frame) {
	payload, err := protocol.Encode(c.opts.Codec, f)
	if err != nil {
		return
	}
	o := &op{frameType: f.Type, payload: payload}

	c.mu.Lock()
	if c.conn != nc {
		c.mu.Unlock()
		return
	}
	if werr := c.writeLocked(nc, o); werr != nil {
		terr := &TransportError{Op: "write", Addr: c.addr, Err: werr}
		id := c.id
		c.dropLocked()
		c.mu.Unlock()
		c.lost(nc, id, terr)
		return
	}
	c.mu.Unlock()
}

// heartbeatLoop sends ping frames on nc until it is replaced or closed.
func (c *Conn) heartbeatLoop(nc net.Conn, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			live := c.conn == nc
			c.mu.Unlock()
			if !live {
				return
			}
			c.writeControl(nc, &message.Frame{Type: message.TypePing})
		case <-c.ctx.Done():
			return
		}
	}
}
