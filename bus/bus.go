// Package bus is the in-process publish/subscribe collaborator the bridge
// serves: consumers register on an address, callers issue requests against
// an address and wait for exactly one reply or failure.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrNoHandlers is returned by Request when no consumer is registered on
// the address.
var ErrNoHandlers = errors.New("bus: no handlers for address")

// ReplyError is the failure primitive of the bus: a status code plus a
// message, produced by Message.Fail.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("bus: reply failed (%d): %s", e.Code, e.Message)
}

// Handler consumes a message delivered to an address.
type Handler func(m *Message)

// Registration undoes a Consumer call.
type Registration interface {
	Address() string
	Unregister()
}

// Bus is what the bridge needs from the local bus.
type Bus interface {
	Consumer(address string, h Handler) Registration
	Request(ctx context.Context, address string, body any, headers map[string]string) (*Message, error)
	Publish(address string, body any, headers map[string]string) error
}

type outcome struct {
	msg *Message
	err error
}

// Message is one delivery. For a request, the first Reply or Fail call
// answers the caller and later calls are ignored.
type Message struct {
	Address string
	Headers map[string]string
	Body    any

	once  sync.Once
	reply chan outcome // nil for publishes
}

// Header returns the named header or "".
func (m *Message) Header(name string) string {
	return m.Headers[name]
}

// IsRequest reports whether the sender is waiting for a reply.
func (m *Message) IsRequest() bool { return m.reply != nil }

// Reply answers the request with body.
func (m *Message) Reply(body any) {
	m.answer(outcome{msg: &Message{Address: m.Address, Body: body}})
}

// Fail answers the request with a failure.
func (m *Message) Fail(code int, msg string) {
	m.answer(outcome{err: &ReplyError{Code: code, Message: msg}})
}

func (m *Message) answer(o outcome) {
	if m.reply == nil {
		return
	}
	m.once.Do(func() { m.reply <- o })
}

type consumer struct {
	l       *Local
	address string
	handler Handler
	removed atomic.Bool
}

func (c *consumer) Address() string { return c.address }

func (c *consumer) Unregister() {
	if c.removed.Swap(true) {
		return
	}
	c.l.remove(c)
}

// Local is an in-process Bus. Requests go to one consumer, chosen round
// robin; publishes go to every consumer. Handlers run on their own
// goroutines.
type Local struct {
	mu        sync.RWMutex
	consumers map[string][]*consumer
	next      atomic.Uint64

	log *zap.Logger
}

// NewLocal returns an empty bus.
func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{
		consumers: make(map[string][]*consumer),
		log:       logger.With(zap.String("component", "bus")),
	}
}

func (l *Local) Consumer(address string, h Handler) Registration {
	c := &consumer{l: l, address: address, handler: h}
	l.mu.Lock()
	l.consumers[address] = append(l.consumers[address], c)
	l.mu.Unlock()
	l.log.Debug("consumer registered", zap.String("address", address))
	return c
}

func (l *Local) remove(target *consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.consumers[target.address]
	for i, c := range list {
		if c == target {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.consumers, target.address)
		return
	}
	l.consumers[target.address] = list
}

// Request delivers body to one consumer of address and waits for its reply.
// A failure reply is returned as a *ReplyError.
func (l *Local) Request(ctx context.Context, address string, body any, headers map[string]string) (*Message, error) {
	l.mu.RLock()
	list := l.consumers[address]
	var c *consumer
	if len(list) > 0 {
		c = list[l.next.Add(1)%uint64(len(list))]
	}
	l.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHandlers, address)
	}

	m := &Message{
		Address: address,
		Headers: copyHeaders(headers),
		Body:    body,
		reply:   make(chan outcome, 1),
	}
	go l.dispatch(c, m)

	select {
	case o := <-m.reply:
		return o.msg, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish delivers body to every consumer of address without waiting.
func (l *Local) Publish(address string, body any, headers map[string]string) error {
	l.mu.RLock()
	list := append([]*consumer(nil), l.consumers[address]...)
	l.mu.RUnlock()

	for _, c := range list {
		go l.dispatch(c, &Message{Address: address, Headers: copyHeaders(headers), Body: body})
	}
	return nil
}

func (l *Local) dispatch(c *consumer, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler panicked", zap.String("address", m.Address), zap.Any("panic", r))
			m.Fail(500, fmt.Sprint(r))
		}
	}()
	c.handler(m)
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
