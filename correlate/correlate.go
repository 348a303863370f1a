// Package correlate matches asynchronous peer replies to the local requests
// that caused them.
//
// Every outbound request gets a fresh reply address. The Table maps that
// address to a Pending record holding the request's Continuation until
// exactly one of Resolve, Cancel or FailAll removes it:
//
//	Register("get-records", cont) -> "6f1c..."  (entry stored)
//	reply frame for "6f1c..."     -> Resolve     (entry removed, cont.Complete once)
//
// Removal and lookup happen under one lock, so two deliveries for the same
// address cannot both invoke the continuation. The pending gauge is updated
// under the same lock.
package correlate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"busbridge/message"
	"busbridge/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTimeout marks a pending reply cancelled because its deadline passed.
var ErrTimeout = errors.New("correlate: reply timed out")

// RemoteFailure is an error the peer reported explicitly, either as an err
// frame or as an {error, rawFailure} body.
type RemoteFailure struct {
	Code    int
	Type    string
	Message string
}

func (e *RemoteFailure) Error() string {
	return fmt.Sprintf("remote failure: %s", e.Message)
}

// ReplyKind tells the continuation which of the three reply shapes arrived.
type ReplyKind int

const (
	ReplyValue       ReplyKind = iota // body was {"value": v}; Body is v
	ReplyPassThrough                  // any other body; Body is the verbatim body
	ReplyFailure                      // Err is set
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyValue:
		return "value"
	case ReplyPassThrough:
		return "pass-through"
	case ReplyFailure:
		return "failure"
	default:
		return fmt.Sprintf("ReplyKind(%d)", int(k))
	}
}

// Reply is the single outcome delivered to a Continuation.
type Reply struct {
	Kind ReplyKind
	Body any
	Err  error
}

// Continuation receives the outcome of one request. Complete is called
// exactly once, from whichever goroutine resolved the entry; it must not
// block for long because resolution runs on the connection's read path.
type Continuation interface {
	Complete(Reply)
}

// ContinuationFunc adapts a function to Continuation.
type ContinuationFunc func(Reply)

func (f ContinuationFunc) Complete(r Reply) { f(r) }

// Pending describes one outstanding reply address.
type Pending struct {
	ReplyAddress string
	Address      string
	Registered   time.Time
	Conn         uint64 // connection the request went out on, 0 until bound

	cont Continuation
}

// Options configures a Table.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// NewID mints reply addresses. Defaults to a random UUID.
	NewID func() string
}

// Table is the reply correlation table. The zero value is not usable; use
// NewTable.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Pending

	newID   func() string
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewTable returns an empty table.
func NewTable(opts Options) *Table {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Table{
		entries: make(map[string]*Pending),
		newID:   newID,
		log:     logger.With(zap.String("component", "correlator")),
		metrics: opts.Metrics,
	}
}

// Register stores cont under a reply address that is not currently in the
// table and returns that address.
func (t *Table) Register(address string, cont Continuation) string {
	for {
		id := t.newID()

		t.mu.Lock()
		if _, taken := t.entries[id]; taken {
			t.mu.Unlock()
			t.log.Warn("reply address collision, minting another", zap.String("reply_address", id))
			continue
		}
		t.entries[id] = &Pending{
			ReplyAddress: id,
			Address:      address,
			Registered:   time.Now(),
			cont:         cont,
		}
		t.metrics.SetPending(len(t.entries))
		t.mu.Unlock()
		return id
	}
}

// take removes and returns the entry for replyAddress.
func (t *Table) take(replyAddress string) *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[replyAddress]
	if !ok {
		return nil
	}
	delete(t.entries, replyAddress)
	t.metrics.SetPending(len(t.entries))
	return p
}

// Bind records that the request frame for replyAddress went out on
// connection conn. Only bound entries are failed when that connection is
// lost. Binding an address that is no longer pending does nothing.
func (t *Table) Bind(replyAddress string, conn uint64) {
	t.mu.Lock()
	if p, ok := t.entries[replyAddress]; ok {
		p.Conn = conn
	}
	t.mu.Unlock()
}

// Resolve completes the entry for replyAddress with the outcome carried by
// f. It reports false if no entry was registered under that address.
func (t *Table) Resolve(replyAddress string, f *message.Frame) bool {
	p := t.take(replyAddress)
	if p == nil {
		return false
	}
	reply := Classify(f)
	t.log.Debug("reply resolved",
		zap.String("reply_address", replyAddress),
		zap.String("address", p.Address),
		zap.Stringer("kind", reply.Kind),
	)
	p.cont.Complete(reply)
	return true
}

// Cancel completes the entry for replyAddress with err. It reports false if
// the entry was already resolved or never existed.
func (t *Table) Cancel(replyAddress string, err error) bool {
	p := t.take(replyAddress)
	if p == nil {
		return false
	}
	p.cont.Complete(Reply{Kind: ReplyFailure, Err: err})
	return true
}

// FailAll completes every pending entry with err and returns how many were
// failed.
func (t *Table) FailAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*Pending)
	t.metrics.SetPending(0)
	t.mu.Unlock()

	for _, p := range entries {
		p.cont.Complete(Reply{Kind: ReplyFailure, Err: err})
	}
	return len(entries)
}

// FailConnection completes the entries bound to conn with err and returns
// how many were failed. Entries bound elsewhere or not yet bound stay.
func (t *Table) FailConnection(conn uint64, err error) int {
	t.mu.Lock()
	var failed []*Pending
	for id, p := range t.entries {
		if p.Conn == conn {
			failed = append(failed, p)
			delete(t.entries, id)
		}
	}
	t.metrics.SetPending(len(t.entries))
	t.mu.Unlock()

	for _, p := range failed {
		p.cont.Complete(Reply{Kind: ReplyFailure, Err: err})
	}
	return len(failed)
}

// Len returns the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Lookup returns a copy of the entry for replyAddress without removing it.
func (t *Table) Lookup(replyAddress string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[replyAddress]
	if !ok {
		return Pending{}, false
	}
	return Pending{ReplyAddress: p.ReplyAddress, Address: p.Address, Registered: p.Registered, Conn: p.Conn}, true
}

// Snapshot returns copies of all pending entries, in no particular order.
func (t *Table) Snapshot() []Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pending, 0, len(t.entries))
	for _, p := range t.entries {
		out = append(out, Pending{ReplyAddress: p.ReplyAddress, Address: p.Address, Registered: p.Registered, Conn: p.Conn})
	}
	return out
}

// HandleFrame routes an inbound frame to its pending entry. The frame
// address is tried first, then the sm.reply header.
func (t *Table) HandleFrame(f *message.Frame) {
	if t.Resolve(f.Address, f) {
		return
	}
	if reply := f.Header(message.HeaderReply); reply != "" && reply != f.Address {
		if t.Resolve(reply, f) {
			return
		}
	}
	t.metrics.UnmatchedReply()
	t.log.Debug("frame matched no pending reply",
		zap.String("type", string(f.Type)),
		zap.String("address", f.Address),
	)
}

// ConnectionLost fails the entries whose requests went out on conn. A conn
// of 0 means the connection manager was closed and fails every entry.
func (t *Table) ConnectionLost(conn uint64, err error) {
	var n int
	if conn == 0 {
		n = t.FailAll(err)
	} else {
		n = t.FailConnection(conn, err)
	}
	if n > 0 {
		t.log.Warn("connection lost, failed pending replies",
			zap.Uint64("conn", conn), zap.Int("pending", n), zap.Error(err))
	}
}

// Classify maps a reply frame to one of the three reply shapes:
//
//	type=err                         -> failure, message from rawFailure or message
//	{"value": v}          (one key)  -> value v
//	{"error": _, "rawFailure": s} (exactly two keys) -> failure with message s
//	anything else                    -> pass-through of the body
func Classify(f *message.Frame) Reply {
	if f.Type == message.TypeErr {
		raw := f.RawFailure
		if raw == "" {
			raw = f.Message
		}
		return Reply{Kind: ReplyFailure, Err: &RemoteFailure{Code: f.FailureCode, Type: f.FailureType, Message: raw}}
	}

	body, ok := f.Body.(map[string]any)
	if ok {
		switch len(body) {
		case 1:
			if v, has := body["value"]; has {
				return Reply{Kind: ReplyValue, Body: v}
			}
		case 2:
			_, hasError := body["error"]
			raw, hasRaw := body["rawFailure"]
			if hasError && hasRaw {
				return Reply{Kind: ReplyFailure, Err: &RemoteFailure{Message: failureText(raw)}}
			}
		}
	}
	return Reply{Kind: ReplyPassThrough, Body: f.Body}
}

// failureText renders a rawFailure payload as text. Peers normally send a
// string; structured payloads are re-encoded as JSON.
func failureText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
