// Package message defines the envelopes exchanged across the bridge.
//
// Frame is the unit carried on the TCP socket. Its JSON shape matches the
// Vert.x TCP event-bus bridge so either end can be a stock bridge:
//
//	{
//	  "type":    "send",
//	  "address": "get-records",
//	  "replyAddress": "5b0e...",
//	  "headers": {"sm.reply": "5b0e..."},
//	  "body":    {...}
//	}
//
// Request and Response are the in-process envelopes that flow through the
// forwarder's middleware chain.
package message

import (
	"errors"
	"fmt"
)

// HeaderReply carries the reply address minted for an outbound request.
// Peers echo it back (as the frame address or as this header) on the reply.
const HeaderReply = "sm.reply"

// Type is the frame type tag.
type Type string

const (
	TypeSend       Type = "send"       // point-to-point request, expects a reply
	TypePublish    Type = "publish"    // fan-out, no reply
	TypeMessage    Type = "message"    // delivery from the peer (replies use this)
	TypeErr        Type = "err"        // failure reply
	TypeRegister   Type = "register"   // peer asks to receive an address
	TypeUnregister Type = "unregister" // peer stops receiving an address
	TypePing       Type = "ping"       // keepalive probe, no address
	TypePong       Type = "pong"       // keepalive answer, no address
)

// ErrEmptyAddress is returned by Validate for an addressed frame without an address.
var ErrEmptyAddress = errors.New("message: frame address is empty")

// Frame is one length-delimited unit of the wire protocol.
type Frame struct {
	Type         Type              `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Send         bool              `json:"send,omitempty"`
	Body         any               `json:"body,omitempty"`

	// Failure fields, only set on TypeErr frames.
	FailureCode int    `json:"failureCode,omitempty"`
	FailureType string `json:"failureType,omitempty"`
	Message     string `json:"message,omitempty"`
	RawFailure  string `json:"rawFailure,omitempty"`
}

// Validate checks the frame invariants: a known type and, for every type
// except ping/pong, a non-empty address.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypePing, TypePong:
		return nil
	case TypeSend, TypePublish, TypeMessage, TypeErr, TypeRegister, TypeUnregister:
		if f.Address == "" {
			return fmt.Errorf("%w (type=%s)", ErrEmptyAddress, f.Type)
		}
		return nil
	default:
		return fmt.Errorf("message: unknown frame type %q", f.Type)
	}
}

// Header returns the named header, or "" if absent.
func (f *Frame) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// Request is a local bus request on its way to the peer.
type Request struct {
	Address string
	Headers map[string]string
	Body    any
}

// Response is what the forwarder hands back to the local caller. Exactly one
// of Body (success or pass-through) and Err (failure) is meaningful.
type Response struct {
	Body any
	Err  error
}
