// Package protocol implements the length-prefixed frame format used on the
// bridge socket.
//
// Every frame is a 4-byte big-endian payload length followed by exactly
// that many payload bytes. The payload is one message.Frame serialized with
// the connection's codec (JSON by default). This is the framing of the
// Vert.x TCP event-bus bridge.
//
//	0         4
//	┌─────────┬──────────────────────┐
//	│ length  │   payload ...        │
//	│ uint32  │   length bytes       │
//	└─────────┴──────────────────────┘
//
// The reader refuses a length above its configured maximum before
// allocating anything, so a broken or hostile peer cannot make it buffer
// unbounded data. There is no resynchronization: after a MalformedFrameError
// the stream position is unknown and the connection must be dropped.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"busbridge/codec"
	"busbridge/message"
)

const (
	HeaderSize          = 4        // uint32 payload length
	DefaultMaxFrameSize = 10 << 20 // 10 MiB
)

// ErrFrameTooLarge is returned when an outbound payload exceeds the frame
// size limit.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// MalformedFrameError reports a frame the reader could not parse. Length is
// the declared payload length; Err is set when the payload failed to decode.
type MalformedFrameError struct {
	Length uint32
	Max    uint32
	Err    error
}

func (e *MalformedFrameError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("malformed frame (length=%d): %v", e.Length, e.Err)
	case e.Length == 0:
		return "malformed frame: zero length"
	default:
		return fmt.Sprintf("malformed frame: length %d exceeds maximum %d", e.Length, e.Max)
	}
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is, or wraps, a MalformedFrameError.
func IsMalformed(err error) bool {
	var mf *MalformedFrameError
	return errors.As(err, &mf)
}

// Encode serializes f with c and returns the complete wire bytes, length
// prefix included. Payloads above DefaultMaxFrameSize are refused.
func Encode(c codec.Codec, f *message.Frame) ([]byte, error) {
	return EncodeLimit(c, f, 0)
}

// EncodeLimit is Encode with an explicit payload limit. A max of 0 selects
// DefaultMaxFrameSize.
func EncodeLimit(c codec.Codec, f *message.Frame, max uint32) ([]byte, error) {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	payload, err := c.Encode(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	if uint64(len(payload)) > uint64(max) {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, len(payload), max)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// WriteFrame encodes f and writes it to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share w,
// otherwise frames from different requests will interleave.
func WriteFrame(w io.Writer, c codec.Codec, f *message.Frame) error {
	return WriteFrameLimit(w, c, f, 0)
}

// WriteFrameLimit is WriteFrame with an explicit payload limit.
func WriteFrameLimit(w io.Writer, c codec.Codec, f *message.Frame, max uint32) error {
	buf, err := EncodeLimit(c, f, max)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader decodes a stream of frames. It is not safe for concurrent use; a
// connection has exactly one reader.
type Reader struct {
	r     *bufio.Reader
	codec codec.Codec
	max   uint32
	err   error
}

// NewReader returns a Reader over r. A max of 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, c codec.Codec, max uint32) *Reader {
	if max == 0 {
		max = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), codec: c, max: max}
}

// Next reads one complete frame. Once Next has returned an error every
// later call returns the same error.
func (r *Reader) Next() (*message.Frame, error) {
	if r.err != nil {
		return nil, r.err
	}
	f, err := r.next()
	if err != nil {
		r.err = err
	}
	return f, err
}

func (r *Reader) next() (*message.Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > r.max {
		return nil, &MalformedFrameError{Length: length, Max: r.max}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}

	f := &message.Frame{}
	if err := r.codec.Decode(payload, f); err != nil {
		return nil, &MalformedFrameError{Length: length, Max: r.max, Err: err}
	}
	if f.Type == "" {
		return nil, &MalformedFrameError{Length: length, Max: r.max, Err: errors.New("missing frame type")}
	}
	return f, nil
}

// Frames returns a lazy sequence over the stream. The sequence ends after
// the first error, which is yielded with a nil frame.
func (r *Reader) Frames() iter.Seq2[*message.Frame, error] {
	return func(yield func(*message.Frame, error) bool) {
		for {
			f, err := r.Next()
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}
