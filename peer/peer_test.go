package peer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"busbridge/codec"
	"busbridge/message"
	"busbridge/protocol"
	"busbridge/registry"
)

func startPeer(t *testing.T, opts Options, reg registry.Registry, setup func(s *Server)) *Server {
	t.Helper()
	s := NewServer(opts)
	if setup != nil {
		setup(s)
	}
	go s.Serve("tcp", "127.0.0.1:0", "", reg)
	<-s.Ready()
	if s.Addr() == nil {
		t.Fatal("peer failed to listen")
	}
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

type client struct {
	conn   net.Conn
	reader *protocol.Reader
	codec  codec.Codec
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := codec.GetCodec(codec.CodecTypeJSON)
	return &client{conn: conn, reader: protocol.NewReader(conn, c, 0), codec: c}
}

func (c *client) send(t *testing.T, f *message.Frame) {
	t.Helper()
	if err := protocol.WriteFrame(c.conn, c.codec, f); err != nil {
		t.Fatal(err)
	}
}

func (c *client) next(t *testing.T) *message.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := c.reader.Next()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func request(address, replyTo string, body any) *message.Frame {
	return &message.Frame{
		Type:    message.TypeSend,
		Address: address,
		Headers: map[string]string{message.HeaderReply: replyTo},
		Send:    true,
		Body:    body,
	}
}

func handlers(s *Server) {
	s.Handle("echo", func(ctx context.Context, req *message.Request) (any, error) {
		return req.Body, nil
	})
	s.Handle("records", func(ctx context.Context, req *message.Request) (any, error) {
		return Verbatim{Body: map[string]any{"a": 1, "b": 2}}, nil
	})
	s.Handle("boom", func(ctx context.Context, req *message.Request) (any, error) {
		return nil, errors.New("boom")
	})
	s.Handle("forbidden", func(ctx context.Context, req *message.Request) (any, error) {
		return nil, &Failure{Code: 403, Message: "nope"}
	})
}

func TestValueWrapped(t *testing.T) {
	s := startPeer(t, Options{}, nil, handlers)
	c := dial(t, s)

	c.send(t, request("echo", "r-1", "hi"))
	f := c.next(t)
	if f.Type != message.TypeMessage || f.Address != "r-1" {
		t.Fatalf("unexpected reply frame %+v", f)
	}
	body := f.Body.(map[string]any)
	if len(body) != 1 || body["value"] != "hi" {
		t.Fatalf("expect {value: hi}, got %v", body)
	}
}

func TestReplyAddressFallback(t *testing.T) {
	s := startPeer(t, Options{}, nil, handlers)
	c := dial(t, s)

	c.send(t, &message.Frame{Type: message.TypeSend, Address: "echo", ReplyAddress: "r-2", Body: 1})
	if f := c.next(t); f.Address != "r-2" {
		t.Fatalf("expect reply to replyAddress, got %+v", f)
	}
}

func TestVerbatim(t *testing.T) {
	s := startPeer(t, Options{}, nil, handlers)
	c := dial(t, s)

	c.send(t, request("records", "r-1", nil))
	body := c.next(t).Body.(map[string]any)
	if len(body) != 2 || body["a"] != 1.0 || body["b"] != 2.0 {
		t.Fatalf("expect verbatim body, got %v", body)
	}
}

func TestErrorFrames(t *testing.T) {
	s := startPeer(t, Options{}, nil, handlers)
	c := dial(t, s)

	c.send(t, request("boom", "r-1", nil))
	f := c.next(t)
	if f.Type != message.TypeErr || f.RawFailure != "boom" || f.FailureCode != 500 {
		t.Fatalf("expect err frame with rawFailure boom, got %+v", f)
	}

	c.send(t, request("forbidden", "r-2", nil))
	if f := c.next(t); f.FailureCode != 403 || f.RawFailure != "nope" {
		t.Fatalf("expect 403 nope, got %+v", f)
	}

	c.send(t, request("missing", "r-3", nil))
	if f := c.next(t); f.Type != message.TypeErr || f.FailureCode != 404 {
		t.Fatalf("expect 404 for unknown address, got %+v", f)
	}
}

func TestErrorsAsBody(t *testing.T) {
	s := startPeer(t, Options{ErrorsAsBody: true}, nil, handlers)
	c := dial(t, s)

	c.send(t, request("boom", "r-1", nil))
	f := c.next(t)
	body := f.Body.(map[string]any)
	if f.Type != message.TypeMessage || len(body) != 2 || body["error"] != true || body["rawFailure"] != "boom" {
		t.Fatalf("expect error-shaped body, got %+v", f)
	}
}

func TestPingAndPublish(t *testing.T) {
	s := startPeer(t, Options{}, nil, handlers)
	c := dial(t, s)

	// A publish gets no reply; the pong must be the next frame.
	c.send(t, &message.Frame{Type: message.TypePublish, Address: "echo", Body: "x"})
	c.send(t, &message.Frame{Type: message.TypePing})
	if f := c.next(t); f.Type != message.TypePong {
		t.Fatalf("expect pong, got %+v", f)
	}
}

func TestRegistersWithRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s := startPeer(t, Options{Service: "records"}, reg, handlers)

	var instances []registry.Instance
	deadline := time.Now().Add(2 * time.Second)
	for len(instances) == 0 && time.Now().Before(deadline) {
		instances, _ = reg.Discover(context.Background(), "records")
		time.Sleep(5 * time.Millisecond)
	}
	if len(instances) != 1 || instances[0].Addr != s.Addr().String() || instances[0].Codec != "json" {
		t.Fatalf("expect peer registered at %s, got %v", s.Addr(), instances)
	}

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if instances, _ = reg.Discover(context.Background(), "records"); len(instances) != 0 {
		t.Fatalf("expect deregistered on shutdown, got %v", instances)
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	release := make(chan struct{})
	s := startPeer(t, Options{}, nil, func(s *Server) {
		s.Handle("slow", func(ctx context.Context, req *message.Request) (any, error) {
			<-release
			return "done", nil
		})
	})
	c := dial(t, s)
	c.send(t, request("slow", "r-1", nil))
	time.Sleep(20 * time.Millisecond)

	if err := s.Shutdown(20 * time.Millisecond); err == nil {
		t.Fatal("expect timeout while a request is in flight")
	}
	close(release)
}
