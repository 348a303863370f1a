package main

import (
	"context"
	"net"
	"reflect"
	"testing"
	"time"

	"busbridge/codec"
	"busbridge/message"
	"busbridge/peer"
	"busbridge/protocol"
)

const sample = `
records:
  - name: alpha
    status: UP
    metadata:
      zone: a
values:
  svc.count: 3
failures:
  svc.broken: kaput
`

func TestParseFixture(t *testing.T) {
	fx, err := parseFixture([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	if fx.RecordsAddress != "get-records" {
		t.Fatalf("expect default records address, got %q", fx.RecordsAddress)
	}
	if len(fx.Records) != 1 || fx.Records[0]["name"] != "alpha" {
		t.Fatalf("unexpected records %v", fx.Records)
	}
	if fx.Values["svc.count"] != 3 || fx.Failures["svc.broken"] != "kaput" {
		t.Fatalf("unexpected values %v / failures %v", fx.Values, fx.Failures)
	}
}

func TestParseFixtureRejectsOverlap(t *testing.T) {
	_, err := parseFixture([]byte("values: {a: 1}\nfailures: {a: x}\n"))
	if err == nil {
		t.Fatal("expect error for an address that is both value and failure")
	}
}

func TestInstallServesFixture(t *testing.T) {
	fx, err := parseFixture([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}
	s := peer.NewServer(peer.Options{})
	served := fx.install(s)
	if want := []string{"get-records", "svc.broken", "svc.count"}; !reflect.DeepEqual(served, want) {
		t.Fatalf("expect %v, got %v", want, served)
	}
	go s.Serve("tcp", "127.0.0.1:0", "", nil)
	<-s.Ready()
	defer s.Shutdown(time.Second)

	c := codec.GetCodec(codec.CodecTypeJSON)
	conn, err := (&net.Dialer{Timeout: time.Second}).DialContext(context.Background(), "tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := protocol.NewReader(conn, c, 0)

	ask := func(addr string) *message.Frame {
		t.Helper()
		req := &message.Frame{Type: message.TypeSend, Address: addr, ReplyAddress: "r-" + addr, Send: true}
		data, err := protocol.Encode(c, req)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(data); err != nil {
			t.Fatal(err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		return f
	}

	if f := ask("get-records"); f.Type != message.TypeMessage {
		t.Fatalf("expect message frame with records, got %+v", f)
	} else if list, ok := f.Body.([]any); !ok || len(list) != 1 {
		t.Fatalf("expect verbatim record list, got %#v", f.Body)
	}
	if f := ask("svc.count"); !reflect.DeepEqual(f.Body, map[string]any{"value": 3.0}) {
		t.Fatalf("expect wrapped value, got %#v", f.Body)
	}
	if f := ask("svc.broken"); f.Type != message.TypeErr || f.RawFailure != "kaput" {
		t.Fatalf("expect err frame, got %+v", f)
	}
}
