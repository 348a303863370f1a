package bridge

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"busbridge/bus"
	"busbridge/codec"
	"busbridge/config"
	"busbridge/message"
	"busbridge/peer"
	"busbridge/protocol"
)

// ---- Setup 公共函数 ----

func setupBench(b *testing.B, codecName string) *bus.Local {
	ct, _ := codec.ParseType(codecName)
	p := peer.NewServer(peer.Options{Codec: codec.GetCodec(ct)})
	p.Handle("echo", func(ctx context.Context, req *message.Request) (any, error) {
		return req.Body, nil
	})
	go p.Serve("tcp", "127.0.0.1:0", "", nil)
	<-p.Ready()
	b.Cleanup(func() { p.Shutdown(3 * time.Second) })

	host, port, _ := net.SplitHostPort(p.Addr().String())
	cfg := config.Default()
	cfg.Peer.Host = host
	cfg.Peer.Port, _ = strconv.Atoi(port)
	cfg.Peer.Codec = codecName
	cfg.Forward.Addresses = []string{"echo"}
	cfg.Discovery.CacheTTL = 0

	l := bus.NewLocal(nil)
	br, err := New(context.Background(), Options{Config: cfg, Bus: l})
	if err != nil {
		b.Fatal(err)
	}
	if err := br.Start(); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { br.Close() })
	return l
}

// 场景1: 单 goroutine 串行请求
func BenchmarkSerialRequest(b *testing.B) {
	l := setupBench(b, "json")
	body := map[string]any{"a": 1, "b": 2}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := l.Request(context.Background(), "echo", body, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发请求（共享一条连接）
func BenchmarkConcurrentRequest(b *testing.B) {
	for _, name := range []string{"json", "cbor"} {
		b.Run(name, func(b *testing.B) {
			l := setupBench(b, name)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				body := map[string]any{"a": 1, "b": 2}
				for pb.Next() {
					if _, err := l.Request(context.Background(), "echo", body, nil); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

// 场景3: 帧编码性能（不走网络）
func BenchmarkEncodeFrame(b *testing.B) {
	f := &message.Frame{
		Type:    message.TypeSend,
		Address: "get-records",
		Headers: map[string]string{message.HeaderReply: "6f1c2d7e-4b0a-4c55-9d3e-2a1b0c9d8e7f"},
		Send:    true,
		Body:    map[string]any{"a": 1, "b": 2},
	}
	for _, name := range []string{"json", "cbor"} {
		ct, _ := codec.ParseType(name)
		c := codec.GetCodec(ct)
		b.Run(name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := protocol.Encode(c, f); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
