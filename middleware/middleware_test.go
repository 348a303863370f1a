package middleware

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"busbridge/message"
	"busbridge/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Body: req.Body}
}

// 模拟一个慢 handler：睡 200ms，或者在 ctx 结束时提前返回
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	select {
	case <-time.After(200 * time.Millisecond):
		return &message.Response{Body: "late"}
	case <-ctx.Done():
		return &message.Response{Err: ctx.Err()}
	}
}

var errBoom = errors.New("boom")

func failingHandler(ctx context.Context, req *message.Request) *message.Response {
	return &message.Response{Err: errBoom}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	req := &message.Request{Address: "get-records", Body: "ok"}

	resp := Logging(zap.New(core))(echoHandler)(context.Background(), req)
	if resp.Body != "ok" {
		t.Fatalf("expect body 'ok', got %v", resp.Body)
	}
	if logs.FilterMessage("request served").Len() != 1 {
		t.Fatalf("expect one served entry, got %v", logs.All())
	}

	Logging(zap.New(core))(failingHandler)(context.Background(), req)
	failed := logs.FilterMessage("request failed").All()
	if len(failed) != 1 || failed[0].Level != zap.WarnLevel {
		t.Fatalf("expect one warn entry for failure, got %v", failed)
	}
}

func TestLoggingNilLogger(t *testing.T) {
	resp := Logging(nil)(echoHandler)(context.Background(), &message.Request{Address: "a", Body: 1})
	if resp.Body != 1 {
		t.Fatalf("expect body 1, got %v", resp.Body)
	}
}

func TestTimeoutPass(t *testing.T) {
	// 超时 500ms，handler 很快，应该正常返回
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	resp := handler(context.Background(), &message.Request{Address: "a", Body: "ok"})
	if resp.Err != nil {
		t.Fatalf("expect no error, got %v", resp.Err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	// 超时 50ms，handler 需要 200ms，应该超时
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	resp := handler(context.Background(), &message.Request{Address: "a"})
	if !errors.Is(resp.Err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", resp.Err)
	}
}

func TestTimeoutKeepsLateSuccess(t *testing.T) {
	// handler 在截止时间之后才返回成功，结果必须原样保留
	handler := Timeout(10 * time.Millisecond)(func(ctx context.Context, req *message.Request) *message.Response {
		<-ctx.Done()
		return &message.Response{Body: "resolved"}
	})

	resp := handler(context.Background(), &message.Request{Address: "a"})
	if resp.Err != nil || resp.Body != "resolved" {
		t.Fatalf("expect the handler's success, got %+v", resp)
	}
}

func TestTimeoutPassesOtherErrors(t *testing.T) {
	handler := Timeout(time.Second)(failingHandler)
	resp := handler(context.Background(), &message.Request{Address: "a"})
	if resp.Err != errBoom {
		t.Fatalf("expect errBoom unchanged, got %v", resp.Err)
	}
}

func TestTimeoutZeroDisabled(t *testing.T) {
	handler := Timeout(0)(func(ctx context.Context, req *message.Request) *message.Response {
		if _, ok := ctx.Deadline(); ok {
			return &message.Response{Err: errors.New("unexpected deadline")}
		}
		return &message.Response{Body: "ok"}
	})
	if resp := handler(context.Background(), &message.Request{Address: "a"}); resp.Err != nil {
		t.Fatal(resp.Err)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)
	req := &message.Request{Address: "a"}

	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), req); resp.Err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, resp.Err)
		}
	}

	resp := handler(context.Background(), req)
	if !errors.Is(resp.Err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got: %v", resp.Err)
	}
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, req *message.Request) *message.Response {
		if calls.Add(1) < 3 {
			return &message.Response{Err: errBoom}
		}
		return &message.Response{Body: "ok"}
	}
	retryable := func(err error) bool { return errors.Is(err, errBoom) }

	resp := Retry(3, time.Millisecond, retryable, nil)(flaky)(context.Background(), &message.Request{Address: "a"})
	if resp.Err != nil || resp.Body != "ok" {
		t.Fatalf("expect success after retries, got %+v", resp)
	}
	if calls.Load() != 3 {
		t.Fatalf("expect 3 calls, got %d", calls.Load())
	}
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	var calls atomic.Int32
	handler := Retry(3, time.Millisecond, func(error) bool { return false }, nil)(
		func(ctx context.Context, req *message.Request) *message.Response {
			calls.Add(1)
			return &message.Response{Err: errBoom}
		})

	resp := handler(context.Background(), &message.Request{Address: "a"})
	if !errors.Is(resp.Err, errBoom) || calls.Load() != 1 {
		t.Fatalf("expect one call and errBoom, got %d calls, err %v", calls.Load(), resp.Err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	outcome := func(err error) string {
		if err != nil {
			return "failure"
		}
		return "success"
	}
	Metrics(m, outcome)(echoHandler)(context.Background(), &message.Request{Address: "get-records"})
	Metrics(m, outcome)(failingHandler)(context.Background(), &message.Request{Address: "get-records"})

	expected := `
# HELP busbridge_requests_total Forwarded local requests by outcome
# TYPE busbridge_requests_total counter
busbridge_requests_total{address="get-records",outcome="failure"} 1
busbridge_requests_total{address="get-records",outcome="success"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "busbridge_requests_total"); err != nil {
		t.Fatal(err)
	}
}

func TestChain(t *testing.T) {
	// 用 Chain 组合 Logging + Timeout，验证请求能正常穿过
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	chained := Chain(mark("outer"), Logging(nil), Timeout(500*time.Millisecond), mark("inner"))
	resp := chained(echoHandler)(context.Background(), &message.Request{Address: "a", Body: "ok"})

	if resp.Err != nil || resp.Body != "ok" {
		t.Fatalf("expect ok, got %+v", resp)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expect outer before inner, got %v", order)
	}
}
