package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mq-rpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// a handler that simply echoes the payload back
func echoHandler(ctx context.Context, queue string, req *message.Request) *message.Envelope {
	return message.Success(req.CorrelationID, req.Payload)
}

// a slow handler: sleeps 200ms
func slowHandler(ctx context.Context, queue string, req *message.Request) *message.Envelope {
	time.Sleep(200 * time.Millisecond)
	return message.Success(req.CorrelationID, req.Payload)
}

func failingHandler(ctx context.Context, queue string, req *message.Request) *message.Envelope {
	return message.Failure(req.CorrelationID, "boom")
}

func newRequest() *message.Request {
	return &message.Request{CorrelationID: "c-1", Payload: []byte(`"ok"`)}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	env := handler(context.Background(), "core:ping", newRequest())

	require.NotNil(t, env)
	assert.Equal(t, `"ok"`, string(env.Data))
	entries := logs.FilterMessage("rpc handled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "core:ping", entries[0].ContextMap()["queue"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(failingHandler)

	env := handler(context.Background(), "core:ping", newRequest())

	assert.True(t, env.Failed())
	assert.Equal(t, 1, logs.FilterMessage("rpc handler failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	// timeout 500ms with a fast handler: returns normally
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)

	env := handler(context.Background(), "q", newRequest())

	assert.False(t, env.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	// timeout 50ms with a 200ms handler: must time out
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)

	env := handler(context.Background(), "q", newRequest())

	assert.True(t, env.Failed())
	assert.Equal(t, ErrMsgTimedOut, env.ErrorMessage)
	assert.Equal(t, "c-1", env.CorrelationID)
}

func TestTimeoutRecoversPanic(t *testing.T) {
	handler := TimeOutMiddleware(time.Second)(func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
		panic("nil map")
	})

	env := handler(context.Background(), "q", newRequest())

	assert.True(t, env.Failed())
	assert.Equal(t, "panic: nil map", env.ErrorMessage)
	assert.Equal(t, "c-1", env.CorrelationID)
}

func TestTimeoutKeepsDetachedHandlerCounted(t *testing.T) {
	var wg sync.WaitGroup
	var finished atomic.Bool
	handler := TimeOutMiddleware(10 * time.Millisecond)(func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return message.Success(req.CorrelationID, req.Payload)
	})

	wg.Add(1)
	env := handler(WithInFlight(context.Background(), &wg), "q", newRequest())
	wg.Done()
	assert.Equal(t, ErrMsgTimedOut, env.ErrorMessage)

	wg.Wait()
	assert.True(t, finished.Load())
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first 2 pass, the 3rd is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		env := handler(context.Background(), "q", newRequest())
		require.False(t, env.Failed(), "request %d should pass, got error: %s", i, env.ErrorMessage)
	}

	env := handler(context.Background(), "q", newRequest())
	assert.Equal(t, ErrMsgRateLimited, env.ErrorMessage)
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	handler := RecoverMiddleware(zap.New(core))(func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
		panic("nil map")
	})

	env := handler(context.Background(), "q", newRequest())

	assert.True(t, env.Failed())
	assert.Equal(t, "panic: nil map", env.ErrorMessage)
	assert.Equal(t, "c-1", env.CorrelationID)
	assert.Equal(t, 1, logs.Len())
}

func TestChain(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
				order = append(order, name+".before")
				env := next(ctx, queue, req)
				order = append(order, name+".after")
				return env
			}
		}
	}

	handler := Chain(trace("A"), trace("B"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	env := handler(context.Background(), "q", newRequest())

	require.NotNil(t, env)
	assert.False(t, env.Failed())
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
