package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mq-rpc/codec"
	"mq-rpc/message"
	"mq-rpc/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// respond consumes queue on m and answers every request with reply's envelope.
// A nil envelope means no answer.
func respond(t *testing.T, m *transport.Memory, queue string, reply func(req message.Request) *message.Envelope) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, m.DeclareQueue(ctx, queue))
	require.NoError(t, m.Consume(ctx, queue, func(msg transport.Message) {
		var req message.Request
		if !assert.NoError(t, json.Unmarshal(msg.Body, &req)) {
			return
		}
		env := reply(req)
		if env == nil {
			return
		}
		publishEnvelope(t, m, req.ReplyTo, env)
	}))
}

func publishEnvelope(t *testing.T, m *transport.Memory, replyTo string, env *message.Envelope) {
	body, err := json.Marshal(env)
	assert.NoError(t, err)
	assert.NoError(t, m.Publish(context.Background(), replyTo, transport.Message{
		Body:          body,
		ContentType:   codec.ContentTypeJSON,
		CorrelationID: env.CorrelationID,
	}))
}

func newTestClient(t *testing.T, m *transport.Memory, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), m, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCallSuccess(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()
	respond(t, m, "segments:fetchSegment", func(req message.Request) *message.Envelope {
		return message.Success(req.CorrelationID, req.Payload)
	})
	c := newTestClient(t, m)

	var reply map[string]string
	err := c.Call(context.Background(), "segments:fetchSegment", map[string]string{"segmentId": "s1"}, &reply)
	require.NoError(t, err)
	assert.Equal(t, "s1", reply["segmentId"])
	assert.Equal(t, 0, c.Pending())
}

func TestCallRemoteError(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()
	respond(t, m, "q", func(req message.Request) *message.Envelope {
		return message.Failure(req.CorrelationID, "boom")
	})
	c := newTestClient(t, m)

	err := c.Call(context.Background(), "q", struct{}{}, nil)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "boom", remote.Message)
	assert.Equal(t, "boom", err.Error())
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestCallTimeoutEvicts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := transport.NewMemory()
	defer m.Close()

	requests := make(chan message.Request, 1)
	respond(t, m, "silent", func(req message.Request) *message.Envelope {
		requests <- req
		return nil
	})
	c := newTestClient(t, m, WithLogger(zap.New(core)))

	const timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := c.CallRaw(context.Background(), "silent", json.RawMessage(`{}`), timeout)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, "silent", te.Queue)
	assert.False(t, c.pending.Pending(te.CorrelationID))
	assert.Equal(t, 0, c.Pending())

	// A reply arriving after the timeout is dropped, not delivered.
	req := <-requests
	assert.Equal(t, te.CorrelationID, req.CorrelationID)
	publishEnvelope(t, m, req.ReplyTo, message.Success(req.CorrelationID, json.RawMessage(`"late"`)))

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("dropping late reply").Len() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestConcurrentCallsRepliedOutOfOrder(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()

	requests := make(chan message.Request, 2)
	respond(t, m, "loans:calc", func(req message.Request) *message.Envelope {
		requests <- req
		return nil
	})
	c := newTestClient(t, m)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, payload := range []string{"first", "second"} {
		i, payload := i, payload
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.CallWithTimeout(context.Background(), "loans:calc", payload, &results[i], 2*time.Second)
		}()
	}

	first := <-requests
	second := <-requests

	// Answer in reverse arrival order; each reply echoes its own request.
	for _, req := range []message.Request{second, first} {
		var payload string
		require.NoError(t, json.Unmarshal(req.Payload, &payload))
		data, err := json.Marshal("reply to " + payload)
		require.NoError(t, err)
		publishEnvelope(t, m, req.ReplyTo, message.Success(req.CorrelationID, data))
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "reply to first", results[0])
	assert.Equal(t, "reply to second", results[1])
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestCallTransportError(t *testing.T) {
	down := errors.New("connection reset")
	m := transport.NewMemory(transport.WithPublishHook(func(queue string, msg transport.Message) error {
		if queue == "down" {
			return down
		}
		return nil
	}))
	defer m.Close()
	c := newTestClient(t, m)

	err := c.Call(context.Background(), "down", 1, nil)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, "publish", te.Op)
	assert.Equal(t, 0, c.Pending())
}

func TestCallContextCancelled(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()
	respond(t, m, "silent", func(message.Request) *message.Envelope { return nil })
	c := newTestClient(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.CallWithTimeout(ctx, "silent", 1, nil, time.Minute)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())
}

func TestCallCBOR(t *testing.T) {
	m := transport.NewMemory()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.DeclareQueue(ctx, "q"))
	require.NoError(t, m.Consume(ctx, "q", func(msg transport.Message) {
		cdc, err := codec.ForContentType(msg.ContentType)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, codec.CodecTypeCBOR, cdc.Type())
		var req message.Request
		assert.NoError(t, cdc.Decode(msg.Body, &req))
		body, err := cdc.Encode(message.Success(req.CorrelationID, req.Payload))
		assert.NoError(t, err)
		assert.NoError(t, m.Publish(ctx, req.ReplyTo, transport.Message{Body: body, ContentType: cdc.ContentType()}))
	}))

	c := newTestClient(t, m, WithCodec(codec.CodecTypeCBOR))
	var reply []int
	require.NoError(t, c.Call(context.Background(), "q", []int{1, 2, 3}, &reply))
	assert.Equal(t, []int{1, 2, 3}, reply)
}

func TestUnknownReplyIsIgnored(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m := transport.NewMemory()
	defer m.Close()
	c := newTestClient(t, m, WithLogger(zap.New(core)))

	publishEnvelope(t, m, c.ReplyTo(), message.Success("not-mine", nil))

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("dropping reply with unknown correlation id").Len() == 1
	}, time.Second, 10*time.Millisecond)
}
