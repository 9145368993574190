package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishConsume(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.DeclareQueue(ctx, "core:getFileUploadConfigs"))

	got := make(chan Message, 1)
	require.NoError(t, m.Consume(ctx, "core:getFileUploadConfigs", func(msg Message) {
		got <- msg
	}))

	body := []byte(`{}`)
	require.NoError(t, m.Publish(ctx, "core:getFileUploadConfigs", Message{
		Body:          body,
		ContentType:   "application/json",
		CorrelationID: "c-1",
		ReplyTo:       "reply",
	}))
	body[0] = 'x'

	select {
	case msg := <-got:
		assert.Equal(t, "{}", string(msg.Body))
		assert.Equal(t, "c-1", msg.CorrelationID)
		assert.Equal(t, "reply", msg.ReplyTo)
		assert.NoError(t, msg.Ack())
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryUnroutableIsDropped(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	err := m.Publish(context.Background(), "nobody", Message{Body: []byte(`{}`)})
	assert.NoError(t, err)
	assert.Equal(t, 0, m.Depth("nobody"))
}

func TestMemoryConsumeUndeclared(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	err := m.Consume(context.Background(), "missing", func(Message) {})
	assert.Error(t, err)
}

func TestMemoryReplyQueuesAreUnique(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	a, err := m.DeclareReplyQueue(context.Background())
	require.NoError(t, err)
	b, err := m.DeclareReplyQueue(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "amq.gen-"))
}

func TestMemoryPublishHook(t *testing.T) {
	broken := errors.New("channel closed")
	m := NewMemory(WithPublishHook(func(queue string, msg Message) error {
		if queue == "broken" {
			return broken
		}
		return nil
	}))
	defer m.Close()

	require.NoError(t, m.DeclareQueue(context.Background(), "broken"))
	err := m.Publish(context.Background(), "broken", Message{})
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, 0, m.Depth("broken"))
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.DeclareQueue(context.Background(), "q"), ErrClosed)
	assert.ErrorIs(t, m.Publish(context.Background(), "q", Message{}), ErrClosed)
}

func TestMemoryPublishRespectsContext(t *testing.T) {
	m := NewMemory(WithBuffer(1))
	defer m.Close()
	require.NoError(t, m.DeclareQueue(context.Background(), "full"))
	require.NoError(t, m.Publish(context.Background(), "full", Message{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Publish(ctx, "full", Message{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryReplyQueueDeletedWithConsumer(t *testing.T) {
	m := NewMemory(WithBuffer(2))
	defer m.Close()

	reply, err := m.DeclareReplyQueue(context.Background())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Consume(ctx, reply, func(Message) {}))
	cancel()

	assert.Eventually(t, func() bool {
		// Deleted queues swallow publishes instead of filling up.
		for i := 0; i < 3; i++ {
			pubCtx, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
			err := m.Publish(pubCtx, reply, Message{Body: []byte(`{}`)})
			stop()
			if err != nil {
				return false
			}
		}
		return m.Depth(reply) == 0
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, m.Consume(context.Background(), reply, func(Message) {}))
}

func TestMemoryDeletingReplyQueueReleasesPublisher(t *testing.T) {
	m := NewMemory(WithBuffer(1))
	defer m.Close()

	reply, err := m.DeclareReplyQueue(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), reply, Message{}))

	blocked := make(chan error, 1)
	go func() { blocked <- m.Publish(context.Background(), reply, Message{}) }()

	ctx, cancel := context.WithCancel(context.Background())
	// The consumer may take the buffered message first; either way the blocked
	// publish must end once the queue is gone.
	require.NoError(t, m.Consume(ctx, reply, func(Message) { <-ctx.Done() }))
	cancel()

	select {
	case err := <-blocked:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish still blocked on a deleted queue")
	}
}

func TestMemoryDurableQueueOutlivesConsumer(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	require.NoError(t, m.DeclareQueue(context.Background(), "core:getUser"))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Consume(ctx, "core:getUser", func(Message) {}))
	cancel()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.Publish(context.Background(), "core:getUser", Message{}))
	assert.Equal(t, 1, m.Depth("core:getUser"))
}
