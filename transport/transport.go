// Package transport is the message-queue layer underneath the RPC client and server.
//
// A Transport only moves opaque bodies between named queues. It knows nothing about
// envelopes or correlation: those are carried as message properties (mirroring AMQP's
// correlation_id and reply_to) and interpreted by the client and server packages.
//
//	client ──Publish(queue)──→ [queue] ──Consume──→ server
//	client ←─Consume(reply)─── [reply] ←─Publish──── server
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Message is a single queue message with the properties RPC needs.
type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID string
	ReplyTo       string

	ack func() error
}

// Ack acknowledges the message to the broker. It is a no-op for transports
// without acknowledgements.
func (m Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Handler receives deliveries. It runs on the consumer's goroutine; handlers that
// do real work must hand the message off so the next delivery is not delayed.
type Handler func(msg Message)

type Transport interface {
	// DeclareQueue makes sure a durable, shared queue exists.
	DeclareQueue(ctx context.Context, name string) error

	// DeclareReplyQueue creates a private, auto-deleting queue for this process
	// and returns its name.
	DeclareReplyQueue(ctx context.Context) (string, error)

	// Publish sends msg to the named queue.
	Publish(ctx context.Context, queue string, msg Message) error

	// Consume starts delivering messages from queue to handler until ctx is
	// cancelled or the transport is closed. It returns once the consumer is
	// registered.
	Consume(ctx context.Context, queue string, handler Handler) error

	Close() error
}
