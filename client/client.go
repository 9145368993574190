// Package client issues RPC calls over a message queue.
//
// Every call gets a fresh correlation id and waits on its own channel in the
// correlation registry. A single reply consumer reads the client's private reply
// queue and routes each envelope to the right caller, so any number of calls can be
// in flight over one transport:
//
//	goroutine-1 ──Call(id=a)──┐
//	goroutine-2 ──Call(id=b)──┼──→ queue ──→ handler service
//	goroutine-3 ──Call(id=c)──┘
//
//	reply consumer ←── envelope(b) → pending[b] → goroutine-2 wakes up
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mq-rpc/codec"
	"mq-rpc/correlation"
	"mq-rpc/message"
	"mq-rpc/transport"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 30 * time.Second
	defaultExpiredSize = 4096
)

// Caller is the calling surface shared by Client and its wrappers.
type Caller interface {
	Call(ctx context.Context, queue string, args any, reply any) error
}

type Client struct {
	transport transport.Transport
	pending   *correlation.Registry
	codec     codec.Codec
	replyTo   string // private reply queue of this client
	timeout   time.Duration
	logger    *zap.Logger
	expired   *lru.Cache // correlation ids that timed out recently → queue name
	cancel    context.CancelFunc

	codecType   codec.CodecType
	expiredSize int
}

type Option func(*Client)

// WithTimeout sets the timeout used by Call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithCodec selects the encoding of outgoing requests.
func WithCodec(codecType codec.CodecType) Option {
	return func(c *Client) {
		c.codecType = codecType
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithExpiredMemory sets how many timed-out ids are remembered so that their late
// replies can be told apart from stray ones in the logs.
func WithExpiredMemory(size int) Option {
	return func(c *Client) {
		c.expiredSize = size
	}
}

// NewClient declares the client's reply queue on t and starts consuming it. ctx
// bounds the setup only; the reply consumer runs until Close.
func NewClient(ctx context.Context, t transport.Transport, opts ...Option) (*Client, error) {
	c := &Client{
		transport:   t,
		pending:     correlation.NewRegistry(),
		timeout:     DefaultTimeout,
		logger:      zap.NewNop(),
		expiredSize: defaultExpiredSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec = codec.GetCodec(c.codecType)

	expired, err := lru.New(c.expiredSize)
	if err != nil {
		return nil, fmt.Errorf("client: expired id cache: %w", err)
	}
	c.expired = expired

	replyTo, err := t.DeclareReplyQueue(ctx)
	if err != nil {
		return nil, &TransportError{Op: "declare", Queue: "reply queue", Err: err}
	}
	c.replyTo = replyTo

	consumeCtx, cancel := context.WithCancel(context.Background())
	if err := t.Consume(consumeCtx, replyTo, c.dispatch); err != nil {
		cancel()
		return nil, &TransportError{Op: "consume", Queue: replyTo, Err: err}
	}
	c.cancel = cancel

	c.logger.Debug("rpc client ready", zap.String("reply_to", replyTo))
	return c, nil
}

// ReplyTo returns the name of the client's private reply queue.
func (c *Client) ReplyTo() string {
	return c.replyTo
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	return c.pending.Len()
}

// Close stops the reply consumer. Calls still waiting will time out. The transport
// is left open; it may be shared.
func (c *Client) Close() error {
	c.cancel()
	return nil
}

// Call sends args as JSON to queue and decodes the reply into reply, waiting at most
// the client's default timeout. A nil reply discards the result.
func (c *Client) Call(ctx context.Context, queue string, args any, reply any) error {
	return c.CallWithTimeout(ctx, queue, args, reply, c.timeout)
}

// CallWithTimeout is Call with an explicit timeout.
func (c *Client) CallWithTimeout(ctx context.Context, queue string, args any, reply any, timeout time.Duration) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("client: marshal args for %s: %w", queue, err)
	}

	data, err := c.CallRaw(ctx, queue, payload, timeout)
	if err != nil {
		return err
	}

	if reply == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, reply); err != nil {
		return fmt.Errorf("client: unmarshal reply from %s: %w", queue, err)
	}
	return nil
}

// CallRaw publishes payload to queue and returns the raw data of the reply. A
// timeout <= 0 means the client's default.
//
// The call ends with exactly one of: the reply's data, a *RemoteError, a
// *TimeoutError, a *TransportError, or ctx's error.
func (c *Client) CallRaw(ctx context.Context, queue string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	correlationID := uuid.NewString()

	// Register BEFORE publishing: the reply may beat Publish's return.
	done, err := c.pending.Register(correlationID)
	if err != nil {
		return nil, err
	}

	body, err := c.codec.Encode(&message.Request{
		CorrelationID: correlationID,
		ReplyTo:       c.replyTo,
		Payload:       payload,
	})
	if err != nil {
		c.pending.Evict(correlationID)
		return nil, fmt.Errorf("client: encode request for %s: %w", queue, err)
	}

	err = c.transport.Publish(ctx, queue, transport.Message{
		Body:          body,
		ContentType:   c.codec.ContentType(),
		CorrelationID: correlationID,
		ReplyTo:       c.replyTo,
	})
	if err != nil {
		c.pending.Evict(correlationID)
		return nil, &TransportError{Op: "publish", Queue: queue, Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-done:
		return unwrap(queue, env)
	case <-timer.C:
		if !c.pending.Evict(correlationID) {
			// The reply was resolved while the timer fired; it wins.
			return unwrap(queue, <-done)
		}
		c.expired.Add(correlationID, queue)
		c.logger.Debug("rpc call timed out",
			zap.String("queue", queue),
			zap.String("correlation_id", correlationID),
			zap.Duration("timeout", timeout))
		return nil, &TimeoutError{Queue: queue, CorrelationID: correlationID, Timeout: timeout}
	case <-ctx.Done():
		if !c.pending.Evict(correlationID) {
			return unwrap(queue, <-done)
		}
		c.expired.Add(correlationID, queue)
		return nil, ctx.Err()
	}
}

func unwrap(queue string, env message.Envelope) (json.RawMessage, error) {
	if env.Failed() {
		return nil, &RemoteError{Queue: queue, Message: env.ErrorMessage}
	}
	return env.Data, nil
}

// dispatch runs on the reply consumer. It is the only place replies reach the
// correlation registry.
func (c *Client) dispatch(msg transport.Message) {
	defer func() {
		if err := msg.Ack(); err != nil {
			c.logger.Warn("ack reply failed", zap.Error(err))
		}
	}()

	cdc, err := codec.ForContentType(msg.ContentType)
	if err != nil {
		c.logger.Warn("dropping reply", zap.String("correlation_id", msg.CorrelationID), zap.Error(err))
		return
	}

	var env message.Envelope
	if err := cdc.Decode(msg.Body, &env); err != nil {
		c.logger.Warn("dropping undecodable reply", zap.String("correlation_id", msg.CorrelationID), zap.Error(err))
		return
	}
	if env.CorrelationID == "" {
		env.CorrelationID = msg.CorrelationID
	}

	if c.pending.Resolve(env.CorrelationID, env) {
		return
	}

	if queue, ok := c.expired.Get(env.CorrelationID); ok {
		c.logger.Info("dropping late reply",
			zap.String("correlation_id", env.CorrelationID),
			zap.Any("queue", queue))
		return
	}
	c.logger.Warn("dropping reply with unknown correlation id", zap.String("correlation_id", env.CorrelationID))
}
