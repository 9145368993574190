package transport

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig configures the RabbitMQ transport.
type AMQPConfig struct {
	URL string
	// Prefetch bounds unacknowledged deliveries per consumer. This is the only
	// backpressure between a busy handler queue and the broker.
	Prefetch int
	// PoolSize bounds the number of channels used for publishing.
	PoolSize int
	Logger   *zap.Logger
}

// AMQP is a Transport backed by a single RabbitMQ connection. Publishes go through
// a pool of channels; every consumer gets a dedicated channel so its prefetch limit
// applies to it alone.
type AMQP struct {
	conn     *amqp.Connection
	pool     *Pool[*amqp.Channel]
	prefetch int
	logger   *zap.Logger

	mu        sync.Mutex
	consumers []*amqp.Channel
}

// DialAMQP connects to the broker at cfg.URL.
func DialAMQP(cfg AMQPConfig) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: dial amqp: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 8
	}

	t := &AMQP{
		conn:     conn,
		prefetch: cfg.Prefetch,
		logger:   logger,
	}
	t.pool = NewPool(poolSize, conn.Channel)

	go func() {
		if err, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && err != nil {
			logger.Error("amqp connection closed", zap.Error(err))
		}
	}()

	return t, nil
}

func (t *AMQP) DeclareQueue(ctx context.Context, name string) error {
	return t.withChannel(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDeclare(name, true, false, false, false, nil)
		return err
	})
}

func (t *AMQP) DeclareReplyQueue(ctx context.Context) (string, error) {
	var name string
	err := t.withChannel(ctx, func(ch *amqp.Channel) error {
		// Server-named, exclusive to this connection, deleted when it closes.
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		name = q.Name
		return err
	})
	return name, err
}

func (t *AMQP) Publish(ctx context.Context, queue string, msg Message) error {
	return t.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:   msg.ContentType,
			CorrelationId: msg.CorrelationID,
			ReplyTo:       msg.ReplyTo,
			DeliveryMode:  amqp.Persistent,
			Body:          msg.Body,
		})
	})
}

func (t *AMQP) Consume(ctx context.Context, queue string, handler Handler) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("transport: open consumer channel: %w", err)
	}
	if t.prefetch > 0 {
		if err := ch.Qos(t.prefetch, 0, false); err != nil {
			ch.Close()
			return fmt.Errorf("transport: set prefetch: %w", err)
		}
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("transport: consume %s: %w", queue, err)
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, ch)
	t.mu.Unlock()

	go func() {
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					t.logger.Warn("amqp consumer stopped", zap.String("queue", queue))
					return
				}
				handler(Message{
					Body:          d.Body,
					ContentType:   d.ContentType,
					CorrelationID: d.CorrelationId,
					ReplyTo:       d.ReplyTo,
					ack:           func() error { return d.Ack(false) },
				})
			case <-ctx.Done():
				ch.Close()
				return
			}
		}
	}()
	return nil
}

func (t *AMQP) Close() error {
	t.mu.Lock()
	for _, ch := range t.consumers {
		ch.Close()
	}
	t.consumers = nil
	t.mu.Unlock()

	t.pool.Close()
	return t.conn.Close()
}

// withChannel borrows a pooled channel for fn. A channel that saw an error is
// discarded: the broker closes channels on most protocol errors.
func (t *AMQP) withChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if t.conn.IsClosed() {
		return ErrClosed
	}
	item, err := t.pool.Get(ctx)
	if err != nil {
		return err
	}
	err = fn(item.Item)
	if err != nil {
		item.MarkUnusable()
	}
	t.pool.Put(item)
	return err
}
