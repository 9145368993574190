package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const defaultMemoryBuffer = 1024

// Memory is an in-process broker. Queues are buffered channels; several consumers
// on one queue compete for messages the same way AMQP consumers do. Publishing to an
// undeclared queue drops the message, like the AMQP default exchange.
type Memory struct {
	mu        sync.Mutex
	queues    map[string]*memoryQueue
	buffer    int
	hook      func(queue string, msg Message) error
	closed    chan struct{}
	closeOnce sync.Once
}

type memoryQueue struct {
	ch chan Message
	// reply queues are deleted when their consumer stops; gone is closed then.
	reply bool
	gone  chan struct{}
}

type MemoryOption func(*Memory)

// WithPublishHook runs hook before every publish. A non-nil error fails the publish,
// which lets tests simulate a broken broker for selected queues.
func WithPublishHook(hook func(queue string, msg Message) error) MemoryOption {
	return func(m *Memory) {
		m.hook = hook
	}
}

// WithBuffer sets the per-queue buffer size.
func WithBuffer(size int) MemoryOption {
	return func(m *Memory) {
		m.buffer = size
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		queues: make(map[string]*memoryQueue),
		buffer: defaultMemoryBuffer,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) DeclareQueue(ctx context.Context, name string) error {
	return m.declare(name, false)
}

func (m *Memory) declare(name string, reply bool) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = &memoryQueue{
			ch:    make(chan Message, m.buffer),
			reply: reply,
			gone:  make(chan struct{}),
		}
	}
	return nil
}

// DeclareReplyQueue declares a queue that is deleted, with everything still in it,
// once a consumer on it stops. Later publishes to it are dropped.
func (m *Memory) DeclareReplyQueue(ctx context.Context) (string, error) {
	name := "amq.gen-" + uuid.NewString()
	if err := m.declare(name, true); err != nil {
		return "", err
	}
	return name, nil
}

func (m *Memory) Publish(ctx context.Context, queue string, msg Message) error {
	if m.isClosed() {
		return ErrClosed
	}
	if m.hook != nil {
		if err := m.hook(queue, msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// The publisher may reuse its buffer once Publish returns.
	msg.Body = bytes.Clone(msg.Body)
	msg.ack = nil

	select {
	case q.ch <- msg:
		return nil
	case <-q.gone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closed:
		return ErrClosed
	}
}

func (m *Memory) Consume(ctx context.Context, queue string, handler Handler) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: queue %q not declared", queue)
	}

	go func() {
		for {
			select {
			case msg := <-q.ch:
				handler(msg)
			case <-ctx.Done():
				if q.reply {
					m.delete(queue, q)
				}
				return
			case <-m.closed:
				return
			}
		}
	}()
	return nil
}

func (m *Memory) delete(name string, q *memoryQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues[name] == q {
		delete(m.queues, name)
		close(q.gone)
	}
}

// Depth returns the number of messages waiting in queue.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	return len(q.ch)
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
	return nil
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
