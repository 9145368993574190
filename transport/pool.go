// Pool design: a buffered channel is a natural FIFO queue. Buffered channels are
// concurrency-safe, and blocking on empty is built-in.
//
// The AMQP transport publishes through a Pool of channels: an AMQP channel must not
// be used by two publishers at once, and opening one per publish is expensive.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Pool manages a bounded set of reusable resources created on demand.
type Pool[C io.Closer] struct {
	mu      sync.Mutex
	items   chan *Pooled[C]   // Idle resources
	max     int               // Maximum number of resources
	cur     int               // Currently created resources (may be < max)
	factory func() (C, error) // Resource factory function
	closed  bool
}

// Pooled wraps a resource with pool metadata.
type Pooled[C io.Closer] struct {
	Item     C
	unusable bool // Marked true when the resource encountered an error
}

// MarkUnusable makes Put discard the resource instead of returning it to the pool.
func (p *Pooled[C]) MarkUnusable() {
	p.unusable = true
}

// NewPool creates a pool with the given max size. Resources are created lazily.
func NewPool[C io.Closer](max int, factory func() (C, error)) *Pool[C] {
	if max < 1 {
		max = 1
	}
	return &Pool[C]{
		items:   make(chan *Pooled[C], max),
		max:     max,
		factory: factory,
	}
}

// Get retrieves a resource from the pool.
// Strategy:
//  1. Take an idle resource if one is available
//  2. If none is idle but the pool is under its limit, create a new one
//  3. Otherwise block until one is returned or ctx is done
func (p *Pool[C]) Get(ctx context.Context) (*Pooled[C], error) {
	select {
	case item, ok := <-p.items:
		if !ok {
			return nil, ErrPoolClosed
		}
		return item, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.cur < p.max {
		p.cur++
		p.mu.Unlock()
		return p.createNew()
	}
	p.mu.Unlock()

	select {
	case item, ok := <-p.items:
		if !ok {
			return nil, ErrPoolClosed
		}
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a resource to the pool. Unusable resources, and anything returned
// after Close, are closed and discarded.
func (p *Pool[C]) Put(item *Pooled[C]) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if item.unusable || p.closed {
		item.Item.Close()
		p.cur--
		return
	}
	p.items <- item
}

// Size returns the number of resources currently created.
func (p *Pool[C]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Close shuts down the pool and closes all idle resources.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.items)
	var errs []error
	for item := range p.items {
		if err := item.Item.Close(); err != nil {
			errs = append(errs, err)
		}
		p.cur--
	}
	return errors.Join(errs...)
}

// createNew calls the factory; the slot was already reserved by Get.
func (p *Pool[C]) createNew() (*Pooled[C], error) {
	item, err := p.factory()
	if err != nil {
		p.mu.Lock()
		p.cur--
		p.mu.Unlock()
		return nil, err
	}
	return &Pooled[C]{Item: item}, nil
}
