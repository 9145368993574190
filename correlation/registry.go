// Package correlation tracks in-flight RPC calls by correlation id.
//
// The client registers a call before publishing its request, and the reply consumer
// resolves it when the correlated envelope arrives:
//
//	Call(id=a) ──Register(a)──┐
//	Call(id=b) ──Register(b)──┼──→ pending map
//	                          │
//	reply consumer ←── envelope(b) → Resolve(b) → call b wakes up
//
// An entry is removed before its completion is delivered, so every id reaches exactly
// one terminal event: a reply (Resolve) or an eviction (Evict, on timeout).
package correlation

import (
	"fmt"
	"sync"
	"time"

	"mq-rpc/message"
)

// pendingCall is one in-flight call waiting for its reply.
type pendingCall struct {
	createdAt time.Time
	// Buffered with capacity 1 so Resolve never blocks on a caller that has
	// already given up.
	completion chan message.Envelope
}

// Registry maps correlation ids to pending calls. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*pendingCall),
		now:     time.Now,
	}
}

// Register adds a pending call and returns the channel its reply will be delivered
// on. Registering an id that is already pending is an error.
func (r *Registry) Register(correlationID string) (<-chan message.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[correlationID]; ok {
		return nil, fmt.Errorf("correlation: id %q already pending", correlationID)
	}
	call := &pendingCall{
		createdAt:  r.now(),
		completion: make(chan message.Envelope, 1),
	}
	r.pending[correlationID] = call
	return call.completion, nil
}

// Resolve delivers env to the call waiting on correlationID. It returns false, and
// does nothing, when the id is unknown: already resolved, evicted, or never issued
// here. Duplicate and late deliveries are therefore harmless.
func (r *Registry) Resolve(correlationID string, env message.Envelope) bool {
	r.mu.Lock()
	call, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	call.completion <- env
	return true
}

// Evict removes a pending call without completing it. It returns false when the id
// was not pending, which means a concurrent Resolve won.
func (r *Registry) Evict(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[correlationID]; !ok {
		return false
	}
	delete(r.pending, correlationID)
	return true
}

// Pending reports whether correlationID is still waiting for a reply.
func (r *Registry) Pending(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[correlationID]
	return ok
}

// Age returns how long correlationID has been pending.
func (r *Registry) Age(correlationID string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.pending[correlationID]
	if !ok {
		return 0, false
	}
	return r.now().Sub(call.createdAt), true
}

// Len returns the number of pending calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
