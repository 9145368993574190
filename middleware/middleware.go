// Package middleware wraps RPC handlers.
//
// Middlewares compose as an onion: Chain(A, B, C)(h) runs A.before → B.before →
// C.before → h → C.after → B.after → A.after.
package middleware

import (
	"context"
	"sync"

	"mq-rpc/message"
)

// HandlerFunc handles one request received on queue and returns the envelope to
// send back. It never returns nil.
type HandlerFunc func(ctx context.Context, queue string, req *message.Request) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes several middlewares into one
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type inFlightKey struct{}

// WithInFlight attaches wg to ctx. Middlewares that move the handler off the
// request goroutine add the detached work to wg so a graceful shutdown waits for it.
// The caller must hold a count on wg while the chain runs.
func WithInFlight(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, inFlightKey{}, wg)
}

// track counts one unit of detached work and returns its release func.
func track(ctx context.Context) func() {
	wg, ok := ctx.Value(inFlightKey{}).(*sync.WaitGroup)
	if !ok {
		return func() {}
	}
	wg.Add(1)
	return wg.Done
}
