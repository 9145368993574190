package middleware

import (
	"context"
	"fmt"
	"time"

	"mq-rpc/message"
)

const ErrMsgTimedOut = "request timed out"

// TimeOutMiddleware answers with an error envelope when the handler takes longer
// than timeout. The handler keeps running with a cancelled context; its late result
// is discarded. It runs on its own goroutine, so a panic there is recovered here.
// The goroutine stays counted by the WaitGroup attached with WithInFlight until it
// returns, even after the timeout answer has been sent.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
			release := track(ctx)
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				defer release()
				defer func() {
					if x := recover(); x != nil {
						done <- message.Failure(req.CorrelationID, fmt.Sprintf("panic: %v", x))
					}
				}()
				done <- next(ctx, queue, req)
			}()

			select {
			case env := <-done:
				return env
			case <-ctx.Done():
				return message.Failure(req.CorrelationID, ErrMsgTimedOut)
			}
		}
	}
}
