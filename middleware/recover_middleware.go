package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"mq-rpc/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panicking handler into an error envelope so the caller
// gets an answer and the consumer keeps running.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, queue string, req *message.Request) (env *message.Envelope) {
			defer func() {
				if x := recover(); x != nil {
					logger.Error("rpc handler panic",
						zap.String("queue", queue),
						zap.Any("panic", x),
						zap.ByteString("stack", debug.Stack()))
					env = message.Failure(req.CorrelationID, fmt.Sprintf("panic: %v", x))
				}
			}()
			return next(ctx, queue, req)
		}
	}
}
