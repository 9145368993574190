package middleware

import (
	"context"
	"time"

	"mq-rpc/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
			start := time.Now()
			env := next(ctx, queue, req)
			fields := []zap.Field{
				zap.String("queue", queue),
				zap.String("correlation_id", req.CorrelationID),
				zap.Duration("duration", time.Since(start)),
			}
			if env.Failed() {
				logger.Warn("rpc handler failed", append(fields, zap.String("error", env.ErrorMessage))...)
				return env
			}
			logger.Debug("rpc handled", fields...)
			return env
		}
	}
}
