package middleware

import (
	"context"

	"mq-rpc/message"

	"golang.org/x/time/rate"
)

const ErrMsgRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects requests beyond a token bucket of r per second with
// the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, queue string, req *message.Request) *message.Envelope {
			if !limiter.Allow() {
				return message.Failure(req.CorrelationID, ErrMsgRateLimited)
			}
			return next(ctx, queue, req)
		}
	}
}
