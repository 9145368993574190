package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration // doubled after every attempt
	Logger     *zap.Logger
}

// Retry wraps next so that calls failing with a timeout are re-issued with
// exponential backoff. Remote and transport errors are returned immediately: the
// remote side has answered, or the transport is broken.
//
// Retried calls may execute the remote handler more than once. Only wrap callers
// whose handlers tolerate that.
func Retry(next Caller, policy RetryPolicy) Caller {
	if policy.Logger == nil {
		policy.Logger = zap.NewNop()
	}
	return &retryCaller{next: next, policy: policy}
}

type retryCaller struct {
	next   Caller
	policy RetryPolicy
}

func (r *retryCaller) Call(ctx context.Context, queue string, args any, reply any) error {
	err := r.next.Call(ctx, queue, args, reply)
	for i := 0; i < r.policy.MaxRetries; i++ {
		if err == nil || !errors.Is(err, ErrTimeout) {
			return err
		}

		delay := r.policy.BaseDelay * time.Duration(1<<i)
		r.policy.Logger.Info("retrying rpc call",
			zap.String("queue", queue),
			zap.Int("attempt", i+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = r.next.Call(ctx, queue, args, reply)
	}
	return err
}
