package streamwork

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles how often the wrapped stage is invoked using a token
// bucket. Put one in front of a source that polls an external system, such as
// a directory scanner feeding the file batcher, to bound the request rate.
type RateLimiter[I, O any] struct {
	inner   Stage[I, O]
	bucket  *rate.Limiter
	timeout time.Duration
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption[I, O any] func(*RateLimiter[I, O])

// WithLimiterTimeout bounds how long Process waits for a token. A value of 0
// disables the bound and waits until the context is done.
func WithLimiterTimeout[I, O any](timeout time.Duration) RateLimiterOption[I, O] {
	return func(l *RateLimiter[I, O]) { l.timeout = timeout }
}

// NewRateLimiter creates a rate-limited wrapper around the stage. The limit
// is the sustained rate in events per second and burst the maximum burst
// size. The wait for a token is capped at one second unless
// WithLimiterTimeout overrides it. Panics if the stage is nil.
func NewRateLimiter[I, O any](
	stage Stage[I, O], limit rate.Limit, burst int, opts ...RateLimiterOption[I, O],
) *RateLimiter[I, O] {
	if stage == nil {
		panic("streamwork.NewRateLimiter: stage cannot be nil")
	}
	l := &RateLimiter[I, O]{inner: stage, bucket: rate.NewLimiter(limit, burst), timeout: time.Second}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Process implements Stage. It blocks until the limiter grants a token, then
// delegates to the wrapped stage.
func (l *RateLimiter[I, O]) Process(ctx context.Context, input I) (O, error) {
	if err := l.reserve(ctx); err != nil {
		var zero O
		return zero, err
	}
	return l.inner.Process(ctx, input)
}

// reserve waits for a token, honoring the configured timeout if one is set.
func (l *RateLimiter[I, O]) reserve(ctx context.Context) error {
	waitCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	if err := l.bucket.Wait(waitCtx); err != nil {
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

// SetLimit updates the sustained rate. Safe for concurrent use.
func (l *RateLimiter[I, O]) SetLimit(limit rate.Limit) {
	l.bucket.SetLimit(limit)
}

// SetBurst updates the burst size. Safe for concurrent use.
func (l *RateLimiter[I, O]) SetBurst(burst int) {
	l.bucket.SetBurst(burst)
}

// Allow reports whether a token is available without blocking.
func (l *RateLimiter[I, O]) Allow() bool {
	return l.bucket.Allow()
}

var _ Stage[string, string] = (*RateLimiter[string, string])(nil)
