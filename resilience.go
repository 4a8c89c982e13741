package streamwork

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Retry re-invokes the wrapped stage until it succeeds, the attempt budget is
// exhausted, or the error is classified as non-retryable. The file loader
// wraps its per-file reads in a Retry so transient I/O failures do not fail
// a whole batch.
type Retry[I, O any] struct {
	inner       Stage[I, O]
	maxAttempts int
	retryable   func(error) bool
	backoff     func(attempt int) int
	onError     func(error) error
	metrics     MetricsCollector
	name        string
}

// NewRetry creates a retry stage allowing up to maxAttempts invocations.
// All errors are retried and there is no backoff until the With* builders
// say otherwise. Panics if the stage is nil or maxAttempts is less than 1.
func NewRetry[I, O any](stage Stage[I, O], maxAttempts int) *Retry[I, O] {
	if stage == nil {
		panic("streamwork.NewRetry: stage cannot be nil")
	}
	if maxAttempts < 1 {
		panic(fmt.Sprintf("streamwork.NewRetry: maxAttempts must be at least 1, got %d", maxAttempts))
	}
	return &Retry[I, O]{
		inner:       stage,
		maxAttempts: maxAttempts,
		retryable:   func(error) bool { return true },
		backoff:     func(int) int { return 0 },
		onError:     func(err error) error { return err },
		metrics:     DefaultMetricsCollector,
		name:        "unnamed_retry",
	}
}

// WithShouldRetry adds a predicate deciding whether an error is retryable.
// Non-retryable errors end the loop immediately.
func (r *Retry[I, O]) WithShouldRetry(pred func(error) bool) *Retry[I, O] {
	r.retryable = pred
	return r
}

// WithBackoff adds a backoff strategy. The function receives the zero-based
// attempt number and returns the delay before the next attempt in milliseconds.
func (r *Retry[I, O]) WithBackoff(fn func(attempt int) int) *Retry[I, O] {
	r.backoff = fn
	return r
}

// WithErrorHandler adds a handler applied to the final error before Process
// returns it.
func (r *Retry[I, O]) WithErrorHandler(fn func(error) error) *Retry[I, O] {
	r.onError = fn
	return r
}

// WithRetryMetrics reports each failed attempt to the collector under the
// given stage name.
func (r *Retry[I, O]) WithRetryMetrics(collector MetricsCollector, name string) *Retry[I, O] {
	if collector == nil {
		collector = DefaultMetricsCollector
	}
	r.metrics = collector
	if name != "" {
		r.name = name
	}
	return r
}

// Process implements Stage. Attempts are numbered from 1 in metrics and
// error messages.
func (r *Retry[I, O]) Process(ctx context.Context, input I) (O, error) {
	var out O
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if lastErr == nil {
				return out, r.onError(cerr)
			}
			return out, r.onError(fmt.Errorf("retry stopped after %d attempts: %w (context cancelled: %w)",
				attempt-1, lastErr, cerr))
		}

		var err error
		out, err = r.inner.Process(ctx, input)
		if err == nil {
			return out, nil
		}
		lastErr = err
		r.metrics.RetryAttempt(ctx, r.name, attempt, err)

		if !r.retryable(err) {
			return out, r.onError(fmt.Errorf("retry halting on non-retryable error (attempt %d): %w",
				attempt, err))
		}

		if attempt < r.maxAttempts {
			if werr := r.waitBackoff(ctx, attempt-1); werr != nil {
				return out, r.onError(werr)
			}
		}
	}

	return out, r.onError(NewRetryExhaustedError(r.maxAttempts, lastErr))
}

// waitBackoff sleeps for the delay the backoff strategy assigns to attempt,
// returning early if the context is cancelled during the wait.
func (r *Retry[I, O]) waitBackoff(ctx context.Context, attempt int) error {
	delay := r.backoff(attempt)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry interrupted during backoff: %w", ctx.Err())
	case <-time.After(time.Duration(delay) * time.Millisecond):
		return nil
	}
}

// Timeout bounds the execution time of the wrapped stage.
type Timeout[I, O any] struct {
	inner   Stage[I, O]
	limit   time.Duration
	onError func(error) error
}

// NewTimeout creates a timeout stage.
// Panics if the stage is nil or the timeout is not positive.
func NewTimeout[I, O any](stage Stage[I, O], timeout time.Duration) *Timeout[I, O] {
	if stage == nil {
		panic("streamwork.NewTimeout: stage cannot be nil")
	}
	if timeout <= 0 {
		panic(fmt.Sprintf("streamwork.NewTimeout: timeout must be positive, got %v", timeout))
	}
	return &Timeout[I, O]{
		inner:   stage,
		limit:   timeout,
		onError: func(err error) error { return err },
	}
}

// WithErrorHandler adds a handler applied to the final error before Process
// returns it.
func (t *Timeout[I, O]) WithErrorHandler(fn func(error) error) *Timeout[I, O] {
	t.onError = fn
	return t
}

// Process implements Stage. A deadline overrun surfaces as a *TimeoutError
// wrapping context.DeadlineExceeded.
func (t *Timeout[I, O]) Process(ctx context.Context, input I) (O, error) {
	tctx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()

	result, err := t.inner.Process(tctx, input)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, context.DeadlineExceeded):
		return result, t.onError(NewTimeoutError("", t.limit.String(), err))
	default:
		return result, t.onError(err)
	}
}

// DLQHandler receives items that failed processing along with the error that
// caused the failure. Implementations should be robust: an error returned
// from Handle is logged by the DeadLetterQueue stage but never replaces the
// original processing error.
type DLQHandler[I any] interface {
	Handle(ctx context.Context, item I, processingError error) error
}

// DLQHandlerFunc adapts an ordinary function to the DLQHandler interface.
type DLQHandlerFunc[I any] func(ctx context.Context, item I, processingError error) error

// Handle calls f(ctx, item, processingError).
func (f DLQHandlerFunc[I]) Handle(ctx context.Context, item I, processingError error) error {
	return f(ctx, item, processingError)
}

// DeadLetterQueue decorates a stage so that failing items are handed to a
// DLQHandler before the error propagates. The handler sees the original input
// and error; the stage's result and error pass through unchanged either way.
type DeadLetterQueue[I, O any] struct {
	inner     Stage[I, O]
	handler   DLQHandler[I]
	shouldDLQ func(error) bool
	logError  func(error)
}

// DeadLetterQueueOption configures a DeadLetterQueue.
type DeadLetterQueueOption[I, O any] func(*DeadLetterQueue[I, O])

// WithDLQHandler sets the handler for dead-lettered items. This option is
// mandatory when creating a DeadLetterQueue.
func WithDLQHandler[I, O any](handler DLQHandler[I]) DeadLetterQueueOption[I, O] {
	return func(q *DeadLetterQueue[I, O]) {
		if handler == nil {
			panic("streamwork.WithDLQHandler: provided DLQHandler cannot be nil")
		}
		q.handler = handler
	}
}

// WithShouldDLQ sets a custom predicate deciding which errors dead-letter an
// item. By default context cancellation, deadline expiry, and filtered items
// are excluded. A nil predicate restores the default.
func WithShouldDLQ[I, O any](pred func(error) bool) DeadLetterQueueOption[I, O] {
	return func(q *DeadLetterQueue[I, O]) {
		if pred == nil {
			pred = defaultShouldDLQ
		}
		q.shouldDLQ = pred
	}
}

// WithDLQErrorLogger sets a custom logger for errors raised by the DLQ handler
// itself. A nil logger restores the default.
func WithDLQErrorLogger[I, O any](logger func(error)) DeadLetterQueueOption[I, O] {
	return func(q *DeadLetterQueue[I, O]) {
		if logger == nil {
			logger = defaultLogDLQError
		}
		q.logError = logger
	}
}

// defaultShouldDLQ excludes cancellation and deadline errors, which reflect
// external conditions rather than item failures, and ErrItemFiltered, which
// is an expected filtering outcome.
func defaultShouldDLQ(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrItemFiltered):
		return false
	default:
		return true
	}
}

func defaultLogDLQError(err error) {
	log.Printf("streamwork: DLQ handler error: %v", err)
}

// NewDeadLetterQueue creates a DeadLetterQueue decorator around the stage.
// A handler must be provided via WithDLQHandler; the constructor panics
// without one since the stage is non-functional without a destination.
func NewDeadLetterQueue[I, O any](stage Stage[I, O], opts ...DeadLetterQueueOption[I, O]) *DeadLetterQueue[I, O] {
	if stage == nil {
		panic("streamwork.NewDeadLetterQueue: stage cannot be nil")
	}
	q := &DeadLetterQueue[I, O]{
		inner:     stage,
		shouldDLQ: defaultShouldDLQ,
		logError:  defaultLogDLQError,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.handler == nil {
		panic("streamwork.NewDeadLetterQueue: DLQHandler must be provided using the WithDLQHandler option")
	}
	return q
}

// Process implements Stage. The DLQ is a side channel for failures, never an
// alteration of the primary result and error flow.
func (q *DeadLetterQueue[I, O]) Process(ctx context.Context, input I) (O, error) {
	output, err := q.inner.Process(ctx, input)
	if err == nil || !q.shouldDLQ(err) {
		return output, err
	}

	// The handler gets the caller's context so it can respect cancellation.
	if handleErr := q.handler.Handle(ctx, input, err); handleErr != nil {
		q.logError(fmt.Errorf("dead letter handler failed: %w (original processing error: %w)", handleErr, err))
	}
	return output, err
}

var _ Stage[string, string] = (*Retry[string, string])(nil)
var _ Stage[string, string] = (*Timeout[string, string])(nil)
var _ Stage[string, string] = (*DeadLetterQueue[string, string])(nil)
