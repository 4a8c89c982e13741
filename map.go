package streamwork

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Map applies a stage to each element of an input slice concurrently and
// returns the outputs in input order. The file loader uses it to process the
// files of a batch in parallel while keeping results aligned with the batch.
type Map[I, O any] struct {
	inner      Stage[I, O]
	limit      int
	collectAll bool
	onError    func(error) error
}

// NewMap creates a Map stage around the given per-element stage.
// By default it fails fast on the first element error and runs up to
// runtime.NumCPU() elements concurrently.
func NewMap[I, O any](stage Stage[I, O]) *Map[I, O] {
	if stage == nil {
		panic("streamwork.NewMap: stage cannot be nil")
	}
	return &Map[I, O]{
		inner:   stage,
		limit:   runtime.NumCPU(),
		onError: func(err error) error { return err },
	}
}

// WithConcurrency sets the maximum number of elements processed at once.
// Values below 1 are clamped to 1.
func (m *Map[I, O]) WithConcurrency(n int) *Map[I, O] {
	if n < 1 {
		n = 1
	}
	m.limit = n
	return m
}

// WithCollectErrors switches between fail-fast (false, the default) and
// collect-all behavior. When collecting, Process runs every element to
// completion and returns the results alongside a *MultiError whose entries
// are index-aligned with the inputs.
func (m *Map[I, O]) WithCollectErrors(collect bool) *Map[I, O] {
	m.collectAll = collect
	return m
}

// WithErrorHandler adds a custom error handler applied to the final error
// before Process returns it. A nil handler restores the default.
func (m *Map[I, O]) WithErrorHandler(handler func(error) error) *Map[I, O] {
	if handler == nil {
		handler = func(err error) error { return err }
	}
	m.onError = handler
	return m
}

// Process implements Stage. In fail-fast mode the first element error cancels
// the remaining elements and the results are dropped. In collect mode every
// element runs and failures come back as an index-aligned *MultiError next to
// the partial results.
func (m *Map[I, O]) Process(ctx context.Context, inputs []I) ([]O, error) {
	if len(inputs) == 0 {
		return []O{}, nil
	}

	results := make([]O, len(inputs))
	var failures []error
	if m.collectAll {
		failures = make([]error, len(inputs))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit)

	for i := range inputs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return m.runElement(gctx, i, inputs[i], results, failures)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, m.onError(err)
	}

	if m.collectAll {
		if multi := NewMultiError(failures); multi != nil {
			return results, m.onError(multi)
		}
	}

	// A deadline on the caller's context can expire after the last worker
	// returned; surface it rather than handing back a silently short batch.
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.Canceled) {
		return nil, m.onError(fmt.Errorf("map stage cancelled: %w", ctx.Err()))
	}

	return results, nil
}

// runElement processes one element and records the outcome for its index. In
// collect mode it always returns nil so the group keeps draining; the failure
// is stored in the failures slice instead of aborting the group.
func (m *Map[I, O]) runElement(ctx context.Context, index int, in I, results []O, failures []error) error {
	// The group limiter may have held this element back past a cancellation.
	if err := ctx.Err(); err != nil {
		if m.collectAll {
			failures[index] = fmt.Errorf("map cancelled for index %d: %w", index, err)
		}
		return nil
	}

	out, err := m.inner.Process(ctx, in)
	if err != nil {
		if m.collectAll {
			failures[index] = NewMapItemError(index, err)
			return nil
		}
		return NewMapItemError(index, err)
	}
	results[index] = out
	return nil
}

var _ Stage[[]string, []int] = (*Map[string, int])(nil)
