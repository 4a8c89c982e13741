package streamwork

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// PredicateFunc decides whether an item should continue downstream.
// It returns true to keep the item and false to drop it.
// An error is returned only when the predicate logic itself fails.
type PredicateFunc[T any] func(ctx context.Context, item T) (bool, error)

// ErrItemFiltered is the sentinel error returned by a Filter stage when its
// predicate rejects an item. The stream adapters recognize it and drop the
// item quietly under every error strategy, and the dead letter queue never
// records it, so inside a graph a rejected item simply stops flowing.
var ErrItemFiltered = errors.New("item filtered out")

// Filter conditionally passes items downstream based on a predicate.
// When the predicate returns true the item continues unchanged. When it
// returns false, Process returns the original item together with
// ErrItemFiltered. Predicate failures are reported as ordinary errors.
type Filter[T any] struct {
	pred    PredicateFunc[T]
	onError func(error) error
}

// NewFilter creates a Filter stage with the given predicate.
// A nil predicate keeps every item.
func NewFilter[T any](predicate PredicateFunc[T]) *Filter[T] {
	if predicate == nil {
		predicate = func(context.Context, T) (bool, error) { return true, nil }
	}
	return &Filter[T]{
		pred:    predicate,
		onError: func(err error) error { return err },
	}
}

// WithErrorHandler sets a custom handler for predicate failures and context
// cancellation. It is never applied to ErrItemFiltered, which is an expected
// outcome rather than a failure. A nil handler restores the default.
func (f *Filter[T]) WithErrorHandler(handler func(error) error) *Filter[T] {
	if handler == nil {
		handler = func(err error) error { return err }
	}
	f.onError = handler
	return f
}

// Process implements Stage.
func (f *Filter[T]) Process(ctx context.Context, input T) (T, error) {
	if ctx.Err() != nil {
		return input, f.onError(ctx.Err())
	}

	keep, err := f.pred(ctx, input)
	if err != nil {
		return input, f.onError(fmt.Errorf("filter predicate error: %w", err))
	}
	if !keep {
		// The rejected item rides along with the sentinel so callers
		// inspecting the drop still see what was dropped.
		return input, ErrItemFiltered
	}
	return input, nil
}

// MessageHasTask keeps messages carrying at least one pending task of the
// given type. Useful in front of task-driven stages so messages with nothing
// to do are dropped instead of traversing the stage.
func MessageHasTask(taskType string) PredicateFunc[*ControlMessage] {
	return func(_ context.Context, msg *ControlMessage) (bool, error) {
		if msg == nil {
			return false, nil
		}
		return msg.HasTask(taskType), nil
	}
}

// MessageHasPayload keeps messages with a table payload attached.
func MessageHasPayload() PredicateFunc[*ControlMessage] {
	return func(_ context.Context, msg *ControlMessage) (bool, error) {
		if msg == nil {
			return false, nil
		}
		return msg.HasPayload(), nil
	}
}

// MessageMetadataEquals keeps messages whose metadata entry under key equals
// want. Messages without the key are dropped.
func MessageMetadataEquals(key string, want any) PredicateFunc[*ControlMessage] {
	return func(_ context.Context, msg *ControlMessage) (bool, error) {
		if msg == nil {
			return false, nil
		}
		got, ok := msg.Metadata(key)
		if !ok {
			return false, nil
		}
		return reflect.DeepEqual(got, want), nil
	}
}

var (
	_ Stage[string, string]                   = (*Filter[string])(nil)
	_ Stage[*ControlMessage, *ControlMessage] = (*Filter[*ControlMessage])(nil)
)
