package fallback

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"pagecache/internal/ring"
)

var (
	// ErrNoCandidates is returned when First is called with no candidates.
	ErrNoCandidates = errors.New("no candidate workers")
	// ErrExhausted is matched by every ExhaustedError.
	ErrExhausted = errors.New("all candidate workers failed")
)

// AttemptFunc performs one attempt against worker w.
type AttemptFunc[T any] func(ctx context.Context, w ring.Worker) (T, error)

// Result is the outcome of a successful First call.
type Result[T any] struct {
	Value  T
	Worker ring.Worker
	// Attempts counts every candidate tried, including the one that
	// succeeded.
	Attempts int
}

// ExhaustedError reports that every candidate failed. Err combines the
// per-candidate errors in candidate order.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrExhausted, e.Attempts, e.Err)
}

// Unwrap returns the per-candidate errors.
func (e *ExhaustedError) Unwrap() []error {
	return append([]error{ErrExhausted}, multierr.Errors(e.Err)...)
}

// First calls fn on each candidate in order and returns the first success.
//
// A cancelled ctx stops the loop and its error is returned as is, so callers
// can tell cancellation apart from exhaustion.
func First[T any](ctx context.Context, candidates []ring.Worker, fn AttemptFunc[T]) (Result[T], error) {
	var zero Result[T]
	if len(candidates) == 0 {
		return zero, ErrNoCandidates
	}

	var errs error
	for i, w := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, w)
		if err == nil {
			return Result[T]{Value: v, Worker: w, Attempts: i + 1}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		errs = multierr.Append(errs, fmt.Errorf("worker %s: %w", w, err))
	}

	return zero, &ExhaustedError{Attempts: len(candidates), Err: errs}
}
