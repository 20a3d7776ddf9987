// Package concurrency holds the goroutine pool used to fan out backend calls.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// The first failing task cancels the others and Wait() only returns the
// first error seen.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	if maxGoroutines <= 0 {
		maxGoroutines = 1
	}
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}
