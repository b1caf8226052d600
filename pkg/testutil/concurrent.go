package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"bastion/pkg/platform/sentinel"
)

// ConcurrentResult tracks outcomes of concurrent test operations.
type ConcurrentResult struct {
	Successes int32
	Errors    int32
	Conflicts int32
	NotFounds int32
	Used      int32
}

// Total returns the total number of operations executed.
func (r *ConcurrentResult) Total() int32 {
	return r.Successes + r.Errors + r.Conflicts + r.NotFounds + r.Used
}

// RunConcurrent executes fn in parallel goroutines and collects results.
// The function categorizes errors into success, conflict, already_used,
// not_found, or generic error. This helper replaces the common pattern of
// WaitGroup + atomic counters in exactly-once consumption tests.
func RunConcurrent(goroutines int, fn func(idx int) error) *ConcurrentResult {
	var wg sync.WaitGroup
	var successes, errs, conflicts, notFounds, used atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			err := fn(idx)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			case errors.Is(err, sentinel.ErrAlreadyUsed):
				used.Add(1)
			case errors.Is(err, sentinel.ErrNotFound):
				notFounds.Add(1)
			default:
				errs.Add(1)
			}
		}(i)
	}

	wg.Wait()

	return &ConcurrentResult{
		Successes: successes.Load(),
		Errors:    errs.Load(),
		Conflicts: conflicts.Load(),
		NotFounds: notFounds.Load(),
		Used:      used.Load(),
	}
}

// RunConcurrentCtx executes fn in parallel goroutines with context support.
func RunConcurrentCtx(ctx context.Context, goroutines int, fn func(ctx context.Context, idx int) error) *ConcurrentResult {
	return RunConcurrent(goroutines, func(idx int) error {
		return fn(ctx, idx)
	})
}
