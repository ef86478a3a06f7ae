package stage

import (
	"context"
	"sync"
	"time"

	"github.com/exam2quiz/pipeline/aiclient"
)

// runBounded runs fn once per item with at most concurrency goroutines in
// flight at a time, collecting one error per item in input order. Adapted
// from runtime.Operator.Run's semaphore-channel dispatch pattern.
func runBounded(ctx context.Context, concurrency int, n int, fn func(ctx context.Context, i int) error) []error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	errs := make([]error, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errs[i] = ctx.Err()
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(ctx, i)
		}(i)
	}
	wg.Wait()
	return errs
}

// withAIRetry calls op up to maxAttempts times, applying the rate-limit and
// transient backoff ladder from spec.md §4.3.2 between attempts: a 429
// waits (attempt+1)*backoffUnit, any other error waits transientBackoff.
// The loop shape (attempt count, ctx-aware sleep, last-error return)
// mirrors adapter/redis.Adapter.Publish's retry loop.
func withAIRetry(ctx context.Context, maxAttempts int, backoffUnit, transientBackoff time.Duration, op func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		wait := transientBackoff
		if aiclient.IsRateLimited(lastErr) {
			wait = time.Duration(attempt+1) * backoffUnit
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
