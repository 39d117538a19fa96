package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// IdempotencyGuard runs a function at most once per key. Concurrent callers
// with the same key share the in-flight call; a failed call leaves the key
// open for retry.
type IdempotencyGuard struct {
	flights singleflight.Group

	mu   sync.Mutex
	done map[string]time.Time
}

// NewIdempotencyGuard creates an empty guard.
func NewIdempotencyGuard() *IdempotencyGuard {
	return &IdempotencyGuard{done: make(map[string]time.Time)}
}

// Once runs fn unless key already completed. It reports whether this call
// ran fn, even when fn failed; callers that joined an in-flight run get
// false and its error.
func (g *IdempotencyGuard) Once(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("idempotency key is required")
	}
	if g.Done(key) {
		return false, nil
	}

	ch := g.flights.DoChan(key, func() (any, error) {
		if g.Done(key) {
			return false, nil
		}
		if err := g.run(ctx, key, fn); err != nil {
			return true, err
		}
		g.mu.Lock()
		g.done[key] = time.Now()
		g.mu.Unlock()
		return true, nil
	})

	select {
	case res := <-ch:
		ran, _ := res.Val.(bool)
		return ran && !res.Shared, res.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// run calls fn, turning a panic into an error so the flight always settles.
func (g *IdempotencyGuard) run(ctx context.Context, key string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("commit %s panicked: %v", key, r)
		}
	}()
	return fn(ctx)
}

// Done reports whether key completed.
func (g *IdempotencyGuard) Done(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.done[key]
	return ok
}

// Prune removes completed keys older than maxAge. Returns the number removed.
func (g *IdempotencyGuard) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for k, at := range g.done {
		if at.Before(cutoff) {
			delete(g.done, k)
			removed++
		}
	}
	return removed
}
