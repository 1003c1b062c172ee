package deferred

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Gets coalesces concurrent fetches by key. The zero value is not usable;
// call NewGets.
type Gets[T any] struct {
	group *singleflight.Group
}

// NewGets constructs an empty coalescer.
func NewGets[T any]() *Gets[T] {
	return &Gets[T]{group: new(singleflight.Group)}
}

// Do invokes fetch for key, unless an identical fetch is already running, in
// which case the caller waits for and shares that result. Context
// cancellation releases only the waiting caller; the in-flight fetch keeps
// running for the benefit of the others.
func (g *Gets[T]) Do(ctx context.Context, key string, fetch func() (T, error)) (T, error) {
	resultCh := g.group.DoChan(key, func() (any, error) {
		return fetch()
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-resultCh:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		value, ok := res.Val.(T)
		if !ok {
			var zero T
			return zero, nil
		}
		return value, nil
	}
}

// Forget drops the in-flight entry for key so the next Do starts fresh.
func (g *Gets[T]) Forget(key string) {
	g.group.Forget(key)
}
