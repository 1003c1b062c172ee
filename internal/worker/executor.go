package worker

import (
	"context"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/wsrpc"
)

// Executor performs package operations for the expectation shapes it
// declares support for. Implementations must be safe for concurrent use;
// the runtime runs jobs in parallel up to its concurrency limit.
type Executor interface {
	// Supports decides purely from the expectation definition whether this
	// executor can handle it.
	Supports(exp expectation.Expectation) (bool, expectation.Reason)

	// IsReady checks whether work could start now (source reachable etc.).
	IsReady(ctx context.Context, exp expectation.Expectation) (wsrpc.IsReadyResult, error)

	// IsFulfilled checks whether the end requirement is already met.
	IsFulfilled(ctx context.Context, exp expectation.Expectation, wasFulfilled bool) (wsrpc.IsFulfilledResult, error)

	// Work performs the job, reporting progress in [0,1] through the
	// callback, and returns the actual version hash of the produced result.
	Work(ctx context.Context, exp expectation.Expectation, progress func(float64)) (string, error)

	// Remove deletes the target package.
	Remove(ctx context.Context, exp expectation.Expectation) error
}

// ContainerCleaner is implemented by executors that can run a container's
// periodic cleanup duties.
type ContainerCleaner interface {
	CleanupContainer(ctx context.Context, cont container.Container) error
}
