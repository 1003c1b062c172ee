package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"parcel/internal/config"
	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/wsrpc"
)

// ErrAtCapacity is returned when a job would exceed the declared concurrency.
var ErrAtCapacity = errors.New("worker is at capacity")

// EventFunc delivers streamed job events toward the requesting manager.
type EventFunc func(event wsrpc.WorkEventParams)

type job struct {
	workID string
	expID  expectation.ID
	cancel context.CancelFunc
}

// Worker is the executor runtime. Its methods mirror the worker RPC
// contract and are callable directly, which is how tests exercise them; the
// session layer in connect.go is plain glue.
type Worker struct {
	cfg          config.Worker
	logger       *slog.Logger
	capabilities wsrpc.Capabilities
	executors    []Executor

	mu     sync.Mutex
	active map[string]*job
	wg     sync.WaitGroup
}

// New constructs a worker runtime with the given executors.
func New(cfg config.Worker, capabilities wsrpc.Capabilities, logger *slog.Logger, executors ...Executor) *Worker {
	if capabilities.Concurrency <= 0 {
		capabilities.Concurrency = cfg.Concurrency
	}
	if capabilities.Concurrency <= 0 {
		capabilities.Concurrency = 1
	}
	if capabilities.CostBase == 0 {
		capabilities.CostBase = cfg.CostBase
	}
	return &Worker{
		cfg:          cfg,
		logger:       logging.NewComponentLogger(logger, "worker"),
		capabilities: capabilities,
		executors:    executors,
		active:       make(map[string]*job),
	}
}

// ID returns the worker identity.
func (w *Worker) ID() wsrpc.WorkerID {
	return wsrpc.WorkerID(w.cfg.ID)
}

// Capabilities returns the declared capability set.
func (w *Worker) Capabilities() wsrpc.Capabilities {
	return w.capabilities
}

// ActiveCount returns the number of running jobs.
func (w *Worker) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// DoYouSupport answers a capability probe.
func (w *Worker) DoYouSupport(exp expectation.Expectation) wsrpc.DoYouSupportResult {
	if err := exp.Validate(); err != nil {
		return wsrpc.DoYouSupportResult{
			Support: false,
			Reason:  expectation.NewReason("Expectation is invalid", err.Error()),
		}
	}
	var lastReason expectation.Reason
	for _, executor := range w.executors {
		supports, reason := executor.Supports(exp)
		if supports {
			return wsrpc.DoYouSupportResult{Support: true}
		}
		lastReason = reason
	}
	if lastReason.User == "" {
		lastReason = expectation.NewReason("No executor matches the expectation", "")
	}
	return wsrpc.DoYouSupportResult{Support: false, Reason: lastReason}
}

// GetCost quotes a cost scalar: the configured base, scaled up with load so
// busy workers lose ties against idle ones.
func (w *Worker) GetCost(exp expectation.Expectation) wsrpc.GetCostResult {
	w.mu.Lock()
	load := float64(len(w.active))
	w.mu.Unlock()
	cost := w.capabilities.CostBase * (1 + load/float64(w.capabilities.Concurrency))
	return wsrpc.GetCostResult{Cost: cost}
}

// IsReady checks whether work on exp could start now.
func (w *Worker) IsReady(ctx context.Context, exp expectation.Expectation) (wsrpc.IsReadyResult, error) {
	executor, reason := w.executorFor(exp)
	if executor == nil {
		return wsrpc.IsReadyResult{Ready: false, Reason: reason}, nil
	}
	return executor.IsReady(ctx, exp)
}

// IsFulfilled checks whether exp's end requirement is already met.
func (w *Worker) IsFulfilled(ctx context.Context, exp expectation.Expectation, wasFulfilled bool) (wsrpc.IsFulfilledResult, error) {
	executor, reason := w.executorFor(exp)
	if executor == nil {
		return wsrpc.IsFulfilledResult{Fulfilled: false, Reason: reason}, nil
	}
	return executor.IsFulfilled(ctx, exp, wasFulfilled)
}

// WorkOn starts a job and returns its work-in-progress id. Progress,
// completion, and failure are streamed through emit from the job goroutine.
func (w *Worker) WorkOn(exp expectation.Expectation, emit EventFunc) (string, error) {
	executor, reason := w.executorFor(exp)
	if executor == nil {
		return "", fmt.Errorf("unsupported expectation: %s", reason.Tech)
	}

	w.mu.Lock()
	if len(w.active) >= w.capabilities.Concurrency {
		w.mu.Unlock()
		return "", ErrAtCapacity
	}
	workID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.Background())
	w.active[workID] = &job{workID: workID, expID: exp.ID, cancel: cancel}
	w.mu.Unlock()

	w.logger.Info("job started",
		logging.String(logging.FieldWorkID, workID),
		logging.String(logging.FieldExpectationID, string(exp.ID)),
		logging.String(logging.FieldEventType, "job_start"))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer cancel()
		w.runJob(jobCtx, executor, exp, workID, emit)
	}()
	return workID, nil
}

func (w *Worker) runJob(ctx context.Context, executor Executor, exp expectation.Expectation, workID string, emit EventFunc) {
	defer func() {
		w.mu.Lock()
		delete(w.active, workID)
		w.mu.Unlock()
	}()

	progress := func(fraction float64) {
		emit(wsrpc.WorkEventParams{
			WorkerID: w.ID(),
			WorkID:   workID,
			Type:     wsrpc.WorkEventProgress,
			Progress: fraction,
		})
	}

	actualHash, err := executor.Work(ctx, exp, progress)
	switch {
	case errors.Is(err, context.Canceled):
		w.logger.Info("job cancelled",
			logging.String(logging.FieldWorkID, workID),
			logging.String(logging.FieldEventType, "job_cancelled"))
	case err != nil:
		w.logger.Warn("job failed",
			logging.String(logging.FieldWorkID, workID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "job_failed"),
			logging.String(logging.FieldErrorHint, "check source and target accessors"))
		emit(wsrpc.WorkEventParams{
			WorkerID: w.ID(),
			WorkID:   workID,
			Type:     wsrpc.WorkEventError,
			Reason:   expectation.NewReason("Work failed", err.Error()),
		})
	default:
		w.logger.Info("job done",
			logging.String(logging.FieldWorkID, workID),
			logging.String(logging.FieldEventType, "job_done"))
		emit(wsrpc.WorkEventParams{
			WorkerID:          w.ID(),
			WorkID:            workID,
			Type:              wsrpc.WorkEventDone,
			Progress:          1,
			ActualVersionHash: actualHash,
		})
	}
}

// CancelWork cancels a running job; unknown ids are a no-op.
func (w *Worker) CancelWork(workID string) bool {
	w.mu.Lock()
	running, ok := w.active[workID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	running.cancel()
	return true
}

// Remove deletes exp's target package.
func (w *Worker) Remove(ctx context.Context, exp expectation.Expectation) wsrpc.RemoveResult {
	executor, reason := w.executorFor(exp)
	if executor == nil {
		return wsrpc.RemoveResult{Removed: false, Reason: reason}
	}
	if err := executor.Remove(ctx, exp); err != nil {
		return wsrpc.RemoveResult{
			Removed: false,
			Reason:  expectation.NewReason("Package removal failed", err.Error()),
		}
	}
	return wsrpc.RemoveResult{Removed: true}
}

// RunContainerCron runs a container's periodic duties on the first executor
// that can.
func (w *Worker) RunContainerCron(ctx context.Context, cont container.Container) wsrpc.RunContainerCronResult {
	for _, executor := range w.executors {
		cleaner, ok := executor.(ContainerCleaner)
		if !ok {
			continue
		}
		if err := cleaner.CleanupContainer(ctx, cont); err != nil {
			return wsrpc.RunContainerCronResult{
				OK:     false,
				Reason: expectation.NewReason("Container cleanup failed", err.Error()),
			}
		}
		return wsrpc.RunContainerCronResult{OK: true}
	}
	return wsrpc.RunContainerCronResult{
		OK:     false,
		Reason: expectation.NewReason("No executor can clean this container", ""),
	}
}

// Shutdown cancels all jobs and waits for their goroutines.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	for _, running := range w.active {
		running.cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) executorFor(exp expectation.Expectation) (Executor, expectation.Reason) {
	var lastReason expectation.Reason
	for _, executor := range w.executors {
		supports, reason := executor.Supports(exp)
		if supports {
			return executor, expectation.Reason{}
		}
		lastReason = reason
	}
	if lastReason.User == "" {
		lastReason = expectation.NewReason("No executor matches the expectation", "")
	}
	return nil, lastReason
}
