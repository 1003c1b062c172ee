package workeragent

import (
	"context"
	"sync"
	"time"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/wsrpc"
)

// Caller issues RPC calls to one worker. *wsrpc.Conn satisfies it; tests
// substitute fakes.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
	Close() error
}

// Agent is the manager-side handle for one connected worker.
type Agent struct {
	id           wsrpc.WorkerID
	capabilities wsrpc.Capabilities
	caller       Caller

	mu          sync.Mutex
	connected   bool
	lastSeen    time.Time
	assignments map[expectation.ID]string
}

// New wraps a worker session.
func New(id wsrpc.WorkerID, capabilities wsrpc.Capabilities, caller Caller) *Agent {
	if capabilities.Concurrency <= 0 {
		capabilities.Concurrency = 1
	}
	return &Agent{
		id:           id,
		capabilities: capabilities,
		caller:       caller,
		connected:    true,
		lastSeen:     time.Now(),
		assignments:  make(map[expectation.ID]string),
	}
}

// ID returns the worker id.
func (a *Agent) ID() wsrpc.WorkerID { return a.id }

// Capabilities returns what the worker declared at registration.
func (a *Agent) Capabilities() wsrpc.Capabilities { return a.capabilities }

// Connected reports whether the session is considered live.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// MarkDisconnected flags the session dead and drops its assignments.
func (a *Agent) MarkDisconnected() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	a.assignments = make(map[expectation.ID]string)
}

// Touch refreshes liveness.
func (a *Agent) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen = time.Now()
}

// LastSeen returns the last liveness refresh.
func (a *Agent) LastSeen() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

// Assign records that this worker owns workID for expID.
func (a *Agent) Assign(expID expectation.ID, workID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assignments[expID] = workID
}

// Unassign releases the expectation's slot.
func (a *Agent) Unassign(expID expectation.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assignments, expID)
}

// WorkIDFor returns the work-in-progress id for expID, if any.
func (a *Agent) WorkIDFor(expID expectation.ID) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	workID, ok := a.assignments[expID]
	return workID, ok
}

// AssignmentCount returns the number of owned assignments.
func (a *Agent) AssignmentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assignments)
}

// HasCapacity reports whether the worker is below its declared concurrency,
// or already owns expID (re-entrant for the same expectation).
func (a *Agent) HasCapacity(expID expectation.ID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return false
	}
	if _, owns := a.assignments[expID]; owns {
		return true
	}
	return len(a.assignments) < a.capabilities.Concurrency
}

// Close tears down the underlying session.
func (a *Agent) Close() error {
	return a.caller.Close()
}

// DoYouSupport asks whether the worker can handle exp.
func (a *Agent) DoYouSupport(ctx context.Context, exp expectation.Expectation) (wsrpc.DoYouSupportResult, error) {
	var result wsrpc.DoYouSupportResult
	err := a.caller.Call(ctx, wsrpc.MethodDoYouSupport, wsrpc.DoYouSupportParams{Exp: exp}, &result)
	return result, err
}

// GetCost asks what exp would cost this worker; lower is better.
func (a *Agent) GetCost(ctx context.Context, exp expectation.Expectation) (wsrpc.GetCostResult, error) {
	var result wsrpc.GetCostResult
	err := a.caller.Call(ctx, wsrpc.MethodGetCost, wsrpc.GetCostParams{Exp: exp}, &result)
	return result, err
}

// IsReady asks whether work on exp could start now.
func (a *Agent) IsReady(ctx context.Context, exp expectation.Expectation) (wsrpc.IsReadyResult, error) {
	var result wsrpc.IsReadyResult
	err := a.caller.Call(ctx, wsrpc.MethodIsReady, wsrpc.IsReadyParams{Exp: exp}, &result)
	return result, err
}

// IsFulfilled asks whether exp's end requirement is met.
func (a *Agent) IsFulfilled(ctx context.Context, exp expectation.Expectation, wasFulfilled bool) (wsrpc.IsFulfilledResult, error) {
	var result wsrpc.IsFulfilledResult
	err := a.caller.Call(ctx, wsrpc.MethodIsFulfilled, wsrpc.IsFulfilledParams{Exp: exp, WasFulfilled: wasFulfilled}, &result)
	return result, err
}

// WorkOn instructs the worker to start working on exp.
func (a *Agent) WorkOn(ctx context.Context, exp expectation.Expectation) (wsrpc.WorkOnResult, error) {
	var result wsrpc.WorkOnResult
	err := a.caller.Call(ctx, wsrpc.MethodWorkOn, wsrpc.WorkOnParams{Exp: exp, WorkOptions: exp.WorkOptions}, &result)
	return result, err
}

// Remove asks the worker to remove exp's package.
func (a *Agent) Remove(ctx context.Context, exp expectation.Expectation) (wsrpc.RemoveResult, error) {
	var result wsrpc.RemoveResult
	err := a.caller.Call(ctx, wsrpc.MethodRemove, wsrpc.RemoveParams{Exp: exp}, &result)
	return result, err
}

// CancelWork cancels work in progress, fire and forget.
func (a *Agent) CancelWork(ctx context.Context, workID string) error {
	var result wsrpc.CancelWorkResult
	return a.caller.Call(ctx, wsrpc.MethodCancelWork, wsrpc.CancelWorkParams{WorkID: workID}, &result)
}

// RunContainerCron asks the worker to run a container's periodic duties.
func (a *Agent) RunContainerCron(ctx context.Context, cont container.Container) (wsrpc.RunContainerCronResult, error) {
	var result wsrpc.RunContainerCronResult
	err := a.caller.Call(ctx, wsrpc.MethodRunContainerCron, wsrpc.RunContainerCronParams{Container: cont}, &result)
	return result, err
}
