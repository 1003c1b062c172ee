package tracker

import (
	"time"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/wsrpc"
)

// PackageStatus mirrors what workers last reported about an expectation's
// packages.
type PackageStatus struct {
	SourceExists      bool    `json:"sourceExists"`
	TargetExists      bool    `json:"targetExists"`
	WorkProgress      float64 `json:"workProgress"`
	ActualVersionHash string  `json:"actualVersionHash,omitempty"`
}

// Session is per-assignment scratch state, cleared when the expectation
// leaves its assigned states.
type Session struct {
	AssignedWorker                wsrpc.WorkerID
	WorkID                        string
	TriggerOtherExpectationsAgain bool
	ExpectationCanBeRemoved       bool
}

// TrackedExpectation is the manager's mutable wrapper around an upstream
// expectation. Fields other than the submission inputs are owned by the
// evaluation loop.
type TrackedExpectation struct {
	Exp            expectation.Expectation
	DefinitionHash string

	State  expectation.State
	Reason expectation.Reason
	Status PackageStatus

	LastEvaluation time.Time
	NextEvaluation time.Time

	// AvailableWorkers / UnavailableWorkers cache capability answers until
	// their per-entry expiry. QueriedWorkers rate-limits repeat probes.
	AvailableWorkers   map[wsrpc.WorkerID]time.Time
	UnavailableWorkers map[wsrpc.WorkerID]time.Time
	QueriedWorkers     map[wsrpc.WorkerID]time.Time
	NoWorkersReason    expectation.Reason

	Session         *Session
	ErrorCount      int
	LastError       string
	LastFulfilledBy wsrpc.WorkerID
	LastVerified    time.Time

	// TerminalInvalid marks config errors: not retried until the definition
	// changes upstream.
	TerminalInvalid bool
}

// ClearSession drops the per-assignment scratch state.
func (t *TrackedExpectation) ClearSession() {
	t.Session = nil
}

// AssignedWorker returns the assigned worker id, or "" when unassigned.
func (t *TrackedExpectation) AssignedWorker() wsrpc.WorkerID {
	if t.Session == nil {
		return ""
	}
	return t.Session.AssignedWorker
}

// PruneWorkerCaches drops expired capability cache entries.
func (t *TrackedExpectation) PruneWorkerCaches(now time.Time) {
	for workerID, expiry := range t.AvailableWorkers {
		if now.After(expiry) {
			delete(t.AvailableWorkers, workerID)
		}
	}
	for workerID, expiry := range t.UnavailableWorkers {
		if now.After(expiry) {
			delete(t.UnavailableWorkers, workerID)
		}
	}
	for workerID, queriedAt := range t.QueriedWorkers {
		if now.After(queriedAt) {
			delete(t.QueriedWorkers, workerID)
		}
	}
}

// ForgetWorker removes one worker from every cache, typically after its
// disconnect.
func (t *TrackedExpectation) ForgetWorker(workerID wsrpc.WorkerID) {
	delete(t.AvailableWorkers, workerID)
	delete(t.UnavailableWorkers, workerID)
	delete(t.QueriedWorkers, workerID)
}

// View is a copy-safe projection of a tracked expectation for read access
// outside the evaluation loop.
type View struct {
	ID                expectation.ID     `json:"id"`
	Label             string             `json:"label"`
	Type              expectation.PackageType `json:"type"`
	Priority          int                `json:"priority"`
	State             expectation.State  `json:"state"`
	Reason            expectation.Reason `json:"reason"`
	WorkProgress      float64            `json:"workProgress"`
	ActualVersionHash string             `json:"actualVersionHash,omitempty"`
	AssignedWorker    wsrpc.WorkerID     `json:"assignedWorker,omitempty"`
	ErrorCount        int                `json:"errorCount"`
	LastError         string             `json:"lastError,omitempty"`
}

func (t *TrackedExpectation) view() View {
	return View{
		ID:                t.Exp.ID,
		Label:             t.Exp.Label(),
		Type:              t.Exp.Type,
		Priority:          t.Exp.Priority,
		State:             t.State,
		Reason:            t.Reason,
		WorkProgress:      t.Status.WorkProgress,
		ActualVersionHash: t.Status.ActualVersionHash,
		AssignedWorker:    t.AssignedWorker(),
		ErrorCount:        t.ErrorCount,
		LastError:         t.LastError,
	}
}

// TrackedContainer mirrors a package container with server-side duties.
type TrackedContainer struct {
	Container      container.Container
	LastCronRun    time.Time
	MonitoredOK    bool
	MonitorMessage string
}
