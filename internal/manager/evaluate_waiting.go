package manager

import (
	"context"

	"parcel/internal/expectation"
	"parcel/internal/tracker"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

func (m *Manager) evaluateWaiting(ctx context.Context, tracked *tracker.TrackedExpectation) {
	agent := m.assignedAgent(tracked)
	if agent == nil {
		selected, err := m.selectWorker(ctx, tracked)
		if err != nil {
			tracked.NoWorkersReason = reasonForSelection(err)
			tracked.Reason = tracked.NoWorkersReason
			m.publish(tracked, false)
			return
		}
		tracked.Session = &tracker.Session{AssignedWorker: selected.ID()}
		selected.Assign(tracked.Exp.ID, "")
		agent = selected
	}

	// A fulfilled end requirement short-circuits everything: nothing to do.
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeoutDuration())
	fulfilled, err := agent.IsFulfilled(callCtx, tracked.Exp, false)
	cancel()
	if err != nil {
		m.handleAssignedCallError(tracked, agent, err)
		return
	}
	if fulfilled.Fulfilled && m.versionAcceptable(tracked, fulfilled.ActualVersionHash) {
		m.markFulfilled(tracked, agent.ID(), fulfilled.ActualVersionHash, expectation.NewReason(
			"Already fulfilled", fulfilled.Reason.Tech))
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeoutDuration())
	ready, err := agent.IsReady(callCtx, tracked.Exp)
	cancel()
	if err != nil {
		m.handleAssignedCallError(tracked, agent, err)
		return
	}

	tracked.Status.SourceExists = ready.SourceExists
	switch {
	case ready.Ready:
		m.transition(tracked, expectation.StateReady, expectation.NewReason(
			"Ready to start work", ready.Reason.Tech))
		m.store.MarkDirty(tracked.Exp.ID)
	case ready.IsWaitingForAnother:
		tracked.Reason = expectation.NewReason("Waiting for another expectation", ready.Reason.Tech)
		m.publish(tracked, false)
	default:
		// Not ready for some other reason, e.g. the source is missing.
		// Back to NEW so the fleet is re-probed next tick.
		m.clearAssignment(tracked)
		m.transition(tracked, expectation.StateNew, expectation.NewReason(
			notReadyUserReason(ready), ready.Reason.Tech))
	}
}

func notReadyUserReason(ready wsrpc.IsReadyResult) string {
	if ready.Reason.User != "" {
		return ready.Reason.User
	}
	return "Not ready to start work"
}

// assignedAgent resolves the session's worker; a vanished or disconnected
// worker clears the session.
func (m *Manager) assignedAgent(tracked *tracker.TrackedExpectation) *workeragent.Agent {
	if tracked.Session == nil {
		return nil
	}
	agent := m.fleet.Get(tracked.Session.AssignedWorker)
	if agent == nil || !agent.Connected() {
		m.clearAssignment(tracked)
		return nil
	}
	return agent
}

// clearAssignment releases the worker slot and drops the session.
func (m *Manager) clearAssignment(tracked *tracker.TrackedExpectation) {
	if tracked.Session == nil {
		return
	}
	if agent := m.fleet.Get(tracked.Session.AssignedWorker); agent != nil {
		agent.Unassign(tracked.Exp.ID)
	}
	tracked.ClearSession()
}

// handleAssignedCallError routes an error from a call to the assigned
// worker: transport failures drop the worker without blaming the
// expectation; peer-reported errors count against it.
func (m *Manager) handleAssignedCallError(tracked *tracker.TrackedExpectation, agent *workeragent.Agent, err error) {
	if wsrpc.IsTransportError(err) {
		m.dropAgent(agent, err)
		m.clearAssignment(tracked)
		m.transitionTransport(tracked, expectation.NewReason(
			"Worker connection lost, re-selecting", err.Error()))
		return
	}
	m.clearAssignment(tracked)
	m.transitionError(tracked, expectation.NewReason("Worker reported an error", err.Error()))
}

// versionAcceptable checks the fulfilled-state hash invariant.
func (m *Manager) versionAcceptable(tracked *tracker.TrackedExpectation, actualHash string) bool {
	if actualHash == "" || tracked.Exp.ContentVersionHash == "" {
		return true
	}
	return actualHash == tracked.Exp.ContentVersionHash
}

// markFulfilled finalizes a fulfilled expectation and wakes its dependents.
func (m *Manager) markFulfilled(tracked *tracker.TrackedExpectation, workerID wsrpc.WorkerID, actualHash string, reason expectation.Reason) {
	if actualHash == "" {
		actualHash = tracked.Exp.ContentVersionHash
	}
	tracked.Status.ActualVersionHash = actualHash
	tracked.Status.TargetExists = true
	tracked.Status.WorkProgress = 1
	tracked.LastVerified = m.now()
	tracked.LastFulfilledBy = workerID
	m.clearAssignment(tracked)
	m.transition(tracked, expectation.StateFulfilled, reason)
	tracked.NextEvaluation = m.now().Add(m.cfg.ReverifyIntervalDuration())
	m.triggerDependents(tracked.Exp.ID)
}
