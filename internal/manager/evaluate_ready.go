package manager

import (
	"context"

	"parcel/internal/expectation"
	"parcel/internal/tracker"
	"parcel/internal/wsrpc"
)

func (m *Manager) evaluateReady(ctx context.Context, tracked *tracker.TrackedExpectation) {
	agent := m.assignedAgent(tracked)
	if agent == nil {
		m.transition(tracked, expectation.StateNew, expectation.NewReason(
			"Assigned worker disappeared, re-selecting", ""))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeoutDuration())
	result, err := agent.WorkOn(callCtx, tracked.Exp)
	cancel()
	if err != nil {
		if wsrpc.IsTransportError(err) {
			m.handleAssignedCallError(tracked, agent, err)
			return
		}
		// The worker rejected the job (busy, shutting down).
		m.clearAssignment(tracked)
		m.transitionError(tracked, expectation.NewReason(
			"Worker rejected the work", err.Error()))
		return
	}

	tracked.Session.WorkID = result.WorkID
	agent.Assign(tracked.Exp.ID, result.WorkID)
	tracked.Status.WorkProgress = 0
	m.transition(tracked, expectation.StateWorking, expectation.NewReason(
		"Work in progress", "work id "+result.WorkID))
}
