package manager

import (
	"context"

	"parcel/internal/expectation"
	"parcel/internal/tracker"
)

// evaluateWorking is mostly a watchdog: progress, completion, and failure
// arrive as streamed work events, applied by the loop's queue drain. The
// tick only has to notice a silently vanished worker.
func (m *Manager) evaluateWorking(ctx context.Context, tracked *tracker.TrackedExpectation) {
	agent := m.assignedAgent(tracked)
	if agent == nil {
		m.transitionTransport(tracked, expectation.NewReason(
			"Worker disconnected during work, re-selecting", ""))
		return
	}

	grace := m.cfg.WorkerGraceDuration()
	if grace > 0 && m.now().Sub(agent.LastSeen()) > grace {
		m.dropAgent(agent, context.DeadlineExceeded)
		m.clearAssignment(tracked)
		m.transitionTransport(tracked, expectation.NewReason(
			"Worker went silent during work, re-selecting",
			"no traffic within the grace period"))
	}
}
