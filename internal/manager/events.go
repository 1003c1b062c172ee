package manager

import (
	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/status"
	"parcel/internal/tracker"
	"parcel/internal/wsrpc"
)

// applyWorkEvent applies one streamed job event on the loop goroutine.
// Events for unknown work ids are stale (cancelled or superseded work) and
// are dropped.
func (m *Manager) applyWorkEvent(event wsrpc.WorkEventParams) {
	if agent := m.fleet.Get(event.WorkerID); agent != nil {
		agent.Touch()
	}

	tracked := m.findByWorkID(event.WorkID)
	if tracked == nil || tracked.State != expectation.StateWorking {
		m.logger.Debug("dropping stale work event",
			logging.String(logging.FieldWorkID, event.WorkID),
			logging.String("type", string(event.Type)))
		return
	}
	defer m.store.SyncView(tracked)

	switch event.Type {
	case wsrpc.WorkEventProgress:
		tracked.Status.WorkProgress = event.Progress
		if m.publisher != nil && tracked.Exp.StatusReport.SendReport {
			m.publisher.Enqueue(status.Update{
				ExpectationID: tracked.Exp.ID,
				State:         tracked.State,
				Reason:        tracked.Reason,
				Progress:      event.Progress,
			})
		}

	case wsrpc.WorkEventDone:
		if !m.versionAcceptable(tracked, event.ActualVersionHash) {
			m.clearAssignment(tracked)
			m.transitionError(tracked, expectation.NewReason(
				"Work produced the wrong version",
				"actual version hash "+event.ActualVersionHash+" does not match the expected content version"))
			return
		}
		m.markFulfilled(tracked, event.WorkerID, event.ActualVersionHash,
			expectation.NewReason("Fulfilled", event.Reason.Tech))

	case wsrpc.WorkEventError:
		m.clearAssignment(tracked)
		m.transitionError(tracked, expectation.NewReason(
			workErrorUserReason(event), event.Reason.Tech))
	}
}

func workErrorUserReason(event wsrpc.WorkEventParams) string {
	if event.Reason.User != "" {
		return event.Reason.User
	}
	return "Work failed"
}

// applyWorkerDisconnect reacts to a lost worker session: the worker is
// dropped from every cache and its assigned expectations restart from NEW
// without counting an error.
func (m *Manager) applyWorkerDisconnect(workerID wsrpc.WorkerID) {
	if agent := m.fleet.Get(workerID); agent != nil {
		agent.MarkDisconnected()
		m.fleet.Remove(agent)
	}
	m.forgetWorkerEverywhere(workerID)

	for _, tracked := range m.store.Snapshot() {
		if tracked.Session == nil || tracked.Session.AssignedWorker != workerID {
			continue
		}
		tracked.ClearSession()
		switch tracked.State {
		case expectation.StateWaiting, expectation.StateReady, expectation.StateWorking:
			m.transitionTransport(tracked, expectation.NewReason(
				"Worker disconnected, re-selecting", "worker "+string(workerID)+" went away"))
			m.store.MarkDirty(tracked.Exp.ID)
		}
		m.store.SyncView(tracked)
	}

	m.logger.Info("worker disconnected",
		logging.String(logging.FieldWorkerID, string(workerID)),
		logging.String(logging.FieldEventType, "worker_disconnected"))
}

// applyCommand applies an operator abort or restart on the loop goroutine.
func (m *Manager) applyCommand(cmd command) {
	switch {
	case cmd.abort != "":
		tracked := m.store.Get(cmd.abort)
		if tracked == nil || tracked.State == expectation.StateAborted {
			return
		}
		m.cancelRunningWork(tracked)
		m.clearAssignment(tracked)
		m.transition(tracked, expectation.StateAborted, expectation.NewReason(
			"Aborted by operator", ""))
		m.store.SyncView(tracked)

	case cmd.restart != "":
		tracked := m.store.Get(cmd.restart)
		if tracked == nil {
			return
		}
		m.transition(tracked, expectation.StateRestarted, expectation.NewReason(
			"Restart requested by operator", ""))
		m.store.MarkDirty(tracked.Exp.ID)
		m.store.SyncView(tracked)
	}
}

func (m *Manager) findByWorkID(workID string) *tracker.TrackedExpectation {
	if workID == "" {
		return nil
	}
	for _, tracked := range m.store.Snapshot() {
		if tracked.Session != nil && tracked.Session.WorkID == workID {
			return tracked
		}
	}
	return nil
}
