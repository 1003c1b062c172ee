package manager

import (
	"context"
	"errors"
	"time"

	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/status"
	"parcel/internal/tracker"
	"parcel/internal/wsrpc"
)

// evaluateRemoved performs graceful removal: cancel running work, remove
// the package if the expectation asks for it, then drop the record.
func (m *Manager) evaluateRemoved(ctx context.Context, tracked *tracker.TrackedExpectation) {
	m.cancelRunningWork(tracked)

	if tracked.Exp.WorkOptions.RemovePackage {
		agent, err := m.selectWorker(ctx, tracked)
		switch {
		case err == nil:
			callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeoutDuration())
			result, callErr := agent.Remove(callCtx, tracked.Exp)
			cancel()
			if callErr != nil {
				if wsrpc.IsTransportError(callErr) {
					m.dropAgent(agent, callErr)
					// Stay REMOVED; another worker gets the job next tick.
					return
				}
				m.removeFailed(tracked, callErr.Error())
				return
			}
			if !result.Removed {
				m.removeFailed(tracked, result.Reason.Tech)
				return
			}
		case errors.Is(err, ErrNoWorkerFree):
			// Capacity frees up; keep the record and retry.
			tracked.Reason = reasonForSelection(err)
			return
		default:
			// Nobody can remove the package; treat removal as not applicable
			// rather than keeping a ghost record forever.
			m.logger.Debug("removal skipped, no capable worker",
				logging.String(logging.FieldExpectationID, string(tracked.Exp.ID)),
				logging.Error(err))
		}
	}

	m.clearAssignment(tracked)
	tracked.Reason = expectation.NewReason("Removed", "")
	m.publishFinalRemoved(tracked)
	m.store.Delete(tracked.Exp.ID)
}

func (m *Manager) removeFailed(tracked *tracker.TrackedExpectation, tech string) {
	tracked.ErrorCount++
	tracked.LastError = tech
	backoff := errorBackoff(m.cfg.BackoffBaseDuration(), m.cfg.BackoffMaxDuration(), tracked.ErrorCount)
	tracked.NextEvaluation = m.now().Add(backoff)
	tracked.Reason = expectation.NewReason("Package removal failed, retrying", tech)
	m.publish(tracked, true)
}

func (m *Manager) publishFinalRemoved(tracked *tracker.TrackedExpectation) {
	if m.publisher == nil {
		return
	}
	m.publisher.Enqueue(status.Update{
		ExpectationID: tracked.Exp.ID,
		State:         expectation.StateRemoved,
		Reason:        tracked.Reason,
		At:            m.now(),
	})
}

// evaluateRestarted aborts any running work, clears runtime status, and
// begins the lifecycle again from NEW.
func (m *Manager) evaluateRestarted(ctx context.Context, tracked *tracker.TrackedExpectation) {
	m.cancelRunningWork(tracked)
	m.clearAssignment(tracked)

	tracked.Status = tracker.PackageStatus{}
	tracked.LastVerified = time.Time{}
	tracked.LastFulfilledBy = ""
	tracked.ErrorCount = 0
	tracked.LastError = ""
	tracked.TerminalInvalid = false
	tracked.NoWorkersReason = expectation.Reason{}

	m.transition(tracked, expectation.StateNew, expectation.NewReason("Restarted", ""))
	m.store.MarkDirty(tracked.Exp.ID)
}

// cancelRunningWork fires a best-effort cancel at the assigned worker. The
// manager does not wait for acknowledgement; a terminal report for the
// stale work id is ignored by work-id matching.
func (m *Manager) cancelRunningWork(tracked *tracker.TrackedExpectation) {
	if tracked.Session == nil || tracked.Session.WorkID == "" {
		return
	}
	agent := m.fleet.Get(tracked.Session.AssignedWorker)
	if agent == nil || !agent.Connected() {
		return
	}
	workID := tracked.Session.WorkID
	tracked.Session.WorkID = ""
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeoutDuration())
		defer cancel()
		if err := agent.CancelWork(ctx, workID); err != nil {
			m.logger.Debug("cancel work failed",
				logging.String(logging.FieldWorkID, workID),
				logging.Error(err))
		}
	}()
}
