package manager

import (
	"context"
	"time"

	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/tracker"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

// evaluateFulfilled re-verifies done work on a cadence. Verification that
// fails sends the expectation back through the whole pipeline.
func (m *Manager) evaluateFulfilled(ctx context.Context, tracked *tracker.TrackedExpectation) {
	now := m.now()
	reverify := m.cfg.ReverifyIntervalDuration()
	if !tracked.LastVerified.IsZero() && now.Before(tracked.LastVerified.Add(reverify)) {
		tracked.NextEvaluation = tracked.LastVerified.Add(reverify)
		return
	}

	agent := m.reverifyAgent(ctx, tracked)
	if agent == nil {
		// Nobody can check right now; keep the state and try again later.
		tracked.NextEvaluation = now.Add(reverify)
		m.logger.Debug("no worker available for re-verification",
			logging.String(logging.FieldExpectationID, string(tracked.Exp.ID)))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeoutDuration())
	result, err := agent.IsFulfilled(callCtx, tracked.Exp, true)
	cancel()
	if err != nil {
		if wsrpc.IsTransportError(err) {
			m.dropAgent(agent, err)
			m.transitionTransport(tracked, expectation.NewReason(
				"Worker connection lost during re-verification", err.Error()))
			return
		}
		m.transitionError(tracked, expectation.NewReason(
			"Re-verification failed", err.Error()))
		return
	}

	if result.Fulfilled && m.versionAcceptable(tracked, result.ActualVersionHash) {
		if result.ActualVersionHash != "" {
			tracked.Status.ActualVersionHash = result.ActualVersionHash
		}
		tracked.LastVerified = now
		tracked.LastFulfilledBy = agent.ID()
		tracked.NextEvaluation = now.Add(reverify)
		return
	}

	// No longer fulfilled: run the pipeline again. Not an error.
	tracked.Status.ActualVersionHash = ""
	tracked.Status.TargetExists = false
	tracked.Status.WorkProgress = 0
	tracked.LastVerified = time.Time{}
	m.transition(tracked, expectation.StateNew, expectation.NewReason(
		"No longer fulfilled, redoing", result.Reason.Tech))
	m.store.MarkDirty(tracked.Exp.ID)
}

// reverifyAgent prefers the worker that fulfilled the expectation and falls
// back to normal selection when it is gone.
func (m *Manager) reverifyAgent(ctx context.Context, tracked *tracker.TrackedExpectation) *workeragent.Agent {
	if tracked.LastFulfilledBy != "" {
		if agent := m.fleet.Get(tracked.LastFulfilledBy); agent != nil && agent.Connected() {
			return agent
		}
	}
	agent, err := m.selectWorker(ctx, tracked)
	if err != nil {
		return nil
	}
	return agent
}
