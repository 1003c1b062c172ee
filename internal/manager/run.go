package manager

import (
	"context"
	"fmt"
	"time"

	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/status"
	"parcel/internal/tracker"
)

func (m *Manager) runLoop(ctx context.Context) {
	m.logger.Info("evaluation loop started",
		logging.String(logging.FieldManagerID, m.cfg.ID),
		logging.Duration("interval", m.cfg.EvaluationIntervalDuration()),
		logging.String(logging.FieldEventType, "loop_start"))

	for {
		m.drainQueues(ctx)
		if ctx.Err() != nil {
			return
		}

		m.tick(ctx)
		if ctx.Err() != nil {
			return
		}

		if m.store.HasDirty() {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-m.store.Wake():
		case event := <-m.workEvents:
			m.applyWorkEvent(event)
		case workerID := <-m.disconnects:
			m.applyWorkerDisconnect(workerID)
		case cmd := <-m.commands:
			m.applyCommand(cmd)
		case <-time.After(m.cfg.EvaluationIntervalDuration()):
		}
	}
}

// tick processes every tracked expectation once, in snapshot order, then
// gives tracked containers their cron turn.
func (m *Manager) tick(ctx context.Context) {
	now := m.now()

	if result, err := m.store.ApplyPending(now); err != nil {
		m.setLastError(err)
		m.logger.Error("ingest failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ingest_failed"),
			logging.String(logging.FieldErrorHint, "check the submitted expectation set"))
	} else if !result.Empty() {
		m.logger.Info("expectation set ingested",
			logging.Int("added", len(result.Added)),
			logging.Int("restarted", len(result.Restarted)),
			logging.Int("removed", len(result.Removed)),
			logging.String(logging.FieldEventType, "ingest_applied"))
	}

	for _, tracked := range m.store.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		dirty := m.store.ConsumeDirty(tracked.Exp.ID)
		if !dirty && m.now().Before(tracked.NextEvaluation) {
			continue
		}
		m.evaluateOne(ctx, tracked)
	}

	m.evaluateContainers(ctx)
}

func (m *Manager) drainQueues(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.workEvents:
			m.applyWorkEvent(event)
		case workerID := <-m.disconnects:
			m.applyWorkerDisconnect(workerID)
		case cmd := <-m.commands:
			m.applyCommand(cmd)
		default:
			return
		}
	}
}

// evaluateOne advances one expectation at most one state. Nothing may
// escape it: a panic resets the expectation to NEW and the loop continues.
func (m *Manager) evaluateOne(ctx context.Context, tracked *tracker.TrackedExpectation) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("evaluation panicked",
				logging.String(logging.FieldExpectationID, string(tracked.Exp.ID)),
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "evaluation_panic"),
				logging.String(logging.FieldErrorHint, "file a bug with the tech reason"))
			tracked.ClearSession()
			m.transitionError(tracked, expectation.NewReason(
				"Internal error, retrying",
				boundedReason(r),
			))
		}
		m.store.SyncView(tracked)
	}()

	now := m.now()
	tracked.LastEvaluation = now
	tracked.NextEvaluation = now.Add(m.cfg.EvaluationIntervalDuration())
	tracked.PruneWorkerCaches(now)

	switch tracked.State {
	case expectation.StateNew:
		m.evaluateNew(ctx, tracked)
	case expectation.StateWaiting:
		m.evaluateWaiting(ctx, tracked)
	case expectation.StateReady:
		m.evaluateReady(ctx, tracked)
	case expectation.StateWorking:
		m.evaluateWorking(ctx, tracked)
	case expectation.StateFulfilled:
		m.evaluateFulfilled(ctx, tracked)
	case expectation.StateRemoved:
		m.evaluateRemoved(ctx, tracked)
	case expectation.StateRestarted:
		m.evaluateRestarted(ctx, tracked)
	case expectation.StateAborted:
		// Terminal until upstream removes or restarts the expectation.
	default:
		m.transitionError(tracked, expectation.NewReason(
			"Internal error, retrying",
			"unknown state "+string(tracked.State),
		))
	}
}

// transition moves the expectation to a new state and publishes the pair
// atomically (single enqueued update carrying state and reason together).
func (m *Manager) transition(tracked *tracker.TrackedExpectation, to expectation.State, reason expectation.Reason) {
	from := tracked.State
	tracked.State = to
	tracked.Reason = reason

	switch to {
	case expectation.StateWaiting, expectation.StateReady, expectation.StateWorking, expectation.StateFulfilled:
		tracked.ErrorCount = 0
		tracked.LastError = ""
	}

	if from != to {
		m.logger.Debug("state transition",
			logging.String(logging.FieldExpectationID, string(tracked.Exp.ID)),
			logging.String("from", string(from)),
			logging.String("to", string(to)),
			logging.String("reason", reason.User))
	}
	m.publish(tracked, false)
}

// transitionError resets to NEW counting a worker-reported error and
// applying backoff.
func (m *Manager) transitionError(tracked *tracker.TrackedExpectation, reason expectation.Reason) {
	tracked.ErrorCount++
	tracked.LastError = reason.Tech
	backoff := errorBackoff(m.cfg.BackoffBaseDuration(), m.cfg.BackoffMaxDuration(), tracked.ErrorCount)
	tracked.NextEvaluation = m.now().Add(backoff)

	tracked.State = expectation.StateNew
	tracked.Reason = reason
	m.logger.Warn("expectation errored, backing off",
		logging.String(logging.FieldExpectationID, string(tracked.Exp.ID)),
		logging.Int("error_count", tracked.ErrorCount),
		logging.Duration("backoff", backoff),
		logging.String("reason", reason.Tech),
		logging.String(logging.FieldEventType, "expectation_error"),
		logging.String(logging.FieldErrorHint, "check the worker logs for the tech reason"))
	m.publish(tracked, true)
}

// transitionTransport resets to NEW after a transport failure, which is not
// the expectation's fault: no error count, no backoff.
func (m *Manager) transitionTransport(tracked *tracker.TrackedExpectation, reason expectation.Reason) {
	tracked.State = expectation.StateNew
	tracked.Reason = reason
	m.publish(tracked, false)
}

func (m *Manager) publish(tracked *tracker.TrackedExpectation, isError bool) {
	if m.publisher == nil {
		return
	}
	m.publisher.Enqueue(status.Update{
		ExpectationID:     tracked.Exp.ID,
		State:             tracked.State,
		Reason:            tracked.Reason,
		Progress:          tracked.Status.WorkProgress,
		ActualVersionHash: tracked.Status.ActualVersionHash,
		IsError:           isError,
	})
}

// triggerDependents wakes every expectation that depends on, or asked to be
// re-triggered by, the given fulfilled id.
func (m *Manager) triggerDependents(fulfilledID expectation.ID) {
	var toWake []expectation.ID
	for _, tracked := range m.store.Snapshot() {
		for _, dep := range tracked.Exp.DependsOnFulfilled {
			if dep == fulfilledID {
				toWake = append(toWake, tracked.Exp.ID)
			}
		}
		for _, trigger := range tracked.Exp.TriggerByFulfilledIDs {
			if trigger == fulfilledID {
				toWake = append(toWake, tracked.Exp.ID)
			}
		}
	}
	if len(toWake) > 0 {
		m.store.MarkDirty(toWake...)
	}
}

func boundedReason(v any) string {
	text := ""
	switch typed := v.(type) {
	case error:
		text = typed.Error()
	case string:
		text = typed
	default:
		text = fmt.Sprint(typed)
	}
	const maxLen = 256
	if len(text) > maxLen {
		return text[:maxLen]
	}
	return text
}
