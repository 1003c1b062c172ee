package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/tracker"
)

func (m *Manager) evaluateNew(ctx context.Context, tracked *tracker.TrackedExpectation) {
	if tracked.TerminalInvalid {
		// Config errors stay parked until the definition changes upstream.
		tracked.NextEvaluation = m.now().Add(time.Hour)
		return
	}
	if err := tracked.Exp.Validate(); err != nil {
		tracked.TerminalInvalid = true
		tracked.Reason = expectation.NewReason("Expectation is invalid", err.Error())
		tracked.LastError = err.Error()
		m.logger.Warn("invalid expectation definition",
			logging.String(logging.FieldExpectationID, string(tracked.Exp.ID)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "expectation_invalid"),
			logging.String(logging.FieldErrorHint, "fix the expectation definition upstream"))
		m.publish(tracked, true)
		return
	}

	if waitingFor, ok := m.unmetDependency(tracked); ok {
		// Not an error, just ordering.
		tracked.Reason = expectation.NewReason(
			fmt.Sprintf("Waiting for %s", waitingFor),
			fmt.Sprintf("dependency %s is not fulfilled", waitingFor))
		m.publish(tracked, false)
		return
	}

	if err := m.findSupportingWorkers(ctx, tracked); err != nil {
		tracked.NoWorkersReason = reasonForSelection(err)
		tracked.Reason = tracked.NoWorkersReason
		m.publish(tracked, false)
		return
	}

	m.transition(tracked, expectation.StateWaiting, expectation.NewReason(
		"Waiting for a worker slot",
		fmt.Sprintf("%d worker(s) support the expectation", len(tracked.AvailableWorkers))))
	m.store.MarkDirty(tracked.Exp.ID)
}

// unmetDependency returns the first dependency that is not FULFILLED.
func (m *Manager) unmetDependency(tracked *tracker.TrackedExpectation) (expectation.ID, bool) {
	for _, dep := range tracked.Exp.DependsOnFulfilled {
		depTracked := m.store.Get(dep)
		if depTracked == nil || depTracked.State != expectation.StateFulfilled {
			return dep, true
		}
	}
	return "", false
}

func reasonForSelection(err error) expectation.Reason {
	switch {
	case errors.Is(err, ErrNoWorkerSupports):
		return expectation.NewReason("No worker supports this Expectation", err.Error())
	case errors.Is(err, ErrNoWorkersConnected):
		return expectation.NewReason("No workers are connected", err.Error())
	case errors.Is(err, ErrNoWorkerFree):
		return expectation.NewReason("All suitable workers are busy", err.Error())
	default:
		return expectation.NewReason("No worker available", err.Error())
	}
}
