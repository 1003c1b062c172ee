package manager

import (
	"context"
	"fmt"

	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/tracker"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

// costProbeLimit bounds how many candidates are asked for a cost quote per
// selection; the rest keep their spot for the next tick.
const costProbeLimit = 3

// findSupportingWorkers fills tracked.AvailableWorkers, probing at most
// ProbeBudget not-recently-queried workers. Returns nil when at least one
// supporting worker is known.
func (m *Manager) findSupportingWorkers(ctx context.Context, tracked *tracker.TrackedExpectation) error {
	agents := m.fleet.All()
	if len(agents) == 0 {
		return ErrNoWorkersConnected
	}
	if len(tracked.AvailableWorkers) > 0 {
		return nil
	}

	now := m.now()
	probed := 0
	for _, agent := range agents {
		if probed >= m.cfg.ProbeBudget {
			break
		}
		workerID := agent.ID()
		if _, known := tracked.AvailableWorkers[workerID]; known {
			continue
		}
		if _, known := tracked.UnavailableWorkers[workerID]; known {
			continue
		}
		if _, recentlyQueried := tracked.QueriedWorkers[workerID]; recentlyQueried {
			continue
		}

		probed++
		tracked.QueriedWorkers[workerID] = now.Add(m.cfg.QueriedTTLDuration())

		result, err := m.probeSupport(ctx, agent, tracked.Exp)
		if err != nil {
			if wsrpc.IsTransportError(err) {
				m.dropAgent(agent, err)
			}
			continue
		}
		if result.Support {
			tracked.AvailableWorkers[workerID] = now.Add(m.cfg.AvailableTTLDuration())
		} else {
			// Negative answers get a shorter TTL: capabilities rarely change,
			// but load and reachability do.
			tracked.UnavailableWorkers[workerID] = now.Add(m.cfg.UnavailableTTLDuration())
		}
	}

	if len(tracked.AvailableWorkers) > 0 {
		return nil
	}
	return ErrNoWorkerSupports
}

// probeSupport asks one worker whether it supports the expectation,
// coalescing identical in-flight questions.
func (m *Manager) probeSupport(ctx context.Context, agent *workeragent.Agent, exp expectation.Expectation) (wsrpc.DoYouSupportResult, error) {
	key := fmt.Sprintf("support:%s:%s", agent.ID(), exp.ID)
	return m.probes.Do(ctx, key, func() (wsrpc.DoYouSupportResult, error) {
		callCtx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeoutDuration())
		defer cancel()
		return agent.DoYouSupport(callCtx, exp)
	})
}

// selectWorker picks one worker for the expectation: the least-cost idle
// known-supporting worker, probing for new support within budget when none
// is known. Ties break deterministically by worker id.
func (m *Manager) selectWorker(ctx context.Context, tracked *tracker.TrackedExpectation) (*workeragent.Agent, error) {
	candidates := m.idleSupportingWorkers(tracked)
	if len(candidates) == 0 {
		if err := m.findSupportingWorkers(ctx, tracked); err != nil {
			return nil, err
		}
		candidates = m.idleSupportingWorkers(tracked)
	}
	if len(candidates) == 0 {
		if len(tracked.AvailableWorkers) > 0 {
			return nil, ErrNoWorkerFree
		}
		return nil, ErrNoWorkerSupports
	}

	var best *workeragent.Agent
	bestCost := 0.0
	quoted := 0
	for _, agent := range candidates {
		if quoted >= costProbeLimit {
			break
		}
		quoted++
		result, err := m.quoteCost(ctx, agent, tracked.Exp)
		if err != nil {
			if wsrpc.IsTransportError(err) {
				m.dropAgent(agent, err)
			}
			continue
		}
		// Candidates are id-ordered, so a strict comparison keeps ties on
		// the lowest id.
		if best == nil || result.Cost < bestCost {
			best = agent
			bestCost = result.Cost
		}
	}
	if best == nil {
		return nil, ErrNoWorkerFree
	}
	return best, nil
}

// idleSupportingWorkers returns known-supporting workers with capacity, in
// id order.
func (m *Manager) idleSupportingWorkers(tracked *tracker.TrackedExpectation) []*workeragent.Agent {
	var candidates []*workeragent.Agent
	for _, agent := range m.fleet.All() {
		if _, supports := tracked.AvailableWorkers[agent.ID()]; !supports {
			continue
		}
		if !agent.HasCapacity(tracked.Exp.ID) {
			continue
		}
		candidates = append(candidates, agent)
	}
	return candidates
}

func (m *Manager) quoteCost(ctx context.Context, agent *workeragent.Agent, exp expectation.Expectation) (wsrpc.GetCostResult, error) {
	key := fmt.Sprintf("cost:%s:%s", agent.ID(), exp.ID)
	return m.costs.Do(ctx, key, func() (wsrpc.GetCostResult, error) {
		callCtx, cancel := context.WithTimeout(context.Background(), m.cfg.CallTimeoutDuration())
		defer cancel()
		return agent.GetCost(callCtx, exp)
	})
}

// dropAgent removes a worker that failed at the transport level: it is
// forgotten in every expectation's caches so nothing keeps selecting it.
func (m *Manager) dropAgent(agent *workeragent.Agent, cause error) {
	m.logger.Warn("worker dropped after transport failure",
		logging.String(logging.FieldWorkerID, string(agent.ID())),
		logging.Error(cause),
		logging.String(logging.FieldEventType, "worker_dropped"),
		logging.String(logging.FieldErrorHint, "the worker will be re-admitted when it reconnects"))
	agent.MarkDisconnected()
	m.fleet.Remove(agent)
	_ = agent.Close()
	m.forgetWorkerEverywhere(agent.ID())
}

func (m *Manager) forgetWorkerEverywhere(workerID wsrpc.WorkerID) {
	for _, tracked := range m.store.Snapshot() {
		tracked.ForgetWorker(workerID)
	}
}
