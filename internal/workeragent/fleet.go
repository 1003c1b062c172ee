package workeragent

import (
	"sort"
	"sync"

	"parcel/internal/wsrpc"
)

// Fleet is the set of currently connected worker agents.
type Fleet struct {
	mu     sync.RWMutex
	agents map[wsrpc.WorkerID]*Agent
}

// NewFleet constructs an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{agents: make(map[wsrpc.WorkerID]*Agent)}
}

// Add registers an agent, replacing any previous session for the same id.
// The replaced agent is returned so the caller can close it.
func (f *Fleet) Add(agent *Agent) (replaced *Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	replaced = f.agents[agent.ID()]
	f.agents[agent.ID()] = agent
	return replaced
}

// Remove drops an agent if it is still the registered session for its id.
func (f *Fleet) Remove(agent *Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if current, ok := f.agents[agent.ID()]; ok && current == agent {
		delete(f.agents, agent.ID())
	}
}

// Get returns the agent for id, or nil.
func (f *Fleet) Get(id wsrpc.WorkerID) *Agent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.agents[id]
}

// All returns connected agents sorted by id for deterministic iteration.
func (f *Fleet) All() []*Agent {
	f.mu.RLock()
	agents := make([]*Agent, 0, len(f.agents))
	for _, agent := range f.agents {
		if agent.Connected() {
			agents = append(agents, agent)
		}
	}
	f.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID() < agents[j].ID() })
	return agents
}

// Count returns the number of connected agents.
func (f *Fleet) Count() int {
	return len(f.All())
}
