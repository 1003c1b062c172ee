package expectation

import "strings"

// State represents the lifecycle of a tracked expectation.
type State string

const (
	StateNew       State = "NEW"
	StateWaiting   State = "WAITING"
	StateReady     State = "READY"
	StateWorking   State = "WORKING"
	StateFulfilled State = "FULFILLED"
	StateRemoved   State = "REMOVED"
	StateRestarted State = "RESTARTED"
	StateAborted   State = "ABORTED"
)

var allStates = []State{
	StateNew,
	StateWaiting,
	StateReady,
	StateWorking,
	StateFulfilled,
	StateRemoved,
	StateRestarted,
	StateAborted,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// evaluationOrder ranks states for snapshot iteration. Fulfilled first: its
// re-verification is cheap and frees worker capacity before anything else
// competes for it.
var evaluationOrder = map[State]int{
	StateFulfilled: 0,
	StateWorking:   1,
	StateReady:     2,
	StateWaiting:   3,
	StateNew:       4,
	StateRemoved:   5,
	StateRestarted: 6,
	StateAborted:   7,
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToUpper(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// EvaluationRank returns the state-class position used as the secondary sort
// key when snapshotting tracked expectations.
func (s State) EvaluationRank() int {
	rank, ok := evaluationOrder[s]
	if !ok {
		return len(evaluationOrder)
	}
	return rank
}

// IsAssigned reports whether the state implies an assigned worker session.
func (s State) IsAssigned() bool {
	switch s {
	case StateWaiting, StateReady, StateWorking:
		return true
	default:
		return false
	}
}

// Reason is the paired user/tech explanation attached to every transition.
// User is safe for operator UIs; Tech may carry diagnostic context.
type Reason struct {
	User string `json:"user"`
	Tech string `json:"tech"`
}

// NewReason builds a Reason whose tech text falls back to the user text.
func NewReason(user, tech string) Reason {
	if strings.TrimSpace(tech) == "" {
		tech = user
	}
	return Reason{User: user, Tech: tech}
}
