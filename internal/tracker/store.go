package tracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/wsrpc"
)

// Store is the authoritative in-memory table of tracked expectations and
// containers. Submissions may arrive from any goroutine; the diff against
// the tracked table is applied by the evaluation loop via ApplyPending.
type Store struct {
	mu sync.RWMutex

	expectations map[expectation.ID]*TrackedExpectation
	containers   map[container.ID]*TrackedContainer

	// views are copy-safe projections refreshed by the evaluation loop via
	// SyncView; external readers never touch the loop-owned records.
	views map[expectation.ID]View

	pendingExpectations []expectation.Expectation
	pendingContainers   []container.Container
	hasPendingExp       bool
	hasPendingCont      bool

	dirty map[expectation.ID]struct{}
	wake  chan struct{}
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		expectations: make(map[expectation.ID]*TrackedExpectation),
		containers:   make(map[container.ID]*TrackedContainer),
		views:        make(map[expectation.ID]View),
		dirty:        make(map[expectation.ID]struct{}),
		wake:         make(chan struct{}, 1),
	}
}

// SubmitExpectations stages a full desired expectation set for the next
// tick. The last submission before ApplyPending wins.
func (s *Store) SubmitExpectations(set []expectation.Expectation) {
	s.mu.Lock()
	s.pendingExpectations = append([]expectation.Expectation(nil), set...)
	s.hasPendingExp = true
	s.mu.Unlock()
	s.signalWake()
}

// SubmitContainers stages the full desired container set.
func (s *Store) SubmitContainers(set []container.Container) {
	s.mu.Lock()
	s.pendingContainers = append([]container.Container(nil), set...)
	s.hasPendingCont = true
	s.mu.Unlock()
	s.signalWake()
}

// IngestResult summarizes one applied diff.
type IngestResult struct {
	Added     []expectation.ID
	Restarted []expectation.ID
	Removed   []expectation.ID
}

// Empty reports whether the diff changed nothing.
func (r IngestResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Restarted) == 0 && len(r.Removed) == 0
}

// ApplyPending applies any staged submissions: unknown ids are inserted in
// NEW, changed definitions transition to RESTARTED, and tracked ids missing
// from the submission transition to REMOVED. Re-submitting an identical set
// is a no-op. Evaluation-loop only.
func (s *Store) ApplyPending(now time.Time) (IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result IngestResult
	if s.hasPendingCont {
		s.applyContainers(s.pendingContainers)
		s.pendingContainers = nil
		s.hasPendingCont = false
	}
	if !s.hasPendingExp {
		return result, nil
	}
	set := s.pendingExpectations
	s.pendingExpectations = nil
	s.hasPendingExp = false

	incoming := make(map[expectation.ID]struct{}, len(set))
	for _, exp := range set {
		incoming[exp.ID] = struct{}{}
		defHash, err := exp.DefinitionHash()
		if err != nil {
			return result, fmt.Errorf("tracker: hash expectation %s: %w", exp.ID, err)
		}

		tracked, known := s.expectations[exp.ID]
		if !known {
			s.expectations[exp.ID] = &TrackedExpectation{
				Exp:                exp,
				DefinitionHash:     defHash,
				State:              expectation.StateNew,
				Reason:             expectation.NewReason("Not yet evaluated", ""),
				AvailableWorkers:   make(map[wsrpc.WorkerID]time.Time),
				UnavailableWorkers: make(map[wsrpc.WorkerID]time.Time),
				QueriedWorkers:     make(map[wsrpc.WorkerID]time.Time),
				NextEvaluation:     now,
			}
			s.views[exp.ID] = s.expectations[exp.ID].view()
			result.Added = append(result.Added, exp.ID)
			s.dirty[exp.ID] = struct{}{}
			continue
		}
		if tracked.DefinitionHash == defHash {
			continue
		}
		tracked.Exp = exp
		tracked.DefinitionHash = defHash
		tracked.State = expectation.StateRestarted
		tracked.Reason = expectation.NewReason("Expectation changed, restarting", "definition hash changed")
		tracked.TerminalInvalid = false
		tracked.NextEvaluation = now
		s.views[exp.ID] = tracked.view()
		result.Restarted = append(result.Restarted, exp.ID)
		s.dirty[exp.ID] = struct{}{}
	}

	for id, tracked := range s.expectations {
		if _, stillWanted := incoming[id]; stillWanted {
			continue
		}
		if tracked.State == expectation.StateRemoved {
			continue
		}
		tracked.State = expectation.StateRemoved
		tracked.Reason = expectation.NewReason("Expectation removed upstream", "")
		tracked.NextEvaluation = now
		s.views[id] = tracked.view()
		result.Removed = append(result.Removed, id)
		s.dirty[id] = struct{}{}
	}

	sortIDs(result.Added)
	sortIDs(result.Restarted)
	sortIDs(result.Removed)
	return result, nil
}

func (s *Store) applyContainers(set []container.Container) {
	incoming := make(map[container.ID]struct{}, len(set))
	for _, cont := range set {
		incoming[cont.ID] = struct{}{}
		if tracked, known := s.containers[cont.ID]; known {
			tracked.Container = cont
			continue
		}
		s.containers[cont.ID] = &TrackedContainer{Container: cont}
	}
	for id := range s.containers {
		if _, stillWanted := incoming[id]; !stillWanted {
			delete(s.containers, id)
		}
	}
}

// Get returns the tracked expectation for loop-side mutation, or nil.
func (s *Store) Get(id expectation.ID) *TrackedExpectation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expectations[id]
}

// Delete removes a tracked expectation after graceful REMOVED processing.
func (s *Store) Delete(id expectation.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expectations, id)
	delete(s.views, id)
	delete(s.dirty, id)
}

// SyncView refreshes the copy-safe projection of one tracked expectation.
// Evaluation-loop only; a record already deleted is not resurrected.
func (s *Store) SyncView(tracked *TrackedExpectation) {
	if tracked == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.expectations[tracked.Exp.ID]; !exists {
		return
	}
	s.views[tracked.Exp.ID] = tracked.view()
}

// Snapshot returns all tracked expectations in evaluation order: priority
// ascending, then state class, then id. Evaluation-loop only; the pointers
// are the live records.
func (s *Store) Snapshot() []*TrackedExpectation {
	s.mu.RLock()
	snapshot := make([]*TrackedExpectation, 0, len(s.expectations))
	for _, tracked := range s.expectations {
		snapshot = append(snapshot, tracked)
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		a, b := snapshot[i], snapshot[j]
		if a.Exp.Priority != b.Exp.Priority {
			return a.Exp.Priority < b.Exp.Priority
		}
		if ra, rb := a.State.EvaluationRank(), b.State.EvaluationRank(); ra != rb {
			return ra < rb
		}
		return a.Exp.ID < b.Exp.ID
	})
	return snapshot
}

// List returns copy-safe views for read access outside the loop, sorted the
// same way as Snapshot.
func (s *Store) List() []View {
	s.mu.RLock()
	views := make([]View, 0, len(s.views))
	for _, view := range s.views {
		views = append(views, view)
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if ra, rb := a.State.EvaluationRank(), b.State.EvaluationRank(); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
	return views
}

// Lookup returns a copy-safe view of one expectation.
func (s *Store) Lookup(id expectation.ID) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[id]
	return view, ok
}

// MarkDirty forces re-evaluation of id on the next tick and wakes the loop.
// The tracked record itself is left alone: its fields belong to the
// evaluation loop, and the dirty set alone overrides NextEvaluation there.
func (s *Store) MarkDirty(ids ...expectation.ID) {
	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.expectations[id]; ok {
			s.dirty[id] = struct{}{}
		}
	}
	s.mu.Unlock()
	s.signalWake()
}

// ConsumeDirty reports and clears whether id was marked dirty.
func (s *Store) ConsumeDirty(id expectation.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[id]
	if ok {
		delete(s.dirty, id)
	}
	return ok
}

// HasDirty reports whether anything awaits immediate evaluation.
func (s *Store) HasDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) > 0 || s.hasPendingExp || s.hasPendingCont
}

// Wake returns the channel signaled on submissions and dirty marks.
func (s *Store) Wake() <-chan struct{} {
	return s.wake
}

// Containers returns the tracked containers for loop-side use.
func (s *Store) Containers() []*TrackedContainer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracked := make([]*TrackedContainer, 0, len(s.containers))
	for _, cont := range s.containers {
		tracked = append(tracked, cont)
	}
	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].Container.ID < tracked[j].Container.ID
	})
	return tracked
}

// Stats aggregates expectation counts per state.
func (s *Store) Stats() map[expectation.State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(map[expectation.State]int, len(s.views))
	for _, view := range s.views {
		stats[view.State]++
	}
	return stats
}

func (s *Store) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func sortIDs(ids []expectation.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
