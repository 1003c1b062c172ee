package manager_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"parcel/internal/config"
	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/manager"
	"parcel/internal/status"
	"parcel/internal/tracker"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

// fakeWorker scripts one worker's answers to the RPC contract. It stands in
// for a live websocket session.
type fakeWorker struct {
	id wsrpc.WorkerID

	mu          sync.Mutex
	supports    bool
	ready       bool
	fulfilled   map[expectation.ID]bool
	cost        float64
	rejectWork  bool
	transportUp bool
	workSeq     int
	workIDs     map[string]expectation.ID
	removed     []expectation.ID
}

func newFakeWorker(id string) *fakeWorker {
	return &fakeWorker{
		id:          wsrpc.WorkerID(id),
		supports:    true,
		ready:       true,
		fulfilled:   make(map[expectation.ID]bool),
		cost:        10,
		transportUp: true,
		workIDs:     make(map[string]expectation.ID),
	}
}

func (f *fakeWorker) set(mutate func(*fakeWorker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f)
}

func (f *fakeWorker) Call(ctx context.Context, method string, params, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.transportUp {
		return errors.New("connection refused")
	}

	switch method {
	case wsrpc.MethodDoYouSupport:
		*(result.(*wsrpc.DoYouSupportResult)) = wsrpc.DoYouSupportResult{
			Support: f.supports,
			Reason:  expectation.NewReason("scripted", ""),
		}
	case wsrpc.MethodGetCost:
		*(result.(*wsrpc.GetCostResult)) = wsrpc.GetCostResult{Cost: f.cost}
	case wsrpc.MethodIsReady:
		*(result.(*wsrpc.IsReadyResult)) = wsrpc.IsReadyResult{
			Ready:        f.ready,
			SourceExists: true,
			Reason:       expectation.NewReason("scripted", ""),
		}
	case wsrpc.MethodIsFulfilled:
		p := params.(wsrpc.IsFulfilledParams)
		fulfilled := f.fulfilled[p.Exp.ID]
		out := wsrpc.IsFulfilledResult{Fulfilled: fulfilled}
		if fulfilled {
			out.ActualVersionHash = p.Exp.ContentVersionHash
		} else {
			out.Reason = expectation.NewReason("Target missing", "")
		}
		*(result.(*wsrpc.IsFulfilledResult)) = out
	case wsrpc.MethodWorkOn:
		if f.rejectWork {
			return &wsrpc.CallError{Method: method, Message: "worker is at capacity"}
		}
		p := params.(wsrpc.WorkOnParams)
		f.workSeq++
		workID := fmt.Sprintf("%s-work-%d", f.id, f.workSeq)
		f.workIDs[workID] = p.Exp.ID
		*(result.(*wsrpc.WorkOnResult)) = wsrpc.WorkOnResult{WorkID: workID}
	case wsrpc.MethodRemove:
		p := params.(wsrpc.RemoveParams)
		f.removed = append(f.removed, p.Exp.ID)
		*(result.(*wsrpc.RemoveResult)) = wsrpc.RemoveResult{Removed: true}
	case wsrpc.MethodCancelWork:
		*(result.(*wsrpc.CancelWorkResult)) = wsrpc.CancelWorkResult{Cancelled: true}
	case wsrpc.MethodRunContainerCron:
		*(result.(*wsrpc.RunContainerCronResult)) = wsrpc.RunContainerCronResult{OK: true}
	default:
		return &wsrpc.CallError{Method: method, Message: "unknown method"}
	}
	return nil
}

func (f *fakeWorker) Close() error { return nil }

func (f *fakeWorker) lastWorkID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%s-work-%d", f.id, f.workSeq)
}

type harness struct {
	mgr   *manager.Manager
	store *tracker.Store
	fleet *workeragent.Fleet
	sink  *memorySink
}

type memorySink struct {
	mu      sync.Mutex
	updates []status.Update
}

func (s *memorySink) PublishStatus(_ context.Context, updates []status.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updates...)
	return nil
}

func (s *memorySink) statesFor(id expectation.ID) []expectation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	var states []expectation.State
	for _, update := range s.updates {
		if update.ExpectationID != id {
			continue
		}
		if len(states) == 0 || states[len(states)-1] != update.State {
			states = append(states, update.State)
		}
	}
	return states
}

func testManagerConfig() config.Manager {
	cfg := config.Default().Manager
	cfg.ID = "m-test"
	cfg.EvaluationInterval = 10
	cfg.CallTimeout = 1000
	cfg.BackoffBase = 1
	cfg.BackoffMax = 2
	cfg.ReverifyInterval = 3600
	cfg.WorkerGrace = 3600
	cfg.StatusWindow = 10
	return cfg
}

func newHarness(t *testing.T, cfg config.Manager) *harness {
	t.Helper()
	store := tracker.NewStore()
	fleet := workeragent.NewFleet()
	sink := &memorySink{}
	publisher := status.NewPublisher(nil, cfg.StatusWindowDuration(), sink)
	mgr := manager.New(cfg, store, fleet, publisher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	publisher.Start(ctx)
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		mgr.Stop()
		cancel()
		publisher.Wait()
	})
	return &harness{mgr: mgr, store: store, fleet: fleet, sink: sink}
}

func (h *harness) addWorker(fake *fakeWorker, concurrency int) *workeragent.Agent {
	agent := workeragent.New(fake.id, wsrpc.Capabilities{
		PackageTypes:  []expectation.PackageType{expectation.TypeMediaFile},
		AccessorTypes: []container.AccessorType{container.AccessorLocalFolder},
		Concurrency:   concurrency,
		CostBase:      fake.cost,
	}, fake)
	h.fleet.Add(agent)
	return agent
}

func waitForState(t *testing.T, store *tracker.Store, id expectation.ID, want expectation.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if view, ok := store.Lookup(id); ok && view.State == want {
			return
		}
		select {
		case <-deadline:
			view, _ := store.Lookup(id)
			t.Fatalf("timed out waiting for %s to reach %s (currently %s, reason %q)",
				id, want, view.State, view.Reason.User)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func mediaExpectation(id string, priority int) expectation.Expectation {
	return expectation.Expectation{
		ID:           expectation.ID(id),
		Priority:     priority,
		Type:         expectation.TypeMediaFile,
		StatusReport: expectation.StatusReport{SendReport: true, Label: id},
		StartRequirement: expectation.Requirement{
			Containers: []expectation.ContainerRef{{
				ContainerID: "source",
				Accessors: map[container.AccessorID]container.Accessor{
					"local": {Type: container.AccessorLocalFolder, AllowRead: true, FolderPath: "/media/src"},
				},
			}},
			Content: expectation.Content{FilePath: id + ".mp4"},
		},
		EndRequirement: expectation.Requirement{
			Containers: []expectation.ContainerRef{{
				ContainerID: "target",
				Accessors: map[container.AccessorID]container.Accessor{
					"local": {Type: container.AccessorLocalFolder, AllowWrite: true, FolderPath: "/media/dst"},
				},
			}},
			Content: expectation.Content{FilePath: id + ".mp4"},
		},
		ContentVersionHash: "h1",
	}
}

func TestSingleMediaCopyLifecycle(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	h.mgr.SubmitExpectations([]expectation.Expectation{mediaExpectation("exp1", 5)})

	waitForState(t, h.store, "exp1", expectation.StateWorking)

	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		Progress:          1,
		ActualVersionHash: "h1",
	})

	waitForState(t, h.store, "exp1", expectation.StateFulfilled)
	view, _ := h.store.Lookup("exp1")
	if view.ActualVersionHash != "h1" {
		t.Fatalf("expected actual version hash h1, got %q", view.ActualVersionHash)
	}
	if view.ErrorCount != 0 {
		t.Fatalf("expected no errors, got %d", view.ErrorCount)
	}

	// The published stream must end at FULFILLED.
	deadline := time.After(5 * time.Second)
	for {
		states := h.sink.statesFor("exp1")
		if len(states) > 0 && states[len(states)-1] == expectation.StateFulfilled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("published stream never reached FULFILLED: %v", h.sink.statesFor("exp1"))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestNoWorkerSupportsStaysNew(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	fake.set(func(f *fakeWorker) { f.supports = false })
	h.addWorker(fake, 1)

	h.mgr.SubmitExpectations([]expectation.Expectation{mediaExpectation("exp1", 5)})

	deadline := time.After(time.Second)
	for {
		view, ok := h.store.Lookup("exp1")
		if ok && strings.Contains(view.Reason.User, "No worker supports") {
			if view.State != expectation.StateNew {
				t.Fatalf("expected NEW, got %s", view.State)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never saw the no-support reason, currently %+v", view)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Must never reach WORKING.
	time.Sleep(100 * time.Millisecond)
	view, _ := h.store.Lookup("exp1")
	if view.State != expectation.StateNew {
		t.Fatalf("expected to stay NEW, got %s", view.State)
	}
}

func TestDependencyChainHoldsUntilFulfilled(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 2)

	exp0 := mediaExpectation("exp0", 5)
	exp1 := mediaExpectation("exp1", 5)
	exp1.DependsOnFulfilled = []expectation.ID{"exp0"}
	// Scripted so exp0 needs actual work first.
	fake.set(func(f *fakeWorker) { f.ready = true })

	h.mgr.SubmitExpectations([]expectation.Expectation{exp0, exp1})

	waitForState(t, h.store, "exp0", expectation.StateWorking)

	// exp1 must be parked on its dependency the whole time.
	view, _ := h.store.Lookup("exp1")
	if view.State != expectation.StateNew {
		t.Fatalf("expected exp1 to stay NEW while exp0 is unfinished, got %s", view.State)
	}
	if !strings.Contains(view.Reason.User, "Waiting for exp0") {
		t.Fatalf("expected dependency reason, got %q", view.Reason.User)
	}

	fake.set(func(f *fakeWorker) { f.fulfilled["exp0"] = true })
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp0", expectation.StateFulfilled)

	waitForState(t, h.store, "exp1", expectation.StateWorking)
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)
}

func TestReverificationFailureRedoesPipeline(t *testing.T) {
	cfg := testManagerConfig()
	cfg.ReverifyInterval = 0 // re-verify on every tick
	h := newHarness(t, cfg)
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	h.mgr.SubmitExpectations([]expectation.Expectation{mediaExpectation("exp1", 5)})
	waitForState(t, h.store, "exp1", expectation.StateWorking)
	fake.set(func(f *fakeWorker) { f.fulfilled["exp1"] = true })
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)

	// Re-verification says the target is gone: the whole pipeline re-runs.
	fake.set(func(f *fakeWorker) { f.fulfilled["exp1"] = false })
	waitForState(t, h.store, "exp1", expectation.StateWorking)
	fake.set(func(f *fakeWorker) { f.fulfilled["exp1"] = true })
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)
}

func TestWorkerDisconnectDuringWorkRecovers(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	h.mgr.SubmitExpectations([]expectation.Expectation{mediaExpectation("exp1", 5)})
	waitForState(t, h.store, "exp1", expectation.StateWorking)

	h.mgr.HandleWorkerDisconnect(fake.id)
	waitForState(t, h.store, "exp1", expectation.StateNew)

	view, _ := h.store.Lookup("exp1")
	if view.ErrorCount != 0 {
		t.Fatalf("disconnect must not count as a worker error, got %d", view.ErrorCount)
	}

	// A fresh worker picks the expectation up and completes it.
	replacement := newFakeWorker("w2")
	h.addWorker(replacement, 1)
	waitForState(t, h.store, "exp1", expectation.StateWorking)
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          replacement.id,
		WorkID:            replacement.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)
}

func TestPriorityBiasGivesUrgentWorkTheWorker(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	expHi := mediaExpectation("exp-hi", 1)
	expLo := mediaExpectation("exp-lo", 10)
	h.mgr.SubmitExpectations([]expectation.Expectation{expLo, expHi})

	waitForState(t, h.store, "exp-hi", expectation.StateWorking)

	view, _ := h.store.Lookup("exp-lo")
	switch view.State {
	case expectation.StateNew, expectation.StateWaiting:
	default:
		t.Fatalf("expected exp-lo held back, got %s", view.State)
	}

	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp-hi", expectation.StateFulfilled)
	waitForState(t, h.store, "exp-lo", expectation.StateWorking)
}

func TestWorkErrorCountsAndBacksOff(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	h.mgr.SubmitExpectations([]expectation.Expectation{mediaExpectation("exp1", 5)})
	waitForState(t, h.store, "exp1", expectation.StateWorking)

	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID: fake.id,
		WorkID:   fake.lastWorkID(),
		Type:     wsrpc.WorkEventError,
		Reason:   expectation.NewReason("Disk full", "no space left on device"),
	})
	waitForState(t, h.store, "exp1", expectation.StateNew)

	view, _ := h.store.Lookup("exp1")
	if view.ErrorCount != 1 {
		t.Fatalf("expected one counted error, got %d", view.ErrorCount)
	}
	if !strings.Contains(view.LastError, "no space left") {
		t.Fatalf("expected tech reason retained, got %q", view.LastError)
	}
}

func TestRestartOnDefinitionChange(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	exp := mediaExpectation("exp1", 5)
	h.mgr.SubmitExpectations([]expectation.Expectation{exp})
	waitForState(t, h.store, "exp1", expectation.StateWorking)
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)

	changed := mediaExpectation("exp1", 5)
	changed.ContentVersionHash = "h2"
	h.mgr.SubmitExpectations([]expectation.Expectation{changed})

	waitForState(t, h.store, "exp1", expectation.StateWorking)
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h2",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)

	view, _ := h.store.Lookup("exp1")
	if view.ActualVersionHash != "h2" {
		t.Fatalf("expected new version hash, got %q", view.ActualVersionHash)
	}
}

func TestRemovedExpectationRemovesPackageAndRecord(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	exp := mediaExpectation("exp1", 5)
	exp.WorkOptions.RemovePackage = true
	h.mgr.SubmitExpectations([]expectation.Expectation{exp})
	waitForState(t, h.store, "exp1", expectation.StateWorking)
	h.mgr.HandleWorkEvent(wsrpc.WorkEventParams{
		WorkerID:          fake.id,
		WorkID:            fake.lastWorkID(),
		Type:              wsrpc.WorkEventDone,
		ActualVersionHash: "h1",
	})
	waitForState(t, h.store, "exp1", expectation.StateFulfilled)

	h.mgr.SubmitExpectations([]expectation.Expectation{})

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := h.store.Lookup("exp1"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected tracked record deleted after removal")
		case <-time.After(5 * time.Millisecond):
		}
	}

	fake.mu.Lock()
	removed := len(fake.removed)
	fake.mu.Unlock()
	if removed != 1 {
		t.Fatalf("expected one remove call, got %d", removed)
	}
}

func TestAbortIsTerminalUntilRestart(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	h.mgr.SubmitExpectations([]expectation.Expectation{mediaExpectation("exp1", 5)})
	waitForState(t, h.store, "exp1", expectation.StateWorking)

	h.mgr.Abort("exp1")
	waitForState(t, h.store, "exp1", expectation.StateAborted)

	// Stays aborted across ticks.
	time.Sleep(100 * time.Millisecond)
	view, _ := h.store.Lookup("exp1")
	if view.State != expectation.StateAborted {
		t.Fatalf("expected ABORTED to be terminal, got %s", view.State)
	}

	h.mgr.Restart("exp1")
	waitForState(t, h.store, "exp1", expectation.StateWorking)
}

func TestInvalidExpectationIsTerminalConfigError(t *testing.T) {
	h := newHarness(t, testManagerConfig())
	fake := newFakeWorker("w1")
	h.addWorker(fake, 1)

	invalid := mediaExpectation("exp1", 5)
	invalid.EndRequirement.Containers = nil
	h.mgr.SubmitExpectations([]expectation.Expectation{invalid})

	deadline := time.After(time.Second)
	for {
		view, ok := h.store.Lookup("exp1")
		if ok && strings.Contains(view.Reason.User, "invalid") {
			if view.State != expectation.StateNew {
				t.Fatalf("expected parked NEW state, got %s", view.State)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("never saw the invalid-expectation reason")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
