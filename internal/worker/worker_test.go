package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parcel/internal/config"
	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/worker"
	"parcel/internal/wsrpc"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []wsrpc.WorkEventParams
}

func (r *eventRecorder) emit(event wsrpc.WorkEventParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) terminal() (wsrpc.WorkEventParams, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.Type == wsrpc.WorkEventDone || event.Type == wsrpc.WorkEventError {
			return event, true
		}
	}
	return wsrpc.WorkEventParams{}, false
}

func newTestWorker(t *testing.T) *worker.Worker {
	t.Helper()
	cfg := config.Default().Worker
	cfg.ID = "w1"
	cfg.Concurrency = 1
	capabilities := wsrpc.Capabilities{
		PackageTypes:  []expectation.PackageType{expectation.TypeMediaFile, expectation.TypeJSONData},
		AccessorTypes: []container.AccessorType{container.AccessorLocalFolder},
		Concurrency:   1,
		CostBase:      10,
	}
	w := worker.New(cfg, capabilities, nil, worker.NewLocalFolderExecutor(nil))
	t.Cleanup(w.Shutdown)
	return w
}

func TestWorkOnCompletesAndStreamsEvents(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "a.mp4"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	w := newTestWorker(t)
	exp := copyExpectation(t, sourceDir, targetDir, "a.mp4")
	recorder := &eventRecorder{}

	workID, err := w.WorkOn(exp, recorder.emit)
	if err != nil {
		t.Fatalf("WorkOn failed: %v", err)
	}
	if workID == "" {
		t.Fatal("expected a work id")
	}

	deadline := time.After(5 * time.Second)
	for {
		if event, ok := recorder.terminal(); ok {
			if event.Type != wsrpc.WorkEventDone {
				t.Fatalf("expected done event, got %+v", event)
			}
			if event.WorkID != workID {
				t.Fatalf("event work id %s, want %s", event.WorkID, workID)
			}
			if event.ActualVersionHash == "" {
				t.Fatal("expected a version hash on done")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestWorkOnEnforcesConcurrency(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	// A large-ish file so the first job is still running when the second is
	// requested.
	payload := make([]byte, 8<<20)
	if err := os.WriteFile(filepath.Join(sourceDir, "big.mp4"), payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	w := newTestWorker(t)
	recorder := &eventRecorder{}

	first := copyExpectation(t, sourceDir, targetDir, "big.mp4")
	if _, err := w.WorkOn(first, recorder.emit); err != nil {
		t.Fatalf("first WorkOn failed: %v", err)
	}

	second := copyExpectation(t, sourceDir, targetDir, "big.mp4")
	second.ID = "exp-second"
	if _, err := w.WorkOn(second, recorder.emit); err == nil {
		// The first job may already have finished on a fast machine; only a
		// still-active first job must cause rejection.
		if w.ActiveCount() > 1 {
			t.Fatal("expected capacity rejection while first job runs")
		}
	}
}

func TestDoYouSupportChecksExecutors(t *testing.T) {
	w := newTestWorker(t)

	exp := copyExpectation(t, t.TempDir(), t.TempDir(), "a.mp4")
	if result := w.DoYouSupport(exp); !result.Support {
		t.Fatalf("expected support, got %+v", result)
	}

	httpOnly := copyExpectation(t, t.TempDir(), t.TempDir(), "a.mp4")
	httpOnly.StartRequirement.Containers[0].Accessors = map[container.AccessorID]container.Accessor{
		"http": {Type: container.AccessorHTTP, AllowRead: true, BaseURL: "http://example.test/media"},
	}
	if result := w.DoYouSupport(httpOnly); result.Support {
		t.Fatal("expected http-only source to be unsupported")
	}
	if result := w.DoYouSupport(expectation.Expectation{}); result.Support {
		t.Fatal("expected invalid expectation to be unsupported")
	}
}

func TestGetCostGrowsWithLoad(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	payload := make([]byte, 8<<20)
	if err := os.WriteFile(filepath.Join(sourceDir, "big.mp4"), payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	w := newTestWorker(t)
	exp := copyExpectation(t, sourceDir, targetDir, "big.mp4")

	idleCost := w.GetCost(exp).Cost
	recorder := &eventRecorder{}
	if _, err := w.WorkOn(exp, recorder.emit); err != nil {
		t.Fatalf("WorkOn failed: %v", err)
	}
	if w.ActiveCount() == 1 {
		busyCost := w.GetCost(exp).Cost
		if busyCost <= idleCost {
			t.Fatalf("expected busy cost %f above idle cost %f", busyCost, idleCost)
		}
	}
}

func TestCancelWorkStopsJob(t *testing.T) {
	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	payload := make([]byte, 32<<20)
	if err := os.WriteFile(filepath.Join(sourceDir, "huge.mp4"), payload, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	w := newTestWorker(t)
	recorder := &eventRecorder{}
	exp := copyExpectation(t, sourceDir, targetDir, "huge.mp4")

	workID, err := w.WorkOn(exp, recorder.emit)
	if err != nil {
		t.Fatalf("WorkOn failed: %v", err)
	}
	w.CancelWork(workID)

	deadline := time.After(5 * time.Second)
	for w.ActiveCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cancel")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if w.CancelWork("nope") {
		t.Fatal("expected unknown work id to be a no-op")
	}
}

func TestRunContainerCronRequiresCleaner(t *testing.T) {
	w := newTestWorker(t)
	cont := container.Container{
		ID: "c1",
		Accessors: map[container.AccessorID]container.Accessor{
			"local": {Type: container.AccessorLocalFolder, AllowWrite: true, FolderPath: t.TempDir()},
		},
		Cron: container.CronSettings{RetentionTime: time.Hour},
	}
	result := w.RunContainerCron(context.Background(), cont)
	if !result.OK {
		t.Fatalf("expected cron to run via local folder executor, got %+v", result)
	}
}
