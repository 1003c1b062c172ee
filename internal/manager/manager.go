package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parcel/internal/config"
	"parcel/internal/container"
	"parcel/internal/deferred"
	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/status"
	"parcel/internal/tracker"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

// command is an operator request applied on the evaluation loop.
type command struct {
	abort   expectation.ID
	restart expectation.ID
}

// Manager runs the expectation lifecycle engine for one tenant.
type Manager struct {
	cfg       config.Manager
	logger    *slog.Logger
	store     *tracker.Store
	fleet     *workeragent.Fleet
	publisher *status.Publisher

	// probes coalesces identical worker questions issued close together.
	probes *deferred.Gets[wsrpc.DoYouSupportResult]
	costs  *deferred.Gets[wsrpc.GetCostResult]

	workEvents  chan wsrpc.WorkEventParams
	disconnects chan wsrpc.WorkerID
	commands    chan command

	server        *wsrpc.Server
	workforceStop context.CancelFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New constructs a manager around its collaborators. The publisher may be
// nil for tests that do not observe status.
func New(cfg config.Manager, store *tracker.Store, fleet *workeragent.Fleet, publisher *status.Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		logger:      logging.NewComponentLogger(logger, "manager"),
		store:       store,
		fleet:       fleet,
		publisher:   publisher,
		probes:      deferred.NewGets[wsrpc.DoYouSupportResult](),
		costs:       deferred.NewGets[wsrpc.GetCostResult](),
		workEvents:  make(chan wsrpc.WorkEventParams, 256),
		disconnects: make(chan wsrpc.WorkerID, 64),
		commands:    make(chan command, 64),
	}
}

// ID returns the manager identity.
func (m *Manager) ID() wsrpc.ManagerID {
	return wsrpc.ManagerID(m.cfg.ID)
}

// Store exposes the tracked tables for read access (CLI, daemon status).
func (m *Manager) Store() *tracker.Store {
	return m.store
}

// Fleet exposes the connected worker set.
func (m *Manager) Fleet() *workeragent.Fleet {
	return m.fleet
}

// Start launches the evaluation loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("manager already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLoop(runCtx)
	}()
	return nil
}

// Stop terminates the loop and any network frontends, then waits.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if m.workforceStop != nil {
		m.workforceStop()
	}
	cancel()
	m.wg.Wait()
	if m.server != nil {
		m.server.Close()
	}
}

// Running reports whether the evaluation loop is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastError returns the most recent internal error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

// SubmitExpectations stages a full desired expectation set (the upstream
// expectations-in channel).
func (m *Manager) SubmitExpectations(set []expectation.Expectation) {
	m.store.SubmitExpectations(set)
}

// SubmitContainers stages the desired package-container set.
func (m *Manager) SubmitContainers(set []container.Container) {
	m.store.SubmitContainers(set)
}

// Abort requests a best-effort abort of one expectation. Terminal until the
// upstream set removes or restarts it.
func (m *Manager) Abort(id expectation.ID) {
	select {
	case m.commands <- command{abort: id}:
	default:
	}
	m.store.MarkDirty(id)
}

// Restart requests a restart of one expectation: running work is cancelled
// and the lifecycle begins again from NEW.
func (m *Manager) Restart(id expectation.ID) {
	select {
	case m.commands <- command{restart: id}:
	default:
	}
	m.store.MarkDirty(id)
}

// HandleWorkEvent queues a streamed worker job event for the loop.
func (m *Manager) HandleWorkEvent(event wsrpc.WorkEventParams) {
	select {
	case m.workEvents <- event:
		return
	default:
	}
	if event.Type == wsrpc.WorkEventProgress {
		// A full queue means the loop is behind; progress events are safe
		// to shed, terminal events are not.
		return
	}
	select {
	case m.workEvents <- event:
	case <-time.After(5 * time.Second):
	}
}

// HandleWorkerDisconnect queues a worker-loss notification for the loop.
func (m *Manager) HandleWorkerDisconnect(id wsrpc.WorkerID) {
	select {
	case m.disconnects <- id:
	default:
	}
}

func (m *Manager) now() time.Time {
	return time.Now().UTC()
}
