package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"parcel/internal/config"
	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/ipc"
	"parcel/internal/journal"
	"parcel/internal/logging"
	"parcel/internal/manager"
	"parcel/internal/status"
	"parcel/internal/tracker"
	"parcel/internal/worker"
	"parcel/internal/workeragent"
	"parcel/internal/workforce"
	"parcel/internal/wsrpc"
)

// Daemon supervises the enabled roles of one parcel process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock      *flock.Flock
	lockPath  string
	workforce *workforce.Service
	mgr       *manager.Manager
	runner    *worker.Runner
	publisher *status.Publisher
	journal   *journal.Store

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New constructs a daemon from validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	return &Daemon{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "daemon"),
	}
}

// Start acquires the instance lock and brings up the enabled roles.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}

	if err := os.MkdirAll(d.cfg.Paths.DataDir, 0o755); err != nil {
		return fmt.Errorf("ensure data directory: %w", err)
	}
	d.lockPath = filepath.Join(d.cfg.Paths.DataDir, "parceld.lock")
	d.lock = flock.New(d.lockPath)
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another parceld instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.startRoles(runCtx); err != nil {
		cancel()
		d.teardownLocked()
		return err
	}

	d.running = true
	d.logger.Info("daemon started",
		logging.Int("pid", os.Getpid()),
		logging.Bool("workforce", d.cfg.Workforce.Enabled),
		logging.Bool("manager", d.cfg.Manager.Enabled),
		logging.Bool("worker", d.cfg.Worker.Enabled),
		logging.String(logging.FieldEventType, "daemon_start"))
	return nil
}

func (d *Daemon) startRoles(ctx context.Context) error {
	if d.cfg.Workforce.Enabled {
		d.workforce = workforce.New(d.logger, d.cfg.Workforce.HeartbeatTimeoutDuration())
		if err := d.workforce.Listen(d.cfg.Workforce.Bind); err != nil {
			return err
		}
	}

	if d.cfg.Manager.Enabled {
		sinks := []status.Sink{status.LogSink{Logger: logging.NewComponentLogger(d.logger, "status")}}
		if d.cfg.Journal.Enabled {
			store, err := journal.Open(d.cfg.Journal.Path, d.cfg.Journal.MaxRows)
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			d.journal = store
			sinks = append(sinks, store)
		}
		d.publisher = status.NewPublisher(d.logger, d.cfg.Manager.StatusWindowDuration(), sinks...)
		d.publisher.Start(ctx)

		d.mgr = manager.New(d.cfg.Manager, tracker.NewStore(), workeragent.NewFleet(), d.publisher, d.logger)
		if err := d.mgr.ListenForWorkers(d.cfg.Manager.Bind); err != nil {
			return err
		}
		if err := d.mgr.Start(ctx); err != nil {
			return err
		}
		d.mgr.ConnectWorkforce(ctx, d.cfg.Manager.WorkforceURL)
	}

	if d.cfg.Worker.Enabled {
		executors := []worker.Executor{
			worker.NewLocalFolderExecutor(d.cfg.Worker.AllowedRoots),
			worker.NewHTTPTransferExecutor(),
		}
		capabilities := wsrpc.Capabilities{
			PackageTypes: []expectation.PackageType{
				expectation.TypeMediaFile,
				expectation.TypeJSONData,
			},
			AccessorTypes: []container.AccessorType{
				container.AccessorLocalFolder,
				container.AccessorFileShare,
				container.AccessorHTTP,
				container.AccessorHTTPProxy,
			},
			Concurrency: d.cfg.Worker.Concurrency,
			CostBase:    d.cfg.Worker.CostBase,
		}
		w := worker.New(d.cfg.Worker, capabilities, d.logger, executors...)
		d.runner = worker.NewRunner(w, d.cfg.Worker, d.logger)
		d.runner.Start(ctx)
	}

	return nil
}

// Stop brings all roles down and releases the lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.mu.Lock()
	d.teardownLocked()
	d.mu.Unlock()
	d.logger.Info("daemon stopped",
		logging.String(logging.FieldEventType, "daemon_stop"))
}

// teardownLocked stops the roles in dependency order. Caller holds d.mu.
func (d *Daemon) teardownLocked() {
	if d.runner != nil {
		d.runner.Stop()
		d.runner = nil
	}
	if d.mgr != nil {
		d.mgr.Stop()
		d.mgr = nil
	}
	if d.publisher != nil {
		d.publisher.Wait()
		d.publisher = nil
	}
	if d.journal != nil {
		_ = d.journal.Close()
		d.journal = nil
	}
	if d.workforce != nil {
		d.workforce.Close()
		d.workforce = nil
	}
	if d.lock != nil {
		_ = d.lock.Unlock()
		d.lock = nil
	}
}

// manager returns the manager role under the daemon lock; nil when the
// role is disabled or torn down.
func (d *Daemon) manager() *manager.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mgr
}

func (d *Daemon) journalStore() *journal.Store {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.journal
}

// Status implements ipc.Controller.
func (d *Daemon) Status(ctx context.Context) ipc.StatusResponse {
	d.mu.Lock()
	running := d.running
	mgr := d.mgr
	wf := d.workforce
	journalStore := d.journal
	d.mu.Unlock()

	resp := ipc.StatusResponse{
		Running:  running,
		PID:      os.Getpid(),
		LockPath: d.lockPath,
	}
	if wf != nil {
		resp.WorkforceEndpoint = wf.Endpoint()
	}
	if mgr != nil {
		resp.ManagerID = string(mgr.ID())
		resp.ManagerEndpoint = mgr.Endpoint()
		stats := mgr.Store().Stats()
		resp.ExpectationStats = make(map[string]int, len(stats))
		for state, count := range stats {
			resp.ExpectationStats[string(state)] = count
		}
		resp.Workers = d.ListWorkers()
		if err := mgr.LastError(); err != nil {
			resp.LastError = err.Error()
		}
	}
	if journalStore != nil {
		resp.JournalPath = journalStore.Path()
	}
	return resp
}

// Apply implements ipc.Controller: it stages the full desired set.
func (d *Daemon) Apply(ctx context.Context, exps []expectation.Expectation, containers []container.Container) error {
	mgr := d.manager()
	if mgr == nil {
		return errors.New("manager role is not enabled")
	}
	mgr.SubmitExpectations(exps)
	if containers != nil {
		mgr.SubmitContainers(containers)
	}
	return nil
}

// ListExpectations implements ipc.Controller.
func (d *Daemon) ListExpectations(states []expectation.State) []tracker.View {
	mgr := d.manager()
	if mgr == nil {
		return nil
	}
	views := mgr.Store().List()
	if len(states) == 0 {
		return views
	}
	wanted := make(map[expectation.State]struct{}, len(states))
	for _, state := range states {
		wanted[state] = struct{}{}
	}
	filtered := views[:0]
	for _, view := range views {
		if _, ok := wanted[view.State]; ok {
			filtered = append(filtered, view)
		}
	}
	return filtered
}

// GetExpectation implements ipc.Controller.
func (d *Daemon) GetExpectation(id expectation.ID) (tracker.View, bool) {
	mgr := d.manager()
	if mgr == nil {
		return tracker.View{}, false
	}
	return mgr.Store().Lookup(id)
}

// AbortExpectation implements ipc.Controller.
func (d *Daemon) AbortExpectation(id expectation.ID) error {
	mgr := d.manager()
	if mgr == nil {
		return errors.New("manager role is not enabled")
	}
	if _, ok := mgr.Store().Lookup(id); !ok {
		return fmt.Errorf("expectation %s not found", id)
	}
	mgr.Abort(id)
	return nil
}

// RestartExpectation implements ipc.Controller.
func (d *Daemon) RestartExpectation(id expectation.ID) error {
	mgr := d.manager()
	if mgr == nil {
		return errors.New("manager role is not enabled")
	}
	if _, ok := mgr.Store().Lookup(id); !ok {
		return fmt.Errorf("expectation %s not found", id)
	}
	mgr.Restart(id)
	return nil
}

// ListWorkers implements ipc.Controller.
func (d *Daemon) ListWorkers() []ipc.WorkerStatus {
	mgr := d.manager()
	if mgr == nil {
		return nil
	}
	agents := mgr.Fleet().All()
	workers := make([]ipc.WorkerStatus, 0, len(agents))
	for _, agent := range agents {
		workers = append(workers, ipc.WorkerStatus{
			ID:          string(agent.ID()),
			Concurrency: agent.Capabilities().Concurrency,
			Assignments: agent.AssignmentCount(),
			Connected:   agent.Connected(),
		})
	}
	return workers
}

// JournalTail implements ipc.Controller.
func (d *Daemon) JournalTail(ctx context.Context, id expectation.ID, limit int) ([]ipc.JournalEntry, error) {
	journalStore := d.journalStore()
	if journalStore == nil {
		return nil, errors.New("journal is not enabled")
	}
	entries, err := journalStore.Tail(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ipc.JournalEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, ipc.JournalEntry{
			ExpectationID: string(entry.ExpectationID),
			ContainerID:   string(entry.ContainerID),
			State:         string(entry.State),
			ReasonUser:    entry.Reason.User,
			ReasonTech:    entry.Reason.Tech,
			Progress:      entry.Progress,
			IsError:       entry.IsError,
			At:            entry.At,
		})
	}
	return out, nil
}
