package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"parcel/internal/config"
	"parcel/internal/logging"
	"parcel/internal/wsrpc"
)

// Runner keeps a worker connected: one session to the workforce for
// registration and liveness, plus one direct session per expectation
// manager the workforce introduces.
type Runner struct {
	worker *Worker
	cfg    config.Worker
	logger *slog.Logger

	mu       sync.Mutex
	managers map[wsrpc.ManagerID]*wsrpc.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner wraps a worker runtime with its network glue.
func NewRunner(w *Worker, cfg config.Worker, logger *slog.Logger) *Runner {
	return &Runner{
		worker:   w,
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "worker-runner"),
		managers: make(map[wsrpc.ManagerID]*wsrpc.Conn),
	}
}

// Start launches the workforce connection loop.
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		backoff := time.Second
		for runCtx.Err() == nil {
			if err := r.workforceSession(runCtx); err != nil && runCtx.Err() == nil {
				r.logger.Warn("workforce session ended",
					logging.Error(err),
					logging.Duration("redial_in", backoff),
					logging.String(logging.FieldEventType, "workforce_session_lost"),
					logging.String(logging.FieldErrorHint, "check the workforce endpoint"))
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

// Stop tears down all sessions and running jobs.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	conns := make([]*wsrpc.Conn, 0, len(r.managers))
	for _, conn := range r.managers {
		conns = append(conns, conn)
	}
	r.managers = make(map[wsrpc.ManagerID]*wsrpc.Conn)
	r.mu.Unlock()
	// Closed outside the lock: each session's OnClose callback takes r.mu.
	for _, conn := range conns {
		_ = conn.Close()
	}

	r.worker.Shutdown()
}

func (r *Runner) workforceSession(ctx context.Context) error {
	conn, err := wsrpc.Dial(ctx, r.cfg.WorkforceURL, r.logger, wsrpc.DefaultCallTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.Handle(wsrpc.MethodManagerJoined, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.ManagerJoinedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		r.ensureManagerSession(p.Manager)
		return wsrpc.NotifyResult{OK: true}, nil
	})
	conn.Handle(wsrpc.MethodPeerDisconnected, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.PeerDisconnectedParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		r.dropManagerSession(wsrpc.ManagerID(p.ID))
		return wsrpc.NotifyResult{OK: true}, nil
	})

	go conn.Serve(ctx)

	var registered wsrpc.RegisterWorkerResult
	err = conn.Call(ctx, wsrpc.MethodRegisterWorker, wsrpc.RegisterWorkerParams{
		ID:           r.worker.ID(),
		Capabilities: r.worker.Capabilities(),
	}, &registered)
	if err != nil {
		return fmt.Errorf("register with workforce: %w", err)
	}
	r.logger.Info("registered with workforce",
		logging.Int("known_managers", len(registered.Managers)),
		logging.String(logging.FieldEventType, "workforce_registered"))

	for _, manager := range registered.Managers {
		r.ensureManagerSession(manager)
	}

	heartbeat := time.NewTicker(r.cfg.HeartbeatDuration())
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Notify(context.Background(), wsrpc.MethodUnregister, wsrpc.UnregisterParams{ID: string(r.worker.ID())})
			return nil
		case <-conn.Done():
			return wsrpc.ErrClosed
		case <-heartbeat.C:
			var hb wsrpc.HeartbeatResult
			if err := conn.Call(ctx, wsrpc.MethodHeartbeat, wsrpc.HeartbeatParams{ID: string(r.worker.ID())}, &hb); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) ensureManagerSession(manager wsrpc.ManagerEndpoint) {
	r.mu.Lock()
	if _, connected := r.managers[manager.ID]; connected {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := wsrpc.Dial(ctx, manager.Endpoint, r.logger, wsrpc.DefaultCallTimeout)
	if err != nil {
		r.logger.Warn("manager dial failed",
			logging.String(logging.FieldManagerID, string(manager.ID)),
			logging.String("endpoint", manager.Endpoint),
			logging.Error(err),
			logging.String(logging.FieldEventType, "manager_dial_failed"),
			logging.String(logging.FieldErrorHint, "the workforce will reintroduce the manager"))
		return
	}

	r.registerHandlers(conn)
	conn.OnClose(func(error) {
		r.dropManagerSessionConn(manager.ID, conn)
	})

	go conn.Serve(context.Background())

	var hello wsrpc.WorkerHelloResult
	err = conn.Call(ctx, wsrpc.MethodWorkerHello, wsrpc.WorkerHelloParams{
		WorkerID:     r.worker.ID(),
		Capabilities: r.worker.Capabilities(),
	}, &hello)
	if err != nil {
		r.logger.Warn("manager hello failed",
			logging.String(logging.FieldManagerID, string(manager.ID)),
			logging.Error(err),
			logging.String(logging.FieldEventType, "manager_hello_failed"),
			logging.String(logging.FieldErrorHint, "the workforce will reintroduce the manager"))
		_ = conn.Close()
		return
	}

	r.mu.Lock()
	previous := r.managers[manager.ID]
	r.managers[manager.ID] = conn
	r.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}

	r.logger.Info("manager session established",
		logging.String(logging.FieldManagerID, string(manager.ID)),
		logging.String(logging.FieldEventType, "manager_session"))
}

func (r *Runner) dropManagerSession(id wsrpc.ManagerID) {
	r.mu.Lock()
	conn := r.managers[id]
	delete(r.managers, id)
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (r *Runner) dropManagerSessionConn(id wsrpc.ManagerID, conn *wsrpc.Conn) {
	r.mu.Lock()
	if current, ok := r.managers[id]; ok && current == conn {
		delete(r.managers, id)
	}
	r.mu.Unlock()
}

func (r *Runner) registerHandlers(conn *wsrpc.Conn) {
	conn.Handle(wsrpc.MethodDoYouSupport, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.DoYouSupportParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return r.worker.DoYouSupport(p.Exp), nil
	})
	conn.Handle(wsrpc.MethodGetCost, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.GetCostParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return r.worker.GetCost(p.Exp), nil
	})
	conn.Handle(wsrpc.MethodIsReady, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.IsReadyParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return r.worker.IsReady(ctx, p.Exp)
	})
	conn.Handle(wsrpc.MethodIsFulfilled, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.IsFulfilledParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return r.worker.IsFulfilled(ctx, p.Exp, p.WasFulfilled)
	})
	conn.Handle(wsrpc.MethodWorkOn, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.WorkOnParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		workID, err := r.worker.WorkOn(p.Exp, r.emitFunc(conn))
		if err != nil {
			return nil, err
		}
		return wsrpc.WorkOnResult{WorkID: workID}, nil
	})
	conn.Handle(wsrpc.MethodRemove, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.RemoveParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return r.worker.Remove(ctx, p.Exp), nil
	})
	conn.Handle(wsrpc.MethodCancelWork, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.CancelWorkParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return wsrpc.CancelWorkResult{Cancelled: r.worker.CancelWork(p.WorkID)}, nil
	})
	conn.Handle(wsrpc.MethodRunContainerCron, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.RunContainerCronParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return r.worker.RunContainerCron(ctx, p.Container), nil
	})
}

func (r *Runner) emitFunc(conn *wsrpc.Conn) EventFunc {
	return func(event wsrpc.WorkEventParams) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var result wsrpc.WorkEventResult
		if err := conn.Call(ctx, wsrpc.MethodWorkEvent, event, &result); err != nil {
			r.logger.Debug("work event delivery failed",
				logging.String(logging.FieldWorkID, event.WorkID),
				logging.String("type", string(event.Type)),
				logging.Error(err))
		}
	}
}
