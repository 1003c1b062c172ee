package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"parcel/internal/logging"
	"parcel/internal/workeragent"
	"parcel/internal/wsrpc"
)

// ListenForWorkers starts the endpoint workers dial after the workforce
// introduces them.
func (m *Manager) ListenForWorkers(bind string) error {
	server, err := wsrpc.Listen(bind, m.logger, m.cfg.CallTimeoutDuration(), m.acceptWorkerConn)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	m.server = server
	m.logger.Info("manager listening for workers",
		logging.String("endpoint", server.Endpoint()),
		logging.String(logging.FieldEventType, "manager_listen"))
	return nil
}

// Endpoint returns the worker-facing URL, once listening.
func (m *Manager) Endpoint() string {
	if m.server == nil {
		return ""
	}
	return m.server.Endpoint()
}

func (m *Manager) acceptWorkerConn(conn *wsrpc.Conn) {
	conn.Handle(wsrpc.MethodWorkerHello, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.WorkerHelloParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		if p.WorkerID == "" {
			return nil, fmt.Errorf("worker hello requires an id")
		}

		agent := workeragent.New(p.WorkerID, p.Capabilities, conn)
		if replaced := m.fleet.Add(agent); replaced != nil {
			_ = replaced.Close()
		}
		conn.OnClose(func(error) {
			// Only the session that still owns the id reports a disconnect;
			// a replaced session closing later must not evict its successor.
			if m.fleet.Get(agent.ID()) == agent {
				m.HandleWorkerDisconnect(agent.ID())
			}
		})

		m.logger.Info("worker session established",
			logging.String(logging.FieldWorkerID, string(p.WorkerID)),
			logging.Int("concurrency", p.Capabilities.Concurrency),
			logging.String(logging.FieldEventType, "worker_session"))
		return wsrpc.WorkerHelloResult{ManagerID: m.ID()}, nil
	})

	conn.Handle(wsrpc.MethodWorkEvent, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.WorkEventParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		m.HandleWorkEvent(p)
		return wsrpc.WorkEventResult{OK: true}, nil
	})
}

// ConnectWorkforce registers the manager with the workforce and keeps the
// registration alive, redialing with backoff for as long as ctx lives.
func (m *Manager) ConnectWorkforce(ctx context.Context, workforceURL string) {
	wfCtx, cancel := context.WithCancel(ctx)
	m.workforceStop = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		backoff := time.Second
		for wfCtx.Err() == nil {
			if err := m.workforceSession(wfCtx, workforceURL); err != nil && wfCtx.Err() == nil {
				m.logger.Warn("workforce session ended",
					logging.Error(err),
					logging.Duration("redial_in", backoff),
					logging.String(logging.FieldEventType, "workforce_session_lost"),
					logging.String(logging.FieldErrorHint, "check the workforce endpoint"))
			}
			select {
			case <-wfCtx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (m *Manager) workforceSession(ctx context.Context, workforceURL string) error {
	conn, err := wsrpc.Dial(ctx, workforceURL, m.logger, m.cfg.CallTimeoutDuration())
	if err != nil {
		return err
	}
	defer conn.Close()

	// The registry fans these out to every peer; a manager has nothing to do
	// for them but must answer.
	ack := func(context.Context, json.RawMessage) (any, error) {
		return wsrpc.NotifyResult{OK: true}, nil
	}
	conn.Handle(wsrpc.MethodManagerJoined, ack)
	conn.Handle(wsrpc.MethodPeerDisconnected, ack)

	go conn.Serve(ctx)

	var registered wsrpc.RegisterManagerResult
	err = conn.Call(ctx, wsrpc.MethodRegisterManager, wsrpc.RegisterManagerParams{
		ID:       m.ID(),
		Endpoint: m.Endpoint(),
	}, &registered)
	if err != nil {
		return fmt.Errorf("register with workforce: %w", err)
	}
	m.logger.Info("registered with workforce",
		logging.String("workforce_url", workforceURL),
		logging.String(logging.FieldEventType, "workforce_registered"))

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Notify(context.Background(), wsrpc.MethodUnregister, wsrpc.UnregisterParams{ID: m.cfg.ID})
			return nil
		case <-conn.Done():
			return wsrpc.ErrClosed
		case <-heartbeat.C:
			var hb wsrpc.HeartbeatResult
			if err := conn.Call(ctx, wsrpc.MethodHeartbeat, wsrpc.HeartbeatParams{ID: m.cfg.ID}, &hb); err != nil {
				return err
			}
		}
	}
}
