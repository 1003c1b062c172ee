package workforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parcel/internal/logging"
	"parcel/internal/wsrpc"
)

type managerEntry struct {
	id       wsrpc.ManagerID
	endpoint string
	conn     *wsrpc.Conn
	lastSeen time.Time
}

type workerEntry struct {
	id           wsrpc.WorkerID
	capabilities wsrpc.Capabilities
	conn         *wsrpc.Conn
	lastSeen     time.Time
}

// Service is the workforce registry.
type Service struct {
	logger           *slog.Logger
	heartbeatTimeout time.Duration

	mu       sync.Mutex
	managers map[wsrpc.ManagerID]*managerEntry
	workers  map[wsrpc.WorkerID]*workerEntry

	server *wsrpc.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a registry with the given liveness timeout.
func New(logger *slog.Logger, heartbeatTimeout time.Duration) *Service {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	return &Service{
		logger:           logging.NewComponentLogger(logger, "workforce"),
		heartbeatTimeout: heartbeatTimeout,
		managers:         make(map[wsrpc.ManagerID]*managerEntry),
		workers:          make(map[wsrpc.WorkerID]*workerEntry),
	}
}

// Listen binds the registry endpoint and starts the liveness sweeper.
func (s *Service) Listen(bind string) error {
	server, err := wsrpc.Listen(bind, s.logger, wsrpc.DefaultCallTimeout, s.acceptConn)
	if err != nil {
		return fmt.Errorf("workforce: %w", err)
	}
	s.server = server

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()

	s.logger.Info("workforce listening",
		logging.String("endpoint", server.Endpoint()),
		logging.String(logging.FieldEventType, "workforce_listen"))
	return nil
}

// Endpoint returns the dialable registry URL.
func (s *Service) Endpoint() string {
	if s.server == nil {
		return ""
	}
	return s.server.Endpoint()
}

// Close stops the registry.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		s.server.Close()
	}
	s.wg.Wait()
}

func (s *Service) acceptConn(conn *wsrpc.Conn) {
	conn.Handle(wsrpc.MethodRegisterManager, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.RegisterManagerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return s.registerManager(p, conn)
	})
	conn.Handle(wsrpc.MethodRegisterWorker, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.RegisterWorkerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return s.registerWorker(p, conn)
	})
	conn.Handle(wsrpc.MethodUnregister, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.UnregisterParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		s.unregister(p.ID, nil)
		return wsrpc.UnregisterResult{OK: true}, nil
	})
	conn.Handle(wsrpc.MethodHeartbeat, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p wsrpc.HeartbeatParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		if !s.heartbeat(p.ID) {
			return nil, fmt.Errorf("unknown party %q", p.ID)
		}
		return wsrpc.HeartbeatResult{OK: true}, nil
	})
	conn.Handle(wsrpc.MethodListWorkers, func(context.Context, json.RawMessage) (any, error) {
		return wsrpc.ListWorkersResult{Workers: s.ListWorkers()}, nil
	})
	conn.Handle(wsrpc.MethodListManagers, func(context.Context, json.RawMessage) (any, error) {
		return wsrpc.ListManagersResult{Managers: s.ListManagers()}, nil
	})
	conn.OnClose(func(error) {
		s.dropConn(conn)
	})
}

func (s *Service) registerManager(p wsrpc.RegisterManagerParams, conn *wsrpc.Conn) (wsrpc.RegisterManagerResult, error) {
	if p.ID == "" || p.Endpoint == "" {
		return wsrpc.RegisterManagerResult{}, errors.New("manager registration requires id and endpoint")
	}

	s.mu.Lock()
	existing, known := s.managers[p.ID]
	endpointChanged := !known || existing.endpoint != p.Endpoint
	s.managers[p.ID] = &managerEntry{id: p.ID, endpoint: p.Endpoint, conn: conn, lastSeen: time.Now()}
	workerConns := s.workerConnsLocked()
	s.mu.Unlock()

	s.logger.Info("expectation manager registered",
		logging.String(logging.FieldManagerID, string(p.ID)),
		logging.String("endpoint", p.Endpoint),
		logging.Bool("rejoined", known),
		logging.String(logging.FieldEventType, "manager_registered"))

	// Re-registration with the same endpoint is idempotent; only changes
	// fan out so workers do not redial needlessly.
	if endpointChanged {
		s.notifyAll(workerConns, wsrpc.MethodManagerJoined, wsrpc.ManagerJoinedParams{
			Manager: wsrpc.ManagerEndpoint{ID: p.ID, Endpoint: p.Endpoint},
		})
	}
	return wsrpc.RegisterManagerResult{OK: true}, nil
}

func (s *Service) registerWorker(p wsrpc.RegisterWorkerParams, conn *wsrpc.Conn) (wsrpc.RegisterWorkerResult, error) {
	if p.ID == "" {
		return wsrpc.RegisterWorkerResult{}, errors.New("worker registration requires id")
	}

	s.mu.Lock()
	_, known := s.workers[p.ID]
	s.workers[p.ID] = &workerEntry{id: p.ID, capabilities: p.Capabilities, conn: conn, lastSeen: time.Now()}
	s.mu.Unlock()

	s.logger.Info("worker registered",
		logging.String(logging.FieldWorkerID, string(p.ID)),
		logging.Int("concurrency", p.Capabilities.Concurrency),
		logging.Bool("rejoined", known),
		logging.String(logging.FieldEventType, "worker_registered"))

	return wsrpc.RegisterWorkerResult{Managers: s.ListManagers()}, nil
}

func (s *Service) heartbeat(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.managers[wsrpc.ManagerID(id)]; ok {
		entry.lastSeen = time.Now()
		return true
	}
	if entry, ok := s.workers[wsrpc.WorkerID(id)]; ok {
		entry.lastSeen = time.Now()
		return true
	}
	return false
}

func (s *Service) unregister(id string, closing *wsrpc.Conn) {
	s.mu.Lock()
	var removed bool
	if entry, ok := s.managers[wsrpc.ManagerID(id)]; ok && (closing == nil || entry.conn == closing) {
		delete(s.managers, wsrpc.ManagerID(id))
		removed = true
	}
	if entry, ok := s.workers[wsrpc.WorkerID(id)]; ok && (closing == nil || entry.conn == closing) {
		delete(s.workers, wsrpc.WorkerID(id))
		removed = true
	}
	peers := s.allConnsLocked()
	s.mu.Unlock()

	if !removed {
		return
	}
	s.logger.Info("party unregistered",
		logging.String("party_id", id),
		logging.String(logging.FieldEventType, "party_unregistered"))
	s.notifyAll(peers, wsrpc.MethodPeerDisconnected, wsrpc.PeerDisconnectedParams{ID: id})
}

func (s *Service) dropConn(conn *wsrpc.Conn) {
	s.mu.Lock()
	var droppedIDs []string
	for id, entry := range s.managers {
		if entry.conn == conn {
			delete(s.managers, id)
			droppedIDs = append(droppedIDs, string(id))
		}
	}
	for id, entry := range s.workers {
		if entry.conn == conn {
			delete(s.workers, id)
			droppedIDs = append(droppedIDs, string(id))
		}
	}
	peers := s.allConnsLocked()
	s.mu.Unlock()

	for _, id := range droppedIDs {
		s.logger.Info("party connection lost",
			logging.String("party_id", id),
			logging.String(logging.FieldEventType, "party_disconnected"))
		s.notifyAll(peers, wsrpc.MethodPeerDisconnected, wsrpc.PeerDisconnectedParams{ID: id})
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	interval := s.heartbeatTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Service) sweepStale() {
	cutoff := time.Now().Add(-s.heartbeatTimeout)

	s.mu.Lock()
	var stale []string
	var conns []*wsrpc.Conn
	for id, entry := range s.managers {
		if entry.lastSeen.Before(cutoff) {
			delete(s.managers, id)
			stale = append(stale, string(id))
			conns = append(conns, entry.conn)
		}
	}
	for id, entry := range s.workers {
		if entry.lastSeen.Before(cutoff) {
			delete(s.workers, id)
			stale = append(stale, string(id))
			conns = append(conns, entry.conn)
		}
	}
	peers := s.allConnsLocked()
	s.mu.Unlock()

	for i, id := range stale {
		s.logger.Warn("party heartbeat timed out",
			logging.String("party_id", id),
			logging.Duration("timeout", s.heartbeatTimeout),
			logging.String(logging.FieldEventType, "heartbeat_timeout"),
			logging.String(logging.FieldErrorHint, "check the party's network path to the workforce"))
		if conns[i] != nil {
			_ = conns[i].Close()
		}
		s.notifyAll(peers, wsrpc.MethodPeerDisconnected, wsrpc.PeerDisconnectedParams{ID: id})
	}
}

// ListWorkers returns the registered workers sorted by id.
func (s *Service) ListWorkers() []wsrpc.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]wsrpc.WorkerInfo, 0, len(s.workers))
	for _, entry := range s.workers {
		infos = append(infos, wsrpc.WorkerInfo{
			ID:           entry.id,
			Capabilities: entry.capabilities,
			LastSeen:     entry.lastSeen.Unix(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// ListManagers returns the registered manager endpoints sorted by id.
func (s *Service) ListManagers() []wsrpc.ManagerEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoints := make([]wsrpc.ManagerEndpoint, 0, len(s.managers))
	for _, entry := range s.managers {
		endpoints = append(endpoints, wsrpc.ManagerEndpoint{ID: entry.id, Endpoint: entry.endpoint})
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	return endpoints
}

func (s *Service) workerConnsLocked() []*wsrpc.Conn {
	conns := make([]*wsrpc.Conn, 0, len(s.workers))
	for _, entry := range s.workers {
		conns = append(conns, entry.conn)
	}
	return conns
}

func (s *Service) allConnsLocked() []*wsrpc.Conn {
	conns := make([]*wsrpc.Conn, 0, len(s.managers)+len(s.workers))
	for _, entry := range s.managers {
		conns = append(conns, entry.conn)
	}
	for _, entry := range s.workers {
		conns = append(conns, entry.conn)
	}
	return conns
}

func (s *Service) notifyAll(conns []*wsrpc.Conn, method string, params any) {
	// Fire-and-forget: a slow peer must not stall the registry or its
	// shutdown; each notification is bounded by its own timeout.
	for _, conn := range conns {
		if conn == nil {
			continue
		}
		target := conn
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := target.Notify(ctx, method, params); err != nil {
				s.logger.Debug("fan-out notification failed",
					logging.String("method", method),
					logging.Error(err))
			}
		}()
	}
}
