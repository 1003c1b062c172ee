package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"parcel/internal/logging"
)

// AcceptFunc prepares a freshly upgraded session: register handlers, stash
// the conn. The server serves the conn after the callback returns.
type AcceptFunc func(conn *Conn)

// Server accepts websocket RPC sessions on one TCP endpoint.
type Server struct {
	logger   *slog.Logger
	listener net.Listener
	httpSrv  *http.Server
	accept   AcceptFunc
	timeout  time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// Listen binds addr (host:port, port may be 0) and starts accepting sessions.
func Listen(addr string, logger *slog.Logger, callTimeout time.Duration, accept AcceptFunc) (*Server, error) {
	if accept == nil {
		return nil, errors.New("wsrpc: accept callback required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wsrpc: listen %s: %w", addr, err)
	}

	srv := &Server{
		logger:   logger,
		listener: listener,
		accept:   accept,
		timeout:  callTimeout,
		conns:    make(map[*Conn]struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Peers are daemon-internal; origin checks belong to the deployment proxy.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "wsrpc_upgrade_failed"),
				logging.String(logging.FieldErrorHint, "check that the peer speaks the parcel protocol"))
			return
		}
		conn := NewConn(ws, logger, srv.timeout)
		accept(conn)
		srv.mu.Lock()
		srv.conns[conn] = struct{}{}
		srv.mu.Unlock()
		srv.wg.Add(1)
		go func() {
			// The request context dies when this handler returns; the session
			// outlives it and ends via conn teardown instead.
			defer srv.wg.Done()
			conn.Serve(context.Background())
			srv.mu.Lock()
			delete(srv.conns, conn)
			srv.mu.Unlock()
		}()
	})

	srv.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := srv.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Debug("wsrpc server stopped", logging.Error(err))
		}
	}()

	return srv, nil
}

// Addr returns the bound address, useful with port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Endpoint returns the ws:// URL peers should dial.
func (s *Server) Endpoint() string {
	return "ws://" + s.Addr()
}

// Close stops accepting and waits for in-flight sessions to finish serving.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)
	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Dial establishes a client session to a ws:// endpoint. The caller registers
// handlers and then runs Serve.
func Dial(ctx context.Context, endpoint string, logger *slog.Logger, callTimeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrpc: dial %s: %w", endpoint, err)
	}
	return NewConn(ws, logger, callTimeout), nil
}
