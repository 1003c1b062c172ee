package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"log/slog"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/logging"
	"parcel/internal/tracker"
)

// Controller is the daemon surface the IPC service drives.
type Controller interface {
	Status(ctx context.Context) StatusResponse
	Apply(ctx context.Context, exps []expectation.Expectation, containers []container.Container) error
	ListExpectations(states []expectation.State) []tracker.View
	GetExpectation(id expectation.ID) (tracker.View, bool)
	AbortExpectation(id expectation.ID) error
	RestartExpectation(id expectation.ID) error
	ListWorkers() []WorkerStatus
	JournalTail(ctx context.Context, id expectation.ID, limit int) ([]JournalEntry, error)
}

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, controller Controller, logger *slog.Logger) (*Server, error) {
	if controller == nil {
		return nil, errors.New("ipc server requires a controller")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{controller: controller, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Parcel", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

type service struct {
	controller Controller
	logger     *slog.Logger
	ctx        context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.controller.Status(s.ctx)
	return nil
}

func (s *service) Apply(req ApplyRequest, resp *ApplyResponse) error {
	s.log().Debug("apply requested",
		logging.Int("expectations", len(req.Expectations)),
		logging.Int("containers", len(req.Containers)))
	if err := s.controller.Apply(s.ctx, req.Expectations, req.Containers); err != nil {
		return err
	}
	resp.Expectations = len(req.Expectations)
	resp.Containers = len(req.Containers)
	s.log().Info("expectation set applied",
		logging.String(logging.FieldEventType, "ipc_apply"),
		logging.Int("expectations", resp.Expectations),
		logging.Int("containers", resp.Containers))
	return nil
}

func (s *service) ExpectationList(req ExpectationListRequest, resp *ExpectationListResponse) error {
	states := make([]expectation.State, 0, len(req.States))
	for _, raw := range req.States {
		parsed, ok := expectation.ParseState(raw)
		if !ok {
			continue
		}
		states = append(states, parsed)
	}
	resp.Items = s.controller.ListExpectations(states)
	return nil
}

func (s *service) ExpectationDescribe(req ExpectationDescribeRequest, resp *ExpectationDescribeResponse) error {
	if req.ID == "" {
		return errors.New("expectation id is required")
	}
	view, ok := s.controller.GetExpectation(expectation.ID(req.ID))
	if !ok {
		return fmt.Errorf("expectation %s not found", req.ID)
	}
	resp.Item = view
	return nil
}

func (s *service) Abort(req AbortRequest, resp *AbortResponse) error {
	if req.ID == "" {
		return errors.New("expectation id is required")
	}
	if err := s.controller.AbortExpectation(expectation.ID(req.ID)); err != nil {
		return err
	}
	resp.OK = true
	s.log().Info("expectation aborted via IPC",
		logging.String(logging.FieldExpectationID, req.ID),
		logging.String(logging.FieldEventType, "ipc_abort"))
	return nil
}

func (s *service) Restart(req RestartRequest, resp *RestartResponse) error {
	if req.ID == "" {
		return errors.New("expectation id is required")
	}
	if err := s.controller.RestartExpectation(expectation.ID(req.ID)); err != nil {
		return err
	}
	resp.OK = true
	s.log().Info("expectation restarted via IPC",
		logging.String(logging.FieldExpectationID, req.ID),
		logging.String(logging.FieldEventType, "ipc_restart"))
	return nil
}

func (s *service) WorkerList(_ WorkerListRequest, resp *WorkerListResponse) error {
	resp.Workers = s.controller.ListWorkers()
	return nil
}

func (s *service) JournalTail(req JournalTailRequest, resp *JournalTailResponse) error {
	entries, err := s.controller.JournalTail(s.ctx, expectation.ID(req.ExpectationID), req.Limit)
	if err != nil {
		return err
	}
	resp.Entries = entries
	return nil
}
