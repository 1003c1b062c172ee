package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"parcel/internal/logging"
)

// ErrClosed is returned for calls attempted on or interrupted by a closed
// connection. Callers treat it as a transport error, never as a peer answer.
var ErrClosed = errors.New("wsrpc: connection closed")

// DefaultCallTimeout bounds remote calls that arrive without a deadline.
const DefaultCallTimeout = 10 * time.Second

const (
	writeWait    = 10 * time.Second
	pongWait     = 30 * time.Second
	pingInterval = 10 * time.Second
)

type envelope struct {
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Reply  bool            `json:"reply,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handler processes one inbound request and returns its result value.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Conn is a bidirectional RPC session over one websocket. Both sides may
// issue calls and serve handlers concurrently.
type Conn struct {
	ws          *websocket.Conn
	logger      *slog.Logger
	callTimeout time.Duration

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan envelope
	handlers map[string]Handler
	onClose  func(err error)
	closed   bool

	done chan struct{}
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn, logger *slog.Logger, callTimeout time.Duration) *Conn {
	if logger == nil {
		logger = logging.NewNop()
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Conn{
		ws:          ws,
		logger:      logger,
		callTimeout: callTimeout,
		pending:     make(map[string]chan envelope),
		handlers:    make(map[string]Handler),
		done:        make(chan struct{}),
	}
}

// Handle registers a request handler. It may be called at any time; a
// request that arrives before its method is registered is answered with an
// unknown-method error.
func (c *Conn) Handle(method string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// OnClose registers a callback invoked once when the session ends.
func (c *Conn) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Serve runs the read loop until the context is canceled or the peer goes
// away. It always returns after the connection is torn down.
func (c *Conn) Serve(ctx context.Context) {
	go c.pingLoop(ctx)

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			readErr = err
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if env.Reply {
			c.dispatchReply(env)
			continue
		}
		go c.dispatchRequest(ctx, env)
	}
	c.teardown(readErr)
}

// Call sends a request and decodes the peer's result into result (which may
// be nil). Timeouts and connection loss surface as transport errors.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("wsrpc: encode %s params: %w", method, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := uuid.NewString()
	replyCh := make(chan envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{ID: id, Method: method, Params: payload}); err != nil {
		return fmt.Errorf("wsrpc: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("wsrpc: call %s: %w", method, ctx.Err())
	case <-c.done:
		return ErrClosed
	case reply := <-replyCh:
		if reply.Error != "" {
			return &CallError{Method: method, Message: reply.Error}
		}
		if result == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("wsrpc: decode %s result: %w", method, err)
		}
		return nil
	}
}

// Notify sends a request and discards the result.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	return c.Call(ctx, method, params, nil)
}

// Close tears the session down.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

// Done is closed when the session has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) dispatchRequest(ctx context.Context, env envelope) {
	c.mu.Lock()
	handler := c.handlers[env.Method]
	c.mu.Unlock()

	reply := envelope{ID: env.ID, Reply: true}
	if handler == nil {
		reply.Error = fmt.Sprintf("unknown method %q", env.Method)
	} else {
		value, err := handler(ctx, env.Params)
		switch {
		case err != nil:
			reply.Error = err.Error()
		case value != nil:
			encoded, err := json.Marshal(value)
			if err != nil {
				reply.Error = fmt.Sprintf("encode result: %v", err)
			} else {
				reply.Result = encoded
			}
		}
	}

	if err := c.write(reply); err != nil {
		c.logger.Debug("reply write failed",
			logging.String("method", env.Method),
			logging.Error(err))
	}
}

func (c *Conn) dispatchReply(env envelope) {
	c.mu.Lock()
	replyCh := c.pending[env.ID]
	c.mu.Unlock()
	if replyCh == nil {
		return
	}
	select {
	case replyCh <- env:
	default:
	}
}

func (c *Conn) write(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()
	if onClose != nil {
		onClose(err)
	}
}

// CallError is an error the peer returned from a handler, as opposed to a
// transport failure.
type CallError struct {
	Method  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wsrpc: %s: %s", e.Method, e.Message)
}

// IsTransportError reports whether err represents connection loss or a
// timeout rather than an answer from the peer.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var callErr *CallError
	if errors.As(err, &callErr) {
		return false
	}
	return true
}
