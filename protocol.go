package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type clientState int

const (
	stateUninitialized clientState = iota
	stateInitializing
	stateReady
	stateClosed
)

const defaultRequestTimeout = 30 * time.Second

// NotificationHandler consumes one server-initiated notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// ProtocolClient speaks the request-response protocol over one
// transport. It owns the transport's receive side completely: a single
// loop reads every inbound message and routes responses to the pending
// request that matches by ID.
//
// The per-request timeout is independent of the transport's receive
// timeout. A request that times out is removed from the pending table
// atomically, so a late response finds no waiter and is dropped.
type ProtocolClient struct {
	transport  Transport
	clientInfo Info
	reqTimeout time.Duration
	logger     *slog.Logger

	mu         sync.Mutex
	state      clientState
	serverInfo *ServerInfo
	pending    map[string]chan Message
	handlers   map[string]NotificationHandler

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// ProtocolClientOption configures a ProtocolClient.
type ProtocolClientOption func(*ProtocolClient)

// WithRequestTimeout overrides the default 30s per-request timeout.
func WithRequestTimeout(d time.Duration) ProtocolClientOption {
	return func(c *ProtocolClient) {
		if d > 0 {
			c.reqTimeout = d
		}
	}
}

// WithClientInfo overrides the identity announced during initialize.
func WithClientInfo(info Info) ProtocolClientOption {
	return func(c *ProtocolClient) { c.clientInfo = info }
}

// WithProtocolLogger overrides the client's logger.
func WithProtocolLogger(logger *slog.Logger) ProtocolClientOption {
	return func(c *ProtocolClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewProtocolClient wraps a connected transport. The client is not
// usable until Initialize has completed the handshake.
func NewProtocolClient(transport Transport, options ...ProtocolClientOption) *ProtocolClient {
	c := &ProtocolClient{
		transport:  transport,
		clientInfo: Info{Name: "mcpwire", Version: "0.1.0"},
		reqTimeout: defaultRequestTimeout,
		logger:     slog.Default(),
		pending:    make(map[string]chan Message),
		handlers:   make(map[string]NotificationHandler),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Initialize performs the handshake: start the receive loop, send the
// initialize request, record the server identity, and announce
// readiness with notifications/initialized. Calling it again after
// success is a no-op.
func (c *ProtocolClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return nil
	case stateInitializing:
		c.mu.Unlock()
		return errors.New("initialize already in progress")
	case stateClosed:
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	c.state = stateInitializing

	// The loop must be reading before the first request goes out, or
	// the response has nowhere to land.
	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.receiveLoop(loopCtx)
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		c.state = stateUninitialized
		c.mu.Unlock()
		cancel()
		return err
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      c.clientInfo,
		Capabilities:    map[string]any{},
	}
	resp, err := c.request(ctx, MethodInitialize, params)
	if err != nil {
		return fail(fmt.Errorf("initialize failed: %w", err))
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fail(fmt.Errorf("failed to unmarshal initialize result: %w", err))
	}

	c.mu.Lock()
	c.serverInfo = &ServerInfo{
		Name:         result.ServerInfo.Name,
		Version:      result.ServerInfo.Version,
		Description:  result.Description,
		Capabilities: result.Capabilities,
	}
	c.mu.Unlock()

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fail(fmt.Errorf("failed to announce readiness: %w", err))
	}

	c.mu.Lock()
	c.state = stateReady
	c.mu.Unlock()

	c.logger.Debug("initialized", "server", result.ServerInfo.Name, "version", result.ServerInfo.Version)
	return nil
}

// ServerInfo returns the identity recorded during initialize, or nil
// before the handshake has completed.
func (c *ProtocolClient) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// OnNotification registers a handler for a server-initiated
// notification method, replacing any previous handler for that method.
// Notifications with no handler are logged and dropped.
func (c *ProtocolClient) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = handler
}

// ListTools fetches the server's tool catalog.
func (c *ProtocolClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.readyRequest(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool. A tool-level failure comes back as a
// result with IsError set, not as a Go error; protocol and transport
// failures are errors.
func (c *ProtocolClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	resp, err := c.readyRequest(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return &ToolResult{Content: result.Content, IsError: result.IsError}, nil
}

// ListResources fetches the server's resource catalog.
func (c *ProtocolClient) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	resp, err := c.readyRequest(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}

	var result listResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resources: %w", err)
	}
	return result.Resources, nil
}

// ReadResource retrieves the contents behind a resource URI.
func (c *ProtocolClient) ReadResource(ctx context.Context, uri string) (*ResourceResult, error) {
	resp, err := c.readyRequest(ctx, MethodResourcesRead, readResourceParams{URI: uri})
	if err != nil {
		var srvErr *ServerError
		if errors.As(err, &srvErr) {
			return nil, &ResourceNotFoundError{URI: uri, Err: err}
		}
		return nil, err
	}

	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource contents: %w", err)
	}
	return &ResourceResult{URI: uri, Contents: result.Contents}, nil
}

// ListPrompts fetches the server's prompt catalog.
func (c *ProtocolClient) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	resp, err := c.readyRequest(ctx, MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}

	var result listPromptsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompts: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt renders a named prompt with the given arguments.
func (c *ProtocolClient) GetPrompt(ctx context.Context, name string, arguments map[string]any) (*PromptResult, error) {
	resp, err := c.readyRequest(ctx, MethodPromptsGet, getPromptParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var result getPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt: %w", err)
	}
	return &PromptResult{Description: result.Description, Messages: result.Messages}, nil
}

// Ping round-trips a liveness probe through the protocol layer.
func (c *ProtocolClient) Ping(ctx context.Context) error {
	_, err := c.readyRequest(ctx, MethodPing, nil)
	return err
}

// CancelRequest tells the server to abandon an in-flight request. The
// local waiter is not touched; it completes through its own timeout or
// a late response.
func (c *ProtocolClient) CancelRequest(ctx context.Context, requestID, reason string) error {
	return c.notify(ctx, methodNotificationsCancelled, cancelledParams{RequestID: requestID, Reason: reason})
}

// Close stops the receive loop, fails every pending request, and
// disconnects the transport. Safe to call more than once.
func (c *ProtocolClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	cancel := c.loopCancel
	done := c.loopDone

	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	if cancel != nil {
		cancel()
		<-done
	}
	return c.transport.Disconnect(ctx)
}

// readyRequest rejects calls made before the handshake completed, then
// performs a correlated request.
func (c *ProtocolClient) readyRequest(ctx context.Context, method string, params any) (Message, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != stateReady {
		return Message{}, fmt.Errorf("client not initialized, call Initialize first")
	}
	return c.request(ctx, method, params)
}

func (c *ProtocolClient) request(ctx context.Context, method string, params any) (Message, error) {
	var raw json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = bs
	}
	return c.Call(ctx, method, raw)
}

// Call performs one correlated request with pre-encoded parameters. It
// is the raw entry point the client facade's middleware chain
// terminates into; most callers want the typed verbs instead.
func (c *ProtocolClient) Call(ctx context.Context, method string, params json.RawMessage) (Message, error) {
	id := uuid.New().String()

	msg := Message{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(id),
		Method:  method,
		Params:  params,
	}

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return Message{}, errors.New("client is closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, msg); err != nil {
		c.popPending(id)
		return Message{}, err
	}

	timer := time.NewTimer(c.reqTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.popPending(id)
		return Message{}, ctx.Err()
	case <-timer.C:
		c.popPending(id)
		return Message{}, &TimeoutError{Op: method, Timeout: c.reqTimeout.String()}
	case resp, ok := <-ch:
		if !ok {
			return Message{}, &ConnectionError{Err: errors.New("client closed while waiting for response")}
		}
		if resp.Error != nil {
			return Message{}, &ServerError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil
	}
}

func (c *ProtocolClient) notify(ctx context.Context, method string, params any) error {
	msg := Message{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}
	return c.transport.Send(ctx, msg)
}

// popPending removes and returns the waiter for an ID. Removal is
// atomic under the table mutex, so a response and a timeout can never
// both claim the same waiter.
func (c *ProtocolClient) popPending(id string) chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

// receiveLoop is the sole reader of the transport. It runs until the
// client is closed or the transport dies, at which point all pending
// requests are failed.
func (c *ProtocolClient) receiveLoop(ctx context.Context) {
	defer close(c.loopDone)

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := c.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}

			var timeoutErr *TimeoutError
			if errors.As(err, &timeoutErr) {
				// Quiet connection, nothing pending to deliver.
				continue
			}

			c.logger.Debug("receive loop stopping", "err", err)
			c.failPending()
			return
		}

		switch msg.Kind() {
		case KindResponse:
			if ch := c.popPending(string(msg.ID)); ch != nil {
				ch <- msg
			} else {
				c.logger.Debug("dropping unmatched response", "id", msg.ID)
			}
		case KindNotification:
			c.dispatchNotification(ctx, msg)
		default:
			c.logger.Debug("dropping unexpected message", "method", msg.Method, "id", msg.ID)
		}
	}
}

func (c *ProtocolClient) dispatchNotification(ctx context.Context, msg Message) {
	c.mu.Lock()
	handler, ok := c.handlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("unhandled notification", "method", msg.Method)
		return
	}
	handler(ctx, msg.Params)
}

func (c *ProtocolClient) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}
