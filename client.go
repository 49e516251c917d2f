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

// Client is the high-level facade: one server address, managed
// connection with retry and pooling, initialize handshake, and a
// middleware chain wrapped around every operation.
type Client struct {
	address    string
	config     ConnectionConfig
	clientInfo Info
	reqTimeout time.Duration
	chain      *Chain
	logger     *slog.Logger

	manager *ConnectionManager
	dial    func(ctx context.Context, address string, config ConnectionConfig) (Transport, error)

	mu        sync.Mutex
	connected bool
	protocol  *ProtocolClient
	toolIndex map[string]ToolInfo
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectionConfig overrides the connection defaults.
func WithConnectionConfig(config ConnectionConfig) ClientOption {
	return func(c *Client) { c.config = config }
}

// WithMiddleware appends middlewares to the client's chain, outermost
// first.
func WithMiddleware(middlewares ...Middleware) ClientOption {
	return func(c *Client) {
		for _, m := range middlewares {
			c.chain.Use(m)
		}
	}
}

// WithIdentity overrides the identity announced during initialize.
func WithIdentity(info Info) ClientOption {
	return func(c *Client) { c.clientInfo = info }
}

// WithClientRequestTimeout overrides the per-request timeout of the
// underlying protocol client.
func WithClientRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reqTimeout = d
		}
	}
}

// WithDialer replaces the transport dialer, for custom transports and
// tests.
func WithDialer(dial func(ctx context.Context, address string, config ConnectionConfig) (Transport, error)) ClientOption {
	return func(c *Client) { c.dial = dial }
}

// WithLogger overrides the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the address. Nothing is dialed until
// Connect.
func NewClient(address string, options ...ClientOption) *Client {
	c := &Client{
		address:    address,
		clientInfo: Info{Name: "mcpwire", Version: "0.1.0"},
		reqTimeout: defaultRequestTimeout,
		chain:      NewChain(),
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.manager = NewConnectionManager(c.config)
	if c.dial != nil {
		c.manager.dial = c.dial
	}
	return c
}

// Address returns the server address the client talks to.
func (c *Client) Address() string { return c.address }

// Connect dials the server through the connection manager and runs the
// initialize handshake. Calling it while connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := c.manager.CreateConnection(ctx, c.address)
	if err != nil {
		return err
	}

	protocol := NewProtocolClient(conn.Transport(),
		WithClientInfo(c.clientInfo),
		WithRequestTimeout(c.reqTimeout),
		WithProtocolLogger(c.logger),
	)
	if err := protocol.Initialize(ctx); err != nil {
		c.manager.CloseConnection(ctx, c.address)
		return err
	}

	c.protocol = protocol
	c.connected = true
	c.toolIndex = nil
	return nil
}

// Disconnect closes the protocol client and releases the connection.
// Safe to call more than once.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	err := c.protocol.Close(ctx)
	c.manager.CloseConnection(ctx, c.address)
	c.protocol = nil
	c.toolIndex = nil
	return err
}

// ServerInfo returns the identity of the connected server, or nil when
// disconnected.
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.protocol == nil {
		return nil
	}
	return c.protocol.ServerInfo()
}

// HealthCheck probes the server through the protocol layer.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Address: c.address, CheckedAt: time.Now()}

	protocol, err := c.currentProtocol()
	if err != nil {
		status.Err = err
		return status
	}
	if err := protocol.Ping(ctx); err != nil {
		status.Err = err
		return status
	}
	status.Healthy = true
	return status
}

// ListTools fetches the tool catalog and refreshes the index CallTool
// checks names against.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.invoke(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
	}

	index := make(map[string]ToolInfo, len(result.Tools))
	for _, tool := range result.Tools {
		index[tool.Name] = tool
	}
	c.mu.Lock()
	c.toolIndex = index
	c.mu.Unlock()

	return result.Tools, nil
}

// CallTool invokes a named tool. Failures during the call itself come
// back as a ToolResult with IsError set so callers branch on data, not
// error types. Problems detectable before any request is sent are the
// exception: a name absent from the server's catalog surfaces as
// *ToolNotFoundError, and arguments rejected by the tool's declared
// input schema surface as *ValidationError.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	if err := c.ensureToolIndex(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	tool, known := c.toolIndex[name]
	c.mu.Unlock()
	if !known {
		return nil, &ToolNotFoundError{Name: name}
	}

	if len(tool.InputSchema) > 0 {
		if err := ValidateToolArguments(tool.InputSchema, arguments); err != nil {
			return nil, err
		}
	}

	resp, err := c.invoke(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return &ToolResult{IsError: true, ErrorMessage: err.Error()}, nil
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &ToolResult{IsError: true, ErrorMessage: fmt.Sprintf("failed to unmarshal tool result: %v", err)}, nil
	}

	out := &ToolResult{Content: result.Content, IsError: result.IsError}
	if result.IsError && len(result.Content) > 0 {
		out.ErrorMessage = result.Content[0].Text
	}
	return out, nil
}

// ListResources fetches the resource catalog.
func (c *Client) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	resp, err := c.invoke(ctx, MethodResourcesList, nil)
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
func (c *Client) ReadResource(ctx context.Context, uri string) (*ResourceResult, error) {
	resp, err := c.invoke(ctx, MethodResourcesRead, readResourceParams{URI: uri})
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

// ListPrompts fetches the prompt catalog.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptInfo, error) {
	resp, err := c.invoke(ctx, MethodPromptsList, nil)
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
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]any) (*PromptResult, error) {
	resp, err := c.invoke(ctx, MethodPromptsGet, getPromptParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var result getPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prompt: %w", err)
	}
	return &PromptResult{Description: result.Description, Messages: result.Messages}, nil
}

// Ping round-trips a liveness probe, through the middleware chain.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.invoke(ctx, MethodPing, nil)
	return err
}

// OnNotification registers a handler for server-initiated
// notifications. The client must be connected.
func (c *Client) OnNotification(method string, handler NotificationHandler) error {
	protocol, err := c.currentProtocol()
	if err != nil {
		return err
	}
	protocol.OnNotification(method, handler)
	return nil
}

// invoke runs one operation through the middleware chain, terminating
// in the protocol client.
func (c *Client) invoke(ctx context.Context, method string, params any) (Message, error) {
	protocol, err := c.currentProtocol()
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	rc := NewRequestContext(string(msg.ID), method)
	rc.ClientInfo = c.clientInfo
	rc.ServerInfo = protocol.ServerInfo()

	terminal := func(ctx context.Context, rc *RequestContext, m Message) (Message, error) {
		return protocol.Call(ctx, m.Method, m.Params)
	}
	return c.chain.Execute(ctx, rc, msg, terminal)
}

func (c *Client) ensureToolIndex(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.toolIndex != nil
	c.mu.Unlock()

	if loaded {
		return nil
	}
	_, err := c.ListTools(ctx)
	return err
}

func (c *Client) currentProtocol() (*ProtocolClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.protocol == nil {
		return nil, &ConnectionError{Address: c.address, Err: errors.New("client not connected")}
	}
	return c.protocol, nil
}
