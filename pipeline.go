package mcpwire

import (
	"context"
	"fmt"
	"sync"
)

// Pipeline manages a set of named clients that share one middleware
// configuration, for callers that fan work out across several servers.
type Pipeline struct {
	middlewares []Middleware
	options     []ClientOption

	mu      sync.Mutex
	clients map[string]*Client
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSharedMiddleware applies the middlewares to every client the
// pipeline creates.
func WithSharedMiddleware(middlewares ...Middleware) PipelineOption {
	return func(p *Pipeline) { p.middlewares = append(p.middlewares, middlewares...) }
}

// WithClientOptions applies extra options to every client the pipeline
// creates.
func WithClientOptions(options ...ClientOption) PipelineOption {
	return func(p *Pipeline) { p.options = append(p.options, options...) }
}

// NewPipeline creates an empty pipeline.
func NewPipeline(options ...PipelineOption) *Pipeline {
	p := &Pipeline{clients: make(map[string]*Client)}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// AddServer creates, connects, and registers a named client. A name
// already in use is an error; the existing client stays untouched.
func (p *Pipeline) AddServer(ctx context.Context, name, address string) (*Client, error) {
	p.mu.Lock()
	if _, exists := p.clients[name]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("server %q already registered", name)
	}
	p.mu.Unlock()

	options := append([]ClientOption{WithMiddleware(p.middlewares...)}, p.options...)
	client := NewClient(address, options...)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.clients[name]; exists {
		go func() { _ = client.Disconnect(context.Background()) }()
		return nil, fmt.Errorf("server %q already registered", name)
	}
	p.clients[name] = client
	return client, nil
}

// Client returns the named client, or nil if none is registered.
func (p *Pipeline) Client(name string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clients[name]
}

// RemoveServer disconnects and drops the named client.
func (p *Pipeline) RemoveServer(ctx context.Context, name string) error {
	p.mu.Lock()
	client, ok := p.clients[name]
	delete(p.clients, name)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return client.Disconnect(ctx)
}

// Servers returns the registered names.
func (p *Pipeline) Servers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	return names
}

// CallTool invokes a tool on the named server.
func (p *Pipeline) CallTool(ctx context.Context, server, tool string, arguments map[string]any) (*ToolResult, error) {
	client := p.Client(server)
	if client == nil {
		return nil, fmt.Errorf("server %q not registered", server)
	}
	return client.CallTool(ctx, tool, arguments)
}

// HealthCheck probes every registered server.
func (p *Pipeline) HealthCheck(ctx context.Context) map[string]HealthStatus {
	p.mu.Lock()
	clients := make(map[string]*Client, len(p.clients))
	for name, client := range p.clients {
		clients[name] = client
	}
	p.mu.Unlock()

	out := make(map[string]HealthStatus, len(clients))
	var wg sync.WaitGroup
	var outMu sync.Mutex

	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *Client) {
			defer wg.Done()
			status := client.HealthCheck(ctx)
			outMu.Lock()
			out[name] = status
			outMu.Unlock()
		}(name, client)
	}
	wg.Wait()
	return out
}

// Close disconnects every client. The first failure is returned after
// all clients have been attempted.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, client := range p.clients {
		clients = append(clients, client)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var firstErr error
	for _, client := range clients {
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BatchCall names one tool invocation within a batch.
type BatchCall struct {
	Server    string
	Tool      string
	Arguments map[string]any
}

// BatchResult is the outcome of one batch item. Err covers dispatch
// failures (unknown server, unknown tool); tool-level failures arrive
// inside Result with IsError set.
type BatchResult struct {
	Call   BatchCall
	Result *ToolResult
	Err    error
}

// Batch runs the calls concurrently and returns results in call order.
// One failing item never aborts its siblings.
func (p *Pipeline) Batch(ctx context.Context, calls []BatchCall) []BatchResult {
	results := make([]BatchResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call BatchCall) {
			defer wg.Done()
			result, err := p.CallTool(ctx, call.Server, call.Tool, call.Arguments)
			results[i] = BatchResult{Call: call, Result: result, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results
}

// QuickConnect dials one server and returns a connected client with no
// middleware, for scripts and tests that just need to call something.
func QuickConnect(ctx context.Context, address string) (*Client, error) {
	client := NewClient(address)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}
