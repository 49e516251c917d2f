package mcpwire

import (
	"context"
	"errors"
	"sync"
)

// serverTransport loops every sent message through a real Server and
// queues the response for Receive, giving tests a full protocol round
// trip with no I/O.
type serverTransport struct {
	server *Server
	inbox  chan Message

	mu        sync.Mutex
	sent      []Message
	connected bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newServerTransport(server *Server) *serverTransport {
	return &serverTransport{
		server: server,
		inbox:  make(chan Message, 16),
		closed: make(chan struct{}),
	}
}

func (t *serverTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *serverTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()

	if resp := t.server.HandleMessage(ctx, msg); resp != nil {
		t.inbox <- *resp
	}
	return nil
}

func (t *serverTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.closed:
		return Message{}, &ConnectionError{Err: errors.New("transport closed")}
	case msg := <-t.inbox:
		return msg, nil
	}
}

func (t *serverTransport) Ping(ctx context.Context) error {
	select {
	case <-t.closed:
		return &ConnectionError{Err: errors.New("transport closed")}
	default:
		return nil
	}
}

func (t *serverTransport) Disconnect(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *serverTransport) sentMessages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.sent))
	copy(out, t.sent)
	return out
}

// fakeTransport is a scriptable transport for connection-layer tests.
// Receive blocks until the context is cancelled unless a message is
// pushed into inbox.
type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connects    int
	pings       int
	disconnects int

	connectErr error
	pingErr    error
	sendErr    error

	inbox chan Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan Message, 16)}
}

func (t *fakeTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
	if t.connectErr != nil {
		return t.connectErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendErr
}

func (t *fakeTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-t.inbox:
		return msg, nil
	}
}

func (t *fakeTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return t.pingErr
}

func (t *fakeTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
	t.connected = false
	return nil
}

func (t *fakeTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *fakeTransport) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// testServer builds a Server with one echo tool, one resource, and one
// prompt registered.
func testServer() *Server {
	s := NewServer("test-server", "1.0.0")

	s.RegisterToolHandler(ToolInfo{
		Name:        "echo",
		Description: "echoes its input",
	}, func(ctx context.Context, arguments map[string]any) ([]Content, error) {
		text, _ := arguments["text"].(string)
		return []Content{{Type: "text", Text: text}}, nil
	})

	s.RegisterResourceHandler(ResourceInfo{
		URI:  "memo://greeting",
		Name: "greeting",
	}, func(ctx context.Context, uri string) ([]ResourceContents, error) {
		return []ResourceContents{{URI: uri, MimeType: "text/plain", Text: "hello"}}, nil
	})

	s.RegisterPromptHandler(PromptInfo{
		Name: "summarize",
	}, func(ctx context.Context, arguments map[string]any) (*PromptResult, error) {
		return &PromptResult{
			Description: "summarize a document",
			Messages:    []PromptMessage{{Role: "user", Content: []byte(`{"type":"text","text":"summarize"}`)}},
		}, nil
	})

	return s
}
