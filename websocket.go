package mcpwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport is the full-duplex socket transport. Frames map
// one-to-one onto messages, and health checking uses protocol-level
// ping/pong control frames.
type WebSocketTransport struct {
	config ConnectionConfig
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	conn      *websocket.Conn

	writeMu sync.Mutex
}

// NewWebSocketTransport creates a websocket transport. The connection is
// not dialed until Connect is called.
func NewWebSocketTransport(config ConnectionConfig) *WebSocketTransport {
	return &WebSocketTransport{
		config: config.withDefaults(),
		logger: slog.Default(),
	}
}

// Connect dials the ws:// or wss:// address under the configured connect
// timeout.
func (t *WebSocketTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.config.ConnectTimeout}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dCtx, cancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dCtx, address, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return &ConnectionError{Address: address, Err: fmt.Errorf("dial failed with status %d: %w", resp.StatusCode, err)}
		}
		return &ConnectionError{Address: address, Err: fmt.Errorf("dial failed: %w", err)}
	}

	t.conn = conn
	t.connected = true

	// A pong proves the peer is alive; extend the read deadline so a
	// healthy but quiet connection is not torn down between messages.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.config.Timeout))
	})

	t.logger.Debug("connected to websocket server", "address", address)
	return nil
}

// Send writes one message as a JSON text frame.
func (t *WebSocketTransport) Send(ctx context.Context, msg Message) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(t.config.Timeout))
	}

	if err := conn.WriteJSON(msg); err != nil {
		return &ConnectionError{Err: fmt.Errorf("send failed: %w", err)}
	}
	return nil
}

// Receive reads one JSON frame. A read that exceeds the configured
// timeout surfaces as *TimeoutError; cancelling the context unblocks
// the read and surfaces the context's error.
func (t *WebSocketTransport) Receive(ctx context.Context) (Message, error) {
	conn, err := t.activeConn()
	if err != nil {
		return Message{}, err
	}

	if err := conn.SetReadDeadline(time.Now().Add(t.config.Timeout)); err != nil {
		return Message{}, &ConnectionError{Err: err}
	}

	// Gorilla reads have no context parameter; expiring the read
	// deadline is the only way to interrupt a blocked ReadJSON.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Message{}, &TimeoutError{Op: "receive", Timeout: t.config.Timeout.String()}
		}
		return Message{}, &ConnectionError{Err: fmt.Errorf("receive failed: %w", err)}
	}
	return msg, nil
}

// Ping sends a control ping frame. A dead peer fails the write; the
// matching pong is observed by the receive loop via the pong handler,
// which extends the read deadline.
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	conn, err := t.activeConn()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	wErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.config.Timeout))
	t.writeMu.Unlock()
	if wErr != nil {
		return &ConnectionError{Err: fmt.Errorf("ping failed: %w", wErr)}
	}
	return nil
}

// Disconnect sends a close frame and closes the connection. Safe to call
// more than once.
func (t *WebSocketTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false

	t.writeMu.Lock()
	err := t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	if err != nil {
		t.logger.Debug("failed to send close frame", "err", err)
	}

	if err := t.conn.Close(); err != nil {
		return &ConnectionError{Err: fmt.Errorf("failed to close connection: %w", err)}
	}
	return nil
}

func (t *WebSocketTransport) activeConn() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, &ConnectionError{Err: errors.New("not connected")}
	}
	return t.conn, nil
}
