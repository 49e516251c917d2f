package mcpwire

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Transport abstracts a single bidirectional JSON message channel. All
// three variants (stdio subprocess, HTTP+SSE, websocket) satisfy it.
//
// Receive is owned by exactly one reader at a time: once a protocol
// client's receive loop is running, no other code path may call Receive on
// the same transport, or messages get stolen from the loop.
type Transport interface {
	// Connect establishes the channel to the given address. The address
	// scheme selects the concrete behavior (subprocess spawn, session
	// handshake, websocket dial).
	Connect(ctx context.Context, address string) error

	// Send transmits one message. Failures surface as *ConnectionError.
	Send(ctx context.Context, msg Message) error

	// Receive blocks until one message arrives. An I/O failure surfaces
	// as *ConnectionError; exceeding the configured receive timeout
	// surfaces as *TimeoutError.
	Receive(ctx context.Context) (Message, error)

	// Ping probes liveness of the channel.
	Ping(ctx context.Context) error

	// Disconnect tears the channel down. It is idempotent.
	Disconnect(ctx context.Context) error
}

// ConnectionConfig carries the knobs shared by all transports and the
// connection layer. The zero value is usable; unset fields fall back to
// the package defaults.
type ConnectionConfig struct {
	// Timeout bounds a single Receive and the connection-level ping test.
	// This is independent of the protocol client's per-request timeout.
	Timeout time.Duration

	// ConnectTimeout bounds transport establishment (subprocess spawn,
	// session handshake, websocket dial).
	ConnectTimeout time.Duration

	// MaxRetries is the number of additional connection attempts the
	// ConnectionManager makes after the first failure.
	MaxRetries int

	// RetryDelay is the base backoff delay; attempt n waits
	// RetryDelay * 2^n, capped at MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// PoolSize bounds the ConnectionPool.
	PoolSize int

	// Headers are attached to every HTTP request made by the SSE and
	// websocket transports.
	Headers map[string]string
}

var defaultConnectionConfig = ConnectionConfig{
	Timeout:        30 * time.Second,
	ConnectTimeout: 10 * time.Second,
	MaxRetries:     3,
	RetryDelay:     time.Second,
	MaxRetryDelay:  30 * time.Second,
	PoolSize:       10,
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.Timeout == 0 {
		c.Timeout = defaultConnectionConfig.Timeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaultConnectionConfig.ConnectTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultConnectionConfig.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultConnectionConfig.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaultConnectionConfig.MaxRetryDelay
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultConnectionConfig.PoolSize
	}
	return c
}

// Dial selects a transport for the address scheme and connects it.
// Supported schemes are stdio:// (subprocess), http:// and https://
// (session + event stream), and ws:// and wss:// (websocket). An
// unsupported scheme fails immediately with *ConnectionError, no retry.
func Dial(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
	config = config.withDefaults()

	var t Transport
	switch {
	case strings.HasPrefix(address, "stdio://"):
		t = NewStdioTransport(config)
	case strings.HasPrefix(address, "http://"), strings.HasPrefix(address, "https://"):
		t = NewSSETransport(config, nil)
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		t = NewWebSocketTransport(config)
	default:
		return nil, &ConnectionError{Address: address, Err: errors.New("unsupported address scheme")}
	}

	if err := t.Connect(ctx, address); err != nil {
		return nil, err
	}
	return t, nil
}
