package mcpwire

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() ConnectionConfig {
	return ConnectionConfig{
		Timeout:        time.Second,
		ConnectTimeout: time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		PoolSize:       3,
	}
}

func pooledConn(address string) (*Connection, *fakeTransport) {
	transport := newFakeTransport()
	transport.connected = true
	return NewConnection(transport, address), transport
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn, transport := pooledConn("stdio://test")
	ctx := context.Background()

	require.NoError(t, conn.Close(ctx))
	require.NoError(t, conn.Close(ctx))
	assert.Equal(t, 1, transport.disconnectCount())

	err := conn.Send(ctx, Message{JSONRPC: JSONRPCVersion, Method: "ping"})
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestConnectionHealthCheck(t *testing.T) {
	conn, transport := pooledConn("stdio://test")
	ctx := context.Background()

	status := conn.HealthCheck(ctx)
	assert.True(t, status.Healthy)
	assert.Equal(t, "stdio://test", status.Address)

	transport.mu.Lock()
	transport.pingErr = errors.New("dead")
	transport.mu.Unlock()

	status = conn.HealthCheck(ctx)
	assert.False(t, status.Healthy)
	assert.Error(t, status.Err)
}

func TestPoolEvictsOldestWhenFull(t *testing.T) {
	pool := NewConnectionPool(fastConfig())
	ctx := context.Background()

	first, firstTransport := pooledConn("stdio://a")
	pool.Put(ctx, first)
	second, _ := pooledConn("stdio://b")
	pool.Put(ctx, second)
	third, _ := pooledConn("stdio://c")
	pool.Put(ctx, third)
	require.Equal(t, 3, pool.Size())

	// The fourth insert pushes out the earliest one, not the least used.
	fourth, _ := pooledConn("stdio://d")
	pool.Put(ctx, fourth)

	assert.Equal(t, 3, pool.Size())
	assert.Nil(t, pool.Get(ctx, "stdio://a"))
	assert.Equal(t, 1, firstTransport.disconnectCount())
	assert.NotNil(t, pool.Get(ctx, "stdio://b"))
}

func TestPoolRejectsDuplicateAddresses(t *testing.T) {
	pool := NewConnectionPool(fastConfig())
	ctx := context.Background()

	old, oldTransport := pooledConn("stdio://a")
	pool.Put(ctx, old)
	replacement, _ := pooledConn("stdio://a")
	pool.Put(ctx, replacement)

	assert.Equal(t, 1, pool.Size())
	assert.Equal(t, 1, oldTransport.disconnectCount())
	assert.Same(t, replacement, pool.Get(ctx, "stdio://a"))
}

func TestPoolRePingsOnHit(t *testing.T) {
	pool := NewConnectionPool(fastConfig())
	ctx := context.Background()

	conn, transport := pooledConn("stdio://a")
	pool.Put(ctx, conn)

	require.NotNil(t, pool.Get(ctx, "stdio://a"))
	assert.Equal(t, 1, transport.pingCount())

	// A connection that stops answering is dropped on the next hit.
	transport.mu.Lock()
	transport.pingErr = errors.New("gone")
	transport.mu.Unlock()

	assert.Nil(t, pool.Get(ctx, "stdio://a"))
	assert.Zero(t, pool.Size())
	assert.Equal(t, 1, transport.disconnectCount())
}

func TestPoolClose(t *testing.T) {
	pool := NewConnectionPool(fastConfig())
	ctx := context.Background()

	a, aTransport := pooledConn("stdio://a")
	b, bTransport := pooledConn("stdio://b")
	pool.Put(ctx, a)
	pool.Put(ctx, b)

	require.NoError(t, pool.Close(ctx))
	assert.Zero(t, pool.Size())
	assert.Equal(t, 1, aTransport.disconnectCount())
	assert.Equal(t, 1, bTransport.disconnectCount())
}

func TestManagerRetriesWithBackoff(t *testing.T) {
	manager := NewConnectionManager(fastConfig())

	attempts := 0
	manager.dial = func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
		attempts++
		if attempts <= 2 {
			return nil, &ConnectionError{Address: address, Err: errors.New("refused")}
		}
		transport := newFakeTransport()
		transport.connected = true
		return transport, nil
	}

	conn, err := manager.CreateConnection(context.Background(), "stdio://flaky")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 3, attempts)
}

func TestManagerGivesUpAfterMaxRetries(t *testing.T) {
	manager := NewConnectionManager(fastConfig())

	attempts := 0
	manager.dial = func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
		attempts++
		return nil, &ConnectionError{Address: address, Err: errors.New("refused")}
	}

	_, err := manager.CreateConnection(context.Background(), "stdio://dead")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 4, attempts) // first try plus MaxRetries
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestManagerRejectsUnpingableConnection(t *testing.T) {
	manager := NewConnectionManager(fastConfig())

	transports := []*fakeTransport{}
	manager.dial = func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
		transport := newFakeTransport()
		transport.connected = true
		if len(transports) == 0 {
			transport.pingErr = errors.New("half open")
		}
		transports = append(transports, transport)
		return transport, nil
	}

	conn, err := manager.CreateConnection(context.Background(), "stdio://wobbly")
	require.NoError(t, err)
	require.NotNil(t, conn)

	// The half-open transport was torn down and a later dial won.
	require.Len(t, transports, 2)
	assert.Equal(t, 1, transports[0].disconnectCount())
}

func TestManagerReusesPooledConnection(t *testing.T) {
	manager := NewConnectionManager(fastConfig())

	dials := 0
	manager.dial = func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
		dials++
		transport := newFakeTransport()
		transport.connected = true
		return transport, nil
	}

	ctx := context.Background()
	first, err := manager.CreateConnection(ctx, "stdio://a")
	require.NoError(t, err)

	second, err := manager.CreateConnection(ctx, "stdio://a")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)
}

func TestBackoffDelayCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 1))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(base, max, 3))
	assert.Equal(t, time.Second, backoffDelay(base, max, 10))
}

func TestManagerContextCancellationStopsRetry(t *testing.T) {
	config := fastConfig()
	config.RetryDelay = time.Minute
	manager := NewConnectionManager(config)
	manager.dial = func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
		return nil, &ConnectionError{Address: address, Err: errors.New("refused")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := manager.CreateConnection(ctx, "stdio://dead")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconnectingConnRedialsOnSendFailure(t *testing.T) {
	manager := NewConnectionManager(fastConfig())

	var made []*fakeTransport
	manager.dial = func(ctx context.Context, address string, config ConnectionConfig) (Transport, error) {
		transport := newFakeTransport()
		transport.connected = true
		made = append(made, transport)
		return transport, nil
	}

	rc := NewReconnectingConn(manager, "stdio://a")
	ctx := context.Background()
	msg := Message{JSONRPC: JSONRPCVersion, Method: "ping"}

	require.NoError(t, rc.Send(ctx, msg))
	require.Len(t, made, 1)

	// Kill the first transport; the next send should heal.
	made[0].mu.Lock()
	made[0].sendErr = &ConnectionError{Err: fmt.Errorf("broken pipe")}
	made[0].mu.Unlock()

	require.NoError(t, rc.Send(ctx, msg))
	assert.Len(t, made, 2)
}
