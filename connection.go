package mcpwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus is the outcome of a connection health check.
type HealthStatus struct {
	Healthy   bool
	Address   string
	CheckedAt time.Time
	Err       error
}

// Connection binds a connected transport to its address and tracks
// whether it has been closed. All methods fail fast once Close has been
// called.
type Connection struct {
	transport Transport
	address   string

	mu     sync.Mutex
	closed bool
}

// NewConnection wraps an already connected transport.
func NewConnection(transport Transport, address string) *Connection {
	return &Connection{transport: transport, address: address}
}

// Address returns the address the connection was established to.
func (c *Connection) Address() string { return c.address }

// Transport exposes the underlying transport, for handing off to a
// protocol client.
func (c *Connection) Transport() Transport { return c.transport }

// Send transmits one message over the underlying transport.
func (c *Connection) Send(ctx context.Context, msg Message) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.transport.Send(ctx, msg)
}

// Receive reads one message from the underlying transport.
func (c *Connection) Receive(ctx context.Context) (Message, error) {
	if err := c.checkOpen(); err != nil {
		return Message{}, err
	}
	return c.transport.Receive(ctx)
}

// HealthCheck probes the transport and reports the outcome. A closed
// connection is reported unhealthy without touching the transport.
func (c *Connection) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Address: c.address, CheckedAt: time.Now()}

	if err := c.checkOpen(); err != nil {
		status.Err = err
		return status
	}
	if err := c.transport.Ping(ctx); err != nil {
		status.Err = err
		return status
	}
	status.Healthy = true
	return status
}

// Close disconnects the transport. Safe to call more than once; later
// calls return nil.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.transport.Disconnect(ctx)
}

func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &ConnectionError{Address: c.address, Err: errors.New("connection closed")}
	}
	return nil
}

// ConnectionPool keeps at most PoolSize live connections keyed by
// address. When the pool is full, the connection inserted earliest is
// evicted and closed, regardless of how recently it was used.
//
// A pooled connection is re-checked with a ping on every hit; a stale
// one is dropped and the caller dials fresh.
type ConnectionPool struct {
	config ConnectionConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection
	order []string
}

// NewConnectionPool creates an empty pool bounded by config.PoolSize.
func NewConnectionPool(config ConnectionConfig) *ConnectionPool {
	return &ConnectionPool{
		config: config.withDefaults(),
		logger: slog.Default(),
		conns:  make(map[string]*Connection),
	}
}

// Get returns the pooled connection for the address after verifying it
// still answers a ping, or nil if the pool holds none (or held a stale
// one, which is closed and removed).
func (p *ConnectionPool) Get(ctx context.Context, address string) *Connection {
	p.mu.Lock()
	conn, ok := p.conns[address]
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if status := conn.HealthCheck(ctx); !status.Healthy {
		p.logger.Debug("evicting stale pooled connection", "address", address, "err", status.Err)
		p.Remove(ctx, address)
		return nil
	}
	return conn
}

// Put inserts a connection into the pool. Inserting a second connection
// for the same address closes the previous one so the pool never holds
// duplicates. A full pool evicts and closes its oldest entry first.
func (p *ConnectionPool) Put(ctx context.Context, conn *Connection) {
	address := conn.Address()

	p.mu.Lock()
	if prev, ok := p.conns[address]; ok {
		delete(p.conns, address)
		p.removeFromOrder(address)
		p.mu.Unlock()
		if err := prev.Close(ctx); err != nil {
			p.logger.Debug("failed to close replaced connection", "address", address, "err", err)
		}
		p.mu.Lock()
	}

	var evicted *Connection
	if len(p.conns) >= p.config.PoolSize && len(p.order) > 0 {
		oldest := p.order[0]
		p.order = p.order[1:]
		evicted = p.conns[oldest]
		delete(p.conns, oldest)
	}

	p.conns[address] = conn
	p.order = append(p.order, address)
	p.mu.Unlock()

	if evicted != nil {
		p.logger.Debug("pool full, evicting oldest connection", "address", evicted.Address())
		if err := evicted.Close(ctx); err != nil {
			p.logger.Debug("failed to close evicted connection", "address", evicted.Address(), "err", err)
		}
	}
}

// Remove closes and drops the connection for the address, if present.
func (p *ConnectionPool) Remove(ctx context.Context, address string) {
	p.mu.Lock()
	conn, ok := p.conns[address]
	if ok {
		delete(p.conns, address)
		p.removeFromOrder(address)
	}
	p.mu.Unlock()

	if ok {
		if err := conn.Close(ctx); err != nil {
			p.logger.Debug("failed to close removed connection", "address", address, "err", err)
		}
	}
}

// Size reports how many connections the pool currently holds.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close empties the pool, closing every held connection. The first
// close failure is returned, after all connections have been attempted.
func (p *ConnectionPool) Close(ctx context.Context) error {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Connection)
	p.order = nil
	p.mu.Unlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// removeFromOrder must be called with p.mu held.
func (p *ConnectionPool) removeFromOrder(address string) {
	for i, a := range p.order {
		if a == address {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// ConnectionManager dials connections with retry and exponential backoff
// and pools the ones that succeed. It is the entry point the client
// facade uses; direct Dial calls skip both retry and pooling.
type ConnectionManager struct {
	config ConnectionConfig
	logger *slog.Logger
	pool   *ConnectionPool

	// dial is swappable for tests.
	dial func(ctx context.Context, address string, config ConnectionConfig) (Transport, error)
}

// NewConnectionManager creates a manager with its own pool.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	config = config.withDefaults()
	return &ConnectionManager{
		config: config,
		logger: slog.Default(),
		pool:   NewConnectionPool(config),
		dial:   Dial,
	}
}

// CreateConnection returns a healthy connection to the address, reusing
// a pooled one when possible. A fresh dial is attempted MaxRetries+1
// times; attempt n waits RetryDelay * 2^n before running, capped at
// MaxRetryDelay. Every new connection must answer a ping before it is
// handed out.
func (m *ConnectionManager) CreateConnection(ctx context.Context, address string) (*Connection, error) {
	if conn := m.pool.Get(ctx, address); conn != nil {
		m.logger.Debug("reusing pooled connection", "address", address)
		return conn, nil
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(m.config.RetryDelay, m.config.MaxRetryDelay, attempt-1)
			m.logger.Debug("retrying connection", "address", address, "attempt", attempt, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		conn, err := m.dialAndVerify(ctx, address)
		if err != nil {
			lastErr = err
			continue
		}

		m.pool.Put(ctx, conn)
		return conn, nil
	}

	return nil, &ConnectionError{
		Address: address,
		Err:     fmt.Errorf("failed after %d attempts: %w", m.config.MaxRetries+1, lastErr),
	}
}

// CloseConnection drops the pooled connection for the address.
func (m *ConnectionManager) CloseConnection(ctx context.Context, address string) {
	m.pool.Remove(ctx, address)
}

// CloseAll closes every pooled connection.
func (m *ConnectionManager) CloseAll(ctx context.Context) error {
	return m.pool.Close(ctx)
}

func (m *ConnectionManager) dialAndVerify(ctx context.Context, address string) (*Connection, error) {
	transport, err := m.dial(ctx, address, m.config)
	if err != nil {
		return nil, err
	}

	pCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	if err := transport.Ping(pCtx); err != nil {
		if dErr := transport.Disconnect(ctx); dErr != nil {
			m.logger.Debug("failed to disconnect unhealthy transport", "address", address, "err", dErr)
		}
		return nil, fmt.Errorf("connection test failed: %w", err)
	}

	return NewConnection(transport, address), nil
}

func backoffDelay(base, max time.Duration, exp int) time.Duration {
	delay := base
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// ReconnectingConn wraps a manager and an address so that a send or
// receive hitting a dead connection transparently re-dials once and
// replays the operation. It trades strict failure visibility for
// availability on long-lived sessions.
type ReconnectingConn struct {
	manager *ConnectionManager
	address string
	logger  *slog.Logger

	mu   sync.Mutex
	conn *Connection
}

// NewReconnectingConn creates a lazy self-healing connection. No dial
// happens until the first operation.
func NewReconnectingConn(manager *ConnectionManager, address string) *ReconnectingConn {
	return &ReconnectingConn{
		manager: manager,
		address: address,
		logger:  slog.Default(),
	}
}

// Send transmits a message, re-dialing once if the connection has died.
func (r *ReconnectingConn) Send(ctx context.Context, msg Message) error {
	conn, err := r.current(ctx)
	if err != nil {
		return err
	}

	if err := conn.Send(ctx, msg); err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			return err
		}

		r.logger.Debug("send failed, reconnecting", "address", r.address, "err", err)
		conn, rErr := r.reconnect(ctx, conn)
		if rErr != nil {
			return rErr
		}
		return conn.Send(ctx, msg)
	}
	return nil
}

// Receive reads a message, re-dialing once if the connection has died.
// A replayed receive cannot recover messages lost with the old
// connection; callers needing exactly-once must correlate at the
// protocol layer.
func (r *ReconnectingConn) Receive(ctx context.Context) (Message, error) {
	conn, err := r.current(ctx)
	if err != nil {
		return Message{}, err
	}

	msg, err := conn.Receive(ctx)
	if err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			return Message{}, err
		}

		r.logger.Debug("receive failed, reconnecting", "address", r.address, "err", err)
		conn, rErr := r.reconnect(ctx, conn)
		if rErr != nil {
			return Message{}, rErr
		}
		return conn.Receive(ctx)
	}
	return msg, nil
}

// Close releases the underlying connection back through the manager.
func (r *ReconnectingConn) Close(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil {
		return nil
	}
	r.manager.CloseConnection(ctx, r.address)
	return nil
}

func (r *ReconnectingConn) current(ctx context.Context) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return r.conn, nil
	}

	conn, err := r.manager.CreateConnection(ctx, r.address)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}

func (r *ReconnectingConn) reconnect(ctx context.Context, stale *Connection) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have already replaced the stale connection.
	if r.conn != nil && r.conn != stale {
		return r.conn, nil
	}

	r.conn = nil
	r.manager.CloseConnection(ctx, r.address)

	conn, err := r.manager.CreateConnection(ctx, r.address)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return conn, nil
}
