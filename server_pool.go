package dalli

import (
	"context"
	"net"
	"time"

	"github.com/ssip001/dalli/internal/binprot"
)

// serverPoolConfig carries the per-server knobs a ServerPool needs that
// come from the client's Config, without requiring server_pool.go to
// depend on the whole Config struct.
type serverPoolConfig struct {
	dialer            *net.Dialer
	socketTimeout     time.Duration
	socketMaxFailures uint32
	downRetryDelay    time.Duration
	maxConnsPerServer int32
	logger            Logger
}

// NewServerPool dials lazily: the puddle-backed pool only constructs a
// Connection the first time one is acquired.
func NewServerPool(server ServerDescriptor, cfg serverPoolConfig) (*ServerPool, error) {
	constructor := func(ctx context.Context) (*Connection, error) {
		conn := NewConnection(server, cfg.dialer, cfg.socketTimeout, cfg.logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	maxSize := cfg.maxConnsPerServer
	if maxSize <= 0 {
		maxSize = 1
	}

	pool, err := newPuddlePool(constructor, maxSize)
	if err != nil {
		return nil, err
	}

	return &ServerPool{
		server:         server,
		pool:           pool,
		circuitBreaker: newCircuitBreaker(server.Addr, cfg.socketMaxFailures, cfg.downRetryDelay),
	}, nil
}

// ServerPool binds one server's connection pool to its down-timer
// (circuitBreaker), so every caller going through Execute gets the same
// failure-counting and fast-fail-while-down behavior regardless of which
// connection handles the request.
type ServerPool struct {
	server         ServerDescriptor
	pool           Pool
	circuitBreaker circuitBreaker
}

func (sp *ServerPool) Address() string { return sp.server.Addr }

// Available reports whether this server's breaker currently allows
// traffic (closed or half-open); the ring consults this for failover.
func (sp *ServerPool) Available() bool {
	return sp.circuitBreaker.State() != circuitOpen
}

// ServerPoolStats reports a single server's connection and breaker state.
type ServerPoolStats struct {
	Addr                string
	PoolStats           PoolStats
	CircuitBreakerState circuitBreakerState
}

func (sp *ServerPool) Stats() ServerPoolStats {
	return ServerPoolStats{
		Addr:                sp.server.Addr,
		PoolStats:           sp.pool.Stats(),
		CircuitBreakerState: sp.circuitBreaker.State(),
	}
}

// Execute acquires a connection, sends req under the server's circuit
// breaker, and releases or destroys the connection depending on whether
// the error indicates the socket's framing state is no longer
// trustworthy.
func (sp *ServerPool) Execute(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	return sp.circuitBreaker.Execute(func() (*binprot.Response, error) {
		return sp.execDirect(ctx, req)
	})
}

func (sp *ServerPool) execDirect(ctx context.Context, req *binprot.Request) (*binprot.Response, error) {
	resource, err := sp.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	conn := resource.Value()
	resp, err := conn.Send(req)
	if err != nil {
		if shouldCloseConnection(err) {
			resource.Destroy()
		} else {
			resource.Release()
		}
		return nil, err
	}

	resource.Release()
	return resp, nil
}

// Acquire exposes the underlying pool for callers (the multi-get
// coordinator) that need a Connection directly for pipelined I/O rather
// than the single-shot Execute flow.
func (sp *ServerPool) Acquire(ctx context.Context) (Resource, error) {
	return sp.pool.Acquire(ctx)
}

func (sp *ServerPool) Close() { sp.pool.Close() }
