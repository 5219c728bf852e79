package dalli

import (
	"context"
	"time"
)

// Resource represents a connection checked out from a Pool.
type Resource interface {
	// Value returns the underlying connection.
	Value() *Connection

	// Release returns the connection to the pool for reuse.
	Release()

	// ReleaseUnused returns the connection to the pool without marking it
	// as used. Used for health checks that don't actually use the
	// connection.
	ReleaseUnused()

	// Destroy closes the connection and removes it from the pool.
	Destroy()

	// CreationTime returns when the connection was created.
	CreationTime() time.Time

	// IdleDuration returns how long the connection has been idle.
	IdleDuration() time.Duration
}

// Pool manages the connection(s) used to talk to a single server. With
// MaxConnsPerServer == 1 (the default) exactly one persistent connection
// is maintained; raising it lets a single server field more than one
// in-flight request at a time.
type Pool interface {
	// Acquire gets a connection from the pool, creating or (re)dialing
	// one if necessary. Blocks until a connection is available or ctx is
	// canceled.
	Acquire(ctx context.Context) (Resource, error)

	// AcquireAllIdle acquires all idle connections from the pool. Used
	// for health checks and maintenance.
	AcquireAllIdle() []Resource

	// Close closes the pool and all connections.
	Close()

	// Stats returns a snapshot of pool statistics.
	Stats() PoolStats
}
