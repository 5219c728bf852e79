package dalli

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ssip001/dalli/internal/binprot"
	"github.com/ssip001/dalli/internal/coarsetime"
)

// connState is the lifecycle state of a single server Connection.
type connState int32

const (
	connUnconnected connState = iota
	connConnecting
	connAuthenticating
	connReady
	connClosed
)

func (s connState) String() string {
	switch s {
	case connUnconnected:
		return "unconnected"
	case connConnecting:
		return "connecting"
	case connAuthenticating:
		return "authenticating"
	case connReady:
		return "ready"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection wraps one TCP (or unix socket) connection to a single cache
// server, speaking the binary protocol. It is not safe for concurrent
// Send calls: the pool guarantees exclusive access to one goroutine at a
// time, the same way one physical socket can only carry one in-flight
// request/response pair (pipelined multi-get aside, which uses
// SendPipeline/ReadOne directly rather than Send).
type Connection struct {
	server ServerDescriptor
	dialer *net.Dialer
	logger Logger

	socketTimeout time.Duration

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	state   atomic.Int32
	created time.Time
	opaque  uint32
}

// NewConnection builds a Connection bound to server, unconnected until the
// first Connect call.
func NewConnection(server ServerDescriptor, dialer *net.Dialer, socketTimeout time.Duration, logger Logger) *Connection {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 2 * time.Second}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	c := &Connection{server: server, dialer: dialer, socketTimeout: socketTimeout, logger: logger}
	c.state.Store(int32(connUnconnected))
	return c
}

func (c *Connection) State() connState {
	return connState(c.state.Load())
}

// Connect dials the server and, if credentials are configured, performs a
// SASL PLAIN handshake. Safe to call again after Close.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Store(int32(connConnecting))

	netConn, err := c.dialer.DialContext(ctx, c.server.Network(), c.server.Addr)
	if err != nil {
		c.state.Store(int32(connUnconnected))
		return &NetworkError{Server: c.server.Addr, Op: "connect", Err: err}
	}

	c.conn = netConn
	c.reader = bufio.NewReader(netConn)
	c.writer = bufio.NewWriter(netConn)
	c.created = coarsetime.Now()

	if c.server.Username != "" {
		c.state.Store(int32(connAuthenticating))
		if err := c.authenticate(); err != nil {
			c.closeLocked()
			return err
		}
	}

	c.state.Store(int32(connReady))
	return nil
}

// authenticate performs a SASL PLAIN handshake: "\x00user\x00pass".
func (c *Connection) authenticate() error {
	saslBody := fmt.Sprintf("\x00%s\x00%s", c.server.Username, c.server.Password)
	req := &binprot.Request{
		Opcode: binprot.OpSASLAuth,
		Key:    []byte("PLAIN"),
		Value:  []byte(saslBody),
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.Status != binprot.StatusNoError {
		return &NetworkError{Server: c.server.Addr, Op: "sasl_auth", Err: fmt.Errorf("status %s", resp.Status)}
	}
	return nil
}

// Close tears down the underlying socket. Safe to call multiple times.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	c.state.Store(int32(connClosed))
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Connection) nextOpaque() uint32 {
	// Skip 0: some servers treat opaque 0 as "no correlation requested".
	for {
		v := atomic.AddUint32(&c.opaque, 1)
		if v != 0 {
			return v
		}
	}
}

// Send performs one request/response round trip, applying the configured
// socket timeout as a read/write deadline and verifying the opaque echoed
// back matches what was sent.
func (c *Connection) Send(req *binprot.Request) (*binprot.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roundTrip(req)
}

func (c *Connection) roundTrip(req *binprot.Request) (*binprot.Response, error) {
	if c.conn == nil {
		return nil, &NetworkError{Server: c.server.Addr, Op: "send", Err: fmt.Errorf("not connected")}
	}
	if req.Opaque == 0 {
		req.Opaque = c.nextOpaque()
	}

	if c.socketTimeout > 0 {
		_ = c.conn.SetDeadline(coarsetime.Now().Add(c.socketTimeout))
	}

	if _, err := req.WriteTo(c.writer); err != nil {
		return nil, &NetworkError{Server: c.server.Addr, Op: "write", Err: err}
	}
	if err := c.writer.Flush(); err != nil {
		return nil, &NetworkError{Server: c.server.Addr, Op: "flush", Err: err}
	}

	resp, err := binprot.ReadResponse(c.reader)
	if err != nil {
		return nil, &NetworkError{Server: c.server.Addr, Op: "read", Err: err}
	}
	if resp.Opaque != req.Opaque {
		return nil, &ProtocolError{Server: c.server.Addr, Reason: fmt.Sprintf("opaque mismatch: sent %d got %d", req.Opaque, resp.Opaque)}
	}
	return resp, nil
}

// SendPipeline writes a batch of quiet requests (GETQ/SETQ/...) followed
// by a NOOP terminator in one flush, without waiting for any response.
// Used by the multi-get coordinator. Each request is stamped with a fresh
// opaque so responses can be matched back to their key as they arrive.
func (c *Connection) SendPipeline(reqs []*binprot.Request) (noopOpaque uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return 0, &NetworkError{Server: c.server.Addr, Op: "send_pipeline", Err: fmt.Errorf("not connected")}
	}

	if c.socketTimeout > 0 {
		_ = c.conn.SetDeadline(coarsetime.Now().Add(c.socketTimeout))
	}

	for _, req := range reqs {
		if req.Opaque == 0 {
			req.Opaque = c.nextOpaque()
		}
		if _, err := req.WriteTo(c.writer); err != nil {
			return 0, &NetworkError{Server: c.server.Addr, Op: "write", Err: err}
		}
	}

	noop := &binprot.Request{Opcode: binprot.OpNoop, Opaque: c.nextOpaque()}
	if _, err := noop.WriteTo(c.writer); err != nil {
		return 0, &NetworkError{Server: c.server.Addr, Op: "write", Err: err}
	}
	if err := c.writer.Flush(); err != nil {
		return 0, &NetworkError{Server: c.server.Addr, Op: "flush", Err: err}
	}
	return noop.Opaque, nil
}

// ReadOne reads a single pipelined response, applying deadline as the
// read deadline. Returns the response as-is; the caller (multiGetCoordinator)
// is responsible for recognizing the NOOP terminator by opaque.
func (c *Connection) ReadOne(deadline time.Time) (*binprot.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &NetworkError{Server: c.server.Addr, Op: "read_one", Err: fmt.Errorf("not connected")}
	}
	_ = c.conn.SetReadDeadline(deadline)

	resp, err := binprot.ReadResponse(c.reader)
	if err != nil {
		return nil, &NetworkError{Server: c.server.Addr, Op: "read_one", Err: err}
	}
	return resp, nil
}

// CreationTime reports when the underlying socket was established.
func (c *Connection) CreationTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}
