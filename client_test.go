package dalli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssip001/dalli/internal/binprot"
	"github.com/ssip001/dalli/internal/testutils"
)

// testResource and simplePool let client tests drive a single mocked
// Connection through the real ServerPool/chokepoint plumbing without a
// live socket.
type testResource struct{ conn *Connection }

func (r testResource) Value() *Connection          { return r.conn }
func (r testResource) Release()                    {}
func (r testResource) ReleaseUnused()              {}
func (r testResource) Destroy()                    {}
func (r testResource) CreationTime() time.Time     { return r.conn.CreationTime() }
func (r testResource) IdleDuration() time.Duration { return 0 }

type simplePool struct{ conn *Connection }

func (p simplePool) Acquire(ctx context.Context) (Resource, error) { return testResource{p.conn}, nil }
func (p simplePool) AcquireAllIdle() []Resource                    { return nil }
func (p simplePool) Close()                                        {}
func (p simplePool) Stats() PoolStats                              { return PoolStats{} }

func newClientWithMock(t *testing.T, wire []byte) (*Client, *testutils.ConnectionMock) {
	t.Helper()
	mock := testutils.NewConnectionMock(string(wire))
	conn := newTestConnection(mock)

	sp := &ServerPool{
		server:         ServerDescriptor{Addr: "mock:11211"},
		pool:           simplePool{conn: conn},
		circuitBreaker: newCircuitBreaker("mock:11211", 3, 0),
	}

	r := newRing()
	r.addServer(ServerDescriptor{Addr: "mock:11211"}, sp)

	keys := newKeyNormalizer("")
	codec := newValueCodec(nil, nil, false, 100, 0)
	c := &Client{
		cfg:    resolveConfig(Config{}),
		ring:   r,
		keys:   keys,
		codec:  codec,
		logger: noopLogger{},
	}
	c.chokepoint = newChokepoint(r, keys, &c.stats, noopLogger{}, c.cfg.failover)
	c.multiGet = newMultiGetCoordinator(r, keys, c.cfg.socketTimeout, noopLogger{}, c.cfg.failover)
	return c, mock
}

func TestClientGetCacheMiss(t *testing.T) {
	resp := &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusKeyNotFound}
	c, _ := newClientWithMock(t, encodeResponse(t, resp))

	_, _, err := c.Get(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestClientGetHit(t *testing.T) {
	resp := &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusNoError, Value: []byte("payload")}
	c, _ := newClientWithMock(t, encodeResponse(t, resp))

	data, _, err := c.Get(context.Background(), "k", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestClientAddNotStored(t *testing.T) {
	resp := &binprot.Response{Opcode: binprot.OpAdd, Opaque: 1, Status: binprot.StatusNotStored}
	c, _ := newClientWithMock(t, encodeResponse(t, resp))

	err := c.Add(context.Background(), "k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestClientDeleteMiss(t *testing.T) {
	resp := &binprot.Response{Opcode: binprot.OpDelete, Opaque: 1, Status: binprot.StatusKeyNotFound}
	c, _ := newClientWithMock(t, encodeResponse(t, resp))

	err := c.Delete(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestClientIncrement(t *testing.T) {
	value := make([]byte, 8)
	value[7] = 5
	resp := &binprot.Response{Opcode: binprot.OpIncrement, Opaque: 1, Status: binprot.StatusNoError, Value: value}
	c, _ := newClientWithMock(t, encodeResponse(t, resp))

	got, err := c.Increment(context.Background(), "counter", 1, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 5, got)
}

// writtenRequest is a hand-decoded view of one request frame, used to
// inspect what the client actually put on the wire (opcode, extras)
// rather than just the response it got back.
type writtenRequest struct {
	opcode binprot.Opcode
	extras []byte
	key    []byte
	value  []byte
}

func parseWrittenRequests(t *testing.T, raw []byte) []writtenRequest {
	t.Helper()
	var out []writtenRequest
	for len(raw) > 0 {
		require.GreaterOrEqual(t, len(raw), binprot.HeaderLen)
		opcode := binprot.Opcode(raw[1])
		keyLen := int(raw[2])<<8 | int(raw[3])
		extrasLen := int(raw[4])
		bodyLen := int(raw[8])<<24 | int(raw[9])<<16 | int(raw[10])<<8 | int(raw[11])
		total := binprot.HeaderLen + bodyLen
		require.GreaterOrEqual(t, len(raw), total)

		body := raw[binprot.HeaderLen:total]
		out = append(out, writtenRequest{
			opcode: opcode,
			extras: body[:extrasLen],
			key:    body[extrasLen : extrasLen+keyLen],
			value:  body[extrasLen+keyLen:],
		})
		raw = raw[total:]
	}
	return out
}

// TestFetchAddsLoaderResultOnMiss verifies Fetch stores a loader's result
// with Add rather than Set, so a concurrent second miss can't clobber the
// first producer's value.
func TestFetchAddsLoaderResultOnMiss(t *testing.T) {
	miss := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusKeyNotFound})
	stored := encodeResponse(t, &binprot.Response{Opcode: binprot.OpAdd, Opaque: 2, Status: binprot.StatusNoError})
	hit := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 3, Status: binprot.StatusNoError, Value: []byte("loaded")})

	wire := append(append(append([]byte{}, miss...), stored...), hit...)
	c, mock := newClientWithMock(t, wire)

	called := false
	data, err := c.Fetch(context.Background(), "k", 0, nil, func() (any, error) {
		called = true
		return []byte("loaded"), nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []byte("loaded"), data)

	reqs := parseWrittenRequests(t, []byte(mock.GetWrittenRequest()))
	require.Len(t, reqs, 3)
	assert.Equal(t, binprot.OpAdd, reqs[1].opcode)
}

// TestFetchTreatsDecodeFailureAsMiss verifies a cached entry that fails to
// decode is treated the same as a cache miss: the loader runs and its
// result is (re-)stored, rather than the decode error bubbling up.
func TestFetchTreatsDecodeFailureAsMiss(t *testing.T) {
	corrupt := encodeResponse(t, &binprot.Response{
		Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusNoError,
		Extras: binprot.BuildStoreExtras(flagSerialized, 0),
		Value:  []byte("not a valid gob stream"),
	})
	stored := encodeResponse(t, &binprot.Response{Opcode: binprot.OpAdd, Opaque: 2, Status: binprot.StatusNoError})
	hit := encodeResponse(t, &binprot.Response{
		Opcode: binprot.OpGet, Opaque: 3, Status: binprot.StatusNoError,
		Extras: binprot.BuildStoreExtras(flagSerialized, 0),
		Value:  []byte("not a valid gob stream"),
	})

	wire := append(append(append([]byte{}, corrupt...), stored...), hit...)
	c, _ := newClientWithMock(t, wire)

	called := false
	var out string
	_, err := c.Fetch(context.Background(), "k", 0, &out, func() (any, error) {
		called = true
		return "fresh", nil
	})
	// The re-Get at the end decodes the same corrupt bytes again, so this
	// still surfaces an UnmarshalError -- what matters is that the loader
	// ran instead of the original decode error being returned immediately.
	assert.True(t, called)
	var unmarshalErr *UnmarshalError
	if err != nil {
		assert.ErrorAs(t, err, &unmarshalErr)
	}
}

func TestFlushStaggersDelayAcrossServers(t *testing.T) {
	mockA := testutils.NewConnectionMock(string(encodeResponse(t, &binprot.Response{Opcode: binprot.OpFlush, Opaque: 1, Status: binprot.StatusNoError})))
	mockB := testutils.NewConnectionMock(string(encodeResponse(t, &binprot.Response{Opcode: binprot.OpFlush, Opaque: 1, Status: binprot.StatusNoError})))

	connA := newTestConnection(mockA)
	connB := newTestConnection(mockB)

	spA := &ServerPool{server: ServerDescriptor{Addr: "a:11211"}, pool: simplePool{conn: connA}, circuitBreaker: newCircuitBreaker("a:11211", 3, 0)}
	spB := &ServerPool{server: ServerDescriptor{Addr: "b:11211"}, pool: simplePool{conn: connB}, circuitBreaker: newCircuitBreaker("b:11211", 3, 0)}

	r := newRing()
	r.addServer(ServerDescriptor{Addr: "a:11211"}, spA)
	r.addServer(ServerDescriptor{Addr: "b:11211"}, spB)

	keys := newKeyNormalizer("")
	c := &Client{cfg: resolveConfig(Config{}), ring: r, keys: keys, codec: newValueCodec(nil, nil, false, 4096, 0), logger: noopLogger{}}
	c.chokepoint = newChokepoint(r, keys, &c.stats, noopLogger{}, true)
	c.multiGet = newMultiGetCoordinator(r, keys, c.cfg.socketTimeout, noopLogger{}, true)

	require.NoError(t, c.Flush(context.Background(), 10*time.Second))

	reqsA := parseWrittenRequests(t, []byte(mockA.GetWrittenRequest()))
	reqsB := parseWrittenRequests(t, []byte(mockB.GetWrittenRequest()))
	require.Len(t, reqsA, 1)
	require.Len(t, reqsB, 1)

	delays := map[string][]byte{"a:11211": reqsA[0].extras, "b:11211": reqsB[0].extras}
	assert.Empty(t, delays["a:11211"], "first server in sorted order gets no delay")
	require.Len(t, delays["b:11211"], 4)
	assert.EqualValues(t, 10, delays["b:11211"][3])
}

func TestCasUpdatesExistingValue(t *testing.T) {
	hit := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusNoError, Value: []byte("old"), CAS: 7})
	stored := encodeResponse(t, &binprot.Response{Opcode: binprot.OpSet, Opaque: 2, Status: binprot.StatusNoError})
	wire := append(append([]byte{}, hit...), stored...)
	c, _ := newClientWithMock(t, wire)

	result, err := c.Cas(context.Background(), "k", 0, nil, func(current []byte) (any, error) {
		assert.Equal(t, []byte("old"), current)
		return []byte("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, CasUpdated, result)
}

func TestCasReturnsMissingWhenKeyAbsent(t *testing.T) {
	miss := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusKeyNotFound})
	c, _ := newClientWithMock(t, miss)

	called := false
	result, err := c.Cas(context.Background(), "k", 0, nil, func(current []byte) (any, error) {
		called = true
		return []byte("new"), nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, CasMissing, result)
}

func TestCasReturnsConflictOnTokenMismatch(t *testing.T) {
	hit := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusNoError, Value: []byte("old"), CAS: 7})
	conflict := encodeResponse(t, &binprot.Response{Opcode: binprot.OpSet, Opaque: 2, Status: binprot.StatusKeyExists})
	wire := append(append([]byte{}, hit...), conflict...)
	c, _ := newClientWithMock(t, wire)

	result, err := c.Cas(context.Background(), "k", 0, nil, func(current []byte) (any, error) {
		return []byte("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, CasConflict, result)
}

func TestCasForceAddsWhenAbsent(t *testing.T) {
	miss := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusKeyNotFound})
	added := encodeResponse(t, &binprot.Response{Opcode: binprot.OpAdd, Opaque: 2, Status: binprot.StatusNoError})
	wire := append(append([]byte{}, miss...), added...)
	c, _ := newClientWithMock(t, wire)

	result, err := c.CasForce(context.Background(), "k", 0, nil, func(current []byte, exists bool) (any, error) {
		assert.False(t, exists)
		return []byte("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, CasUpdated, result)
}
