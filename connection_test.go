package dalli

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssip001/dalli/internal/binprot"
	"github.com/ssip001/dalli/internal/testutils"
)

func newTestConnection(mock *testutils.ConnectionMock) *Connection {
	c := &Connection{
		server:        ServerDescriptor{Addr: "mock:11211"},
		socketTimeout: time.Second,
		logger:        noopLogger{},
		conn:          mock,
		reader:        bufio.NewReader(mock),
		writer:        bufio.NewWriter(mock),
	}
	c.state.Store(int32(connReady))
	return c
}

func encodeResponse(t *testing.T, resp *binprot.Response) []byte {
	t.Helper()
	req := &binprot.Request{Opcode: resp.Opcode, Opaque: resp.Opaque, CAS: resp.CAS, Extras: resp.Extras, Key: resp.Key, Value: resp.Value}
	var buf bytes.Buffer
	_, err := req.WriteTo(&buf)
	require.NoError(t, err)
	wire := buf.Bytes()
	wire[0] = binprot.MagicResponse
	wire[6] = byte(resp.Status >> 8)
	wire[7] = byte(resp.Status)
	return wire
}

func TestConnectionSendMatchesOpaque(t *testing.T) {
	wire := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 1, Status: binprot.StatusNoError, Value: []byte("v")})
	mock := testutils.NewConnectionMock(string(wire))
	conn := newTestConnection(mock)

	resp, err := conn.Send(&binprot.Request{Opcode: binprot.OpGet, Opaque: 1, Key: []byte("k")})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), resp.Value)
}

func TestConnectionSendRejectsOpaqueMismatch(t *testing.T) {
	wire := encodeResponse(t, &binprot.Response{Opcode: binprot.OpGet, Opaque: 99, Status: binprot.StatusNoError})
	mock := testutils.NewConnectionMock(string(wire))
	conn := newTestConnection(mock)

	_, err := conn.Send(&binprot.Request{Opcode: binprot.OpGet, Opaque: 1, Key: []byte("k")})
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestConnectionNextOpaqueSkipsZero(t *testing.T) {
	conn := &Connection{}
	conn.opaque = 0xFFFFFFFF
	first := conn.nextOpaque()
	assert.NotEqual(t, uint32(0), first)
}

func TestConnectionSendOnUnconnected(t *testing.T) {
	conn := NewConnection(ServerDescriptor{Addr: "example:11211"}, nil, time.Second, nil)
	_, err := conn.Send(&binprot.Request{Opcode: binprot.OpGet, Key: []byte("k")})
	require.Error(t, err)
	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}
