// Package binprot implements the binary request/response framing of the
// memcached wire protocol (protocol version >= 1.4):
//
//	Byte/     0       |       1       |       2       |       3       |
//	  |0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|0 1 2 3 4 5 6 7|
//	  +---------------+---------------+---------------+---------------+
//	 0| Magic         | Opcode        | Key length                    |
//	  +---------------+---------------+---------------+---------------+
//	 4| Extras length | Data type     | Status / vbucket id           |
//	  +---------------+---------------+---------------+---------------+
//	 8| Total body length                                             |
//	  +---------------+---------------+---------------+---------------+
//	12| Opaque                                                        |
//	  +---------------+---------------+---------------+---------------+
//	16| CAS                                                           |
//	  |                                                               |
//	  +---------------+---------------+---------------+---------------+
//	24| Extras (as needed) / Key (as needed) / Value (as needed)      |
//	  +---------------+---------------+---------------+---------------+
//
// This package owns only the wire format: header layout, opcodes, and
// status codes. Key validation, namespacing, value serialization, and
// retry/failover policy live above it in the dalli package.
package binprot

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81

	HeaderLen = 24

	DataTypeRawBytes byte = 0x00
)

// Opcode identifies the operation a request header carries.
type Opcode byte

const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0A
	OpVersion    Opcode = 0x0B
	OpGetK       Opcode = 0x0C
	OpGetKQ      Opcode = 0x0D
	OpAppend     Opcode = 0x0E
	OpPrepend    Opcode = 0x0F
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1A
	OpTouch      Opcode = 0x1C
	OpGat        Opcode = 0x1D
	OpGatQ       Opcode = 0x1E

	OpSASLListMechs Opcode = 0x20
	OpSASLAuth      Opcode = 0x21
	OpSASLStep      Opcode = 0x22
)

// Status is the 16-bit response status field.
type Status uint16

const (
	StatusNoError       Status = 0x0000
	StatusKeyNotFound   Status = 0x0001
	StatusKeyExists     Status = 0x0002
	StatusValueTooLarge Status = 0x0003
	StatusInvalidArgs   Status = 0x0004
	StatusNotStored     Status = 0x0005
	StatusDeltaBadVal   Status = 0x0006
	StatusWrongVBucket  Status = 0x0007
	StatusAuthError     Status = 0x0008
	StatusAuthContinue  Status = 0x0009
	StatusUnknownCmd    Status = 0x0081
	StatusOutOfMemory   Status = 0x0082
	StatusNotSupported  Status = 0x0083
	StatusInternalError Status = 0x0084
	StatusBusy          Status = 0x0085
	StatusTempFailure   Status = 0x0086
)

func (s Status) String() string {
	switch s {
	case StatusNoError:
		return "NO_ERROR"
	case StatusKeyNotFound:
		return "KEY_ENOENT"
	case StatusKeyExists:
		return "KEY_EEXISTS"
	case StatusValueTooLarge:
		return "E2BIG"
	case StatusInvalidArgs:
		return "EINVAL"
	case StatusNotStored:
		return "NOT_STORED"
	case StatusDeltaBadVal:
		return "DELTA_BADVAL"
	case StatusAuthError:
		return "AUTH_ERROR"
	case StatusAuthContinue:
		return "AUTH_CONTINUE"
	default:
		return fmt.Sprintf("STATUS(0x%04x)", uint16(s))
	}
}

// NoReplyFailOnMissing is the expiry value (0xFFFFFFFF) that INCREMENT and
// DECREMENT extras use to request "fail if the key is absent" instead of
// auto-vivifying with an initial value.
const NoReplyFailOnMissing uint32 = 0xFFFFFFFF

// Request is a fully-built binary protocol request, ready to be written to
// a connection. Extras layout depends on Opcode; see BuildStoreExtras and
// BuildArithmeticExtras.
type Request struct {
	Opcode Opcode
	Opaque uint32
	CAS    uint64
	Extras []byte
	Key    []byte
	Value  []byte
}

// WriteTo encodes the request header followed by extras, key, and value,
// and writes it in a single call.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	nExtras := len(r.Extras)
	nKey := len(r.Key)
	nValue := len(r.Value)
	total := HeaderLen + nExtras + nKey + nValue

	buf := make([]byte, total)
	buf[0] = MagicRequest
	buf[1] = byte(r.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(nKey))
	buf[4] = byte(nExtras)
	buf[5] = DataTypeRawBytes
	binary.BigEndian.PutUint16(buf[6:8], 0) // vbucket id, unused
	binary.BigEndian.PutUint32(buf[8:12], uint32(nExtras+nKey+nValue))
	binary.BigEndian.PutUint32(buf[12:16], r.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], r.CAS)

	pos := HeaderLen
	if nExtras > 0 {
		copy(buf[pos:], r.Extras)
		pos += nExtras
	}
	if nKey > 0 {
		copy(buf[pos:], r.Key)
		pos += nKey
	}
	if nValue > 0 {
		copy(buf[pos:], r.Value)
	}

	n, err := w.Write(buf)
	return int64(n), err
}

// Response is a parsed binary protocol response.
type Response struct {
	Opcode Opcode
	Status Status
	Opaque uint32
	CAS    uint64
	Extras []byte
	Key    []byte
	Value  []byte
}

// ReadResponse reads one full response (header plus body) from r.
func ReadResponse(r io.Reader) (*Response, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	if hdr[0] != MagicResponse {
		return nil, fmt.Errorf("binprot: bad magic byte 0x%02x", hdr[0])
	}

	resp := &Response{
		Opcode: Opcode(hdr[1]),
		Status: Status(binary.BigEndian.Uint16(hdr[6:8])),
		Opaque: binary.BigEndian.Uint32(hdr[12:16]),
		CAS:    binary.BigEndian.Uint64(hdr[16:24]),
	}

	keyLen := int(binary.BigEndian.Uint16(hdr[2:4]))
	extrasLen := int(hdr[4])
	bodyLen := int(binary.BigEndian.Uint32(hdr[8:12]))

	if bodyLen == 0 {
		return resp, nil
	}
	if extrasLen+keyLen > bodyLen {
		return nil, fmt.Errorf("binprot: extras length %d plus key length %d exceeds body length %d", extrasLen, keyLen, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	pos := 0
	if extrasLen > 0 {
		resp.Extras = body[pos : pos+extrasLen]
		pos += extrasLen
	}
	if keyLen > 0 {
		resp.Key = body[pos : pos+keyLen]
		pos += keyLen
	}
	if valueLen := bodyLen - extrasLen - keyLen; valueLen > 0 {
		resp.Value = body[pos:]
	}

	return resp, nil
}

// BuildStoreExtras encodes the 8-byte extras used by SET/ADD/REPLACE (and
// their quiet variants): client flags then expiry, both big-endian uint32.
func BuildStoreExtras(clientFlags uint32, expiry uint32) []byte {
	var extras [8]byte
	binary.BigEndian.PutUint32(extras[0:4], clientFlags)
	binary.BigEndian.PutUint32(extras[4:8], expiry)
	return extras[:]
}

// BuildArithmeticExtras encodes the 20-byte extras used by
// INCREMENT/DECREMENT: delta, initial value (both uint64), then expiry
// (uint32). Passing expiry == NoReplyFailOnMissing tells the server to
// fail rather than auto-vivify when the key is absent.
func BuildArithmeticExtras(delta, initial uint64, expiry uint32) []byte {
	var extras [20]byte
	binary.BigEndian.PutUint64(extras[0:8], delta)
	binary.BigEndian.PutUint64(extras[8:16], initial)
	binary.BigEndian.PutUint32(extras[16:20], expiry)
	return extras[:]
}

// BuildTouchExtras encodes the 4-byte extras used by TOUCH/GAT: expiry.
func BuildTouchExtras(expiry uint32) []byte {
	var extras [4]byte
	binary.BigEndian.PutUint32(extras[0:4], expiry)
	return extras[:]
}

// BuildFlushExtras encodes the 4-byte extras used by FLUSH: delay in
// seconds before the flush takes effect.
func BuildFlushExtras(delaySeconds uint32) []byte {
	var extras [4]byte
	binary.BigEndian.PutUint32(extras[0:4], delaySeconds)
	return extras[:]
}

// ParseStoreExtras splits a GET/GETQ response's 4-byte extras (client
// flags only) back out.
func ParseStoreExtras(extras []byte) (clientFlags uint32, ok bool) {
	if len(extras) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(extras[0:4]), true
}
