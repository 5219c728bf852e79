package dalli

import (
	"bytes"
	"compress/zlib"
	"encoding/gob"
	"io"
)

// Value flag bits, carried in the binary protocol's 4-byte GET/SET extras
// field alongside any caller-supplied client flags. They occupy the low
// three bits; callers that also want their own client flags should avoid
// those bits or route them through a higher application layer.
const (
	flagSerialized uint32 = 1 << 0
	flagCompressed uint32 = 1 << 1

	// flagNilValue marks an entry stored by Fetch's cache_nils path: the
	// loader produced a nil result, which is cached as an empty body
	// carrying this bit rather than a gob-encoded nil (gob cannot
	// encode a bare nil interface).
	flagNilValue uint32 = 1 << 2
)

// Serializer converts arbitrary Go values to and from bytes for storage.
// The default, gobSerializer, is used whenever the caller passes a
// non-[]byte value to Set/Add/Replace/etc.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Compressor optionally shrinks encoded values before they're written to
// the wire. Compression is skipped for values smaller than
// Config.CompressionMinSize.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// gobSerializer is the default Serializer. No third-party serialization
// library appears anywhere in the example pack this client was grounded
// on (the pack's own serializers are all either absent or used for
// unrelated wire formats), so encoding/gob fills this ambient slot; see
// DESIGN.md.
type gobSerializer struct{}

func (gobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// zlibCompressor is the default Compressor, for the same reason
// gobSerializer is the default Serializer: see DESIGN.md.
type zlibCompressor struct {
	bufPool *byteBufferPool
}

func newZlibCompressor() *zlibCompressor {
	return &zlibCompressor{bufPool: newByteBufferPool(256)}
}

func (c *zlibCompressor) Compress(data []byte) ([]byte, error) {
	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)

	w := zlib.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func (c *zlibCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := c.bufPool.Get()
	defer c.bufPool.Put(buf)

	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// valueCodec turns caller values into wire bytes plus a flags word, and
// back. It's the only component that knows about the SERIALIZED/COMPRESSED
// flag bits.
type valueCodec struct {
	serializer         Serializer
	compressor         Compressor
	compress           bool
	compressionMinSize int
	valueMaxBytes      int
}

func newValueCodec(serializer Serializer, compressor Compressor, compress bool, compressionMinSize, valueMaxBytes int) *valueCodec {
	if serializer == nil {
		serializer = gobSerializer{}
	}
	if compressor == nil {
		compressor = newZlibCompressor()
	}
	return &valueCodec{
		serializer:         serializer,
		compressor:         compressor,
		compress:           compress,
		compressionMinSize: compressionMinSize,
		valueMaxBytes:      valueMaxBytes,
	}
}

// encode produces wire-ready bytes and the flags word to send alongside
// them. []byte values pass through the serializer untouched (no
// flagSerialized bit); any other type is encoded with the configured
// Serializer (gob by default).
func (c *valueCodec) encode(key string, v any) (data []byte, flags uint32, err error) {
	if b, ok := v.([]byte); ok {
		data = b
	} else {
		data, err = c.serializer.Marshal(v)
		if err != nil {
			return nil, 0, &InvalidArgumentError{Arg: "value", Reason: "cannot serialize value for key " + key + ": " + err.Error()}
		}
		flags |= flagSerialized
	}

	if c.compress && len(data) >= c.compressionMinSize {
		compressed, err := c.compressor.Compress(data)
		if err != nil {
			return nil, 0, err
		}
		data = compressed
		flags |= flagCompressed
	}

	if c.valueMaxBytes > 0 && len(data) > c.valueMaxBytes {
		return nil, 0, &ValueTooLargeError{Key: key, Size: len(data), Max: c.valueMaxBytes}
	}

	return data, flags, nil
}

// decode reverses encode. out is nil for callers that want the raw
// (post-decompress, pre-deserialize) bytes; when out is non-nil and
// flagSerialized is set, the bytes are unmarshaled into *out via the
// serializer.
func (c *valueCodec) decode(key string, data []byte, flags uint32, out any) ([]byte, error) {
	if flags&flagNilValue != 0 {
		return nil, nil
	}

	if flags&flagCompressed != 0 {
		decompressed, err := c.compressor.Decompress(data)
		if err != nil {
			return nil, &UnmarshalError{Key: key, Err: err}
		}
		data = decompressed
	}

	if flags&flagSerialized != 0 && out != nil {
		if err := c.serializer.Unmarshal(data, out); err != nil {
			return nil, &UnmarshalError{Key: key, Err: err}
		}
	}

	return data, nil
}
