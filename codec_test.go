package dalli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueCodecBytesPassThrough(t *testing.T) {
	c := newValueCodec(nil, nil, false, 0, 0)
	data, flags, err := c.encode("k", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), flags)
	assert.Equal(t, []byte("hello"), data)
}

func TestValueCodecSerializesNonBytes(t *testing.T) {
	c := newValueCodec(nil, nil, false, 0, 0)
	data, flags, err := c.encode("k", 42)
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0), flags&flagSerialized)

	var out int
	_, err = c.decode("k", data, flags, &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestValueCodecCompression(t *testing.T) {
	c := newValueCodec(nil, nil, true, 0, 0)
	payload := []byte(strings.Repeat("x", 1000))
	data, flags, err := c.encode("k", payload)
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0), flags&flagCompressed)
	assert.Less(t, len(data), len(payload))

	decoded, err := c.decode("k", data, flags, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestValueCodecCompressionBelowThresholdSkipped(t *testing.T) {
	c := newValueCodec(nil, nil, true, 1024, 0)
	data, flags, err := c.encode("k", []byte("small"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), flags&flagCompressed)
	assert.Equal(t, []byte("small"), data)
}

func TestValueCodecValueTooLarge(t *testing.T) {
	c := newValueCodec(nil, nil, false, 0, 4)
	_, _, err := c.encode("k", []byte("toolong"))
	require.Error(t, err)
	var tooLarge *ValueTooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestValueCodecSerializedAndCompressedTogether(t *testing.T) {
	c := newValueCodec(nil, nil, true, 0, 0)
	type payload struct{ Name string }
	data, flags, err := c.encode("k", payload{Name: strings.Repeat("n", 200)})
	require.NoError(t, err)
	assert.NotEqual(t, uint32(0), flags&flagSerialized)
	assert.NotEqual(t, uint32(0), flags&flagCompressed)

	var out payload
	_, err = c.decode("k", data, flags, &out)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("n", 200), out.Name)
}
