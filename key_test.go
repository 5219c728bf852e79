package dalli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNormalizerNamespacing(t *testing.T) {
	n := newKeyNormalizer("app")
	got, err := n.normalize("user:42")
	require.NoError(t, err)
	assert.Equal(t, "app:user:42", got)
	assert.Equal(t, "user:42", n.denormalize(got))
}

func TestKeyNormalizerNoNamespace(t *testing.T) {
	n := newKeyNormalizer("")
	got, err := n.normalize("user:42")
	require.NoError(t, err)
	assert.Equal(t, "user:42", got)
	assert.Equal(t, "user:42", n.denormalize(got))
}

func TestKeyNormalizerRejectsEmpty(t *testing.T) {
	n := newKeyNormalizer("")
	_, err := n.normalize("")
	assert.Error(t, err)
}

func TestKeyNormalizerRejectsControlBytes(t *testing.T) {
	n := newKeyNormalizer("")
	_, err := n.normalize("bad key")
	assert.Error(t, err)

	_, err = n.normalize("bad\x7fkey")
	assert.Error(t, err)
}

func TestKeyNormalizerDigestFallback(t *testing.T) {
	n := newKeyNormalizer("ns")
	long := strings.Repeat("k", 300)
	got, err := n.normalize(long)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(got), maxKeyLength)
	assert.Contains(t, got, ":md5:")

	// Same input always folds to the same digest key.
	again, err := n.normalize(long)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestKeyNormalizerDigestFallbackDiffersByInput(t *testing.T) {
	n := newKeyNormalizer("")
	a, err := n.normalize(strings.Repeat("a", 300))
	require.NoError(t, err)
	b, err := n.normalize(strings.Repeat("b", 300))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
