package dalli

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// maxKeyLength is the binary protocol's key length field limit in
// practice: memcached refuses keys over 250 bytes.
const maxKeyLength = 250

// digestSuffixLen is the length of the ":md5:" plus 32-hex-character
// suffix of a digest-folded key; maxKeyLength minus this is how many bytes
// of "namespace:key" are kept verbatim in front of it.
const digestSuffixLen = len(":md5:") + hex.EncodedLen(md5.Size)

// keyNormalizer applies namespacing and length discipline to caller-supplied
// keys before they reach the wire, and validates the bytes a key may
// contain per the binary protocol (no control bytes, no DEL, not empty).
type keyNormalizer struct {
	namespace string
}

func newKeyNormalizer(namespace string) *keyNormalizer {
	return &keyNormalizer{namespace: namespace}
}

// normalize validates key and returns the wire-ready namespaced key. If the
// namespaced form would exceed maxKeyLength, it is replaced by
// "<prefix>:md5:<hex digest>" where prefix is truncated just enough of the
// namespaced key to leave room for the digest suffix.
func (n *keyNormalizer) normalize(key string) (string, error) {
	if key == "" {
		return "", &InvalidKeyError{Key: key, Reason: "key is empty"}
	}
	for i := 0; i < len(key); i++ {
		if b := key[i]; b <= 0x20 || b == 0x7F {
			return "", &InvalidKeyError{Key: key, Reason: fmt.Sprintf("key contains forbidden byte 0x%02x at offset %d", b, i)}
		}
	}

	full := key
	if n.namespace != "" {
		full = n.namespace + ":" + key
	}
	if len(full) <= maxKeyLength {
		return full, nil
	}

	sum := md5.Sum([]byte(full))
	digest := hex.EncodeToString(sum[:])

	prefixBudget := maxKeyLength - digestSuffixLen
	if prefixBudget < 0 {
		prefixBudget = 0
	}
	if prefixBudget > len(full) {
		prefixBudget = len(full)
	}
	return full[:prefixBudget] + ":md5:" + digest, nil
}

// denormalize strips the configured namespace prefix back off a wire key,
// for keys returned by multi-get responses (which echo the key bytes sent).
// For digest-folded keys it strips the namespace prefix the same way, but
// the result is still the folded form: the original key is not
// recoverable from it.
func (n *keyNormalizer) denormalize(wireKey string) string {
	if n.namespace == "" {
		return wireKey
	}
	prefix := n.namespace + ":"
	if len(wireKey) >= len(prefix) && wireKey[:len(prefix)] == prefix {
		return wireKey[len(prefix):]
	}
	return wireKey
}
