package dalli

import "fmt"

// InvalidKeyError is returned when a key fails validation: empty, containing
// forbidden bytes, or still too long after digesting.
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("dalli: invalid key %q: %s", e.Key, e.Reason)
}

// ValueTooLargeError is returned when an encoded value exceeds the
// configured maximum (Config.ValueMaxBytes).
type ValueTooLargeError struct {
	Key  string
	Size int
	Max  int
}

func (e *ValueTooLargeError) Error() string {
	return fmt.Sprintf("dalli: value for key %q is %d bytes, exceeds max %d", e.Key, e.Size, e.Max)
}

// UnmarshalError wraps a decode failure on a fetched value. Callers that
// treat a fetch as a cache miss on decode failure (Fetch) rely on
// errors.As to detect this type.
type UnmarshalError struct {
	Key string
	Err error
}

func (e *UnmarshalError) Error() string {
	return fmt.Sprintf("dalli: failed to decode value for key %q: %v", e.Key, e.Err)
}

func (e *UnmarshalError) Unwrap() error { return e.Err }

// NetworkError wraps a connect/read/write failure, timeout, or SASL
// auth failure/continue observed on a server connection. ShouldCloseConnection
// is always true: the protocol framing state after a network error is not
// trustworthy and the connection must be torn down and re-opened.
type NetworkError struct {
	Server string
	Op     string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("dalli: network error on %s during %s: %v", e.Server, e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) ShouldCloseConnection() bool { return true }

// RingError is returned when the ring has no live server for a given key.
type RingError struct {
	Key    string
	Reason string
}

func (e *RingError) Error() string {
	return fmt.Sprintf("dalli: no live server for key %q: %s", e.Key, e.Reason)
}

// ProtocolError is returned when a response is malformed or unexpected,
// e.g. an opaque that doesn't match the request it answers or an
// unexpected status. (A response that cannot be read at all, such as one
// with a bad magic byte, surfaces as a NetworkError.) The connection that produced it should be closed: framing
// state is no longer trustworthy.
type ProtocolError struct {
	Server string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("dalli: protocol error from %s: %s", e.Server, e.Reason)
}

func (e *ProtocolError) ShouldCloseConnection() bool { return true }

// InvalidArgumentError is returned for caller errors that aren't about the
// key itself: a negative counter amount, a non-integer TTL, and so on.
type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("dalli: invalid argument %s: %s", e.Arg, e.Reason)
}

// ErrCacheMiss is returned by single-key read operations (Get, Gat, ...)
// when the key does not exist on its server. It is a sentinel so callers
// can use errors.Is.
var ErrCacheMiss = fmt.Errorf("dalli: cache miss")

// ErrNotStored is returned by Add/Replace when the server refuses the
// store because of the key's existing state (Add on an existing key,
// Replace on a missing one).
var ErrNotStored = fmt.Errorf("dalli: item not stored")

// ErrCASConflict is returned when a CAS-qualified mutation is rejected
// because the supplied token no longer matches the item's current token.
var ErrCASConflict = fmt.Errorf("dalli: cas conflict")

// shouldCloseConnection reports whether err indicates the connection's
// framing state can no longer be trusted and must be closed rather than
// returned to use. Protocol-level "miss" or "not stored" responses are
// not included: those are well-formed responses, not framing corruption.
func shouldCloseConnection(err error) bool {
	type closer interface{ ShouldCloseConnection() bool }
	if c, ok := err.(closer); ok {
		return c.ShouldCloseConnection()
	}
	return false
}
