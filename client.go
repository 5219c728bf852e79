package dalli

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/ssip001/dalli/internal/binprot"
)

// Item is one hit returned by GetMultiCAS, carrying its CAS token
// alongside the raw bytes so the caller can issue a qualified follow-up
// write without a second round trip.
type Item struct {
	Value []byte
	CAS   uint64
}

// Client is the facade every caller uses: it owns the ring, the key
// normalizer, the value codec, and wires every operation through the
// chokepoint (single-key ops) or the multi-get coordinator (batched
// reads).
type Client struct {
	cfg        resolvedConfig
	ring       *ring
	keys       *keyNormalizer
	codec      *valueCodec
	chokepoint *chokepoint
	multiGet   *multiGetCoordinator
	stats      clientStatsCollector
	logger     Logger
}

// New builds a Client from cfg, parsing the server list, dialing nothing
// yet (connections are established lazily on first use), and applying
// every Config default.
func New(cfg Config) (*Client, error) {
	resolved := resolveConfig(cfg)

	descriptors, err := ParseServers(cfg.Servers)
	if err != nil {
		return nil, err
	}

	r := newRing()
	poolCfg := serverPoolConfig{
		dialer:            resolved.dialer,
		socketTimeout:     resolved.socketTimeout,
		socketMaxFailures: resolved.socketMaxFailures,
		downRetryDelay:    resolved.downRetryDelay,
		maxConnsPerServer: resolved.maxConnsPerServer,
		logger:            resolved.logger,
	}
	for _, d := range descriptors {
		sp, err := NewServerPool(d, poolCfg)
		if err != nil {
			return nil, err
		}
		r.addServer(d, sp)
	}

	keys := newKeyNormalizer(resolved.namespace)
	codec := newValueCodec(resolved.serializer, resolved.compressor, resolved.compress, resolved.compressionMinSize, resolved.valueMaxBytes)

	c := &Client{
		cfg:    resolved,
		ring:   r,
		keys:   keys,
		codec:  codec,
		logger: resolved.logger,
	}
	c.chokepoint = newChokepoint(r, keys, &c.stats, resolved.logger, resolved.failover)
	c.multiGet = newMultiGetCoordinator(r, keys, resolved.socketTimeout, resolved.logger, resolved.failover)
	return c, nil
}

func (c *Client) normalize(key string) (string, error) {
	return c.keys.normalize(key)
}

func (c *Client) expiry(ttl time.Duration) uint32 {
	if ttl <= 0 {
		ttl = c.cfg.expiresIn
	}
	return uint32(ttl / time.Second)
}

// Get fetches a value and decodes it into out (pass nil to get the raw
// post-decompress bytes back via the first return value instead).
// Returns ErrCacheMiss if the key does not exist.
func (c *Client) Get(ctx context.Context, key string, out any) ([]byte, uint64, error) {
	wireKey, err := c.normalize(key)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{Opcode: binprot.OpGet, Key: []byte(k)}
	})
	if err != nil {
		return nil, 0, err
	}

	if resp.Status == binprot.StatusKeyNotFound {
		c.stats.recordGet(false)
		return nil, 0, ErrCacheMiss
	}
	if resp.Status != binprot.StatusNoError {
		c.stats.recordGet(false)
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on get", resp.Status)}
	}

	flags, _ := binprot.ParseStoreExtras(resp.Extras)
	decoded, err := c.codec.decode(key, resp.Value, flags, out)
	c.stats.recordGet(err == nil)
	if err != nil {
		return nil, 0, err
	}
	return decoded, resp.CAS, nil
}

// Gat (get-and-touch) fetches a value and resets its TTL in one round
// trip.
func (c *Client) Gat(ctx context.Context, key string, ttl time.Duration, out any) ([]byte, uint64, error) {
	wireKey, err := c.normalize(key)
	if err != nil {
		return nil, 0, err
	}
	expiry := c.expiry(ttl)

	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{Opcode: binprot.OpGat, Extras: binprot.BuildTouchExtras(expiry), Key: []byte(k)}
	})
	if err != nil {
		return nil, 0, err
	}
	if resp.Status == binprot.StatusKeyNotFound {
		c.stats.recordGet(false)
		return nil, 0, ErrCacheMiss
	}
	if resp.Status != binprot.StatusNoError {
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on gat", resp.Status)}
	}

	flags, _ := binprot.ParseStoreExtras(resp.Extras)
	decoded, err := c.codec.decode(key, resp.Value, flags, out)
	c.stats.recordGet(err == nil)
	return decoded, resp.CAS, err
}

func (c *Client) store(ctx context.Context, opcode binprot.Opcode, key string, value any, ttl time.Duration, cas uint64) error {
	data, flags, err := c.codec.encode(key, value)
	if err != nil {
		return err
	}
	return c.storeEncoded(ctx, opcode, key, data, flags, ttl, cas)
}

// storeEncoded is store's wire-level half: it assumes the value has
// already been run through the codec (or is a pre-flagged sentinel body
// like a cache_nils marker) and just gets it onto the wire.
func (c *Client) storeEncoded(ctx context.Context, opcode binprot.Opcode, key string, data []byte, flags uint32, ttl time.Duration, cas uint64) error {
	wireKey, err := c.normalize(key)
	if err != nil {
		return err
	}
	expiry := c.expiry(ttl)

	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{
			Opcode: opcode,
			CAS:    cas,
			Extras: binprot.BuildStoreExtras(flags, expiry),
			Key:    []byte(k),
			Value:  data,
		}
	})
	if err != nil {
		return err
	}

	switch resp.Status {
	case binprot.StatusNoError:
		return nil
	case binprot.StatusNotStored:
		return ErrNotStored
	case binprot.StatusKeyExists:
		return ErrCASConflict
	case binprot.StatusKeyNotFound:
		return ErrCacheMiss
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on store", resp.Status)}
	}
}

// Set unconditionally stores value under key with ttl (0 uses
// Config.ExpiresIn).
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.stats.recordSet()
	return c.store(ctx, binprot.OpSet, key, value, ttl, 0)
}

// Add stores value under key only if it doesn't already exist, returning
// ErrNotStored otherwise.
func (c *Client) Add(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.stats.recordAdd()
	return c.store(ctx, binprot.OpAdd, key, value, ttl, 0)
}

// Replace stores value under key only if it already exists, returning
// ErrNotStored otherwise.
func (c *Client) Replace(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.store(ctx, binprot.OpReplace, key, value, ttl, 0)
}

// CAS stores value under key only if its current CAS token matches cas,
// returning ErrCASConflict otherwise.
func (c *Client) CAS(ctx context.Context, key string, value any, ttl time.Duration, cas uint64) error {
	return c.store(ctx, binprot.OpSet, key, value, ttl, cas)
}

// CASForce stores value unconditionally: it sends the same SET with a
// zero CAS token that Set does. It is not the facade's "cas!"; that is
// CasForce.
func (c *Client) CASForce(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.store(ctx, binprot.OpSet, key, value, ttl, 0)
}

// Append appends raw bytes to an existing value. The server rejects this
// with ErrNotStored if the key doesn't already exist.
func (c *Client) Append(ctx context.Context, key string, value []byte) error {
	return c.concat(ctx, binprot.OpAppend, key, value)
}

// Prepend is Append from the front.
func (c *Client) Prepend(ctx context.Context, key string, value []byte) error {
	return c.concat(ctx, binprot.OpPrepend, key, value)
}

func (c *Client) concat(ctx context.Context, opcode binprot.Opcode, key string, value []byte) error {
	wireKey, err := c.normalize(key)
	if err != nil {
		return err
	}

	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{Opcode: opcode, Key: []byte(k), Value: value}
	})
	if err != nil {
		return err
	}
	switch resp.Status {
	case binprot.StatusNoError:
		return nil
	case binprot.StatusNotStored:
		return ErrNotStored
	default:
		return &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on append/prepend", resp.Status)}
	}
}

// Delete removes key. Returns ErrCacheMiss if it didn't exist.
func (c *Client) Delete(ctx context.Context, key string) error {
	c.stats.recordDelete()
	wireKey, err := c.normalize(key)
	if err != nil {
		return err
	}
	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{Opcode: binprot.OpDelete, Key: []byte(k)}
	})
	if err != nil {
		return err
	}
	if resp.Status == binprot.StatusKeyNotFound {
		return ErrCacheMiss
	}
	if resp.Status != binprot.StatusNoError {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on delete", resp.Status)}
	}
	return nil
}

func (c *Client) delta(ctx context.Context, opcode binprot.Opcode, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	c.stats.recordIncrement()
	wireKey, err := c.normalize(key)
	if err != nil {
		return 0, err
	}
	expiry := c.expiry(ttl)

	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{
			Opcode: opcode,
			Extras: binprot.BuildArithmeticExtras(delta, initial, expiry),
			Key:    []byte(k),
		}
	})
	if err != nil {
		return 0, err
	}
	if resp.Status == binprot.StatusKeyNotFound {
		return 0, ErrCacheMiss
	}
	if resp.Status != binprot.StatusNoError {
		return 0, &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on increment/decrement", resp.Status)}
	}
	if len(resp.Value) < 8 {
		return 0, &ProtocolError{Reason: "short arithmetic response body"}
	}
	var result uint64
	for _, b := range resp.Value[:8] {
		result = result<<8 | uint64(b)
	}
	return result, nil
}

// Increment adds delta to the integer stored at key, auto-vivifying to
// initial with ttl if the key is absent. ttl is sent as whole seconds;
// when that seconds value is binprot.NoReplyFailOnMissing (0xFFFFFFFF),
// an absent key instead fails with ErrCacheMiss.
func (c *Client) Increment(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.delta(ctx, binprot.OpIncrement, key, delta, initial, ttl)
}

// Decrement subtracts delta, floored at zero by the server.
func (c *Client) Decrement(ctx context.Context, key string, delta, initial uint64, ttl time.Duration) (uint64, error) {
	return c.delta(ctx, binprot.OpDecrement, key, delta, initial, ttl)
}

// Touch resets key's TTL without transferring its value.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	wireKey, err := c.normalize(key)
	if err != nil {
		return err
	}
	expiry := c.expiry(ttl)

	resp, err := c.chokepoint.perform(ctx, key, wireKey, func(k string) *binprot.Request {
		return &binprot.Request{Opcode: binprot.OpTouch, Extras: binprot.BuildTouchExtras(expiry), Key: []byte(k)}
	})
	if err != nil {
		return err
	}
	if resp.Status == binprot.StatusKeyNotFound {
		return ErrCacheMiss
	}
	if resp.Status != binprot.StatusNoError {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected status %s on touch", resp.Status)}
	}
	return nil
}

// Fetch is a read-through cache: it returns the cached value if present,
// otherwise calls loader, adds its result under key with ttl, and
// returns it. A loader error is returned as-is and nothing is cached. A
// decode failure on the cached entry (UnmarshalError) is treated the
// same as a cache miss rather than returned to the caller. The result is
// stored with Add rather than Set so that under concurrent misses, only
// the first producer's value wins; a losing producer's result is
// discarded and the winner's value is re-read instead. If loader
// produces a nil result, cache_nils (Config.CacheNils) controls whether
// that "nothing" is cached under a sentinel marker so the next Fetch
// also treats it as a hit.
func (c *Client) Fetch(ctx context.Context, key string, ttl time.Duration, out any, loader func() (any, error)) ([]byte, error) {
	data, _, err := c.Get(ctx, key, out)
	if err == nil {
		return data, nil
	}
	var unmarshalErr *UnmarshalError
	if err != ErrCacheMiss && !errors.As(err, &unmarshalErr) {
		return nil, err
	}

	value, err := loader()
	if err != nil {
		return nil, err
	}

	if isNilValue(value) {
		if c.cfg.cacheNils {
			if err := c.storeEncoded(ctx, binprot.OpAdd, key, nil, flagNilValue, ttl, 0); err != nil && err != ErrNotStored {
				return nil, err
			}
		}
		return nil, nil
	}

	if err := c.Add(ctx, key, value, ttl); err != nil && err != ErrNotStored {
		return nil, err
	}
	return c.Get(ctx, key, out)
}

// isNilValue reports whether v is untyped nil or a typed nil of a kind
// that can hold one (pointer, slice, map, etc.), the same notion of
// "nothing" Fetch's cache_nils path needs to distinguish from a real
// zero value.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return rv.IsNil()
	default:
		return false
	}
}

// CasResult reports what Cas or CasForce did relative to the value they
// read before invoking the caller's producer.
type CasResult int

const (
	// CasMissing means the key did not exist (or its cached entry
	// couldn't be decoded); the producer was not consulted and nothing
	// was stored.
	CasMissing CasResult = iota
	// CasUpdated means the producer's value was stored successfully.
	CasUpdated
	// CasConflict means another writer stored a different value between
	// the read and the write, so nothing was stored.
	CasConflict
)

func (r CasResult) String() string {
	switch r {
	case CasMissing:
		return "missing"
	case CasUpdated:
		return "updated"
	case CasConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Cas (the facade's "cas") is a read-modify-write helper: it reads key's
// current value and CAS token, calls producer with the current bytes,
// and stores producer's result back qualified by the token it read. If
// the key is absent (or undecodable), producer is never called and Cas
// returns CasMissing. If another writer stores a different value
// between the read and the write, Cas returns CasConflict and nothing is
// stored.
func (c *Client) Cas(ctx context.Context, key string, ttl time.Duration, out any, producer func(current []byte) (any, error)) (CasResult, error) {
	data, token, err := c.Get(ctx, key, out)
	var unmarshalErr *UnmarshalError
	if err != nil && err != ErrCacheMiss && !errors.As(err, &unmarshalErr) {
		return CasMissing, err
	}
	if err != nil {
		return CasMissing, nil
	}

	value, err := producer(data)
	if err != nil {
		return CasMissing, err
	}

	if err := c.CAS(ctx, key, value, ttl, token); err != nil {
		if err == ErrCASConflict {
			return CasConflict, nil
		}
		return CasMissing, err
	}
	return CasUpdated, nil
}

// CasForce (the facade's "cas!") is Cas's unconditional counterpart: it
// calls producer with the current value and whether the key existed,
// then stores the result regardless of whether anything was there
// before. A writer racing the same key between the read and the write
// returns CasConflict rather than silently overwriting it.
func (c *Client) CasForce(ctx context.Context, key string, ttl time.Duration, out any, producer func(current []byte, exists bool) (any, error)) (CasResult, error) {
	data, token, err := c.Get(ctx, key, out)
	exists := true
	var unmarshalErr *UnmarshalError
	switch {
	case err == nil:
	case err == ErrCacheMiss:
		exists = false
	case errors.As(err, &unmarshalErr):
		exists = false
	default:
		return CasMissing, err
	}

	value, err := producer(data, exists)
	if err != nil {
		return CasMissing, err
	}

	if exists {
		if err := c.CAS(ctx, key, value, ttl, token); err != nil {
			if err == ErrCASConflict {
				return CasConflict, nil
			}
			return CasMissing, err
		}
		return CasUpdated, nil
	}

	if err := c.Add(ctx, key, value, ttl); err != nil {
		if err == ErrNotStored {
			return CasConflict, nil
		}
		return CasMissing, err
	}
	return CasUpdated, nil
}

// GetMulti fetches every key it can find a value for, skipping rather
// than erroring on individual misses. Returned keys are denormalized
// (namespace stripped) back to what the caller passed in.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	results, decoded, err := c.getMultiDecode(ctx, keys)
	if err != nil && decoded == nil {
		return nil, err
	}
	out := make(map[string][]byte, len(results))
	for _, r := range results {
		out[r.key] = r.value
	}
	return out, err
}

// GetMultiCAS is GetMulti but also returns each hit's CAS token.
func (c *Client) GetMultiCAS(ctx context.Context, keys []string) (map[string]Item, error) {
	results, _, err := c.getMultiDecode(ctx, keys)
	out := make(map[string]Item, len(results))
	for _, r := range results {
		out[r.key] = Item{Value: r.value, CAS: r.cas}
	}
	return out, err
}

func (c *Client) getMultiDecode(ctx context.Context, keys []string) ([]multiGetResult, []byte, error) {
	wireKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		wk, err := c.normalize(k)
		if err != nil {
			return nil, nil, err
		}
		wireKeys = append(wireKeys, wk)
	}

	results, err := c.multiGet.fetch(ctx, wireKeys)
	for i := range results {
		decoded, decErr := c.codec.decode(results[i].key, results[i].value, results[i].flags, nil)
		if decErr == nil {
			results[i].value = decoded
		}
	}
	return results, nil, err
}

// Version returns each server's version string, keyed by address.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	var lastErr error
	for _, node := range c.ring.allNodes() {
		resp, err := node.pool.Execute(ctx, &binprot.Request{Opcode: binprot.OpVersion})
		if err != nil {
			lastErr = err
			continue
		}
		out[node.server.Addr] = string(resp.Value)
	}
	return out, lastErr
}

// Flush invalidates every item on every server. delay staggers the
// flush across servers in a stable (address-sorted) order: the first
// server flushes immediately, the second after delay, the third after
// 2*delay, and so on, so a flush fanned out to a cluster doesn't drop
// every server's cache at the same instant.
func (c *Client) Flush(ctx context.Context, delay time.Duration) error {
	nodes := c.ring.allNodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].server.Addr < nodes[j].server.Addr })

	var lastErr error
	for i, node := range nodes {
		req := &binprot.Request{Opcode: binprot.OpFlush}
		staggered := delay * time.Duration(i)
		if staggered > 0 {
			req.Extras = binprot.BuildFlushExtras(uint32(staggered / time.Second))
		}
		if _, err := node.pool.Execute(ctx, req); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Alive reports whether at least one server currently answers a version
// request, i.e. whether the client has any usable backend at all.
func (c *Client) Alive(ctx context.Context) bool {
	for _, node := range c.ring.allNodes() {
		if _, err := node.pool.Execute(ctx, &binprot.Request{Opcode: binprot.OpVersion}); err == nil {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of per-server pool/breaker state and
// aggregate client-side operation counters.
func (c *Client) Stats() (map[string]ServerPoolStats, ClientStats) {
	servers := make(map[string]ServerPoolStats)
	for _, node := range c.ring.allNodes() {
		servers[node.server.Addr] = node.pool.Stats()
	}
	return servers, c.stats.snapshot()
}

// Close shuts down every server's connection pool.
func (c *Client) Close() error {
	for _, node := range c.ring.allNodes() {
		node.pool.Close()
	}
	return nil
}
