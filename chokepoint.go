package dalli

import (
	"context"

	"github.com/ssip001/dalli/internal/binprot"
)

// chokepoint is the single path every non-multi-get operation funnels
// through once the caller has normalized the key: pick a server off the
// ring, send, and
// retry exactly once (against a freshly re-selected server) if the first
// attempt failed with a NetworkError. A second failure is returned to
// the caller as-is.
type chokepoint struct {
	ring     *ring
	keys     *keyNormalizer
	stats    *clientStatsCollector
	logger   Logger
	failover bool
}

func newChokepoint(r *ring, keys *keyNormalizer, stats *clientStatsCollector, logger Logger, failover bool) *chokepoint {
	return &chokepoint{ring: r, keys: keys, stats: stats, logger: logger, failover: failover}
}

// perform does not normalize: callers pass wireKey already normalized,
// and it is the key used for ring selection (and so for any RingError).
// rawKey is used only in the retry log message.
func (c *chokepoint) perform(ctx context.Context, rawKey, wireKey string, build func(wireKey string) *binprot.Request) (*binprot.Response, error) {
	resp, err := c.attempt(ctx, rawKey, wireKey, build)
	if err == nil {
		return resp, nil
	}

	var netErr *NetworkError
	if !asNetworkError(err, &netErr) {
		return nil, err
	}

	c.stats.recordRetry()
	c.logger.Warn("dalli: retrying after network error", "key", rawKey, "server", netErr.Server, "err", netErr.Err)

	resp, retryErr := c.attempt(ctx, rawKey, wireKey, build)
	if retryErr != nil {
		return nil, retryErr
	}
	return resp, nil
}

func (c *chokepoint) attempt(ctx context.Context, rawKey, wireKey string, build func(wireKey string) *binprot.Request) (*binprot.Response, error) {
	node, err := c.ring.selectServer(wireKey, c.failover)
	if err != nil {
		return nil, err
	}

	req := build(wireKey)
	resp, err := node.pool.Execute(ctx, req)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return resp, nil
}

func asNetworkError(err error, target **NetworkError) bool {
	if ne, ok := err.(*NetworkError); ok {
		*target = ne
		return true
	}
	return false
}
