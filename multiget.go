package dalli

import (
	"context"
	"sync"
	"time"

	"github.com/ssip001/dalli/internal/binprot"
)

// multiGetResult is one decoded hit from a multi-get batch.
type multiGetResult struct {
	key   string // denormalized, caller-facing key
	value []byte
	flags uint32
	cas   uint64
}

// multiGetCoordinator fans a batch of keys out across the servers that
// own them, pipelines a GETKQ per key plus a NOOP terminator on each
// participating connection, and drains all of them concurrently under a
// single overall deadline. A connection that errors mid-drain is
// reported back; the caller decides whether that aborts the whole batch.
type multiGetCoordinator struct {
	ring          *ring
	keys          *keyNormalizer
	socketTimeout time.Duration
	logger        Logger
	failover      bool
}

func newMultiGetCoordinator(r *ring, keys *keyNormalizer, socketTimeout time.Duration, logger Logger, failover bool) *multiGetCoordinator {
	return &multiGetCoordinator{ring: r, keys: keys, socketTimeout: socketTimeout, logger: logger, failover: failover}
}

type drainOutcome struct {
	results []multiGetResult
	err     error
}

// fetch runs the batch and returns every hit it collected. Misses are
// silently absent from the result, matching get_multi semantics. If any
// participating connection fails mid-drain, the error is returned
// alongside whatever results the other connections had already produced.
func (m *multiGetCoordinator) fetch(ctx context.Context, wireKeys []string) ([]multiGetResult, error) {
	groups, skipped := m.ring.lookupMany(wireKeys, m.failover)
	for _, k := range skipped {
		m.logger.Warn("dalli: skipping key with no live server in multi-get", "key", k)
	}
	if len(groups) == 0 {
		return nil, nil
	}

	deadline := time.Now().Add(m.socketTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	outcomes := make(chan drainOutcome, len(groups))
	var wg sync.WaitGroup

	for node, keys := range groups {
		node, keys := node, keys
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := m.drainOne(ctx, node, keys, deadline)
			outcomes <- drainOutcome{results: results, err: err}
		}()
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var all []multiGetResult
	var firstErr error
	for o := range outcomes {
		all = append(all, o.results...)
		if o.err != nil && firstErr == nil {
			firstErr = o.err
		}
	}
	return all, firstErr
}

// drainOne pipelines one server's share of the batch on a single
// acquired connection and reads back responses until the NOOP
// terminator, a protocol/network error, or the deadline.
func (m *multiGetCoordinator) drainOne(ctx context.Context, node *ringNode, keys []string, deadline time.Time) ([]multiGetResult, error) {
	resource, err := node.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := resource.Value()

	byOpaque := make(map[uint32]string, len(keys))
	reqs := make([]*binprot.Request, 0, len(keys))
	for _, k := range keys {
		req := &binprot.Request{Opcode: binprot.OpGetKQ, Key: []byte(k)}
		reqs = append(reqs, req)
	}

	noopOpaque, err := conn.SendPipeline(reqs)
	if err != nil {
		resource.Destroy()
		return nil, err
	}
	for _, req := range reqs {
		byOpaque[req.Opaque] = string(req.Key)
	}

	var results []multiGetResult
	for {
		if time.Now().After(deadline) {
			resource.Destroy()
			return results, &NetworkError{Server: node.server.Addr, Op: "multi_get_drain", Err: context.DeadlineExceeded}
		}

		resp, err := conn.ReadOne(deadline)
		if err != nil {
			resource.Destroy()
			return results, err
		}

		if resp.Opaque == noopOpaque {
			break
		}

		wireKey, ok := byOpaque[resp.Opaque]
		if !ok {
			continue // stale/duplicate response; ignore
		}
		delete(byOpaque, resp.Opaque)

		if resp.Status != binprot.StatusNoError {
			continue // miss for this key
		}

		clientFlags, _ := binprot.ParseStoreExtras(resp.Extras)
		results = append(results, multiGetResult{
			key:   m.keys.denormalize(wireKey),
			value: resp.Value,
			flags: clientFlags,
			cas:   resp.CAS,
		})
	}

	resource.Release()
	return results, nil
}
