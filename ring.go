package dalli

import (
	"sort"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"
)

// pointsPerWeight is how many ring points a server with Weight == 1
// receives; a server with Weight == w gets pointsPerWeight*w points, so
// placement probability scales linearly with weight.
const pointsPerWeight = 160

// ringNode is one live server tracked by the ring: its descriptor plus
// the ServerPool handling its connections, circuit breaker, and stats.
type ringNode struct {
	server ServerDescriptor
	pool   *ServerPool
}

// ring implements consistent hashing with weighted virtual nodes and
// failover: if the server a key maps to is not currently Ready (per its
// ServerPool's circuit breaker), selectServer walks forward around the
// ring to the next distinct live server.
type ring struct {
	mu      sync.RWMutex
	nodes   map[string]*ringNode
	points  []uint64
	atPoint map[uint64]string
}

func newRing() *ring {
	return &ring{
		nodes:   make(map[string]*ringNode),
		atPoint: make(map[uint64]string),
	}
}

// addServer inserts a server and its pool, then rebuilds the ring points.
func (r *ring) addServer(server ServerDescriptor, pool *ServerPool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[server.Addr] = &ringNode{server: server, pool: pool}
	r.rebuild()
}

func (r *ring) removeServer(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, addr)
	r.rebuild()
}

func (r *ring) rebuild() {
	r.points = r.points[:0]
	r.atPoint = make(map[uint64]string, len(r.nodes)*pointsPerWeight)

	for addr, node := range r.nodes {
		weight := node.server.Weight
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < pointsPerWeight*weight; i++ {
			h := xxh3.HashString(addr + "-" + strconv.Itoa(i))
			r.points = append(r.points, h)
			r.atPoint[h] = addr
		}
	}

	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// selectServer returns the first Ready server encountered walking
// clockwise from key's hash point, skipping down servers for failover.
// Returns RingError if every known server is down. When failover is
// false, only the server key directly hashes to is considered; a down
// server is a hard failure for every key it owns rather than a reason
// to walk forward.
func (r *ring) selectServer(key string, failover bool) (*ringNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.points) == 0 {
		return nil, &RingError{Key: key, Reason: "no servers configured"}
	}

	hash := xxh3.HashString(key)
	start := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= hash })

	if !failover {
		addr := r.atPoint[r.points[start%len(r.points)]]
		node := r.nodes[addr]
		if node == nil || !node.pool.Available() {
			return nil, &RingError{Key: key, Reason: "server is down and failover is disabled"}
		}
		return node, nil
	}

	tried := make(map[string]bool, len(r.nodes))
	for i := 0; i < len(r.points); i++ {
		idx := (start + i) % len(r.points)
		addr := r.atPoint[r.points[idx]]
		if tried[addr] {
			continue
		}
		tried[addr] = true

		node := r.nodes[addr]
		if node == nil {
			continue
		}
		if node.pool.Available() {
			return node, nil
		}
		if len(tried) >= len(r.nodes) {
			break
		}
	}

	return nil, &RingError{Key: key, Reason: "all servers are down"}
}

// allNodes returns every known ring node, for fan-out operations like
// Flush and multi-get grouping.
func (r *ring) allNodes() []*ringNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ringNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// lookupMany groups keys by the server each hashes to, for the multi-get
// coordinator. Keys whose server is down are reported in the returned
// skipped slice rather than erroring the whole batch.
func (r *ring) lookupMany(keys []string, failover bool) (groups map[*ringNode][]string, skipped []string) {
	groups = make(map[*ringNode][]string)
	for _, k := range keys {
		node, err := r.selectServer(k, failover)
		if err != nil {
			skipped = append(skipped, k)
			continue
		}
		groups[node] = append(groups[node], k)
	}
	return groups, skipped
}
