// Package ring implements a consistent hash ring with virtual nodes.
//
// Every real node owns a fixed number of points on a 64-bit ring. A key is
// owned by the first point clockwise from its hash, wrapping around to the
// smallest point when it falls past the last one.
//
// Writers are serialised by a mutex and never touch the published state:
// each AddNode/RemoveNode builds a new sorted slice and swaps it in with a
// single atomic store. Readers only load that pointer, so a Lookup never
// blocks and never sees a half-built ring.
package ring

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultReplicationFactor is the number of virtual nodes per real node.
const DefaultReplicationFactor = 160

// NodeID identifies a backend.
type NodeID string

// HashFunc maps bytes to a point on the ring.
type HashFunc func([]byte) uint64

// VirtualNode is a single point on the ring.
type VirtualNode struct {
	Hash  uint64
	Owner NodeID
	// Label is the string that was hashed to obtain Hash ("<id>:<i>", or
	// "<id>:<i>#<k>" when the point had to be moved off a collision).
	Label string
}

// state is an immutable ring snapshot. It is never modified once published.
type state struct {
	vnodes []VirtualNode
	nodes  map[NodeID]struct{}
}

var emptyState = &state{nodes: map[NodeID]struct{}{}}

// Ring is a consistent hash ring safe for one writer at a time and any
// number of concurrent readers.
type Ring struct {
	mu       sync.Mutex // serialises writers
	current  atomic.Pointer[state]
	replicas int
	hash     HashFunc
}

// Option configures a Ring.
type Option func(*Ring)

// WithReplicationFactor sets how many virtual nodes each real node gets.
// Values below 1 are ignored.
func WithReplicationFactor(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.replicas = n
		}
	}
}

// WithHashFunc replaces the default xxhash64 hash.
func WithHashFunc(fn HashFunc) Option {
	return func(r *Ring) {
		if fn != nil {
			r.hash = fn
		}
	}
}

// New returns an empty ring.
func New(opts ...Option) *Ring {
	r := &Ring{
		replicas: DefaultReplicationFactor,
		hash:     xxhash.Sum64,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptyState)
	return r
}

// ReplicationFactor returns the number of virtual nodes per real node.
func (r *Ring) ReplicationFactor() int {
	return r.replicas
}

// AddNode places id on the ring. It fails with ErrDuplicateNode if id is
// already a member, in which case the ring is left unchanged.
func (r *Ring) AddNode(id NodeID) error {
	if id == "" {
		return ErrInvalidNode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.nodes[id]; ok {
		return fmt.Errorf("add node %q: %w", id, ErrDuplicateNode)
	}

	nodes := make(map[NodeID]struct{}, len(cur.nodes)+1)
	for n := range cur.nodes {
		nodes[n] = struct{}{}
	}
	nodes[id] = struct{}{}

	r.current.Store(r.build(nodes))
	return nil
}

// RemoveNode takes id and all of its virtual nodes off the ring. It fails
// with ErrNodeNotFound if id is not a member.
func (r *Ring) RemoveNode(id NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	if _, ok := cur.nodes[id]; !ok {
		return fmt.Errorf("remove node %q: %w", id, ErrNodeNotFound)
	}

	nodes := make(map[NodeID]struct{}, len(cur.nodes))
	for n := range cur.nodes {
		if n != id {
			nodes[n] = struct{}{}
		}
	}

	r.current.Store(r.build(nodes))
	return nil
}

// Lookup returns the node that owns key.
func (r *Ring) Lookup(key []byte) (NodeID, error) {
	s := r.current.Load()
	if len(s.vnodes) == 0 {
		return "", ErrEmptyRing
	}
	return s.vnodes[s.search(r.hash(key))].Owner, nil
}

// LookupString is Lookup for string keys.
func (r *Ring) LookupString(key string) (NodeID, error) {
	return r.Lookup([]byte(key))
}

// LookupN returns up to n distinct nodes for key, walking clockwise from
// the owner. The first element is always the Lookup result.
func (r *Ring) LookupN(key []byte, n int) ([]NodeID, error) {
	s := r.current.Load()
	if len(s.vnodes) == 0 {
		return nil, ErrEmptyRing
	}
	if n > len(s.nodes) {
		n = len(s.nodes)
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]NodeID, 0, n)
	seen := make(map[NodeID]struct{}, n)
	start := s.search(r.hash(key))
	for i := 0; i < len(s.vnodes) && len(out) < n; i++ {
		owner := s.vnodes[(start+i)%len(s.vnodes)].Owner
		if _, dup := seen[owner]; dup {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	return out, nil
}

// Nodes returns the current members in no particular order.
func (r *Ring) Nodes() []NodeID {
	s := r.current.Load()
	out := make([]NodeID, 0, len(s.nodes))
	for n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// Has reports whether id is a member.
func (r *Ring) Has(id NodeID) bool {
	_, ok := r.current.Load().nodes[id]
	return ok
}

// Len returns the number of real nodes.
func (r *Ring) Len() int {
	return len(r.current.Load().nodes)
}

// VirtualNodes returns a copy of the sorted virtual node sequence.
func (r *Ring) VirtualNodes() []VirtualNode {
	s := r.current.Load()
	out := make([]VirtualNode, len(s.vnodes))
	copy(out, s.vnodes)
	return out
}

// search returns the index of the first virtual node with hash >= h,
// wrapping to 0 past the end.
func (s *state) search(h uint64) int {
	idx := sort.Search(len(s.vnodes), func(i int) bool {
		return s.vnodes[i].Hash >= h
	})
	if idx == len(s.vnodes) {
		idx = 0
	}
	return idx
}

// build lays out the virtual nodes for a membership set. The result only
// depends on the set, not on the order nodes joined in.
func (r *Ring) build(nodes map[NodeID]struct{}) *state {
	vnodes := make([]VirtualNode, 0, len(nodes)*r.replicas)
	for id := range nodes {
		for i := 0; i < r.replicas; i++ {
			label := string(id) + ":" + strconv.Itoa(i)
			vnodes = append(vnodes, VirtualNode{
				Hash:  r.hash([]byte(label)),
				Owner: id,
				Label: label,
			})
		}
	}
	sortVirtualNodes(vnodes)

	// The lowest label keeps a contested hash; every other contender is
	// rehashed with a "#k" suffix until it lands on a free point.
	used := make(map[uint64]struct{}, len(vnodes))
	var displaced []VirtualNode
	kept := vnodes[:0]
	for _, vn := range vnodes {
		if _, taken := used[vn.Hash]; taken {
			displaced = append(displaced, vn)
			continue
		}
		used[vn.Hash] = struct{}{}
		kept = append(kept, vn)
	}

	if len(displaced) > 0 {
		for _, vn := range displaced {
			base := vn.Label
			for k := 1; ; k++ {
				label := base + "#" + strconv.Itoa(k)
				h := r.hash([]byte(label))
				if _, taken := used[h]; taken {
					continue
				}
				used[h] = struct{}{}
				kept = append(kept, VirtualNode{Hash: h, Owner: vn.Owner, Label: label})
				break
			}
		}
		sortVirtualNodes(kept)
	}

	return &state{vnodes: kept, nodes: nodes}
}

func sortVirtualNodes(vnodes []VirtualNode) {
	sort.Slice(vnodes, func(i, j int) bool {
		if vnodes[i].Hash != vnodes[j].Hash {
			return vnodes[i].Hash < vnodes[j].Hash
		}
		return vnodes[i].Label < vnodes[j].Label
	})
}
