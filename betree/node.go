// Package betree implements the write-optimized node and tree structure
// (§4.3 of the design spec): internal nodes buffer a batch of pending
// messages and flush them down in bulk rather than applying each write to a
// leaf immediately. The node layout keeps DaemonDB's sorted-slice plus
// binary-search style (see bplustree/struct.go: "keys [][]byte, sorted
// ascending"), generalized to a generic key/value pair via an injected
// comparator, and generalized from fixed child-slot arrays to a pivot map
// since a node's fanout here varies with the adaptive epsilon.
package betree

import (
	"sort"

	"betreedb/dberrors"
	"betreedb/swapspace"
	"betreedb/wire"
)

// pivot is one (key, childInfo) entry: every key in child's subtree is >=
// pivot.key and < the next pivot's key (or unbounded, for the last pivot).
type pivot[K any, V any] struct {
	key   K
	child swapspace.Ref[*node[K, V]]
	size  int // cached pivots+elements count of the child, for merge scoring
}

// element is one buffered message, keyed by (key, timestamp) so that
// multiple writes to the same key coexist until a flush or query resolves
// them.
type element[K any, V any] struct {
	key wire.MessageKey[K]
	msg wire.Message[V]
}

// node is a single betree node: a sorted slice of pivots (empty for a
// leaf) and a sorted slice of buffered elements.
type node[K any, V any] struct {
	pivots   []pivot[K, V]
	elements []element[K, V]
}

func newNode[K any, V any]() *node[K, V] {
	return &node[K, V]{}
}

func (n *node[K, V]) isLeaf() bool {
	return len(n.pivots) == 0
}

// IsLeaf satisfies swapspace's leafReporter interface, so a checkpoint's
// object-metadata file can record is_leaf without the swap space needing to
// know a node's internal shape.
func (n *node[K, V]) IsLeaf() bool {
	return n.isLeaf()
}

func (n *node[K, V]) size() int {
	return len(n.pivots) + len(n.elements)
}

// pivotIndex returns the index of the pivot whose range contains key, i.e.
// the last pivot with pivot.key <= key. ok is false if key falls below
// every pivot (the node is empty of pivots, or key precedes the first).
func (n *node[K, V]) pivotIndex(cmp func(a, b K) int, key K) (int, bool) {
	idx := sort.Search(len(n.pivots), func(i int) bool {
		return cmp(n.pivots[i].key, key) > 0
	})
	idx--
	if idx < 0 {
		return 0, false
	}
	return idx, true
}

// elementLowerBound returns the first index i with elements[i].key >= mk.
func (n *node[K, V]) elementLowerBound(cmp func(a, b K) int, mk wire.MessageKey[K]) int {
	return sort.Search(len(n.elements), func(i int) bool {
		return wire.Compare(cmp, n.elements[i].key, mk) >= 0
	})
}

// rawInsert inserts e in sorted position, replacing any existing entry with
// the identical MessageKey (same key and timestamp never legitimately
// collide in practice since timestamps are unique per write, but keeping
// this idempotent matches the original's map semantics). It does not erase
// any other entry for e's key; callers wanting range-erase semantics use
// apply instead.
func (n *node[K, V]) rawInsert(cmp func(a, b K) int, e element[K, V]) {
	i := n.elementLowerBound(cmp, e.key)
	if i < len(n.elements) && wire.Compare(cmp, n.elements[i].key, e.key) == 0 {
		n.elements[i] = e
		return
	}
	n.elements = append(n.elements, element[K, V]{})
	copy(n.elements[i+1:], n.elements[i:])
	n.elements[i] = e
}

// eraseRange removes every buffered element for key, i.e. the half-open
// slice [lowerBound(RangeStart(key)), lowerBound(RangeEnd(key))).
func (n *node[K, V]) eraseRange(cmp func(a, b K) int, key K) {
	start := n.elementLowerBound(cmp, wire.RangeStart(key))
	end := n.elementLowerBound(cmp, wire.RangeEnd(key))
	if end > start {
		n.elements = append(n.elements[:start], n.elements[end:]...)
	}
}

// lastElementForKey returns the index of the last buffered element for key
// (the one nearest RangeEnd(key)), or ok=false if key has no buffered
// element at all.
func (n *node[K, V]) lastElementForKey(cmp func(a, b K) int, key K) (idx int, ok bool) {
	i := n.elementLowerBound(cmp, wire.RangeEnd(key))
	i--
	if i < 0 {
		return 0, false
	}
	if cmp(n.elements[i].key.Key, key) != 0 {
		return 0, false
	}
	return i, true
}

// apply folds a single upsert message into the node's buffered elements,
// translating betree.hpp's node::apply (§4.3.1): INSERT and DELETE erase
// every prior buffered message for the key before recording the new one
// (DELETE is only recorded on an internal node, since a leaf simply drops
// the key); UPDATE collapses onto an existing buffered INSERT rather than
// stacking, or onto default_value if the key is absent and this is a leaf,
// and otherwise is recorded as its own buffered message so it can cascade
// down to wherever the key actually lives.
func (n *node[K, V]) apply(cmp func(a, b K) int, combine func(old, new V) V, mkey wire.MessageKey[K], msg wire.Message[V]) {
	switch msg.Op {
	case wire.OpInsert:
		n.eraseRange(cmp, mkey.Key)
		n.rawInsert(cmp, element[K, V]{key: mkey, msg: msg})

	case wire.OpDelete:
		n.eraseRange(cmp, mkey.Key)
		if !n.isLeaf() {
			n.rawInsert(cmp, element[K, V]{key: mkey, msg: msg})
		}

	case wire.OpUpdate:
		idx, found := n.lastElementForKey(cmp, mkey.Key)
		switch {
		case !found && n.isLeaf():
			var zero V
			n.apply(cmp, combine, mkey, wire.Message[V]{Op: wire.OpInsert, Val: combine(zero, msg.Val)})
		case !found:
			n.rawInsert(cmp, element[K, V]{key: mkey, msg: msg})
		case n.elements[idx].msg.Op == wire.OpInsert:
			n.apply(cmp, combine, mkey, wire.Message[V]{Op: wire.OpInsert, Val: combine(n.elements[idx].msg.Val, msg.Val)})
		default:
			n.rawInsert(cmp, element[K, V]{key: mkey, msg: msg})
		}
	}
}

// elementsForChild returns the half-open slice range [start, end) of
// elements destined for the child at pivots[pIdx], i.e. those whose key
// falls in [pivots[pIdx].key, pivots[pIdx+1].key) (or to the end, for the
// last pivot).
func (n *node[K, V]) elementsForChild(cmp func(a, b K) int, pIdx int) (start, end int) {
	lo := wire.RangeStart(n.pivots[pIdx].key)
	start = n.elementLowerBound(cmp, lo)
	if pIdx+1 < len(n.pivots) {
		hi := wire.RangeStart(n.pivots[pIdx+1].key)
		end = n.elementLowerBound(cmp, hi)
	} else {
		end = len(n.elements)
	}
	return start, end
}

// applyMessage folds msg onto base per its opcode, using combine to merge
// UPDATE payloads with an existing value. present is false if base was a
// tombstone or absent.
func applyMessage[V any](base V, present bool, msg wire.Message[V], combine func(old, new V) V) (V, bool, error) {
	switch msg.Op {
	case wire.OpInsert:
		return msg.Val, true, nil
	case wire.OpDelete:
		var zero V
		return zero, false, nil
	case wire.OpUpdate:
		if !present {
			var zero V
			return combine(zero, msg.Val), true, nil
		}
		return combine(base, msg.Val), true, nil
	default:
		var zero V
		return zero, false, dberrors.Invariant("betree: unknown opcode %v", msg.Op)
	}
}
