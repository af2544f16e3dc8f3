package betree

import (
	"fmt"
	"sort"
)

// entry is one resolved (key, value) pair produced by materializing a
// range scan.
type entry[K any, V any] struct {
	key K
	val V
}

// Iterator is a forward-only cursor over a range of resolved keys,
// following the SeekGE/Next/Key/Value shape of the original's leaf-linked
// B+tree iterator (bplustree/iterator.go). Because messages affecting a
// key can live at any ancestor on the path to its leaf rather than only in
// a linked leaf chain, this iterator resolves its whole range up front
// into a sorted snapshot rather than walking leaf-to-leaf lazily; it
// reflects the tree's state at the moment NewIterator was called, not
// subsequent writes.
type Iterator[K any, V any] struct {
	entries []entry[K, V]
	index   int
}

// NewIterator materializes every key in [lo, hi) (hi exclusive; a caller
// wanting an unbounded upper end should pass a hi past every real key) and
// returns a cursor positioned before the first entry.
func (t *Tree[K, V]) NewIterator(lo, hi K) (*Iterator[K, V], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acc := map[string]entry[K, V]{}
	order := []K{}
	seen := map[string]bool{}
	keyOf := func(k K) string { return anyKeyString(k) }

	var walk func(r ref[K, V]) error
	walk = func(r ref[K, V]) error {
		n, err := t.deref(r)
		if err != nil {
			return err
		}
		defer t.unpin(r, false)

		if !n.isLeaf() {
			for _, p := range n.pivots {
				if t.cfg.Compare(p.key, hi) >= 0 {
					continue
				}
				if err := walk(p.child); err != nil {
					return err
				}
			}
		}
		for _, e := range n.elements {
			k := e.key.Key
			if t.cfg.Compare(k, lo) < 0 || t.cfg.Compare(k, hi) >= 0 {
				continue
			}
			ks := keyOf(k)
			cur, present := acc[ks]
			var base V
			if present {
				base = cur.val
			}
			newVal, stillPresent, err := applyMessage[V](base, present, e.msg, t.cfg.Combine)
			if err != nil {
				return err
			}
			if !seen[ks] {
				seen[ks] = true
				order = append(order, k)
			}
			if stillPresent {
				acc[ks] = entry[K, V]{key: k, val: newVal}
			} else {
				delete(acc, ks)
			}
		}
		return nil
	}
	if err := walk(t.root); err != nil {
		return nil, err
	}

	sort.Slice(order, func(i, j int) bool {
		return t.cfg.Compare(order[i], order[j]) < 0
	})
	entries := make([]entry[K, V], 0, len(order))
	for _, k := range order {
		if e, ok := acc[keyOf(k)]; ok {
			entries = append(entries, e)
		}
	}
	return &Iterator[K, V]{entries: entries, index: -1}, nil
}

// Next advances the iterator. Returns false once exhausted.
func (it *Iterator[K, V]) Next() bool {
	if it.index+1 >= len(it.entries) {
		it.index = len(it.entries)
		return false
	}
	it.index++
	return true
}

// Key returns the current entry's key. Valid only after a Next that
// returned true.
func (it *Iterator[K, V]) Key() K {
	return it.entries[it.index].key
}

// Value returns the current entry's value. Valid only after a Next that
// returned true.
func (it *Iterator[K, V]) Value() V {
	return it.entries[it.index].val
}

// anyKeyString is a best-effort stable string form of a key used only to
// dedupe entries while materializing a scan; it relies on fmt's %v rather
// than requiring K to implement Stringer, matching the package's policy of
// never demanding Key/Value satisfy any interface.
func anyKeyString[K any](k K) string {
	return fmt.Sprintf("%v", k)
}
