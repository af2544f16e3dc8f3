package betree

// MergeSmallChildren coalesces runs of adjacent small children of r into a
// single larger sibling, mirroring betree.hpp's node::merge_small_children.
// It is exported but never called internally by Tree: the original only
// invokes it from a maintenance pass the design spec leaves unscheduled
// (§9's Open Question on merge policy), so here it is available for a
// caller to invoke explicitly (e.g. from a periodic compaction job) rather
// than being wired into Upsert or ShortenBetree.
func (t *Tree[K, V]) MergeSmallChildren() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeSmallChildren(t.root)
}

func (t *Tree[K, V]) mergeSmallChildren(r ref[K, V]) error {
	n, err := t.deref(r)
	if err != nil {
		return err
	}
	defer t.unpin(r, true)

	if n.isLeaf() {
		return nil
	}

	mergeThreshold := 6 * t.cfg.MaxNodeSize / 10

	i := 0
	for i < len(n.pivots) {
		totalSize := 0
		j := i
		for j < len(n.pivots) {
			if totalSize+n.pivots[j].size > mergeThreshold {
				break
			}
			totalSize += n.pivots[j].size
			j++
		}
		if j-i >= 2 {
			merged := newNode[K, V]()
			for k := i; k < j; k++ {
				child, err := t.deref(n.pivots[k].child)
				if err != nil {
					return err
				}
				merged.pivots = append(merged.pivots, child.pivots...)
				merged.elements = append(merged.elements, child.elements...)
				t.unpin(n.pivots[k].child, false)
			}
			mergedRef := t.space.Allocate(merged)
			t.space.Unpin(mergedRef, true)

			newPivot := pivot[K, V]{key: n.pivots[i].key, child: mergedRef, size: merged.size()}
			rest := make([]pivot[K, V], 0, len(n.pivots)-(j-i)+1)
			rest = append(rest, n.pivots[:i]...)
			rest = append(rest, newPivot)
			rest = append(rest, n.pivots[j:]...)
			n.pivots = rest
			i++
			continue
		}
		i++
	}
	return nil
}
