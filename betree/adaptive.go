package betree

// workloadState tracks where the tree currently sits on the write-heavy to
// read-heavy spectrum, per §4.5's adaptive shape mechanism. fixed is a
// sentinel state an operator can pin the tree into, after which epsilon
// never moves again regardless of observed workload.
type workloadState int

const (
	stateWriteHeavy workloadState = iota
	stateTransitional
	stateReadHeavy
	stateFixed
)

// windowSize is how many recent operations recordWrite/recordRead look
// back over before reconsidering the workload state, chosen small enough
// that the shape adapts within a handful of operations in tests.
const windowSize = 64

// writeHeavyEpsilon and readHeavyEpsilon bound the range set_epsilon moves
// within as the workload shifts; 0.5 is the original's fixed default, used
// here as the transitional midpoint.
const (
	writeHeavyEpsilon = 0.3
	readHeavyEpsilon  = 0.7
)

// shapeTracker observes the recent mix of writes and reads and decides
// when the tree should move between workloadStates, adjusting epsilon
// (and therefore pivot_upper_bound/message_upper_bound) to match.
type shapeTracker struct {
	state   workloadState
	writes  int
	reads   int
	total   int
}

func newShapeTracker(startEpsilon float64) *shapeTracker {
	state := stateTransitional
	switch {
	case startEpsilon <= writeHeavyEpsilon:
		state = stateWriteHeavy
	case startEpsilon >= readHeavyEpsilon:
		state = stateReadHeavy
	}
	return &shapeTracker{state: state}
}

func (s *shapeTracker) recordWrite() {
	if s.state == stateFixed {
		return
	}
	s.writes++
	s.total++
	s.maybeReset()
}

func (s *shapeTracker) recordRead() {
	if s.state == stateFixed {
		return
	}
	s.reads++
	s.total++
	s.maybeReset()
}

func (s *shapeTracker) maybeReset() {
	if s.total < windowSize {
		return
	}
	writeFrac := float64(s.writes) / float64(s.total)
	switch {
	case writeFrac >= 0.7:
		s.state = stateWriteHeavy
	case writeFrac <= 0.3:
		s.state = stateReadHeavy
	default:
		s.state = stateTransitional
	}
	s.writes, s.reads, s.total = 0, 0, 0
}

// targetEpsilon maps the current state to the epsilon value the tree
// should converge toward. stateFixed never calls this, since Fix pins the
// epsilon already in effect.
func (s *shapeTracker) targetEpsilon() float64 {
	switch s.state {
	case stateWriteHeavy:
		return writeHeavyEpsilon
	case stateReadHeavy:
		return readHeavyEpsilon
	default:
		return (writeHeavyEpsilon + readHeavyEpsilon) / 2
	}
}

// Fix pins the tree's current epsilon, disabling all further adaptation.
// This matches the original's state 7, "fixed mode(epsilon do not adjust
// to workload)".
func (t *Tree[K, V]) Fix() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shape.state = stateFixed
}

// RecordRead lets a caller of Query (which holds its own lock internally
// and cannot also drive the shape tracker without risking deadlock) report
// a read for shape-tracking purposes after the fact.
func (t *Tree[K, V]) RecordRead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shape.recordRead()
}

// maybeReshape adjusts epsilon toward the shape tracker's current target
// if the two differ enough to matter. It never changes the tree's structure;
// shortening happens only through an explicit ShortenBetree call.
// Caller must hold t.mu.
func (t *Tree[K, V]) maybeReshape() error {
	if t.shape.state == stateFixed {
		return nil
	}
	target := t.shape.targetEpsilon()
	if diff := target - t.cfg.Epsilon; diff > 0.02 || diff < -0.02 {
		t.cfg.Epsilon = target
		t.log.Debug("Tree", "RESHAPE", "epsilon", target)
	}
	return nil
}

// ShortenBetree removes redundant levels across the whole tree, per
// betree.hpp's shorten_betree (§4.5 / §9's Open Question on when to invoke
// it: this package exposes it as an explicit operator action rather than
// auto-invoking it from maybeReshape, since it is an expensive whole-tree
// operation the original also gates behind an explicit call rather than
// firing it from set_epsilon). It processes the tree breadth-first: each
// round calls shortenNode on every node still pending, which compulsorily
// flushes each of that node's non-leaf children (so they hold no buffered
// elements of their own) and then splices each such child's pivots
// directly into the current node, replacing it. The children shortenNode
// returns (the former grandchildren) become next round's work, so the sweep
// continues down to the leaves, removing every other level on the way: a
// leaf at depth d ends at depth ceil(d/2). It does not reduce the tree to a
// root directly above its leaves.
func (t *Tree[K, V]) ShortenBetree() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := []ref[K, V]{t.root}
	for len(pending) > 0 {
		var next []ref[K, V]
		for _, r := range pending {
			children, err := t.shortenNode(r)
			if err != nil {
				return err
			}
			next = append(next, children...)
		}
		pending = next
	}
	return nil
}

// shortenNode compulsorily flushes each of r's non-leaf children's own
// buffered elements down to the grandchildren, then replaces that child's
// pivot entry with the union of the grandchild pivots it now holds --
// betree.hpp's node::shorten_node. A leaf child, or one with no pivots left
// after flushing, is kept as-is. It returns r's resulting direct children
// (nil for a leaf r), the next nodes shorten_betree's sweep should visit.
func (t *Tree[K, V]) shortenNode(r ref[K, V]) ([]ref[K, V], error) {
	n, err := t.deref(r)
	if err != nil {
		return nil, err
	}
	defer t.unpin(r, true)

	if n.isLeaf() {
		return nil, nil
	}

	// First pass: give every non-leaf child a chance to empty its own
	// buffered elements into its own children, so lifting its pivots below
	// doesn't discard pending writes.
	original := n.pivots
	flushed := make([]pivot[K, V], 0, len(original))
	for i := range original {
		childRef := original[i].child
		child, err := t.deref(childRef)
		if err != nil {
			return nil, err
		}
		if child.isLeaf() {
			flushed = append(flushed, original[i])
			t.unpin(childRef, false)
			continue
		}
		newChildPivots, err := t.compulsoryFlush(childRef, child)
		if err != nil {
			return nil, err
		}
		if len(newChildPivots) > 0 {
			flushed = append(flushed, newChildPivots...)
		} else {
			flushed = append(flushed, original[i])
		}
		t.unpin(childRef, true)
	}
	n.pivots = flushed

	// Second pass: splice each non-leaf child's own pivots up in place of
	// the child itself.
	rebuilt := make([]pivot[K, V], 0, len(n.pivots))
	for i := range n.pivots {
		childRef := n.pivots[i].child
		child, err := t.deref(childRef)
		if err != nil {
			return nil, err
		}
		if child.isLeaf() || len(child.pivots) == 0 {
			rebuilt = append(rebuilt, n.pivots[i])
			t.unpin(childRef, false)
			continue
		}
		rebuilt = append(rebuilt, child.pivots...)
		t.unpin(childRef, false)
		// child's own node is now orphaned: every pivot that pointed at it
		// has been replaced by its former grandchildren above.
		t.space.DecRef(childRef)
	}
	n.pivots = rebuilt

	children := make([]ref[K, V], len(n.pivots))
	for i, p := range n.pivots {
		children[i] = p.child
	}
	return children, nil
}

// compulsoryFlush pushes every message buffered directly at n (already
// dereferenced from r) down to its immediate children, restarting the scan
// after each flush since a child split changes n's pivot layout, and
// splits n itself afterward if it now exceeds its size or pivot-count
// bound. It does not compulsorily empty further descendants (an ordinary
// flush into a child may still cascade lower under the usual thresholds):
// shorten_node calls it only on the children it is about to splice out, and
// ShortenBetree's breadth-first sweep is what eventually visits every level
// of the tree.
func (t *Tree[K, V]) compulsoryFlush(r ref[K, V], n *node[K, V]) ([]pivot[K, V], error) {
	if n.isLeaf() {
		return nil, nil
	}
	for len(n.elements) > 0 {
		flushedAny := false
		for i := 0; i < len(n.pivots); i++ {
			start, end := n.elementsForChild(t.cfg.Compare, i)
			if end <= start {
				continue
			}
			batch := make([]element[K, V], end-start)
			copy(batch, n.elements[start:end])
			n.elements = append(n.elements[:start], n.elements[end:]...)

			newChildPivots, err := t.flush(n.pivots[i].child, batch)
			if err != nil {
				return nil, err
			}
			if len(newChildPivots) > 0 {
				t.spliceChildSplit(n, i, newChildPivots)
			}
			flushedAny = true
			break
		}
		if !flushedAny {
			break
		}
	}
	if n.size() > t.cfg.MaxNodeSize || len(n.pivots) > t.pivotUpperBound() {
		return t.split(r, n)
	}
	return nil, nil
}
