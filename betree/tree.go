package betree

import (
	"sync"

	"betreedb/backingstore"
	"betreedb/codec"
	"betreedb/dberrors"
	"betreedb/internal/dblog"
	"betreedb/swapspace"
	"betreedb/wal"
	"betreedb/wire"
)

type ref[K any, V any] = swapspace.Ref[*node[K, V]]

// Tree is the externally-paged B^ε-tree index (§4 of the design spec): a
// generic key-value store whose writes are buffered in internal nodes and
// flushed down to children in batches, trading read latency for much
// cheaper writes than an immediately-updated B-tree.
type Tree[K any, V any] struct {
	mu  sync.Mutex
	cfg Config[K, V]
	log *dblog.Logger

	space *swapspace.SwapSpace[*node[K, V]]
	root  ref[K, V]

	nextTimestamp uint64
	splitCounter  int

	shape *shapeTracker
	wal   *wal.Log[K, V]
}

// NewTree constructs a Tree with a freshly allocated, single empty leaf as
// root, paging node bodies through backend with keyCodec/valCodec.
func NewTree[K any, V any](
	backend backingstore.Backend,
	keyCodec codec.Codec[K],
	valCodec codec.Codec[V],
	cmp func(a, b K) int,
	combine func(old, new V) V,
	opts ...Option[K, V],
) *Tree[K, V] {
	cfg := defaultConfig[K, V](cmp, combine)
	for _, opt := range opts {
		opt(&cfg)
	}
	nc := nodeCodec[K, V]{keyCodec: keyCodec, valCodec: valCodec}
	space := swapspace.New[*node[K, V]](backend, nc, dblog.Default())
	space.SetCacheSize(cfg.CacheSize)
	rootRef := space.Allocate(newNode[K, V]())
	space.Unpin(rootRef, true)
	return &Tree[K, V]{
		cfg:           cfg,
		log:           dblog.Default(),
		space:         space,
		root:          rootRef,
		nextTimestamp: 1,
		shape:         newShapeTracker(cfg.Epsilon),
	}
}

// SetLogger overrides the tree's logger (the zero Logger is silent).
func (t *Tree[K, V]) SetLogger(l *dblog.Logger) {
	t.log = l
}

// SetWAL attaches a write-ahead log so every future Insert/Update/Delete is
// durably logged, matching betree.hpp's upsert(): logs.log(op) records the
// operation before it is applied, and MaybeFlush persists or checkpoints it
// once applied, per §2/§6's upsert-log-persist cadence. Pass nil to detach
// (upserts then run without any durability).
func (t *Tree[K, V]) SetWAL(l *wal.Log[K, V]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wal = l
}

// SplitCounter returns how many node splits this tree has performed,
// a diagnostic surfaced for the adaptive-shape tests (§6.1 of the design
// spec's supplemented features).
func (t *Tree[K, V]) SplitCounter() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.splitCounter
}

// Epsilon returns the tree's current shape exponent.
func (t *Tree[K, V]) Epsilon() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Epsilon
}

// pivotUpperBound and messageUpperBound as currently configured.
func (t *Tree[K, V]) pivotUpperBound() int {
	return pivotUpperBound(t.cfg.MaxNodeSize, t.cfg.Epsilon)
}
func (t *Tree[K, V]) messageUpperBound() int {
	return messageUpperBound(t.cfg.MaxNodeSize, t.cfg.Epsilon)
}

// deref/unpin wrap the swap space with the tree's node type baked in.
func (t *Tree[K, V]) deref(r ref[K, V]) (*node[K, V], error) {
	return t.space.Deref(r)
}
func (t *Tree[K, V]) unpin(r ref[K, V], dirty bool) {
	t.space.Unpin(r, dirty)
}

// nextTS issues the next logical timestamp, which doubles as the
// operation's LSN (§5's "Ordering" rule).
func (t *Tree[K, V]) nextTS() uint64 {
	ts := t.nextTimestamp
	t.nextTimestamp++
	return ts
}

// Insert upserts key with an INSERT message: key now reads as val
// regardless of any prior state.
func (t *Tree[K, V]) Insert(key K, val V) error {
	return t.upsert(key, wire.Message[V]{Op: wire.OpInsert, Val: val})
}

// Update upserts key with an UPDATE message: val is folded onto whatever
// key currently resolves to via the tree's Combine function, or folded onto
// V's zero value (Combine(zero, val)) if key is currently absent.
func (t *Tree[K, V]) Update(key K, val V) error {
	return t.upsert(key, wire.Message[V]{Op: wire.OpUpdate, Val: val})
}

// Delete upserts key with a DELETE tombstone: key now reads as not-found
// until a later Insert or Update.
func (t *Tree[K, V]) Delete(key K) error {
	var zero V
	return t.upsert(key, wire.Message[V]{Op: wire.OpDelete, Val: zero})
}

func (t *Tree[K, V]) upsert(key K, msg wire.Message[V]) error {
	t.mu.Lock()

	ts := t.nextTS()
	e := element[K, V]{key: wire.MessageKey[K]{Key: key, Timestamp: ts}, msg: msg}
	t.log.Debug("Tree", "UPSERT", "key", key, "op", msg.Op, "ts", ts)

	w := t.wal
	if w != nil {
		w.Log(wire.Op[K, V]{Key: e.key, Msg: msg})
	}

	newPivots, err := t.flush(t.root, []element[K, V]{e})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if len(newPivots) > 0 {
		if err := t.installNewRoot(newPivots); err != nil {
			t.mu.Unlock()
			return err
		}
	}
	t.shape.recordWrite()
	reshapeErr := t.maybeReshape()
	t.mu.Unlock()
	if reshapeErr != nil {
		return reshapeErr
	}

	// MaybeFlush runs after the op is actually applied (and, potentially,
	// a checkpoint calls back into Tree.Checkpoint), so it must run without
	// t.mu held.
	if w != nil {
		return w.MaybeFlush(t)
	}
	return nil
}

// installNewRoot replaces the root with a fresh internal node whose pivots
// are newPivots, the same "root split" handling the original's insert()
// performs inline.
func (t *Tree[K, V]) installNewRoot(newPivots []pivot[K, V]) error {
	root := newNode[K, V]()
	root.pivots = newPivots
	newRootRef := t.space.Allocate(root)
	t.space.Unpin(newRootRef, true)
	t.root = newRootRef
	return nil
}

// flush merges incoming into the node at r, recursively flushing to
// children and splitting as necessary (§4.3's node algorithms), mirroring
// betree.hpp's node::flush. It returns a non-empty pivot slice if r's node
// was split, meant to replace r's pivot entry in its parent (or to become
// the new root's pivot set, if r is the root).
func (t *Tree[K, V]) flush(r ref[K, V], incoming []element[K, V]) ([]pivot[K, V], error) {
	n, err := t.deref(r)
	if err != nil {
		return nil, err
	}
	defer t.unpin(r, true)

	// A key below the leftmost pivot moves that pivot down to it, so every
	// buffered message routes to some child.
	if !n.isLeaf() {
		for _, e := range incoming {
			if t.cfg.Compare(e.key.Key, n.pivots[0].key) < 0 {
				n.pivots[0].key = e.key.Key
			}
		}
	}

	for _, e := range incoming {
		n.apply(t.cfg.Compare, t.cfg.Combine, e.key, e.msg)
	}

	if n.isLeaf() {
		if n.size() > t.cfg.MaxNodeSize {
			return t.split(r, n)
		}
		return nil, nil
	}

	messageUpper := t.messageUpperBound()
	for len(n.elements) >= messageUpper {
		childIdx, start, end, ok := t.pickFlushTarget(n)
		if !ok {
			break
		}
		batch := make([]element[K, V], end-start)
		copy(batch, n.elements[start:end])

		childRef := n.pivots[childIdx].child
		newChildPivots, err := t.flush(childRef, batch)
		if err != nil {
			return nil, err
		}
		n.elements = append(n.elements[:start], n.elements[end:]...)

		if len(newChildPivots) > 0 {
			t.spliceChildSplit(n, childIdx, newChildPivots)
		} else {
			child, err := t.deref(childRef)
			if err != nil {
				return nil, err
			}
			n.pivots[childIdx].size = child.size()
			t.unpin(childRef, false)
		}

		if n.size() > t.cfg.MaxNodeSize || len(n.pivots) > t.pivotUpperBound() {
			return t.split(r, n)
		}
	}

	if n.size() > t.cfg.MaxNodeSize || len(n.pivots) > t.pivotUpperBound() {
		return t.split(r, n)
	}
	return nil, nil
}

// pickFlushTarget finds the pivot with the largest pending element batch,
// returning ok=false if no batch is large enough to flush yet: at least
// MinFlushSize messages for a child that is out of core, or at least
// MinFlushSize/2 for a child whose body is resident in memory, clean or
// dirty (flushing to a resident child needs no read from the backing store,
// per betree.hpp's MIN_FLUSH_SIZE commentary).
func (t *Tree[K, V]) pickFlushTarget(n *node[K, V]) (idx, start, end int, ok bool) {
	bestSize := -1
	for i := range n.pivots {
		s, e := n.elementsForChild(t.cfg.Compare, i)
		count := e - s
		threshold := t.cfg.MinFlushSize
		if t.space.IsInMemory(n.pivots[i].child) {
			threshold = t.cfg.MinFlushSize / 2
		}
		if count >= threshold && count > bestSize {
			bestSize, idx, start, end, ok = count, i, s, e, true
		}
	}
	return
}

// spliceChildSplit replaces the pivot at childIdx with the set of new
// pivots produced by splitting that child, per betree.hpp's flush()
// handling of a child split.
func (t *Tree[K, V]) spliceChildSplit(n *node[K, V], childIdx int, newPivots []pivot[K, V]) {
	rest := make([]pivot[K, V], 0, len(n.pivots)-1+len(newPivots))
	rest = append(rest, n.pivots[:childIdx]...)
	rest = append(rest, newPivots...)
	rest = append(rest, n.pivots[childIdx+1:]...)
	n.pivots = rest
}

// split breaks n into several new sibling nodes sized between roughly 0.4
// and 0.6 of MaxNodeSize, per betree.hpp's split(): the number of new
// leaves is (size)/(10*MaxNodeSize/24), floored, or 2 when that is zero.
func (t *Tree[K, V]) split(r ref[K, V], n *node[K, V]) ([]pivot[K, V], error) {
	t.splitCounter++
	total := n.size()
	denom := 10 * t.cfg.MaxNodeSize / 24
	if denom == 0 {
		denom = 1
	}
	numNewLeaves := total / denom
	if numNewLeaves == 0 {
		numNewLeaves = 2
	}
	thingsPerLeaf := (total + numNewLeaves - 1) / numNewLeaves

	result := make([]pivot[K, V], 0, numNewLeaves)
	pIdx, eIdx := 0, 0
	thingsMoved := 0

	for i := 0; i < numNewLeaves; i++ {
		if pIdx >= len(n.pivots) && eIdx >= len(n.elements) {
			break
		}
		newN := newNode[K, V]()
		var pivotKey K
		if pIdx < len(n.pivots) {
			pivotKey = n.pivots[pIdx].key
		} else {
			pivotKey = n.elements[eIdx].key.Key
		}
		newRef := t.space.Allocate(newN)

		for thingsMoved < (i+1)*thingsPerLeaf && (pIdx < len(n.pivots) || eIdx < len(n.elements)) {
			if pIdx < len(n.pivots) {
				newN.pivots = append(newN.pivots, n.pivots[pIdx])
				pIdx++
				thingsMoved++
				// carry along every buffered element whose range belongs to
				// the pivot just moved, keeping a pivot and its pending
				// messages together in the same new node.
				var hi *K
				if pIdx < len(n.pivots) {
					h := n.pivots[pIdx].key
					hi = &h
				}
				for eIdx < len(n.elements) && (hi == nil || t.cfg.Compare(n.elements[eIdx].key.Key, *hi) < 0) {
					newN.elements = append(newN.elements, n.elements[eIdx])
					eIdx++
					thingsMoved++
				}
			} else {
				newN.elements = append(newN.elements, n.elements[eIdx])
				eIdx++
				thingsMoved++
			}
		}
		result = append(result, pivot[K, V]{key: pivotKey, child: newRef, size: newN.size()})
		t.space.Unpin(newRef, true)
	}

	n.pivots = nil
	n.elements = nil
	// r's object is now orphaned: every pivot that used to point at it has
	// been replaced by the new leaves above.
	t.space.DecRef(r)
	return result, nil
}

// Query resolves key's current value by descending the tree and folding
// buffered messages onto the value read from the child, innermost-first
// (§4's query semantics: newer messages live at shallower nodes).
func (t *Tree[K, V]) Query(key K) (V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	val, present, err := t.query(t.root, key)
	if err != nil {
		return val, err
	}
	if !present {
		var zero V
		return zero, dberrors.NotFound("betree: key not found")
	}
	return val, nil
}

func (t *Tree[K, V]) query(r ref[K, V], key K) (V, bool, error) {
	n, err := t.deref(r)
	if err != nil {
		var zero V
		return zero, false, err
	}
	defer t.unpin(r, false)

	var base V
	present := false
	if !n.isLeaf() {
		idx, ok := n.pivotIndex(t.cfg.Compare, key)
		if !ok {
			return base, false, nil
		}
		base, present, err = t.query(n.pivots[idx].child, key)
		if err != nil {
			return base, false, err
		}
	}

	lo := wire.RangeStart(key)
	hi := wire.RangeEnd(key)
	start := n.elementLowerBound(t.cfg.Compare, lo)
	end := n.elementLowerBound(t.cfg.Compare, hi)
	for i := start; i < end; i++ {
		base, present, err = applyMessage[V](base, present, n.elements[i].msg, t.cfg.Combine)
		if err != nil {
			return base, false, err
		}
	}
	return base, present, nil
}

// AverageLeafDepth walks every leaf and returns the mean depth from the
// root, a diagnostic used by the adaptive-shape tests to confirm
// shortening actually reduced tree height (§6.1 of the design spec's
// supplemented features).
func (t *Tree[K, V]) AverageLeafDepth() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total, count int
	var walk func(r ref[K, V], depth int) error
	walk = func(r ref[K, V], depth int) error {
		n, err := t.deref(r)
		if err != nil {
			return err
		}
		defer t.unpin(r, false)
		if n.isLeaf() {
			total += depth
			count++
			return nil
		}
		for _, p := range n.pivots {
			if err := walk(p.child, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(t.root, 0); err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}
	return float64(total) / float64(count), nil
}

// Checkpoint is the hook wal.Log calls during its checkpoint procedure
// (§6) to flush the tree's dirty state: it instructs the swap space to
// write the whole tree to destDir and returns the root's object id so the
// status file can record it.
func (t *Tree[K, V]) Checkpoint(destDir string) (rootID uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.space.FlushWholeTree(destDir); err != nil {
		return 0, err
	}
	return t.root.ID(), nil
}

// SerializeObjectMeta writes the swap space's object-metadata file, the
// second half of a checkpoint's durable state alongside the backup
// directory (§6).
func (t *Tree[K, V]) SerializeObjectMeta(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.space.SerializeObjects(path)
}

// RestoreFromCheckpoint rebuilds the swap space's object table from a
// metadata file and sets the root to rootID, used by recovery before the
// log is replayed onto the restored root (§6).
func RestoreFromCheckpoint[K any, V any](
	backend backingstore.Backend,
	keyCodec codec.Codec[K],
	valCodec codec.Codec[V],
	cmp func(a, b K) int,
	combine func(old, new V) V,
	metaPath string,
	rootID uint64,
	opts ...Option[K, V],
) (*Tree[K, V], error) {
	cfg := defaultConfig[K, V](cmp, combine)
	for _, opt := range opts {
		opt(&cfg)
	}
	nc := nodeCodec[K, V]{keyCodec: keyCodec, valCodec: valCodec}
	space := swapspace.New[*node[K, V]](backend, nc, dblog.Default())
	space.SetCacheSize(cfg.CacheSize)
	if err := space.DeserializeObjects(metaPath); err != nil {
		return nil, err
	}
	t := &Tree[K, V]{
		cfg:           cfg,
		log:           dblog.Default(),
		space:         space,
		root:          swapspace.RefWithID[*node[K, V]](rootID),
		nextTimestamp: 1,
		shape:         newShapeTracker(cfg.Epsilon),
	}
	return t, nil
}

// ApplyRecoveredOp replays a single logged operation during WAL redo (§6),
// advancing nextTimestamp past the replayed LSN so that subsequent live
// writes never collide with one recovered from the log.
func (t *Tree[K, V]) ApplyRecoveredOp(op wire.Op[K, V]) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op.Key.Timestamp >= t.nextTimestamp {
		t.nextTimestamp = op.Key.Timestamp + 1
	}
	e := element[K, V]{key: op.Key, msg: op.Msg}
	newPivots, err := t.flush(t.root, []element[K, V]{e})
	if err != nil {
		return err
	}
	if len(newPivots) > 0 {
		return t.installNewRoot(newPivots)
	}
	return nil
}
