// Package swapspace is the object cache sitting between the tree and the
// backing store (§4.2 of the design spec). It is grounded on
// storage_engine/bufferpool's pin/dirty/LRU page cache, generalized from
// fixed page IDs to generic, versioned objects of any serializable body
// type, and adapted so that last_access is a logical counter (the space's
// own access clock) rather than a wall-clock timestamp, matching
// swap_space.cpp exactly.
package swapspace

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"betreedb/backingstore"
	"betreedb/dberrors"
	"betreedb/internal/dblog"
)

// object is one cached entry: a body of type B, plus the bookkeeping
// swap_space.cpp tracks per object (id, version, is_leaf, refcount,
// last_access, dirty, pincount).
type object[B any] struct {
	id         uint64
	version    uint64
	body       B
	inMemory   bool
	dirty      bool
	pinCount   int
	lastAccess uint64
	refcount   uint64
	isLeaf     bool
}

// leafReporter lets a stored body describe whether it is a tree leaf,
// without the space needing to know the concrete node type. Bodies that
// don't implement it (e.g. the string bodies swapspace's own tests use)
// serialize is_leaf as false.
type leafReporter interface {
	IsLeaf() bool
}

func bodyIsLeaf[B any](body B) bool {
	if lr, ok := any(body).(leafReporter); ok {
		return lr.IsLeaf()
	}
	return false
}

// Codec captures how to turn a body into bytes and back, so the space can
// write one out to the backing store without knowing its concrete shape.
type Codec[B any] interface {
	Encode(w *bufio.Writer, v B) error
	Decode(r *bufio.Reader) (B, error)
}

// SwapSpace is the generic, versioned object cache. B is the stored body
// type (a tree node, in betree's use of it).
type SwapSpace[B any] struct {
	mu sync.Mutex

	backend backingstore.Backend
	codec   Codec[B]
	log     *dblog.Logger

	objects map[uint64]*object[B]
	nextID  uint64
	clock   uint64 // logical access clock, incremented on every Deref

	// maxInMemoryObjects bounds how many objects may have a live body at
	// once (swap_space.cpp's max_in_memory_objects, §4.2's "at most N
	// resident" property). Zero means unbounded.
	maxInMemoryObjects int
}

// SetCacheSize bounds residency at n objects, matching swap_space.cpp's
// set_cache_size; Allocate and Deref opportunistically evict unpinned
// objects afterward to enforce it, writing dirty ones back first. Zero (the default) leaves
// residency unbounded.
func (s *SwapSpace[B]) SetCacheSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxInMemoryObjects = n
}

func (s *SwapSpace[B]) residentCountLocked() int {
	n := 0
	for _, obj := range s.objects {
		if obj.inMemory {
			n++
		}
	}
	return n
}

// evictToBoundLocked evicts unpinned objects until residency is at or below
// maxInMemoryObjects, or nothing more can be evicted (every remaining
// resident object is pinned). Caller must hold s.mu.
func (s *SwapSpace[B]) evictToBoundLocked() error {
	if s.maxInMemoryObjects <= 0 {
		return nil
	}
	for s.residentCountLocked() > s.maxInMemoryObjects {
		if err := s.clearLRULocked(); err != nil {
			if dberrors.Is(err, dberrors.ErrInvariant) {
				return nil
			}
			return err
		}
	}
	return nil
}

// New constructs a SwapSpace backed by store, using codec to serialize
// bodies.
func New[B any](backend backingstore.Backend, c Codec[B], log *dblog.Logger) *SwapSpace[B] {
	if log == nil {
		log = &dblog.Logger{}
	}
	return &SwapSpace[B]{
		backend: backend,
		codec:   c,
		log:     log,
		objects: make(map[uint64]*object[B]),
		nextID:  1,
	}
}

// Ref is a handle to one cached object, opaque to the tree beyond its id.
type Ref[B any] struct {
	id uint64
}

// ID returns the stable identifier behind this reference.
func (r Ref[B]) ID() uint64 { return r.id }

// RefWithID reconstructs a Ref from a raw id, used when decoding a node
// body that stored a child's id as a plain integer (the codec has no way
// to hand back a live Ref, only the id it was built from).
func RefWithID[B any](id uint64) Ref[B] {
	return Ref[B]{id: id}
}

// Allocate reserves a new id with an in-memory, dirty, version-0 body. The
// object is pinned once on return; the caller must Unpin it when done.
func (s *SwapSpace[B]) Allocate(initial B) Ref[B] {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.clock++
	s.objects[id] = &object[B]{
		id:         id,
		version:    0,
		body:       initial,
		inMemory:   true,
		dirty:      true,
		pinCount:   1,
		lastAccess: s.clock,
		refcount:   1,
		isLeaf:     bodyIsLeaf(initial),
	}
	s.log.Debug("SwapSpace", "ALLOC", "id", id)
	// Best-effort: freeing room for the object just allocated must never
	// fail the allocation itself. A real backing-store failure here will
	// resurface the next time an explicit ClearLRU or Checkpoint runs.
	if err := s.evictToBoundLocked(); err != nil {
		s.log.Info("SwapSpace", "evict-on-allocate failed", "err", err)
	}
	return Ref[B]{id: id}
}

// SetNextID forces the id counter, used by recovery to resume allocation
// past the highest id found in a recovered checkpoint.
func (s *SwapSpace[B]) SetNextID(next uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next > s.nextID {
		s.nextID = next
	}
}

// Deref returns the current body for ref, paging it in from the backing
// store if necessary, and bumps its last-access clock. The object is
// pinned; the caller must Unpin it when done inspecting or mutating body.
func (s *SwapSpace[B]) Deref(ref Ref[B]) (B, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derefLocked(ref)
}

func (s *SwapSpace[B]) derefLocked(ref Ref[B]) (B, error) {
	var zero B
	obj, ok := s.objects[ref.id]
	if !ok {
		return zero, dberrors.NotFound("swapspace: unknown object id %d", ref.id)
	}
	s.clock++
	obj.lastAccess = s.clock
	obj.pinCount++

	if obj.inMemory {
		s.log.Debug("SwapSpace", "HIT", "id", ref.id, "pinCount", obj.pinCount)
		return obj.body, nil
	}

	s.log.Debug("SwapSpace", "MISS", "id", ref.id, "loading from backing store")
	stream, err := s.backend.OpenForRead(obj.id, obj.version)
	if err != nil {
		obj.pinCount--
		return zero, err
	}
	body, err := s.codec.Decode(stream.Reader())
	if cerr := s.backend.Finalize(stream); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		obj.pinCount--
		return zero, dberrors.Format(err, "decode object %d version %d", obj.id, obj.version)
	}
	obj.body = body
	obj.inMemory = true
	obj.isLeaf = bodyIsLeaf(body)
	// This object is now resident and pinned, so it can't be the one
	// evicted below; any real backing-store failure while freeing room for
	// it is reported to the caller rather than swallowed, since Deref
	// already has an error return to carry it on.
	if err := s.evictToBoundLocked(); err != nil {
		return body, err
	}
	return body, nil
}

// Unpin releases one pin taken by Allocate or Deref. dirty, if true, marks
// the object as needing writeback before its next eviction.
func (s *SwapSpace[B]) Unpin(ref Ref[B], dirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref.id]
	if !ok {
		return
	}
	if obj.pinCount > 0 {
		obj.pinCount--
	}
	if dirty {
		obj.dirty = true
	}
}

// MarkDirty flags ref's object as needing writeback, without changing its
// pin count.
func (s *SwapSpace[B]) MarkDirty(ref Ref[B]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[ref.id]; ok {
		obj.dirty = true
	}
}

// IsDirty reports whether ref's object has unwritten changes.
func (s *SwapSpace[B]) IsDirty(ref Ref[B]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref.id]
	return ok && obj.dirty
}

// IsInMemory reports whether ref's object currently has a live body, as
// opposed to having been evicted to the backing store.
func (s *SwapSpace[B]) IsInMemory(ref Ref[B]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref.id]
	return ok && obj.inMemory
}

// IncRef and DecRef adjust ref's reference count (§3). Only DecRef has
// callers in this module: split() orphans its original node by dropping its
// last reference, and shortenNode drops the child whose pivots it has
// spliced into the parent. Nothing calls IncRef.
func (s *SwapSpace[B]) IncRef(ref Ref[B]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[ref.id]; ok {
		obj.refcount++
	}
}

func (s *SwapSpace[B]) DecRef(ref Ref[B]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[ref.id]; ok && obj.refcount > 0 {
		obj.refcount--
	}
}

// writeback serializes obj's body to the backing store under its next
// version number. Caller must hold s.mu.
func (s *SwapSpace[B]) writebackLocked(obj *object[B]) error {
	newVersion := obj.version + 1
	stream, err := s.backend.Open(obj.id, newVersion)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(stream)
	if err := s.codec.Encode(w, obj.body); err != nil {
		return dberrors.Format(err, "encode object %d for writeback", obj.id)
	}
	if err := w.Flush(); err != nil {
		return dberrors.IOFailure(err, "flush object %d writeback buffer", obj.id)
	}
	if err := s.backend.Finalize(stream); err != nil {
		return err
	}
	obj.version = newVersion
	obj.dirty = false
	return nil
}

// ClearLRU evicts the object with the smallest last_access among those
// with pinCount == 0, writing it back first if dirty. It returns
// dberrors.ErrInvariant if every object is pinned, matching swap_space.cpp's
// "all objects pinned" abort condition (§9's Open Question on eviction
// failure: treated as a caller-visible error rather than a panic, since a
// fully pinned cache is a transient condition under heavy concurrent use,
// not necessarily a programming bug).
func (s *SwapSpace[B]) ClearLRU() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLRULocked()
}

func (s *SwapSpace[B]) clearLRULocked() error {
	var victim *object[B]
	for _, obj := range s.objects {
		if obj.pinCount != 0 || !obj.inMemory {
			continue
		}
		if victim == nil || obj.lastAccess < victim.lastAccess {
			victim = obj
		}
	}
	if victim == nil {
		return dberrors.Invariant("swapspace: no evictable object (all pinned or already evicted)")
	}
	if victim.dirty {
		if err := s.writebackLocked(victim); err != nil {
			return err
		}
	}
	s.log.Debug("SwapSpace", "EVICT", "id", victim.id, "version", victim.version)
	victim.inMemory = false
	var zero B
	victim.body = zero
	return nil
}

// MaybeEvict calls ClearLRU enough times to bring the in-memory object
// count at or below target. It is a no-op, not an error, if fewer objects
// than target are in memory.
func (s *SwapSpace[B]) MaybeEvict(target int) error {
	for {
		s.mu.Lock()
		count := 0
		for _, obj := range s.objects {
			if obj.inMemory {
				count++
			}
		}
		s.mu.Unlock()
		if count <= target {
			return nil
		}
		if err := s.ClearLRU(); err != nil {
			return err
		}
	}
}

// FlushWholeTree writes every object currently known to the space to destDir
// as "<id>.<version>.obj" files via an independent DirStore, used for the
// checkpoint backup-directory copy step (§6). Clean objects are written at
// their already-durable version; dirty in-memory objects are written at
// version+1 without disturbing the live space's own version numbering,
// since the backup directory is a separate, parallel copy.
func (s *SwapSpace[B]) FlushWholeTree(destDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backup, err := backingstore.NewDirStore(destDir)
	if err != nil {
		return err
	}
	for _, obj := range s.objects {
		if obj.inMemory && obj.dirty {
			version := obj.version + 1
			stream, err := backup.Open(obj.id, version)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(stream)
			if err := s.codec.Encode(w, obj.body); err != nil {
				return dberrors.Format(err, "encode object %d for backup", obj.id)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if err := backup.Finalize(stream); err != nil {
				return err
			}
		} else {
			// Clean, whether resident or evicted: the live backend already
			// holds this exact version durably, so copy it rather than
			// re-encoding, keeping the backup's version numbers in lockstep
			// with what SerializeObjects records for the same object.
			src := s.backend.Path(obj.id, obj.version)
			dst := backup.Path(obj.id, obj.version)
			if err := copyFile(src, dst); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return dberrors.IOFailure(err, "open %q for backup copy", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return dberrors.IOFailure(err, "create %q for backup copy", dst)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return dberrors.IOFailure(err, "copy %q to %q", src, dst)
	}
	return out.Close()
}

// SerializeObjects writes every object's full bookkeeping record to path,
// one "key value" line per field, matching swap_space.cpp's
// serialize_objects (obj_id / id / version / is_leaf / refcount /
// last_access / dirty / pincount). version reflects whatever
// FlushWholeTree actually wrote for that object (obj.version+1 for a dirty
// resident object, obj.version otherwise), so a restore always finds the
// file it expects.
func (s *SwapSpace[B]) SerializeObjects(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return dberrors.IOFailure(err, "create object metadata file %q", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, obj := range s.objects {
		version := obj.version
		if obj.inMemory && obj.dirty {
			version++
		}
		if _, err := fmt.Fprintf(w,
			"obj_id %d\nobject->id %d\nobject->version %d\nobject->is_leaf %t\nobject->refcount %d\nobject->last_access %d\nobject->target_is_dirty %t\nobject->pincount %d\n",
			obj.id, obj.id, version, obj.isLeaf, obj.refcount, obj.lastAccess, obj.dirty, obj.pinCount,
		); err != nil {
			return dberrors.IOFailure(err, "write object metadata record for id %d", obj.id)
		}
	}
	return w.Flush()
}

// DeserializeObjects reads a metadata file written by SerializeObjects and
// registers each object as evicted (not-in-memory), ready to be paged in on
// first Deref. Used during recovery to repopulate the space from a
// checkpoint without eagerly loading every object body.
func (s *SwapSpace[B]) DeserializeObjects(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return dberrors.IOFailure(err, "open object metadata file %q", path)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	var cur *object[B]
	flush := func() {
		if cur != nil {
			s.objects[cur.id] = cur
			if cur.id >= s.nextID {
				s.nextID = cur.id + 1
			}
		}
	}
	for scanner.Scan() {
		var key, rest string
		if _, err := fmt.Sscanf(scanner.Text(), "%s %s", &key, &rest); err != nil {
			continue
		}
		switch key {
		case "obj_id":
			flush()
			id, err := parseUint(rest)
			if err != nil {
				return dberrors.Format(err, "decode obj_id")
			}
			cur = &object[B]{id: id}
		case "object->id":
			// redundant with obj_id; already set above.
		case "object->version":
			v, err := parseUint(rest)
			if err != nil {
				return dberrors.Format(err, "decode object->version for id %d", cur.id)
			}
			cur.version = v
		case "object->is_leaf":
			cur.isLeaf = rest == "true"
		case "object->refcount":
			v, err := parseUint(rest)
			if err != nil {
				return dberrors.Format(err, "decode object->refcount for id %d", cur.id)
			}
			cur.refcount = v
		case "object->last_access":
			v, err := parseUint(rest)
			if err != nil {
				return dberrors.Format(err, "decode object->last_access for id %d", cur.id)
			}
			cur.lastAccess = v
		case "object->target_is_dirty":
			cur.dirty = rest == "true"
		case "object->pincount":
			v, err := strconv.Atoi(rest)
			if err != nil {
				return dberrors.Format(err, "decode object->pincount for id %d", cur.id)
			}
			cur.pinCount = v
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return dberrors.IOFailure(err, "scan object metadata file %q", path)
	}
	return nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// Root returns a Ref to object id 1, the first id Allocate hands out after
// a fresh New. That is the tree's initial root only: once the root splits,
// the tree's root lives under a newer id.
func Root[B any]() Ref[B] {
	return Ref[B]{id: 1}
}

// backingPathFor builds the "<id>.<version>.obj" path under dir. It is
// unexported and nothing in this module calls it.
func backingPathFor(dir string, id, version uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%d.obj", id, version))
}
