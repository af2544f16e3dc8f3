// Package backingstore implements the byte-addressable object store the
// swap space writes back to (§4.1 of the design spec). It is grounded on
// storage_engine/disk_manager's file-per-object model, generalized from
// fixed-size pages to arbitrary-length (id, version) blobs, since node
// bodies vary in size once they hold a variable number of buffered
// messages.
package backingstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"betreedb/dberrors"
)

// Stream is a bidirectional handle to one (id, version) object's bytes, per
// §4.1's contract. Writes go to a temp file and are only made visible at
// Finalize, so a crash mid-write never leaves a torn object visible to a
// later Open.
type Stream struct {
	store    *DirStore
	id       uint64
	version  uint64
	tmpPath  string
	file     *os.File
	reading  bool
	buffered []byte // set when served from the read cache instead of a file
}

// Write appends to the stream. Valid only for a stream obtained from
// Open.
func (s *Stream) Write(p []byte) (int, error) {
	if s.reading {
		return 0, dberrors.Invariant("backingstore: write on a read-only stream")
	}
	return s.file.Write(p)
}

// Reader returns a buffered reader over the stream's full contents. Valid
// for streams from both Open and OpenForRead, including ones served out of
// the read cache.
func (s *Stream) Reader() *bufio.Reader {
	if s.buffered != nil {
		return bufio.NewReader(bytes.NewReader(s.buffered))
	}
	return bufio.NewReader(s.file)
}

// finalPath returns the durable filename for this stream's (id, version).
func (s *Stream) finalPath() string {
	return s.store.path(s.id, s.version)
}

// DirStore is a directory-of-files Backend: one file per (id, version),
// named "<id>.<version>.obj". This is the concrete choice §6 leaves to the
// implementation; the interface below (Backend) is what the swap space
// actually depends on, so an alternative (e.g. an in-memory store for
// tests) can substitute freely.
type DirStore struct {
	mu   sync.Mutex
	root string

	// readCache holds recently-written raw bytes (primed by Finalize) keyed
	// by "<id>.<version>", fronting the filesystem; reads from disk do not
	// populate it. It is consulted only to
	// avoid a redundant re-read of a file this process just wrote — never
	// for correctness, since a cache miss simply falls through to disk.
	// See DESIGN.md for why this is ristretto rather than the swap
	// space's own deterministic LRU: this cache has no pin/dirty concept
	// at all, it is a pure best-effort speedup over the filesystem.
	readCache *ristretto.Cache[string, []byte]
}

// Backend is the contract §4.1 specifies: allocate, open for read-write,
// finalize, a path locator used by the checkpoint copier, and the root
// directory recovery restores a checkpoint's backup files into.
type Backend interface {
	Allocate(id, version uint64) error
	Open(id, version uint64) (*Stream, error)
	OpenForRead(id, version uint64) (*Stream, error)
	Finalize(s *Stream) error
	Path(id, version uint64) string
	Root() string
}

// NewDirStore creates (if necessary) root and returns a DirStore rooted
// there, with a small read-through byte cache in front of it.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, dberrors.IOFailure(err, "create backing store root %q", root)
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 10_000,
		MaxCost:     8 << 20, // 8 MiB of cached raw object bytes
		BufferItems: 64,
	})
	if err != nil {
		return nil, dberrors.IOFailure(err, "create backing store read cache")
	}
	return &DirStore{root: root, readCache: cache}, nil
}

func (d *DirStore) filename(id, version uint64) string {
	return fmt.Sprintf("%d.%d.obj", id, version)
}

func (d *DirStore) path(id, version uint64) string {
	return filepath.Join(d.root, d.filename(id, version))
}

// Path implements Backend.
func (d *DirStore) Path(id, version uint64) string {
	return d.path(id, version)
}

// Root implements Backend.
func (d *DirStore) Root() string {
	return d.root
}

// Allocate implements Backend. No ordering guarantee is required between
// distinct (id, version) pairs (§4.1), so this does nothing: the root
// directory already exists from NewDirStore, and the file itself is
// created by Open and put in place by Finalize.
func (d *DirStore) Allocate(id, version uint64) error {
	return nil
}

// Open implements Backend, returning a write-oriented Stream. Writes land
// in a temp file; Finalize renames it into place and primes the read cache,
// so a reader can never observe a partially written object.
func (d *DirStore) Open(id, version uint64) (*Stream, error) {
	tmp, err := os.CreateTemp(d.root, fmt.Sprintf(".tmp-%d.%d-*", id, version))
	if err != nil {
		return nil, dberrors.IOFailure(err, "open write stream for (%d,%d)", id, version)
	}
	return &Stream{store: d, id: id, version: version, tmpPath: tmp.Name(), file: tmp}, nil
}

// OpenForRead implements Backend.
func (d *DirStore) OpenForRead(id, version uint64) (*Stream, error) {
	key := d.filename(id, version)
	if cached, ok := d.readCache.Get(key); ok {
		return &Stream{store: d, id: id, version: version, reading: true, buffered: cached}, nil
	}
	f, err := os.Open(d.path(id, version))
	if err != nil {
		return nil, dberrors.IOFailure(err, "open read stream for (%d,%d)", id, version)
	}
	return &Stream{store: d, id: id, version: version, file: f, reading: true}, nil
}

// Finalize implements Backend: for a write stream, syncs and atomically
// renames the temp file into place, then primes the read cache; for a read
// stream, closes the handle.
func (d *DirStore) Finalize(s *Stream) error {
	if s.reading {
		if s.file != nil {
			return s.file.Close()
		}
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return dberrors.IOFailure(err, "sync object (%d,%d)", s.id, s.version)
	}
	if err := s.file.Close(); err != nil {
		return dberrors.IOFailure(err, "close object (%d,%d)", s.id, s.version)
	}
	finalPath := s.finalPath()
	if err := os.Rename(s.tmpPath, finalPath); err != nil {
		return dberrors.IOFailure(err, "rename object (%d,%d) into place", s.id, s.version)
	}
	if data, err := os.ReadFile(finalPath); err == nil {
		d.readCache.SetWithTTL(d.filename(s.id, s.version), data, int64(len(data)), 0)
	}
	return nil
}

// CopyBackupInto copies every object file a checkpoint wrote to backupDir
// into destDir, the live backend's root, so a recovered tree's Deref calls
// find the object versions its checkpoint metadata refers to (§6). Only
// "*.obj" files are copied; the backup directory's objects.meta sidecar is
// read directly by DeserializeObjects and never belongs in the live store.
func CopyBackupInto(backupDir, destDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return dberrors.IOFailure(err, "read checkpoint backup directory %q", backupDir)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".obj" {
			continue
		}
		src := filepath.Join(backupDir, entry.Name())
		dst := filepath.Join(destDir, entry.Name())
		if err := copyRegularFile(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyRegularFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return dberrors.IOFailure(err, "open %q for restore", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		in.Close()
		return dberrors.IOFailure(err, "create %q for restore", dst)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		return dberrors.IOFailure(err, "copy %q to %q", src, dst)
	}
	return out.Close()
}

// ChecksumWriter wraps w so that every byte written also feeds an xxhash
// digest; Sum64 reads back the running checksum (§5's domain stack entry
// for xxhash). The swap space's writeback path does not use it, and
// OpenForRead verifies no checksum.
type ChecksumWriter struct {
	w      io.Writer
	digest *xxhash.Digest
}

// NewChecksumWriter wraps w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, digest: xxhash.New()}
}

func (c *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.digest.Write(p[:n])
	}
	return n, err
}

// Sum64 returns the running checksum of everything written so far.
func (c *ChecksumWriter) Sum64() uint64 {
	return c.digest.Sum64()
}
