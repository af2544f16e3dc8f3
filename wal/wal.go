// Package wal implements the write-ahead log and checkpoint procedure that
// give the tree crash durability (§4.6 of the design spec). It is grounded
// on wal_manager's append-only segment log and
// storage_engine/checkpoint_manager's atomic write-temp-then-rename status
// file, generalized from a JSON checkpoint record and binary LSN/len/crc
// segments to the tunable persist/checkpoint cadence and text log format
// swap_space.cpp / betree.hpp actually use, since here durability is
// driven by counters rather than by segment size.
package wal

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"betreedb/codec"
	"betreedb/dberrors"
	"betreedb/internal/dblog"
	"betreedb/wire"
)

// Recoverable is the subset of Tree's surface the log needs to drive a
// checkpoint and redo recovery, kept as an interface so this package never
// imports betree and risks a cycle (§3's package-split rationale).
type Recoverable[K any, V any] interface {
	Checkpoint(destDir string) (rootID uint64, err error)
	SerializeObjectMeta(path string) error
	ApplyRecoveredOp(op wire.Op[K, V]) error
}

// Log is the write-ahead log: a growing sequence of logged operations plus
// the counters that decide when to persist them to disk and when to
// perform a full checkpoint (§6's tunable persist/checkpoint cadence).
type Log[K, V any] struct {
	mu sync.Mutex

	dir      string
	keyCodec codec.Codec[K]
	valCodec codec.Codec[V]
	logger   *dblog.Logger

	file *os.File
	w    *bufio.Writer

	persistenceGranularity int
	checkpointGranularity  int
	logCounter             int // ops logged since the last persist
	persistCounter         int // ops persisted since the last checkpoint

	lastPersistLSN    uint64
	lastCheckpointLSN uint64

	pending []wire.Op[K, V]
}

// Config configures a Log's persist/checkpoint cadence.
type Config struct {
	// PersistenceGranularity is how many logged operations accumulate
	// before persist() flushes them to the log file.
	PersistenceGranularity int
	// CheckpointGranularity is how many persisted operations accumulate
	// before a full checkpoint runs.
	CheckpointGranularity int
}

// DefaultConfig matches betree.hpp's modest defaults for both cadences.
func DefaultConfig() Config {
	return Config{PersistenceGranularity: 10, CheckpointGranularity: 100}
}

const logFileName = "test.logg"
const statusFileName = "status"

// Open creates or reopens the log file under dir.
func Open[K any, V any](dir string, keyCodec codec.Codec[K], valCodec codec.Codec[V], cfg Config, logger *dblog.Logger) (*Log[K, V], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberrors.IOFailure(err, "create wal directory %q", dir)
	}
	if logger == nil {
		logger = &dblog.Logger{}
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, dberrors.IOFailure(err, "open wal log file")
	}
	return &Log[K, V]{
		dir:                    dir,
		keyCodec:                keyCodec,
		valCodec:                valCodec,
		logger:                 logger,
		file:                   f,
		w:                      bufio.NewWriter(f),
		persistenceGranularity: cfg.PersistenceGranularity,
		checkpointGranularity:  cfg.CheckpointGranularity,
	}, nil
}

// Log appends op to the in-memory pending tail and bumps the log counter.
// It does not decide whether to persist or checkpoint; MaybeFlush does,
// called separately once the op has actually been applied to the tree —
// mirroring betree.hpp's upsert(), which calls logs.log() before root->flush
// but only calls check_if_need_persist_or_checkpoint() after it completes.
func (l *Log[K, V]) Log(op wire.Op[K, V]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, op)
	l.logCounter++
	l.logger.Debug("WAL", "LOG", "lsn", op.LSN(), "op", op.Msg.Op)
}

// MaybeFlush persists pending operations once persistenceGranularity have
// accumulated since the last persist, and runs a full checkpoint once
// checkpointGranularity persisted operations have accumulated since the
// last checkpoint, per §6's tunable cadence.
func (l *Log[K, V]) MaybeFlush(tree Recoverable[K, V]) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logCounter < l.persistenceGranularity {
		return nil
	}
	batch := l.logCounter
	if err := l.persistLocked(); err != nil {
		return err
	}
	l.logCounter = 0
	l.persistCounter += batch
	if l.persistCounter >= l.checkpointGranularity {
		l.persistCounter = 0
		return l.checkpointLocked(tree)
	}
	return nil
}

// persist writes every pending operation to the log file and fsyncs it,
// advancing lastPersistLSN. Exported for a caller that wants to force
// durability outside the normal granularity cadence (e.g. before a clean
// shutdown).
func (l *Log[K, V]) Persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked()
}

func (l *Log[K, V]) persistLocked() error {
	if len(l.pending) == 0 {
		return nil
	}
	for _, op := range l.pending {
		if err := wire.Encode(l.w, l.keyCodec, l.valCodec, op); err != nil {
			return dberrors.IOFailure(err, "encode wal record lsn=%d", op.LSN())
		}
		l.lastPersistLSN = op.LSN()
	}
	if err := l.w.Flush(); err != nil {
		return dberrors.IOFailure(err, "flush wal buffer")
	}
	if err := l.file.Sync(); err != nil {
		return dberrors.IOFailure(err, "fsync wal file")
	}
	l.logger.Debug("WAL", "PERSIST", "count", len(l.pending), "lastPersistLSN", l.lastPersistLSN)
	l.pending = l.pending[:0]
	return nil
}

// Checkpoint runs the atomic checkpoint procedure (§6): persist any
// pending operations, flush the whole tree to a fresh backup directory,
// append a synthetic CHECKPOINT record and persist again, then rewrite the
// status file to point at the new backup directory and log offsets.
// checkpointLocked does the same under the caller's already-held lock.
func (l *Log[K, V]) Checkpoint(tree Recoverable[K, V]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpointLocked(tree)
}

func (l *Log[K, V]) checkpointLocked(tree Recoverable[K, V]) error {
	if err := l.persistLocked(); err != nil {
		return err
	}

	backupDir := filepath.Join(l.dir, "checkpoint-"+uuid.NewString())
	rootID, err := tree.Checkpoint(backupDir)
	if err != nil {
		return err
	}

	metaPath := filepath.Join(backupDir, "objects.meta")
	if err := tree.SerializeObjectMeta(metaPath); err != nil {
		return err
	}

	// The marker's own LSN is deliberately a duplicate of the last persisted
	// op's LSN rather than one past it: a tree op's timestamp and a WAL LSN
	// share the same counter space (the tree's nextTimestamp), so "+1" here
	// would collide with whatever real op the tree issues next, causing
	// Recover's "LSN <= sinceLSN" filter to wrongly skip it. The duplicate
	// is harmless since Recover always special-cases OpCheckpoint and skips
	// it regardless of LSN.
	checkpointOp := wire.Op[K, V]{
		Key: wire.MessageKey[K]{Timestamp: l.lastPersistLSN},
		Msg: wire.Message[V]{Op: wire.OpCheckpoint},
	}
	l.pending = append(l.pending, checkpointOp)
	if err := l.persistLocked(); err != nil {
		return err
	}
	l.lastCheckpointLSN = l.lastPersistLSN

	if err := l.writeStatus(backupDir, rootID); err != nil {
		return err
	}
	l.logCounter = 0
	l.persistCounter = 0
	l.logger.Debug("WAL", "CHECKPOINT", "lsn", l.lastCheckpointLSN, "backupDir", backupDir)
	return nil
}

// Status is the durable record of the most recent checkpoint: where its
// backup directory is, which object id is the tree root, and the LSNs it
// covers, per §6's status file format.
type Status struct {
	BackupDir     string
	RootID        uint64
	PersistLSN    uint64
	CheckpointLSN uint64
}

func (l *Log[K, V]) writeStatus(backupDir string, rootID uint64) error {
	statusPath := filepath.Join(l.dir, statusFileName)
	tmpPath := statusPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return dberrors.IOFailure(err, "create temp status file")
	}
	w := bufio.NewWriter(f)
	u := codec.Uint64Codec{}
	strc := codec.StringCodec{}
	if err := strc.Encode(w, backupDir); err != nil {
		return err
	}
	if err := u.Encode(w, rootID); err != nil {
		return err
	}
	if err := u.Encode(w, l.lastPersistLSN); err != nil {
		return err
	}
	if err := u.Encode(w, l.lastCheckpointLSN); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return dberrors.IOFailure(err, "flush temp status file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return dberrors.IOFailure(err, "sync temp status file")
	}
	if err := f.Close(); err != nil {
		return dberrors.IOFailure(err, "close temp status file")
	}
	if err := os.Rename(tmpPath, statusPath); err != nil {
		return dberrors.IOFailure(err, "rename status file into place")
	}
	if dir, err := os.Open(l.dir); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// ReadStatus reads the most recently written status file, or returns
// ok=false if none exists yet (a fresh database with no checkpoint).
func ReadStatus(dir string) (Status, bool, error) {
	statusPath := filepath.Join(dir, statusFileName)
	f, err := os.Open(statusPath)
	if os.IsNotExist(err) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, dberrors.IOFailure(err, "open status file")
	}
	defer f.Close()
	r := bufio.NewReader(f)
	strc := codec.StringCodec{}
	u := codec.Uint64Codec{}

	backupDir, err := strc.Decode(r)
	if err != nil {
		return Status{}, false, dberrors.Format(err, "decode status backup dir")
	}
	rootID, err := u.Decode(r)
	if err != nil {
		return Status{}, false, dberrors.Format(err, "decode status root id")
	}
	persistLSN, err := u.Decode(r)
	if err != nil {
		return Status{}, false, dberrors.Format(err, "decode status persist lsn")
	}
	checkpointLSN, err := u.Decode(r)
	if err != nil {
		return Status{}, false, dberrors.Format(err, "decode status checkpoint lsn")
	}
	return Status{
		BackupDir:     backupDir,
		RootID:        rootID,
		PersistLSN:    persistLSN,
		CheckpointLSN: checkpointLSN,
	}, true, nil
}

// Recover replays every logged operation with LSN greater than the last
// checkpoint's covered LSN onto tree, the redo pass of recovery (§6).
// CHECKPOINT records are markers only and are skipped; they carry no
// payload to apply.
func Recover[K any, V any](dir string, keyCodec codec.Codec[K], valCodec codec.Codec[V], sinceLSN uint64, tree Recoverable[K, V]) error {
	f, err := os.Open(filepath.Join(dir, logFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return dberrors.IOFailure(err, "open wal log file for recovery")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		op, err := wire.Decode(r, keyCodec, valCodec)
		if err != nil {
			break
		}
		if op.LSN() <= sinceLSN || op.Msg.Op == wire.OpCheckpoint {
			continue
		}
		if err := tree.ApplyRecoveredOp(op); err != nil {
			return dberrors.Format(err, "replay wal record lsn=%d", op.LSN())
		}
	}
	return nil
}

// Close flushes and closes the underlying log file.
func (l *Log[K, V]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.persistLocked(); err != nil {
		return err
	}
	return l.file.Close()
}

// SetWatermarks seeds the log's persist/checkpoint LSNs from a restored
// checkpoint's status, so LastPersistLSN/LastCheckpointLSN report the real
// history immediately after recovery reopens the log, rather than 0 until
// the next op happens to be logged.
func (l *Log[K, V]) SetWatermarks(persistLSN, checkpointLSN uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastPersistLSN = persistLSN
	l.lastCheckpointLSN = checkpointLSN
}

// LastPersistLSN and LastCheckpointLSN report the log's current durability
// watermarks, used by tests asserting recovery covers exactly what was
// persisted.
func (l *Log[K, V]) LastPersistLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPersistLSN
}

func (l *Log[K, V]) LastCheckpointLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastCheckpointLSN
}
