package betree

import (
	"path/filepath"

	"betreedb/backingstore"
	"betreedb/codec"
	"betreedb/internal/dblog"
	"betreedb/wal"
)

// Recover is the crash-recovery entry point (§6): given the directory a
// tree's backing store, WAL, and checkpoints all live under, it rebuilds a
// Tree and a Log attached to it, ready for further upserts.
//
// If a checkpoint status file exists, its backup directory's object files
// are copied into backend's live root, the swap space's object table is
// rebuilt from the checkpoint's metadata, and every log record with an LSN
// past the checkpoint's is replayed onto the restored root. If no status
// file exists yet, a fresh Tree is built and the entire log (if any) is
// replayed onto it — the same redo pass, just starting from LSN 0.
//
// The returned Log has already been reattached to the returned Tree via
// SetWAL, and its persist/checkpoint watermarks seeded from the recovered
// status, matching betree.hpp's startup path of restore-then-replay-then-
// resume-logging.
func Recover[K any, V any](
	dataDir string,
	backend backingstore.Backend,
	keyCodec codec.Codec[K],
	valCodec codec.Codec[V],
	cmp func(a, b K) int,
	combine func(old, new V) V,
	walCfg wal.Config,
	logger *dblog.Logger,
	opts ...Option[K, V],
) (*Tree[K, V], *wal.Log[K, V], error) {
	status, ok, err := wal.ReadStatus(dataDir)
	if err != nil {
		return nil, nil, err
	}

	var tree *Tree[K, V]
	sinceLSN := uint64(0)
	if ok {
		if err := backingstore.CopyBackupInto(status.BackupDir, backend.Root()); err != nil {
			return nil, nil, err
		}
		metaPath := filepath.Join(status.BackupDir, "objects.meta")
		tree, err = RestoreFromCheckpoint[K, V](backend, keyCodec, valCodec, cmp, combine, metaPath, status.RootID, opts...)
		if err != nil {
			return nil, nil, err
		}
		sinceLSN = status.CheckpointLSN
	} else {
		tree = NewTree[K, V](backend, keyCodec, valCodec, cmp, combine, opts...)
	}
	if logger != nil {
		tree.SetLogger(logger)
	}

	if err := wal.Recover[K, V](dataDir, keyCodec, valCodec, sinceLSN, tree); err != nil {
		return nil, nil, err
	}

	l, err := wal.Open[K, V](dataDir, keyCodec, valCodec, walCfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		l.SetWatermarks(status.PersistLSN, status.CheckpointLSN)
	}
	tree.SetWAL(l)
	return tree, l, nil
}
