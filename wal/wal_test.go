package wal_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"betreedb/backingstore"
	"betreedb/betree"
	"betreedb/codec"
	"betreedb/wal"
	"betreedb/wire"
)

func wireOp(key, val string, ts uint64) wire.Op[string, string] {
	return wire.Op[string, string]{
		Key: wire.MessageKey[string]{Key: key, Timestamp: ts},
		Msg: wire.Message[string]{Op: wire.OpInsert, Val: val},
	}
}

func newTree(t *testing.T, dir string) *betree.Tree[string, string] {
	t.Helper()
	backend, err := backingstore.NewDirStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	return betree.NewTree[string, string](backend, codec.StringCodec{}, codec.StringCodec{}, strings.Compare,
		func(old, new string) string { return old + new })
}

func TestPersistAdvancesLastPersistLSN(t *testing.T) {
	dir := t.TempDir()
	tree := newTree(t, dir)
	l, err := wal.Open[string, string](dir, codec.StringCodec{}, codec.StringCodec{}, wal.Config{PersistenceGranularity: 1000, CheckpointGranularity: 1000}, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, tree.Insert("a", "1"))
	l.Log(wireOp("a", "1", 1))
	require.NoError(t, l.Persist())
	require.Equal(t, uint64(1), l.LastPersistLSN())
}

func TestCheckpointWritesStatusFile(t *testing.T) {
	dir := t.TempDir()
	tree := newTree(t, dir)
	l, err := wal.Open[string, string](dir, codec.StringCodec{}, codec.StringCodec{}, wal.Config{PersistenceGranularity: 1000, CheckpointGranularity: 1000}, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, tree.Insert("a", "1"))
	require.NoError(t, l.Checkpoint(tree))

	status, ok, err := wal.ReadStatus(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, status.RootID)
	require.Equal(t, l.LastCheckpointLSN(), status.CheckpointLSN)
}

func TestRecoverReplaysUnpersistedOperationsOntoFreshTree(t *testing.T) {
	dir := t.TempDir()

	backend, err := backingstore.NewDirStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	source := betree.NewTree[string, string](backend, codec.StringCodec{}, codec.StringCodec{}, strings.Compare,
		func(old, new string) string { return old + new })

	l, err := wal.Open[string, string](dir, codec.StringCodec{}, codec.StringCodec{}, wal.Config{PersistenceGranularity: 1000, CheckpointGranularity: 1000}, nil)
	require.NoError(t, err)

	require.NoError(t, source.Insert("x", "1"))
	l.Log(wireOp("x", "1", 1))
	require.NoError(t, source.Insert("y", "2"))
	l.Log(wireOp("y", "2", 2))
	require.NoError(t, l.Persist())
	require.NoError(t, l.Close())

	replay := betree.NewTree[string, string](backend, codec.StringCodec{}, codec.StringCodec{}, strings.Compare,
		func(old, new string) string { return old + new })
	require.NoError(t, wal.Recover[string, string](dir, codec.StringCodec{}, codec.StringCodec{}, 0, replay))

	val, err := replay.Query("x")
	require.NoError(t, err)
	require.Equal(t, "1", val)
	val, err = replay.Query("y")
	require.NoError(t, err)
	require.Equal(t, "2", val)
}
