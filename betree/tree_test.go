package betree_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"betreedb/backingstore"
	"betreedb/betree"
	"betreedb/codec"
	"betreedb/dberrors"
)

func newTestTree(t *testing.T, opts ...betree.Option[string, string]) *betree.Tree[string, string] {
	t.Helper()
	dir := t.TempDir()
	backend, err := backingstore.NewDirStore(filepath.Join(dir, "objects"))
	require.NoError(t, err)
	combine := func(old, new string) string { return old + new }
	return betree.NewTree[string, string](backend, codec.StringCodec{}, codec.StringCodec{}, strings.Compare, combine, opts...)
}

func TestUpsertAndQueryBasic(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert("alice", "30"))
	require.NoError(t, tree.Insert("bob", "25"))

	val, err := tree.Query("alice")
	require.NoError(t, err)
	require.Equal(t, "30", val)

	val, err = tree.Query("bob")
	require.NoError(t, err)
	require.Equal(t, "25", val)
}

func TestQueryMissingKeyIsNotFound(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert("alice", "30"))

	_, err := tree.Query("carol")
	require.Error(t, err)
	require.True(t, dberrors.Is(err, dberrors.ErrNotFound))
}

func TestUpdateComposesOntoExistingValue(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert("counter", "a"))
	require.NoError(t, tree.Update("counter", "b"))
	require.NoError(t, tree.Update("counter", "c"))

	val, err := tree.Query("counter")
	require.NoError(t, err)
	require.Equal(t, "abc", val)
}

func TestUpdateWithoutPriorInsertBehavesLikeInsert(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Update("fresh", "x"))

	val, err := tree.Query("fresh")
	require.NoError(t, err)
	require.Equal(t, "x", val)
}

func TestDeleteShadowsEarlierInsert(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert("k", "v"))
	require.NoError(t, tree.Delete("k"))

	_, err := tree.Query("k")
	require.True(t, dberrors.Is(err, dberrors.ErrNotFound))
}

func TestInsertAfterDeleteResurrectsKey(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert("k", "v1"))
	require.NoError(t, tree.Delete("k"))
	require.NoError(t, tree.Insert("k", "v2"))

	val, err := tree.Query("k")
	require.NoError(t, err)
	require.Equal(t, "v2", val)
}

// TestFlushCascadeSplitsAndKeepsDataReachable writes enough distinct keys
// that internal nodes are forced to flush and split repeatedly, then
// checks every key is still queryable and that at least one split
// occurred, exercising the node algorithms beyond a single leaf.
func TestFlushCascadeSplitsAndKeepsDataReachable(t *testing.T) {
	tree := newTestTree(t, betree.WithMaxNodeSize[string, string](64), betree.WithMinFlushSize[string, string](4))

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		require.NoError(t, tree.Insert(key, fmt.Sprintf("val-%d", i)))
	}

	require.Greater(t, tree.SplitCounter(), 0)

	for i := 0; i < n; i += 97 {
		key := fmt.Sprintf("key-%05d", i)
		val, err := tree.Query(key)
		require.NoError(t, err, "key %s should still be reachable", key)
		require.Equal(t, fmt.Sprintf("val-%d", i), val)
	}
}

func TestShortenBetreeReducesAverageDepth(t *testing.T) {
	tree := newTestTree(t, betree.WithMaxNodeSize[string, string](32), betree.WithMinFlushSize[string, string](2))

	const n = 1500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k-%05d", i)
		require.NoError(t, tree.Insert(key, "v"))
	}

	before, err := tree.AverageLeafDepth()
	require.NoError(t, err)
	require.Greater(t, before, float64(1), "test needs a tree with more than one level to be meaningful")

	require.NoError(t, tree.ShortenBetree())

	after, err := tree.AverageLeafDepth()
	require.NoError(t, err)
	require.Less(t, after, before, "shortening a multi-level tree must strictly reduce its average depth")

	// Data must still be reachable through every level shortening spliced,
	// not just a handful of keys near where the run started.
	for i := 0; i < n; i += 31 {
		key := fmt.Sprintf("k-%05d", i)
		val, err := tree.Query(key)
		require.NoError(t, err, "key %s should still be reachable after shortening", key)
		require.Equal(t, "v", val)
	}
}

// TestShortenBetreeCollapsesToRootAndLeaves specifically exercises the
// union-of-grandchildren-pivots step, rather than the average-depth
// heuristic above: ShortenBetree's breadth-first sweep keeps splicing
// grandchild pivots up level by level until it bottoms out at leaves, so
// one call against a multi-level tree should collapse it down to
// essentially just the root pointing directly at leaves, not merely shave
// off a single level.
func TestShortenBetreeCollapsesToRootAndLeaves(t *testing.T) {
	tree := newTestTree(t, betree.WithMaxNodeSize[string, string](24), betree.WithMinFlushSize[string, string](2))

	const n = 3000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k-%05d", i)
		require.NoError(t, tree.Insert(key, "v"))
	}

	before, err := tree.AverageLeafDepth()
	require.NoError(t, err)
	require.GreaterOrEqual(t, before, float64(2), "test needs at least three levels for a collapse to be meaningful")

	require.NoError(t, tree.ShortenBetree())

	after, err := tree.AverageLeafDepth()
	require.NoError(t, err)
	require.Less(t, after, float64(1.5), "a full shorten pass should leave the root pointing almost directly at leaves")

	for i := 0; i < n; i += 61 {
		key := fmt.Sprintf("k-%05d", i)
		val, err := tree.Query(key)
		require.NoError(t, err, "key %s should still be reachable after collapsing", key)
		require.Equal(t, "v", val)
	}
}

func TestIteratorRangeScan(t *testing.T) {
	tree := newTestTree(t)
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		require.NoError(t, tree.Insert(k, strings.ToUpper(k)))
	}

	it, err := tree.NewIterator("b", "e")
	require.NoError(t, err)

	var got []string
	for it.Next() {
		got = append(got, it.Key())
	}
	require.Equal(t, []string{"b", "c", "d"}, got)
}

func TestFixPinsEpsilon(t *testing.T) {
	tree := newTestTree(t)
	tree.Fix()
	before := tree.Epsilon()
	for i := 0; i < 500; i++ {
		require.NoError(t, tree.Insert(fmt.Sprintf("k%d", i), "v"))
	}
	require.Equal(t, before, tree.Epsilon())
}

func TestCheckpointWritesBackupDirectory(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, tree.Insert("a", "1"))
	require.NoError(t, tree.Insert("b", "2"))

	dir := t.TempDir()
	backupDir := filepath.Join(dir, "backup")
	rootID, err := tree.Checkpoint(backupDir)
	require.NoError(t, err)
	require.NotZero(t, rootID)

	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}
