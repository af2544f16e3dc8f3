package swapspace_test

import (
	"bufio"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"betreedb/backingstore"
	"betreedb/codec"
	"betreedb/internal/dblog"
	"betreedb/swapspace"
)

type stringCodec struct{}

func (stringCodec) Encode(w *bufio.Writer, v string) error {
	return codec.StringCodec{}.Encode(w, v)
}
func (stringCodec) Decode(r *bufio.Reader) (string, error) {
	return codec.StringCodec{}.Decode(r)
}

func newTestSpace(t *testing.T) *swapspace.SwapSpace[string] {
	t.Helper()
	backend, err := backingstore.NewDirStore(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	return swapspace.New[string](backend, stringCodec{}, dblog.Default())
}

func TestAllocateAndDeref(t *testing.T) {
	space := newTestSpace(t)
	ref := space.Allocate("hello")
	val, err := space.Deref(ref)
	require.NoError(t, err)
	require.Equal(t, "hello", val)
	space.Unpin(ref, false)
	space.Unpin(ref, false)
}

func TestClearLRUWritesBackDirtyObject(t *testing.T) {
	space := newTestSpace(t)
	ref := space.Allocate("v1")
	space.Unpin(ref, true)

	require.True(t, space.IsDirty(ref))
	require.True(t, space.IsInMemory(ref))

	require.NoError(t, space.ClearLRU())
	require.False(t, space.IsInMemory(ref))

	val, err := space.Deref(ref)
	require.NoError(t, err)
	require.Equal(t, "v1", val)
	space.Unpin(ref, false)
}

func TestClearLRUFailsWhenEverythingPinned(t *testing.T) {
	space := newTestSpace(t)
	ref := space.Allocate("v1") // Allocate leaves it pinned once.

	err := space.ClearLRU()
	require.Error(t, err)

	space.Unpin(ref, false)
}

func TestClearLRUPicksSmallestLastAccess(t *testing.T) {
	space := newTestSpace(t)
	a := space.Allocate("a")
	space.Unpin(a, true)
	b := space.Allocate("b")
	space.Unpin(b, true)

	// Touch a again so its last-access clock is newer than b's.
	_, err := space.Deref(a)
	require.NoError(t, err)
	space.Unpin(a, false)

	require.NoError(t, space.ClearLRU())
	require.False(t, space.IsInMemory(b))
	require.True(t, space.IsInMemory(a))
}

func TestSerializeAndDeserializeObjects(t *testing.T) {
	space := newTestSpace(t)
	ref := space.Allocate("payload")
	space.Unpin(ref, true)
	require.NoError(t, space.ClearLRU())

	metaPath := filepath.Join(t.TempDir(), "objects.meta")
	require.NoError(t, space.SerializeObjects(metaPath))

	backend, err := backingstore.NewDirStore(filepath.Join(t.TempDir(), "objects2"))
	require.NoError(t, err)
	fresh := swapspace.New[string](backend, stringCodec{}, dblog.Default())
	require.NoError(t, fresh.DeserializeObjects(metaPath))
	require.False(t, fresh.IsInMemory(ref))
}
