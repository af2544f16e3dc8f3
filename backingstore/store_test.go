package backingstore_test

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"betreedb/backingstore"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	store, err := backingstore.NewDirStore(t.TempDir())
	require.NoError(t, err)

	w, err := store.Open(1, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, store.Finalize(w))

	r, err := store.OpenForRead(1, 0)
	require.NoError(t, err)
	body, err := io.ReadAll(r.Reader())
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))
	require.NoError(t, store.Finalize(r))
}

func TestPathNamingConvention(t *testing.T) {
	dir := t.TempDir()
	store, err := backingstore.NewDirStore(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "42.7.obj"), store.Path(42, 7))
}

func TestReadAfterFinalizeReturnsWrittenBytes(t *testing.T) {
	store, err := backingstore.NewDirStore(t.TempDir())
	require.NoError(t, err)

	w, err := store.Open(5, 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("cached"))
	require.NoError(t, err)
	require.NoError(t, store.Finalize(w))

	r, err := store.OpenForRead(5, 0)
	require.NoError(t, err)
	body, err := io.ReadAll(r.Reader())
	require.NoError(t, err)
	require.Equal(t, "cached", string(body))
}

func TestChecksumWriterTracksBytesWritten(t *testing.T) {
	store, err := backingstore.NewDirStore(t.TempDir())
	require.NoError(t, err)
	w, err := store.Open(1, 0)
	require.NoError(t, err)

	cw := backingstore.NewChecksumWriter(w)
	_, err = cw.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = cw.Write([]byte("def"))
	require.NoError(t, err)
	require.NoError(t, store.Finalize(w))

	cw2 := backingstore.NewChecksumWriter(discard{})
	_, _ = cw2.Write([]byte("abcdef"))
	require.Equal(t, cw2.Sum64(), cw.Sum64())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
