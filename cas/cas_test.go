package cas_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rhizodata/rhizo/cas"
	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/rhizoerr"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("hello rhizo")
	h, err := store.Put(payload)
	require.NoError(t, err)
	require.Equal(t, hash.Of(payload), h)

	got, err := store.Get(h)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPutIsIdempotent(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("repeat me")
	h1, err := store.Put(payload)
	require.NoError(t, err)
	h2, err := store.Put(payload)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(hash.Of([]byte("never written")))
	require.Error(t, err)
}

func TestGetVerifiedDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := cas.Open(dir)
	require.NoError(t, err)

	payload := []byte("integrity matters")
	h, err := store.Put(payload)
	require.NoError(t, err)

	ok, err := store.GetVerified(h)
	require.NoError(t, err)
	require.Equal(t, payload, ok)

	// Overwrite the stored blob in place; its bytes no longer hash to h.
	s1, s2, full := h.ShardedPath()
	require.NoError(t, os.WriteFile(filepath.Join(dir, s1, s2, full), []byte("tampered"), 0o644))

	_, err = store.GetVerified(h)
	require.Error(t, err)
	require.True(t, rhizoerr.Is(err, rhizoerr.KindCorruptedChunk))
}

func TestPutBatchPreservesOrder(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	blobs := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	hashes, err := store.PutBatch(blobs)
	require.NoError(t, err)
	require.Len(t, hashes, len(blobs))

	for i, b := range blobs {
		require.Equal(t, hash.Of(b), hashes[i])
	}

	got, err := store.GetBatch(hashes)
	require.NoError(t, err)
	for i, b := range blobs {
		require.Equal(t, b, got[i])
	}
}

func TestHas(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	require.NoError(t, err)

	h, err := store.Put([]byte("present"))
	require.NoError(t, err)
	require.True(t, store.Has(h))
	require.False(t, store.Has(hash.Of([]byte("absent"))))
}
