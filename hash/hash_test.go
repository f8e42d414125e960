package hash_test

import (
	"testing"

	"github.com/rhizodata/rhizo/hash"
	"github.com/stretchr/testify/require"
)

func TestOfIsDeterministic(t *testing.T) {
	b := []byte("rhizo chunk payload")
	h1 := hash.Of(b)
	h2 := hash.Of(b)
	require.Equal(t, h1, h2)
	require.False(t, h1.IsEmpty())
}

func TestOfDistinguishesContent(t *testing.T) {
	require.NotEqual(t, hash.Of([]byte("a")), hash.Of([]byte("b")))
}

func TestStringRoundTrip(t *testing.T) {
	h := hash.Of([]byte("round trip"))
	parsed, err := hash.Parse(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := hash.Parse("not-hex")
	require.Error(t, err)

	_, err = hash.Parse("abcd")
	require.Error(t, err)
}

func TestShardedPath(t *testing.T) {
	h := hash.Of([]byte("shard me"))
	s1, s2, full := h.ShardedPath()
	require.Len(t, s1, 2)
	require.Len(t, s2, 2)
	require.Equal(t, full, h.String())
	require.Equal(t, full[:2], s1)
	require.Equal(t, full[2:4], s2)
}
