package framing_test

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rhizodata/rhizo/internal/framing"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := sample{Name: "users", Version: 3}
	frame, err := framing.Encode(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, framing.Decode(bytes.NewReader(frame), &out))
	require.Equal(t, in, out)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	frame, err := framing.Encode(sample{Name: "users", Version: 1})
	require.NoError(t, err)

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xFF

	var out sample
	err = framing.Decode(bytes.NewReader(corrupt), &out)
	require.ErrorIs(t, err, framing.ErrChecksumMismatch)
}

func TestDecodeAllReplaysMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		frame, err := framing.Encode(sample{Name: "t", Version: i + 1})
		require.NoError(t, err)
		buf.Write(frame)
	}

	var seen []int
	err := framing.DecodeAll(buf.Bytes(), func(payload []byte, version uint8) error {
		var s sample
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		seen = append(seen, s.Version)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, seen)
}
