// Package hash implements the 32-byte BLAKE3 content digest used to
// identify chunks in the content-addressable store. BLAKE3 was chosen over
// SHA-256 per spec.md section 9's open question, matching the hash library
// dolthub/dolt's go module depends on (github.com/zeebo/blake3).
package hash

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a 32-byte BLAKE3 digest, compared and copied by value.
type Hash [Size]byte

// Empty is the zero hash; it never identifies a stored chunk.
var Empty Hash

// Of computes the content hash of b.
func Of(b []byte) Hash {
	sum := blake3.Sum256(b)
	return Hash(sum)
}

// IsEmpty reports whether h is the zero hash.
func (h Hash) IsEmpty() bool {
	return h == Empty
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShardedPath returns the two-level sharded path segments conventionally
// used to lay a hash out on disk: chunks/<hex[0:2]>/<hex[2:4]>/<hex>.
func (h Hash) ShardedPath() (shard1, shard2, full string) {
	full = h.String()
	return full[0:2], full[2:4], full
}

// Parse decodes the hex string produced by Hash.String.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, fmt.Errorf("hash: %q is not %d hex characters", s, Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hash: %q is not valid hex: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

// MustParse is Parse but panics on error; useful for constants in tests.
func MustParse(s string) Hash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// MarshalJSON encodes h as its hex string, so durable records (manifests,
// branch files, changelog entries) store hashes in the same textual form
// Hash.String prints.
func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON decodes the hex string produced by MarshalJSON.
func (h *Hash) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("hash: invalid JSON hash literal %q", b)
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Less provides a total order over hashes, used when a deterministic
// ordering of chunk hashes is needed (e.g. stable test output).
func Less(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
