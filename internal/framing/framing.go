// Package framing implements the on-disk record format spec.md section 6
// mandates for every durable record (table version manifests, branch files,
// changelog entries): a length-prefixed, checksummed, self-describing frame
//
//	u32 length | u32 crc32 | u8 version | payload
//
// Payloads are JSON, encoded with github.com/goccy/go-json rather than the
// standard library encoding/json - goccy/go-json is already a dependency of
// the teacher repository (pulled in indirectly) and is a drop-in faster
// encoder/decoder, consistent with preferring an ecosystem library already
// present in the example pack over a hand-rolled or stdlib-only path.
package framing

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	json "github.com/goccy/go-json"
)

// CurrentVersion is the payload format version written by this build.
const CurrentVersion uint8 = 1

// headerSize is the fixed-size prefix: 4 (length) + 4 (crc32) + 1 (version).
const headerSize = 4 + 4 + 1

// Encode marshals v to JSON and wraps it in a framed record.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return EncodeRaw(payload), nil
}

// EncodeRaw wraps an already-serialized payload in a framed record.
func EncodeRaw(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	buf[8] = CurrentVersion
	copy(buf[headerSize:], payload)
	return buf
}

// Decode reads one frame from r, verifies its checksum, and unmarshals the
// JSON payload into v. It returns io.EOF if r is exhausted before any bytes
// of a new frame are read (used by callers scanning a file of frames in a
// loop).
func Decode(r io.Reader, v any) error {
	payload, _, err := DecodeRaw(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// DecodeRaw reads one frame from r and returns its verified payload and
// format version, without interpreting the payload.
func DecodeRaw(r io.Reader) (payload []byte, version uint8, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}
	length := binary.BigEndian.Uint32(header[0:4])
	wantCRC := binary.BigEndian.Uint32(header[4:8])
	version = header[8]

	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, err
	}
	if gotCRC := crc32.ChecksumIEEE(payload); gotCRC != wantCRC {
		return nil, 0, ErrChecksumMismatch
	}
	return payload, version, nil
}

// DecodeAll reads every frame in b and invokes fn with each payload, in
// file order. The transaction log uses it to replay its append-only
// changelog on open; catalog and branch files hold one frame each and are
// read with Decode.
func DecodeAll(b []byte, fn func(payload []byte, version uint8) error) error {
	r := bytes.NewReader(b)
	for {
		payload, version, err := DecodeRaw(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(payload, version); err != nil {
			return err
		}
	}
}

// ErrChecksumMismatch is returned by Decode/DecodeRaw when a frame's CRC32
// does not match its payload; callers wrap this as a rhizoerr Corrupted*
// error with path context.
var ErrChecksumMismatch = errChecksum{}

type errChecksum struct{}

func (errChecksum) Error() string { return "framing: checksum mismatch" }
