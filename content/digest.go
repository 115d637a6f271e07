// SPDX-License-Identifier: Apache-2.0

// Package content implements the global blob store: a flat,
// content-addressed directory of files named by the hex of their SHA-256
// digest, plus the in-memory content registry used during ingest to decide
// whether a blob needs writing.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	godigest "github.com/opencontainers/go-digest"
)

// Size is the length in bytes of a SHA-256 digest.
const Size = sha256.Size

// Digest is a fixed-width 32-byte SHA-256 value. It is both the blob
// store's filename (as lowercase hex) and the database key column.
type Digest [Size]byte

// ZeroDigest is the digest of the empty byte string, reserved for the
// inlined-empty-file sentinel (resource_id 0).
var ZeroDigest = SumBytes(nil)

// SumBytes computes the digest of b.
func SumBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// Hex returns the lowercase hex encoding of d, used as the blob filename and
// database key.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// String implements fmt.Stringer, returning the "sha256:<hex>" form used in
// logs and error messages (mirrors opencontainers/go-digest's convention).
func (d Digest) String() string {
	return godigest.NewDigestFromEncoded(godigest.SHA256, d.Hex()).String()
}

// IsZero reports whether d is the zero value (not a valid digest on its
// own; callers comparing against the empty-file sentinel should use
// ZeroDigest instead).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseHex parses a 64-character lowercase hex string into a Digest.
func ParseHex(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, fmt.Errorf("content: invalid digest length %d", len(s))
	}
	var d Digest
	n, err := hex.Decode(d[:], []byte(s))
	if err != nil {
		return Digest{}, fmt.Errorf("content: decode digest: %w", err)
	}
	if n != Size {
		return Digest{}, fmt.Errorf("content: short digest decode: %d bytes", n)
	}
	return d, nil
}
