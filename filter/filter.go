// SPDX-License-Identifier: Apache-2.0

// Package filter holds the pieces shared by the three resource-rewriting
// passes (bundle, compress, slice): the protected-digest check every
// selection query must honor, and the streaming zstd encoder/decoder
// construction that bundle and compress build on (grounded on umoci's
// oci/casext/blobcompress/zstd.go, which wraps klauspost/compress/zstd the
// same way but for layer blobs rather than resource-table rows).
package filter

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/otaimg/otaimg/content"
)

// Protected reports whether a digest is reachable from a manifest root and
// must not be rewritten by any filter. *protectedset.Set satisfies this.
type Protected interface {
	Contains(d content.Digest) bool
}

// NewEncoder returns a zstd encoder writing to w. level is a canonical zstd
// level (1-22); klauspost exposes a smaller preset enum internally, so the
// nearest preset is selected via zstd.EncoderLevelFromZstd rather than
// passing level straight through. Checksums are always enabled (spec's
// "checksum + content-size" requirement for bundle and compress output).
// When pledgedSize is >= 0, ResetContentSize declares it on the freshly
// constructed encoder so the frame header carries the uncompressed content
// size; it is safe to call before anything has been written.
func NewEncoder(w io.Writer, level int, pledgedSize int64) (*zstd.Encoder, error) {
	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderCRC(true),
	)
	if err != nil {
		return nil, fmt.Errorf("filter: new zstd encoder: %w", err)
	}
	if pledgedSize >= 0 {
		enc.ResetContentSize(w, pledgedSize)
	}
	return enc, nil
}

// NewDecoder returns a zstd decoder reading from r.
func NewDecoder(r io.Reader) (*zstd.Decoder, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("filter: new zstd decoder: %w", err)
	}
	return dec, nil
}

// CountWriter counts bytes written through it; used alongside a hasher to
// learn a compressed stream's final size without a second pass over the
// staging file.
type CountWriter struct {
	N int64
}

func (c *CountWriter) Write(p []byte) (int, error) {
	c.N += int64(len(p))
	return len(p), nil
}
