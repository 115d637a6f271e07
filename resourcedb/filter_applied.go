// SPDX-License-Identifier: Apache-2.0

package resourcedb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Tagged variant integers for the filter_applied column (spec §6: "Filter
// encoding. Tagged variants with stable tag integers").
const (
	TagCompress int8 = 1
	TagBundle   int8 = 2
	TagSlice    int8 = 3
)

// CompressionAlgZstd is the only supported compression algorithm.
const CompressionAlgZstd = "zstd"

// CompressFilter records that this row's blob was replaced by a
// zstd-compressed blob at ResourceID.
type CompressFilter struct {
	ResourceID     int64
	CompressionAlg string
}

// BundleFilter records that this row's bytes live at
// [Offset, Offset+Len) inside the uncompressed bundle blob at
// BundleResourceID.
type BundleFilter struct {
	BundleResourceID int64
	Offset           int64
	Len              int64
}

// SliceFilter records that this row's bytes are the ordered concatenation
// of the blobs referenced by Slices.
type SliceFilter struct {
	Slices []int64
}

// FilterApplied is the nullable, single-variant tagged union stored in the
// resource table's filter_applied column. Exactly one of Compress, Bundle,
// or Slice is non-nil; a nil *FilterApplied (not this type) means "raw,
// unfiltered".
type FilterApplied struct {
	Compress *CompressFilter
	Bundle   *BundleFilter
	Slice    *SliceFilter
}

// NewCompress builds a FilterApplied wrapping a CompressFilter.
func NewCompress(resourceID int64) *FilterApplied {
	return &FilterApplied{Compress: &CompressFilter{ResourceID: resourceID, CompressionAlg: CompressionAlgZstd}}
}

// NewBundle builds a FilterApplied wrapping a BundleFilter.
func NewBundle(bundleResourceID, offset, length int64) *FilterApplied {
	return &FilterApplied{Bundle: &BundleFilter{BundleResourceID: bundleResourceID, Offset: offset, Len: length}}
}

// NewSlice builds a FilterApplied wrapping a SliceFilter.
func NewSlice(slices []int64) *FilterApplied {
	return &FilterApplied{Slice: &SliceFilter{Slices: append([]int64(nil), slices...)}}
}

// Tag returns the stable tag integer for whichever variant is set, or 0 if
// none is (which should never happen for a non-nil *FilterApplied produced
// by this package).
func (f *FilterApplied) Tag() int8 {
	switch {
	case f == nil:
		return 0
	case f.Compress != nil:
		return TagCompress
	case f.Bundle != nil:
		return TagBundle
	case f.Slice != nil:
		return TagSlice
	default:
		return 0
	}
}

// EncodeMsgpack implements msgpack.CustomEncoder, writing the union as a
// 2-element array: [tag, payload].
func (f *FilterApplied) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	switch {
	case f.Compress != nil:
		if err := enc.EncodeInt8(TagCompress); err != nil {
			return err
		}
		return enc.Encode(f.Compress)
	case f.Bundle != nil:
		if err := enc.EncodeInt8(TagBundle); err != nil {
			return err
		}
		return enc.Encode(f.Bundle)
	case f.Slice != nil:
		if err := enc.EncodeInt8(TagSlice); err != nil {
			return err
		}
		return enc.Encode(f.Slice)
	default:
		return fmt.Errorf("resourcedb: FilterApplied has no variant set")
	}
}

// DecodeMsgpack implements msgpack.CustomDecoder, the inverse of
// EncodeMsgpack.
func (f *FilterApplied) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("resourcedb: filter_applied array length %d, want 2", n)
	}
	tag, err := dec.DecodeInt8()
	if err != nil {
		return err
	}
	switch tag {
	case TagCompress:
		f.Compress = &CompressFilter{}
		return dec.Decode(f.Compress)
	case TagBundle:
		f.Bundle = &BundleFilter{}
		return dec.Decode(f.Bundle)
	case TagSlice:
		f.Slice = &SliceFilter{}
		return dec.Decode(f.Slice)
	default:
		return fmt.Errorf("resourcedb: unknown filter_applied tag %d", tag)
	}
}

// EncodeFilterApplied encodes f (which may be nil, meaning "raw") to the
// bytes stored in the filter_applied column. A nil f encodes to nil bytes.
func EncodeFilterApplied(f *FilterApplied) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("resourcedb: encode filter_applied: %w", err)
	}
	return b, nil
}

// DecodeFilterApplied is the inverse of EncodeFilterApplied; nil/empty
// bytes decode to a nil *FilterApplied.
func DecodeFilterApplied(b []byte) (*FilterApplied, error) {
	if len(b) == 0 {
		return nil, nil
	}
	f := &FilterApplied{}
	if err := msgpack.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("resourcedb: decode filter_applied: %w", err)
	}
	return f, nil
}
