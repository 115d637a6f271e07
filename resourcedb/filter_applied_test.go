// SPDX-License-Identifier: Apache-2.0

package resourcedb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterAppliedEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*FilterApplied{
		NewCompress(7),
		NewBundle(11, 128, 256),
		NewSlice([]int64{1, 2, 3}),
	}
	for _, f := range cases {
		b, err := EncodeFilterApplied(f)
		require.NoError(t, err)
		require.NotEmpty(t, b)

		got, err := DecodeFilterApplied(b)
		require.NoError(t, err)
		require.Equal(t, f, got)
		require.Equal(t, f.Tag(), got.Tag())
	}
}

func TestFilterAppliedNilRoundTrip(t *testing.T) {
	b, err := EncodeFilterApplied(nil)
	require.NoError(t, err)
	require.Nil(t, b)

	got, err := DecodeFilterApplied(nil)
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = DecodeFilterApplied([]byte{})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFilterAppliedTagZeroForNilReceiver(t *testing.T) {
	var f *FilterApplied
	require.EqualValues(t, 0, f.Tag())
}

func TestSliceFilterDefensiveCopy(t *testing.T) {
	original := []int64{1, 2, 3}
	f := NewSlice(original)
	original[0] = 999
	require.EqualValues(t, 1, f.Slice.Slices[0], "NewSlice must copy its input, not alias it")
}
