// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/resourcedb"
)

func newHarness(t *testing.T) (*content.Store, *resourcedb.DB) {
	t.Helper()
	ctx := context.Background()

	store, err := content.Create(t.TempDir())
	require.NoError(t, err)

	res, err := resourcedb.Open(ctx, filepath.Join(t.TempDir(), "resource.db"))
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })

	return store, res
}

func seedRow(t *testing.T, store *content.Store, res *resourcedb.DB, data []byte) resourcedb.Row {
	t.Helper()
	ctx := context.Background()
	d, size, err := store.PutBytes(data)
	require.NoError(t, err)
	id, err := res.AllocateAndInsertIgnore(ctx, d, size)
	require.NoError(t, err)
	row, found, err := res.GetByID(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	return row
}

func TestCompressesHighlyCompressibleBlobAndRewritesFilterApplied(t *testing.T) {
	ctx := context.Background()
	store, res := newHarness(t)

	payload := bytes.Repeat([]byte("a"), 8192) // well above Lower, trivially compressible
	row := seedRow(t, store, res, payload)

	p := New(store, res, nil, DefaultConfig())
	require.NoError(t, p.Run(ctx))

	updated, found, err := res.GetByID(ctx, row.ResourceID)
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, updated.FilterApplied)
	require.NotNil(t, updated.FilterApplied.Compress)

	compressedID := updated.FilterApplied.Compress.ResourceID
	compressedRow, found, err := res.GetByID(ctx, compressedID)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, store.Exists(compressedRow.Digest))
	require.False(t, store.Exists(row.Digest), "original blob should be unlinked")
	require.Less(t, compressedRow.Size, row.Size)
}

func TestIncompressibleBlobIsLeftUnfiltered(t *testing.T) {
	ctx := context.Background()
	store, res := newHarness(t)

	// Already-compressed-looking random-ish data won't clear MinRatio.
	payload := make([]byte, 4096)
	_, _ = rand.New(rand.NewSource(1)).Read(payload)
	row := seedRow(t, store, res, payload)

	p := New(store, res, nil, DefaultConfig())
	require.NoError(t, p.Run(ctx))

	updated, found, err := res.GetByID(ctx, row.ResourceID)
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, updated.FilterApplied)
	require.True(t, store.Exists(row.Digest), "original blob must remain when compression doesn't help")
}

func TestRowsAtOrBelowLowerAreNotCandidates(t *testing.T) {
	ctx := context.Background()
	store, res := newHarness(t)

	small := bytes.Repeat([]byte("b"), int(DefaultConfig().Lower))
	row := seedRow(t, store, res, small)

	p := New(store, res, nil, DefaultConfig())
	require.NoError(t, p.Run(ctx))

	updated, found, err := res.GetByID(ctx, row.ResourceID)
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, updated.FilterApplied)
}

type staticProtected map[content.Digest]struct{}

func (s staticProtected) Contains(d content.Digest) bool {
	_, ok := s[d]
	return ok
}

func TestProtectedDigestIsSkipped(t *testing.T) {
	ctx := context.Background()
	store, res := newHarness(t)

	payload := bytes.Repeat([]byte("c"), 8192)
	row := seedRow(t, store, res, payload)

	protected := staticProtected{row.Digest: {}}
	p := New(store, res, protected, DefaultConfig())
	require.NoError(t, p.Run(ctx))

	updated, found, err := res.GetByID(ctx, row.ResourceID)
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, updated.FilterApplied, "protected rows must not be rewritten")
}
