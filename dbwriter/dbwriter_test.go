// SPDX-License-Identifier: Apache-2.0

package dbwriter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/filetabledb"
	"github.com/otaimg/otaimg/internal/workerpool"
	"github.com/otaimg/otaimg/resourcedb"
)

func newTestWriter(t *testing.T, queueCapacity int) (*Writer, *filetabledb.DB, *resourcedb.DB) {
	t.Helper()
	ctx := context.Background()

	ft, err := filetabledb.Open(ctx, filepath.Join(t.TempDir(), "filetable.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ft.Close() })

	res, err := resourcedb.Open(ctx, filepath.Join(t.TempDir(), "resource.db"))
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })

	tok := workerpool.NewToken(ctx)
	w := New(ft, res, tok, queueCapacity)
	w.Start(ctx)
	return w, ft, res
}

func TestWriterRoutesAndFlushesOnSentinel(t *testing.T) {
	ctx := context.Background()
	w, ft, res := newTestWriter(t, 16)

	require.NoError(t, w.Enqueue(ctx, NewInodeRow(filetabledb.Inode{InodeID: 1, Mode: 0o755})))
	require.NoError(t, w.Enqueue(ctx, NewDirectoryRow(filetabledb.Directory{Path: "/", InodeID: 1})))

	d := content.SumBytes([]byte("payload"))
	require.NoError(t, w.Enqueue(ctx, NewGlobalResourceRow(resourcedb.Row{ResourceID: 1, Digest: d, Size: 7})))

	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Wait())

	_, found, err := ft.GetInode(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)

	row, found, err := res.GetByID(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, d, row.Digest)
}

func TestWriterFlushesAtBatchThreshold(t *testing.T) {
	ctx := context.Background()
	w, _, res := newTestWriter(t, BatchWriteSize*2)

	for i := int64(1); i <= BatchWriteSize; i++ {
		d := content.SumBytes([]byte{byte(i), byte(i >> 8)})
		require.NoError(t, w.Enqueue(ctx, NewGlobalResourceRow(resourcedb.Row{ResourceID: i, Digest: d, Size: i})))
	}

	// Give the consumer goroutine a moment to drain and flush the full
	// batch without requiring the sentinel.
	require.Eventually(t, func() bool {
		n, err := res.CountAll(ctx)
		return err == nil && n == BatchWriteSize
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Wait())
}

func TestWriterDuplicateDigestIgnoredWithinBatch(t *testing.T) {
	ctx := context.Background()
	w, _, res := newTestWriter(t, 16)

	d := content.SumBytes([]byte("shared"))
	require.NoError(t, w.Enqueue(ctx, NewGlobalResourceRow(resourcedb.Row{ResourceID: 1, Digest: d, Size: 6})))
	require.NoError(t, w.Enqueue(ctx, NewGlobalResourceRow(resourcedb.Row{ResourceID: 2, Digest: d, Size: 6})))

	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Wait())

	count, err := res.CountAll(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestWriterErrorCancelsToken(t *testing.T) {
	ctx := context.Background()
	ft, err := filetabledb.Open(ctx, filepath.Join(t.TempDir(), "filetable.db"))
	require.NoError(t, err)
	defer ft.Close()

	res, err := resourcedb.Open(ctx, filepath.Join(t.TempDir(), "resource.db"))
	require.NoError(t, err)
	defer res.Close()

	tok := workerpool.NewToken(ctx)
	w := New(ft, res, tok, 4)
	w.Start(ctx)

	// A regular-file row referencing a nonexistent inode/resource foreign
	// key violates the schema's constraints and must abort the writer,
	// tripping the shared cancellation token.
	require.NoError(t, w.Enqueue(ctx, NewRegularFileRow(filetabledb.RegularFile{Path: "/x", InodeID: 999, ResourceID: 999})))
	for i := 0; i < BatchWriteSize; i++ {
		_ = w.Enqueue(ctx, NewRegularFileRow(filetabledb.RegularFile{Path: "/x", InodeID: 999, ResourceID: 999}))
	}

	err = w.Wait()
	require.Error(t, err)
	require.True(t, tok.Cancelled())
	require.Error(t, tok.Err())
}
