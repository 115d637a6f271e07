// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/dbwriter"
	"github.com/otaimg/otaimg/filetabledb"
	"github.com/otaimg/otaimg/internal/workerpool"
	"github.com/otaimg/otaimg/resourcedb"
)

type harness struct {
	store   *content.Store
	ft      *filetabledb.DB
	res     *resourcedb.DB
	writer  *dbwriter.Writer
	token   *workerpool.Token
	proc    *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := content.Create(t.TempDir())
	require.NoError(t, err)

	ft, err := filetabledb.Open(ctx, filepath.Join(t.TempDir(), "filetable.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ft.Close() })

	res, err := resourcedb.Open(ctx, filepath.Join(t.TempDir(), "resource.db"))
	require.NoError(t, err)
	t.Cleanup(func() { res.Close() })

	tok := workerpool.NewToken(ctx)
	w := dbwriter.New(ft, res, tok, 64)
	w.Start(ctx)

	registry := content.NewRegistry()
	proc := New(store, registry, w, DefaultConfig())

	return &harness{store: store, ft: ft, res: res, writer: w, token: tok, proc: proc}
}

func (h *harness) finish(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, h.writer.Close(ctx))
	require.NoError(t, h.writer.Wait())
}

func TestEmptyRootfsProducesOneDirOneEmptySentinel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()

	require.NoError(t, h.proc.Run(ctx, root))
	h.finish(t, ctx)

	stats, err := h.ft.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.SysImageDirsCount)
	require.EqualValues(t, 0, stats.SysImageRegularFilesCount)

	sentinel, found, err := h.ft.GetResourceByID(ctx, 0)
	require.NoError(t, err)
	require.True(t, found, "empty sentinel ft_resource row must exist even with no files ingested")
	require.Equal(t, content.ZeroDigest, sentinel.Digest)
	require.EqualValues(t, 0, sentinel.Size)
	require.NotNil(t, sentinel.Contents, "sentinel must be inlined (non-NULL contents), not a blob reference")
}

func TestEmptyRegularFileResolvesToSentinelResource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "empty"), nil, 0o644))

	require.NoError(t, h.proc.Run(ctx, root))
	h.finish(t, ctx)

	stats, err := h.ft.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.SysImageRegularFilesCount)

	sentinel, found, err := h.ft.GetResourceByID(ctx, 0)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 0, sentinel.Size)
}

func TestThreeIdenticalTinyFilesIngest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("hi"), 0o644))
	}

	require.NoError(t, h.proc.Run(ctx, root))
	h.finish(t, ctx)

	stats, err := h.ft.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.SysImageRegularFilesCount)
	require.EqualValues(t, 2, stats.SysImageUniqueFileEntries, "the shared inlined resource plus the always-present empty sentinel")
	require.EqualValues(t, 0, stats.ImageBlobsCount, "2-byte files are inlined, not blobs")
}

func TestLargeFileAboveInlineThresholdWritesBlob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()

	payload := make([]byte, DefaultConfig().InlineThreshold+1)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.bin"), payload, 0o644))

	require.NoError(t, h.proc.Run(ctx, root))
	h.finish(t, ctx)

	stats, err := h.ft.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.ImageBlobsCount)
	require.EqualValues(t, len(payload), stats.ImageBlobsSize)

	d := content.SumBytes(payload)
	require.True(t, h.store.Exists(d))
}

func TestHardlinkedRegularFilesShareInodeAndResource(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()

	payload := []byte("linked bytes, larger than sixty four characters to force a blob write path here")
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), payload, 0o644))
	require.NoError(t, os.Link(filepath.Join(root, "x"), filepath.Join(root, "y")))

	require.NoError(t, h.proc.Run(ctx, root))
	h.finish(t, ctx)

	stats, err := h.ft.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.SysImageRegularFilesCount)
	require.EqualValues(t, 2, stats.SysImageUniqueFileEntries, "the shared resource plus the always-present empty sentinel")

	var st unix.Stat_t
	require.NoError(t, unix.Lstat(filepath.Join(root, "x"), &st))
	_, found, err := h.ft.GetInode(ctx, -int64(st.Ino))
	require.NoError(t, err)
	require.True(t, found, "hardlinked paths share one inode row keyed by the negative on-disk inode number")
}

func TestSymlinkRecordsTargetAsMeta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(root, "real"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink("real", filepath.Join(root, "link")))

	require.NoError(t, h.proc.Run(ctx, root))
	h.finish(t, ctx)

	stats, err := h.ft.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.SysImageNonRegularFilesCount)

	var meta []byte
	require.NoError(t, h.ft.Underlying().QueryRowContext(ctx,
		`SELECT meta FROM ft_non_regular_files WHERE path = ?`, "/link").Scan(&meta))
	require.Equal(t, []byte("real"), meta)
}

func TestImagePathNormalisesRoot(t *testing.T) {
	root := "/tmp/rootfs"
	p, err := imagePath(root, root)
	require.NoError(t, err)
	require.Equal(t, "/", p)

	p, err = imagePath(root, filepath.Join(root, "a", "b"))
	require.NoError(t, err)
	require.Equal(t, "/a/b", p)
}

func TestAllocateInodePolicyByNlink(t *testing.T) {
	p := &Processor{}
	dirInode := p.allocateInode(unix.Stat_t{Nlink: 2, Ino: 999}, true)
	require.EqualValues(t, 1, dirInode, "directories always get a fresh counter id regardless of nlink")

	freshInode := p.allocateInode(unix.Stat_t{Nlink: 1, Ino: 555}, false)
	require.EqualValues(t, 2, freshInode)

	hardlinkInode := p.allocateInode(unix.Stat_t{Nlink: 2, Ino: 42}, false)
	require.EqualValues(t, -42, hardlinkInode)
}

func TestMajorMinorZeroIsWhiteout(t *testing.T) {
	require.EqualValues(t, 0, major(0))
	require.EqualValues(t, 0, minor(0))

	dev := (uint64(5) << 8) | 3
	require.EqualValues(t, 5, major(dev))
	require.EqualValues(t, 3, minor(dev))
}
