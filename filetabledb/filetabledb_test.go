// SPDX-License-Identifier: Apache-2.0

package filetabledb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/otaimg/otaimg/content"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "filetable.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInodeInsertIgnoreCollapsesHardlinks(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	const sharedInode = int64(-42)
	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: sharedInode, UID: 0, GID: 0, Mode: 0o644}))
	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: sharedInode, UID: 1000, GID: 1000, Mode: 0o600}))

	got, found, err := db.GetInode(ctx, sharedInode)
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 0, got.UID, "first writer wins on inode collision")
}

func TestInodeXattrRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	xattrs := map[string][]byte{
		"security.capability": []byte{0x01, 0x02, 0x03},
		"user.note":           []byte("hello"),
	}
	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: 1, Mode: 0o755, Xattrs: xattrs}))

	got, found, err := db.GetInode(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, xattrs, got.Xattrs)
}

func TestInodeNoXattrsDecodesNil(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: 1, Mode: 0o755}))
	got, found, err := db.GetInode(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Nil(t, got.Xattrs)
}

func TestEmptyRootfsShape(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: 1, Mode: 0o755}))
	require.NoError(t, db.InsertDirectory(ctx, Directory{Path: "/", InodeID: 1}))

	empty := content.ZeroDigest
	rid, err := db.InsertResourceIgnore(ctx, 0, empty, 0, []byte{})
	require.NoError(t, err)
	require.EqualValues(t, 0, rid)

	stats, err := db.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.SysImageDirsCount)
	require.EqualValues(t, 0, stats.SysImageRegularFilesCount)
	require.EqualValues(t, 0, stats.ImageBlobsCount, "the inlined empty sentinel is not a blob")
}

func TestThreeIdenticalTinyFilesShareOneResource(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	d := content.SumBytes([]byte("hi"))
	rid, err := db.InsertResourceIgnore(ctx, 1, d, 2, []byte("hi"))
	require.NoError(t, err)

	for i, path := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		inodeID := int64(i + 1)
		require.NoError(t, db.InsertInode(ctx, Inode{InodeID: inodeID, Mode: 0o644}))
		require.NoError(t, db.InsertRegularFile(ctx, RegularFile{Path: path, InodeID: inodeID, ResourceID: rid}))
	}

	stats, err := db.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats.SysImageRegularFilesCount)
	require.EqualValues(t, 2, stats.SysImageUniqueFileEntries, "the shared resource plus the always-present empty sentinel")
	require.EqualValues(t, 6, stats.SysImageSize, "each of the 3 paths counts the shared content once per path")
	require.EqualValues(t, 0, stats.ImageBlobsCount, "inlined content is not a blob")
}

func TestHardlinkedPairSharesInodeAndResource(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	const sharedInode = int64(-7)
	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: sharedInode, Mode: 0o644}))

	d := content.SumBytes([]byte("linked content"))
	rid, err := db.InsertResourceIgnore(ctx, 1, d, int64(len("linked content")), nil)
	require.NoError(t, err)

	require.NoError(t, db.InsertRegularFile(ctx, RegularFile{Path: "/x", InodeID: sharedInode, ResourceID: rid}))
	require.NoError(t, db.InsertRegularFile(ctx, RegularFile{Path: "/y", InodeID: sharedInode, ResourceID: rid}))

	stats, err := db.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.SysImageRegularFilesCount)
	require.EqualValues(t, 2, stats.SysImageUniqueFileEntries, "the shared resource plus the always-present empty sentinel")

	_, found, err := db.GetInode(ctx, sharedInode)
	require.NoError(t, err)
	require.True(t, found)
}

func TestNonRegularFileSymlinkAndWhiteout(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: 1, Mode: 0o777}))
	require.NoError(t, db.InsertNonRegularFile(ctx, NonRegularFile{Path: "/link", InodeID: 1, Meta: []byte("/target")}))

	require.NoError(t, db.InsertInode(ctx, Inode{InodeID: 2, Mode: 0o600}))
	require.NoError(t, db.InsertNonRegularFile(ctx, NonRegularFile{Path: "/.wh.deleted", InodeID: 2, Meta: nil}))

	stats, err := db.ComputeStats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.SysImageNonRegularFilesCount)
}

func TestResourceInsertIgnoreDuplicateDigest(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	d := content.SumBytes([]byte("dup"))
	rid1, err := db.InsertResourceIgnore(ctx, 5, d, 3, nil)
	require.NoError(t, err)
	rid2, err := db.InsertResourceIgnore(ctx, 6, d, 3, nil)
	require.NoError(t, err)
	require.Equal(t, rid1, rid2)
}
