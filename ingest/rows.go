// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/filetabledb"
	"github.com/otaimg/otaimg/resourcedb"
)

// inodeRowFromStat builds the ft_inode row for inodeID, including any
// extended attributes set on diskPath. Xattr retrieval uses x/sys/unix's
// Llistxattr/Lgetxattr wrappers directly (umoci's pkg/system/xattr_linux.go
// hand-rolls the same two syscalls; x/sys/unix already exposes them, and
// this module depends on x/sys anyway for Stat_t access).
func (p *Processor) inodeRowFromStat(diskPath string, inodeID int64, stat unix.Stat_t) (filetabledb.Inode, error) {
	xattrs, err := listXattrs(diskPath)
	if err != nil {
		return filetabledb.Inode{}, fmt.Errorf("ingest: list xattrs %q: %w", diskPath, err)
	}
	return filetabledb.Inode{
		InodeID: inodeID,
		UID:     stat.Uid,
		GID:     stat.Gid,
		Mode:    stat.Mode,
		Xattrs:  xattrs,
	}, nil
}

func listXattrs(path string) (map[string][]byte, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		return nil, fmt.Errorf("llistxattr: %w", err)
	}
	if size == 0 {
		return nil, nil
	}
	namesBuf := make([]byte, size)
	n, err := unix.Llistxattr(path, namesBuf)
	if err != nil {
		return nil, fmt.Errorf("llistxattr buffer: %w", err)
	}
	names := splitXattrNames(namesBuf[:n])
	if len(names) == 0 {
		return nil, nil
	}

	out := make(map[string][]byte, len(names))
	for _, name := range names {
		valSize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			return nil, fmt.Errorf("lgetxattr %q: %w", name, err)
		}
		val := make([]byte, valSize)
		if valSize > 0 {
			n, err := unix.Lgetxattr(path, name, val)
			if err != nil {
				return nil, fmt.Errorf("lgetxattr %q buffer: %w", name, err)
			}
			val = val[:n]
		}
		out[name] = val
	}
	return out, nil
}

func splitXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}

func dirRow(path string, inodeID int64) filetabledb.Directory {
	return filetabledb.Directory{Path: path, InodeID: inodeID}
}

func nonRegularRow(path string, inodeID int64, meta []byte) filetabledb.NonRegularFile {
	return filetabledb.NonRegularFile{Path: path, InodeID: inodeID, Meta: meta}
}

func regularFileRow(path string, inodeID, resourceID int64) filetabledb.RegularFile {
	return filetabledb.RegularFile{Path: path, InodeID: inodeID, ResourceID: resourceID}
}

func inlineResourceRow(resourceID int64, digest content.Digest, size int64, data []byte) filetabledb.FileResource {
	return filetabledb.FileResource{ResourceID: resourceID, Digest: digest, Size: size, Contents: append([]byte(nil), data...)}
}

func blobResourceRow(resourceID int64, digest content.Digest, size int64) filetabledb.FileResource {
	return filetabledb.FileResource{ResourceID: resourceID, Digest: digest, Size: size, Contents: nil}
}

func globalResourceRow(resourceID int64, digest content.Digest, size int64) resourcedb.Row {
	return resourcedb.Row{ResourceID: resourceID, Digest: digest, Size: size}
}
