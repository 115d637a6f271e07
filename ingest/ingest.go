// SPDX-License-Identifier: Apache-2.0

// Package ingest walks a source rootfs and emits the file-table and
// resource-table rows needed to reconstruct it (spec §4.4,
// SystemImageProcessor). The walk-plus-worker-pool structure is grounded
// on umoci's oci/layer/tar_generate.go (a single-driver Lstat walk that
// tracks hardlinks via a device/inode map and classifies entries by
// os.FileMode before dispatch); ingest parallelizes the per-entry hashing
// work across a bounded pool instead of writing everything from one
// goroutine.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/dbwriter"
	"github.com/otaimg/otaimg/internal/workerpool"
)

// Config tunes the ingest walk. Zero-value fields are replaced by their
// DefaultConfig() counterparts.
type Config struct {
	// Workers is the fixed worker-pool size (spec default 6).
	Workers int
	// MaxInFlight bounds how many entries may be queued-or-executing at
	// once (spec MAX_CONCURRENT_TASKS, default 256).
	MaxInFlight int
	// InlineThreshold is the largest regular-file size, in bytes, stored
	// directly in the file-table row instead of the blob store (default 64).
	InlineThreshold int64
	// ReadSize is the per-task streaming-hash buffer size for files above
	// InlineThreshold (default 8 MiB).
	ReadSize int
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		Workers:         6,
		MaxInFlight:     256,
		InlineThreshold: 64,
		ReadSize:        8 << 20,
	}
}

func (c Config) fill() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = d.InlineThreshold
	}
	if c.ReadSize <= 0 {
		c.ReadSize = d.ReadSize
	}
	return c
}

// Processor is SystemImageProcessor: it walks a source directory and emits
// rows to a dbwriter.Writer, writing blobs into a content.Store as needed.
type Processor struct {
	store    *content.Store
	registry *content.Registry
	writer   *dbwriter.Writer
	cfg      Config

	inodeCounter int64 // atomic; allocateInode pre-increments from 0
	root         string

	bufPool sync.Pool
}

// New creates a Processor. registry should be freshly created (or at
// least scoped to this single ingest run): its ids double as both the
// per-image file-resource id and the global resource-table id for the
// same digest.
func New(store *content.Store, registry *content.Registry, writer *dbwriter.Writer, cfg Config) *Processor {
	cfg = cfg.fill()
	p := &Processor{store: store, registry: registry, writer: writer, cfg: cfg}
	p.bufPool.New = func() any {
		buf := make([]byte, cfg.ReadSize)
		return &buf
	}
	return p
}

// Run walks root and drives ingestion to completion, returning the first
// error encountered (if any). On success, root's directory tree has been
// fully translated into file-table/resource-table rows and blobs; the
// caller is still responsible for closing and waiting on writer.
func (p *Processor) Run(ctx context.Context, root string) error {
	p.root = root
	token := workerpool.NewToken(ctx)
	pool := workerpool.New(token, p.cfg.Workers)
	sem := workerpool.NewSemaphore(p.cfg.MaxInFlight)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("ingest: walk %q: %w", path, err)
		}
		if token.Cancelled() {
			return fmt.Errorf("ingest: aborting walk: %w", token.Err())
		}

		relPath, err := imagePath(root, path)
		if err != nil {
			return err
		}

		if err := sem.Acquire(token.Context()); err != nil {
			return fmt.Errorf("ingest: acquire in-flight slot: %w", err)
		}

		pool.Go(func(ctx context.Context) error {
			defer sem.Release()
			return p.processEntry(ctx, path, relPath)
		})
		return nil
	})

	poolErr := pool.Wait()
	if walkErr != nil {
		return walkErr
	}
	return poolErr
}

// imagePath converts an on-disk path under root into the canonical
// absolute path stored in the file table ("/" for root itself).
func imagePath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("ingest: relativize %q: %w", path, err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "/", nil
	}
	return "/" + strings.TrimPrefix(rel, "/"), nil
}

func (p *Processor) processEntry(ctx context.Context, diskPath, imgPath string) error {
	var stat unix.Stat_t
	if err := unix.Lstat(diskPath, &stat); err != nil {
		return fmt.Errorf("ingest: lstat %q: %w", imgPath, err)
	}

	switch stat.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return p.processDirectory(ctx, diskPath, imgPath, stat)
	case unix.S_IFLNK:
		return p.processSymlink(ctx, diskPath, imgPath, stat)
	case unix.S_IFREG:
		return p.processRegularFile(ctx, diskPath, imgPath, stat)
	case unix.S_IFCHR:
		return p.processCharDevice(ctx, diskPath, imgPath, stat)
	default:
		// Block devices, FIFOs, sockets: skipped silently (spec §4.4).
		return nil
	}
}

// allocateInode implements the inode policy: a fresh id from the per-image
// counter for directories and nlink==1 entries, or the negative on-disk
// inode number for anything hardlinked (spec §4.4 "Inode policy").
func (p *Processor) allocateInode(stat unix.Stat_t, isDir bool) int64 {
	if isDir || stat.Nlink == 1 {
		return atomic.AddInt64(&p.inodeCounter, 1)
	}
	return -int64(stat.Ino)
}

func (p *Processor) processDirectory(ctx context.Context, diskPath, imgPath string, stat unix.Stat_t) error {
	inodeID := p.allocateInode(stat, true)
	inode, err := p.inodeRowFromStat(diskPath, inodeID, stat)
	if err != nil {
		return err
	}
	if err := p.writer.Enqueue(ctx, dbwriter.NewInodeRow(inode)); err != nil {
		return err
	}
	return p.writer.Enqueue(ctx, dbwriter.NewDirectoryRow(dirRow(imgPath, inodeID)))
}

func (p *Processor) processSymlink(ctx context.Context, diskPath, imgPath string, stat unix.Stat_t) error {
	target, err := os.Readlink(diskPath)
	if err != nil {
		return fmt.Errorf("ingest: readlink %q: %w", imgPath, err)
	}
	inodeID := p.allocateInode(stat, false)
	inode, err := p.inodeRowFromStat(diskPath, inodeID, stat)
	if err != nil {
		return err
	}
	if err := p.writer.Enqueue(ctx, dbwriter.NewInodeRow(inode)); err != nil {
		return err
	}
	return p.writer.Enqueue(ctx, dbwriter.NewNonRegularFileRow(nonRegularRow(imgPath, inodeID, []byte(target))))
}

func (p *Processor) processCharDevice(ctx context.Context, diskPath, imgPath string, stat unix.Stat_t) error {
	dev := uint64(stat.Rdev)
	if major(dev) != 0 || minor(dev) != 0 {
		return nil // not a whiteout; other device entries are skipped silently
	}
	inodeID := p.allocateInode(stat, false)
	inode, err := p.inodeRowFromStat(diskPath, inodeID, stat)
	if err != nil {
		return err
	}
	if err := p.writer.Enqueue(ctx, dbwriter.NewInodeRow(inode)); err != nil {
		return err
	}
	return p.writer.Enqueue(ctx, dbwriter.NewNonRegularFileRow(nonRegularRow(imgPath, inodeID, nil)))
}

func (p *Processor) processRegularFile(ctx context.Context, diskPath, imgPath string, stat unix.Stat_t) error {
	inodeID := p.allocateInode(stat, false)
	inode, err := p.inodeRowFromStat(diskPath, inodeID, stat)
	if err != nil {
		return err
	}
	if err := p.writer.Enqueue(ctx, dbwriter.NewInodeRow(inode)); err != nil {
		return err
	}

	resourceID, err := p.resolveRegularFileResource(ctx, diskPath, imgPath, stat)
	if err != nil {
		return err
	}

	return p.writer.Enqueue(ctx, dbwriter.NewRegularFileRow(regularFileRow(imgPath, inodeID, resourceID)))
}

// regularFilePath re-derives diskPath from root+imgPath through
// securejoin, rejecting any path that would escape root via a symlink
// component (umoci's pkg/unpriv helpers apply the same defense before
// touching untrusted extracted trees).
func (p *Processor) regularFilePath(imgPath string) (string, error) {
	safePath, err := securejoin.SecureJoin(p.root, strings.TrimPrefix(imgPath, "/"))
	if err != nil {
		return "", fmt.Errorf("ingest: secure join %q: %w", imgPath, err)
	}
	return safePath, nil
}

func (p *Processor) resolveRegularFileResource(ctx context.Context, diskPath, imgPath string, stat unix.Stat_t) (int64, error) {
	size := stat.Size
	if size == 0 {
		return 0, nil // empty-file sentinel
	}

	if size <= p.cfg.InlineThreshold {
		safePath, err := p.regularFilePath(imgPath)
		if err != nil {
			return 0, err
		}
		data, err := os.ReadFile(safePath)
		if err != nil {
			return 0, fmt.Errorf("ingest: read inline file %q: %w", diskPath, err)
		}
		digest := content.SumBytes(data)
		wasNew, id := p.registry.Register(digest)
		if wasNew {
			if err := p.writer.Enqueue(ctx, dbwriter.NewFileResourceRow(inlineResourceRow(id, digest, int64(len(data)), data))); err != nil {
				return 0, err
			}
		}
		return id, nil
	}

	bufPtr := p.bufPool.Get().(*[]byte)
	defer p.bufPool.Put(bufPtr)

	safePath, err := p.regularFilePath(imgPath)
	if err != nil {
		return 0, err
	}
	fh, err := os.Open(safePath)
	if err != nil {
		return 0, fmt.Errorf("ingest: open %q: %w", diskPath, err)
	}
	defer fh.Close()

	digest, streamedSize, err := p.store.PutBuffered(fh, *bufPtr)
	if err != nil {
		return 0, fmt.Errorf("ingest: stream-hash %q: %w", diskPath, err)
	}

	wasNew, id := p.registry.Register(digest)
	if wasNew {
		if err := p.writer.Enqueue(ctx, dbwriter.NewFileResourceRow(blobResourceRow(id, digest, streamedSize))); err != nil {
			return 0, err
		}
		if err := p.writer.Enqueue(ctx, dbwriter.NewGlobalResourceRow(globalResourceRow(id, digest, streamedSize))); err != nil {
			return 0, err
		}
	}
	return id, nil
}
