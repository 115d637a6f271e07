// SPDX-License-Identifier: Apache-2.0

// Package dbwriter is the single background consumer that drains ingest's
// row queue into batched, duplicate-tolerant inserts
// across the file-table and resource-table databases (spec §4.3). It is
// the one place during ingest that holds write connections to either
// database, satisfying SQLite's single-writer discipline.
package dbwriter

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/otaimg/otaimg/filetabledb"
	"github.com/otaimg/otaimg/internal/workerpool"
	"github.com/otaimg/otaimg/resourcedb"
)

// BatchWriteSize is the pending-row threshold, per table, that triggers a
// flush (spec §4.3).
const BatchWriteSize = 1024

// Row is the tagged union of everything the writer can persist. Exactly
// one field is non-nil; construct with the New* helpers below rather than
// populating the struct directly.
type Row struct {
	Inode          *filetabledb.Inode
	Directory      *filetabledb.Directory
	NonRegularFile *filetabledb.NonRegularFile
	RegularFile    *filetabledb.RegularFile
	FileResource   *filetabledb.FileResource
	GlobalResource *resourcedb.Row
}

func NewInodeRow(v filetabledb.Inode) Row                   { return Row{Inode: &v} }
func NewDirectoryRow(v filetabledb.Directory) Row           { return Row{Directory: &v} }
func NewNonRegularFileRow(v filetabledb.NonRegularFile) Row { return Row{NonRegularFile: &v} }
func NewRegularFileRow(v filetabledb.RegularFile) Row       { return Row{RegularFile: &v} }
func NewFileResourceRow(v filetabledb.FileResource) Row     { return Row{FileResource: &v} }
func NewGlobalResourceRow(v resourcedb.Row) Row             { return Row{GlobalResource: &v} }

// Writer drains a bounded queue of Rows, routing each into one of six
// per-table batches and flushing a batch once it reaches BatchWriteSize.
// A nil value on the queue is the shutdown sentinel: flush everything,
// then return.
type Writer struct {
	ft  *filetabledb.DB
	res *resourcedb.DB

	queue chan *Row
	done  chan error
	token *workerpool.Token
}

// New creates a Writer backed by ft and res, with a queue capacity of
// queueCapacity rows (a bounded multi-producer queue per spec §4.3).
func New(ft *filetabledb.DB, res *resourcedb.DB, token *workerpool.Token, queueCapacity int) *Writer {
	return &Writer{
		ft:    ft,
		res:   res,
		queue: make(chan *Row, queueCapacity),
		done:  make(chan error, 1),
		token: token,
	}
}

// Start launches the consumer goroutine. Call Enqueue to submit rows and
// Close to signal shutdown, then Wait for the final error (if any).
func (w *Writer) Start(ctx context.Context) {
	go w.run(ctx)
}

// Enqueue submits a row, blocking if the queue is full. It is safe to call
// from multiple producer goroutines concurrently.
func (w *Writer) Enqueue(ctx context.Context, r Row) error {
	select {
	case w.queue <- &r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close enqueues the shutdown sentinel. Callers must still call Wait to
// observe the writer's final error and know the last flush has happened.
func (w *Writer) Close(ctx context.Context) error {
	select {
	case w.queue <- nil:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the writer goroutine has exited (after a Close) and
// returns its terminal error, if any.
func (w *Writer) Wait() error {
	return <-w.done
}

type batches struct {
	inodes          []filetabledb.Inode
	directories     []filetabledb.Directory
	nonRegularFiles []filetabledb.NonRegularFile
	regularFiles    []filetabledb.RegularFile
	fileResources   []filetabledb.FileResource
	globalResources []resourcedb.Row
}

func (w *Writer) run(ctx context.Context) {
	var b batches
	for {
		select {
		case r := <-w.queue:
			if r == nil {
				w.done <- w.flushAll(ctx, &b)
				return
			}
			if err := w.route(ctx, &b, r); err != nil {
				w.abort(err)
				w.done <- err
				return
			}
		case <-ctx.Done():
			w.done <- ctx.Err()
			return
		}
	}
}

func (w *Writer) abort(err error) {
	log.WithError(err).Error("dbwriter: aborting, signalling cancellation")
	w.token.Cancel(fmt.Errorf("dbwriter: %w", err))
}

// route appends r to its batch and flushes that batch once it reaches
// BatchWriteSize. ft_directories, ft_non_regular_files, and ft_regular_files
// all reference ft_inode, and ft_regular_files also references ft_resource
// (foreign_keys=ON on every connection, filetabledb.go), so a child table
// can only flush once its parent rows are already committed: a
// threshold-triggered child flush here first flushes its still-pending
// parent batch(es), even if those haven't reached their own threshold yet.
func (w *Writer) route(ctx context.Context, b *batches, r *Row) error {
	switch {
	case r.Inode != nil:
		b.inodes = append(b.inodes, *r.Inode)
		if len(b.inodes) >= BatchWriteSize {
			return w.flushInodes(ctx, b)
		}
	case r.Directory != nil:
		b.directories = append(b.directories, *r.Directory)
		if len(b.directories) >= BatchWriteSize {
			if err := w.flushInodes(ctx, b); err != nil {
				return err
			}
			return w.flushDirectories(ctx, b)
		}
	case r.NonRegularFile != nil:
		b.nonRegularFiles = append(b.nonRegularFiles, *r.NonRegularFile)
		if len(b.nonRegularFiles) >= BatchWriteSize {
			if err := w.flushInodes(ctx, b); err != nil {
				return err
			}
			return w.flushNonRegularFiles(ctx, b)
		}
	case r.RegularFile != nil:
		b.regularFiles = append(b.regularFiles, *r.RegularFile)
		if len(b.regularFiles) >= BatchWriteSize {
			if err := w.flushInodes(ctx, b); err != nil {
				return err
			}
			if err := w.flushFileResources(ctx, b); err != nil {
				return err
			}
			return w.flushRegularFiles(ctx, b)
		}
	case r.FileResource != nil:
		b.fileResources = append(b.fileResources, *r.FileResource)
		if len(b.fileResources) >= BatchWriteSize {
			return w.flushFileResources(ctx, b)
		}
	case r.GlobalResource != nil:
		b.globalResources = append(b.globalResources, *r.GlobalResource)
		if len(b.globalResources) >= BatchWriteSize {
			return w.flushGlobalResources(ctx, b)
		}
	default:
		return fmt.Errorf("dbwriter: row with no variant set")
	}
	return nil
}

func (w *Writer) flushInodes(ctx context.Context, b *batches) error {
	if err := w.ft.InsertManyInodes(ctx, b.inodes); err != nil {
		return err
	}
	b.inodes = b.inodes[:0]
	return nil
}

func (w *Writer) flushDirectories(ctx context.Context, b *batches) error {
	if err := w.ft.InsertManyDirectories(ctx, b.directories); err != nil {
		return err
	}
	b.directories = b.directories[:0]
	return nil
}

func (w *Writer) flushNonRegularFiles(ctx context.Context, b *batches) error {
	if err := w.ft.InsertManyNonRegularFiles(ctx, b.nonRegularFiles); err != nil {
		return err
	}
	b.nonRegularFiles = b.nonRegularFiles[:0]
	return nil
}

func (w *Writer) flushRegularFiles(ctx context.Context, b *batches) error {
	if err := w.ft.InsertManyRegularFiles(ctx, b.regularFiles); err != nil {
		return err
	}
	b.regularFiles = b.regularFiles[:0]
	return nil
}

func (w *Writer) flushFileResources(ctx context.Context, b *batches) error {
	if err := w.ft.InsertManyResourcesIgnore(ctx, b.fileResources); err != nil {
		return err
	}
	b.fileResources = b.fileResources[:0]
	return nil
}

func (w *Writer) flushGlobalResources(ctx context.Context, b *batches) error {
	if err := w.res.InsertManyRawIgnore(ctx, b.globalResources); err != nil {
		return err
	}
	b.globalResources = b.globalResources[:0]
	return nil
}

// flushAll drains every remaining batch at shutdown, parents before
// children: ft_inode before anything that references it, and ft_resource
// before ft_regular_files.
func (w *Writer) flushAll(ctx context.Context, b *batches) error {
	flushes := []func(context.Context, *batches) error{
		w.flushInodes,
		w.flushDirectories,
		w.flushNonRegularFiles,
		w.flushFileResources,
		w.flushRegularFiles,
		w.flushGlobalResources,
	}
	for _, flush := range flushes {
		if err := flush(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
