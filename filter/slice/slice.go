// SPDX-License-Identifier: Apache-2.0

// Package slice implements the slice filter (spec §4.8): resources too
// large to move or hash comfortably as one unit are split into ordered,
// independently content-addressed chunks. Each origin row's filter_applied
// becomes a SliceFilter naming the chunk resource ids in order; readers
// reconstruct the original by concatenating them. The per-thread reusable
// read buffer mirrors ingest's READ_SIZE buffer pool (internal/workerpool's
// sibling concern, a sync.Pool of byte slices).
package slice

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/apex/log"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/filter"
	"github.com/otaimg/otaimg/resourcedb"
)

// Config tunes the slice pass. Zero-value fields fall back to
// DefaultConfig's.
type Config struct {
	// SliceSize is SLICE_SIZE: normal chunks are up to this many bytes.
	// Candidates are selected at size > 2*SliceSize.
	SliceSize int64
	// CommitBatchSize caps how many origin blobs' slice results accumulate
	// before being committed to resourcedb in one transaction.
	CommitBatchSize int
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		SliceSize:       32 << 20,
		CommitBatchSize: 16,
	}
}

func (c Config) fill() Config {
	d := DefaultConfig()
	if c.SliceSize <= 0 {
		c.SliceSize = d.SliceSize
	}
	if c.CommitBatchSize <= 0 {
		c.CommitBatchSize = d.CommitBatchSize
	}
	return c
}

// Processor runs the slice filter over a resource table.
type Processor struct {
	store     *content.Store
	res       *resourcedb.DB
	protected filter.Protected
	cfg       Config
	bufPool   sync.Pool
}

// New creates a Processor. protected may be nil, meaning nothing is
// protected.
func New(store *content.Store, res *resourcedb.DB, protected filter.Protected, cfg Config) *Processor {
	cfg = cfg.fill()
	p := &Processor{store: store, res: res, protected: protected, cfg: cfg}
	bufSize := int(float64(cfg.SliceSize) * 1.5)
	p.bufPool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

type sliceEntry struct {
	digest content.Digest
	size   int64
}

type pendingOrigin struct {
	row     resourcedb.Row
	entries []sliceEntry
}

// Run slices every eligible candidate (spec §4.8): filter_applied IS NULL,
// size > 2*SliceSize, digest not protected. Slicing runs single-threaded
// and sequential so CommitBatchSize-sized groups commit in selection
// order; each blob's read still streams through a reused buffer.
func (p *Processor) Run(ctx context.Context) error {
	lower := 2 * p.cfg.SliceSize
	candidates, err := p.res.SelectUnfilteredAbove(ctx, lower)
	if err != nil {
		return fmt.Errorf("slice: select candidates: %w", err)
	}

	var pending []pendingOrigin
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := p.commit(ctx, pending)
		pending = nil
		return err
	}

	for _, row := range candidates {
		if p.protected != nil && p.protected.Contains(row.Digest) {
			continue
		}
		entries, err := p.sliceOne(row)
		if err != nil {
			return err
		}
		pending = append(pending, pendingOrigin{row: row, entries: entries})
		if len(pending) >= p.cfg.CommitBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// sliceOne splits row's blob into ordered chunks, publishing each to the
// store and returning their (digest, size) in write order. It does not
// unlink the original; that happens only after commit succeeds.
func (p *Processor) sliceOne(row resourcedb.Row) ([]sliceEntry, error) {
	src, err := p.store.OpenBlob(row.Digest)
	if err != nil {
		return nil, fmt.Errorf("slice: open %s: %w", row.Digest, err)
	}
	defer src.Close()

	bufPtr := p.bufPool.Get().(*[]byte)
	defer p.bufPool.Put(bufPtr)

	threshold := int64(float64(p.cfg.SliceSize) * 1.5)
	remaining := row.Size
	var entries []sliceEntry

	for remaining > threshold {
		d, n, err := p.store.PutBuffered(io.LimitReader(src, p.cfg.SliceSize), *bufPtr)
		if err != nil {
			return nil, fmt.Errorf("slice: write slice of %s: %w", row.Digest, err)
		}
		entries = append(entries, sliceEntry{digest: d, size: n})
		remaining -= n
	}
	if remaining > 0 {
		d, n, err := p.store.PutBuffered(io.LimitReader(src, remaining), *bufPtr)
		if err != nil {
			return nil, fmt.Errorf("slice: write final slice of %s: %w", row.Digest, err)
		}
		entries = append(entries, sliceEntry{digest: d, size: n})
	}
	return entries, nil
}

// commit allocates (or reuses) one resource row per distinct chunk digest
// and flips each origin's filter_applied to SliceFilter, all in a single
// transaction, then unlinks the now-superseded original blobs.
func (p *Processor) commit(ctx context.Context, pending []pendingOrigin) error {
	tx, err := p.res.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("slice: commit: begin: %w", err)
	}
	defer tx.Rollback()

	idByDigest := make(map[content.Digest]int64)
	for _, po := range pending {
		for _, e := range po.entries {
			if _, ok := idByDigest[e.digest]; ok {
				continue
			}
			id, err := p.res.TxLookupOrAllocate(ctx, tx, e.digest, e.size)
			if err != nil {
				return fmt.Errorf("slice: commit: allocate slice %s: %w", e.digest, err)
			}
			idByDigest[e.digest] = id
		}
	}

	for _, po := range pending {
		ids := make([]int64, len(po.entries))
		for i, e := range po.entries {
			ids[i] = idByDigest[e.digest]
		}
		if err := p.res.TxSetFilterApplied(ctx, tx, po.row.ResourceID, resourcedb.NewSlice(ids)); err != nil {
			return fmt.Errorf("slice: commit: set filter_applied %d: %w", po.row.ResourceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("slice: commit: %w", err)
	}

	for _, po := range pending {
		if err := p.store.Unlink(po.row.Digest); err != nil {
			log.Warnf("slice: unlink original %s: %v", po.row.Digest, err)
		}
	}
	return nil
}
