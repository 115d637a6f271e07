// SPDX-License-Identifier: Apache-2.0

// Package compress implements the compression filter (spec §4.7): every
// unfiltered, unprotected resource above COMPRESSION_LOWER is streamed
// through zstd to a staging file; if it compresses well enough the staging
// file replaces the original blob and the row's filter_applied records the
// substitution. Streaming-to-staging-then-decide is grounded on umoci's
// oci/casext/blobcompress/zstd.go (io.Pipe around a zstd.Writer); the
// worker-pool fan-out is the same internal/workerpool used by ingest.
package compress

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/apex/log"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/filter"
	"github.com/otaimg/otaimg/internal/workerpool"
	"github.com/otaimg/otaimg/resourcedb"
)

// Config tunes the compression pass. Zero-value fields fall back to
// DefaultConfig's.
type Config struct {
	// Lower is COMPRESSION_LOWER: only rows with size > Lower are candidates.
	Lower int64
	// MinRatio is COMPRESSION_MIN_RATIO: origin_size/compressed_size must be
	// >= this for the compressed blob to replace the original.
	MinRatio float64
	// Level is the zstd level passed to filter.NewEncoder.
	Level int
	// Workers bounds concurrent compress tasks.
	Workers int
	// MaxInFlight bounds queued-or-running tasks ahead of Workers.
	MaxInFlight int
}

// DefaultConfig returns the spec's default tuning.
func DefaultConfig() Config {
	return Config{
		Lower:       1024,
		MinRatio:    1.25,
		Level:       9,
		Workers:     6,
		MaxInFlight: 12,
	}
}

func (c Config) fill() Config {
	d := DefaultConfig()
	if c.Lower <= 0 {
		c.Lower = d.Lower
	}
	if c.MinRatio <= 0 {
		c.MinRatio = d.MinRatio
	}
	if c.Level <= 0 {
		c.Level = d.Level
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	return c
}

// Processor runs the compression filter over a resource table.
type Processor struct {
	store     *content.Store
	res       *resourcedb.DB
	protected filter.Protected
	cfg       Config
}

// New creates a Processor. protected may be nil, meaning nothing is
// protected.
func New(store *content.Store, res *resourcedb.DB, protected filter.Protected, cfg Config) *Processor {
	return &Processor{store: store, res: res, protected: protected, cfg: cfg.fill()}
}

// Run compresses every eligible candidate, returning the first error from
// any worker (if any). Already-filtered and protected rows are skipped.
func (p *Processor) Run(ctx context.Context) error {
	candidates, err := p.res.SelectUnfilteredAbove(ctx, p.cfg.Lower)
	if err != nil {
		return fmt.Errorf("compress: select candidates: %w", err)
	}

	token := workerpool.NewToken(ctx)
	pool := workerpool.New(token, p.cfg.Workers)
	sem := workerpool.NewSemaphore(p.cfg.MaxInFlight)

	for _, row := range candidates {
		row := row
		if p.protected != nil && p.protected.Contains(row.Digest) {
			continue
		}
		if err := sem.Acquire(token.Context()); err != nil {
			break
		}
		pool.Go(func(ctx context.Context) error {
			defer sem.Release()
			if err := p.compressOne(ctx, row); err != nil {
				token.Cancel(err)
				return err
			}
			return nil
		})
	}

	return pool.Wait()
}

// compressOne streams row's blob through zstd to a staging file. If the
// compression ratio clears MinRatio the staging file is published and the
// original is superseded; otherwise the staging file is discarded and row
// is left untouched.
func (p *Processor) compressOne(ctx context.Context, row resourcedb.Row) error {
	src, err := p.store.OpenBlob(row.Digest)
	if err != nil {
		return fmt.Errorf("compress: open %s: %w", row.Digest, err)
	}
	defer src.Close()

	staging, err := p.store.CreateStaging()
	if err != nil {
		return fmt.Errorf("compress: create staging: %w", err)
	}
	stagingPath := staging.Name()
	published := false
	defer func() {
		if !published {
			if derr := p.store.Discard(stagingPath); derr != nil {
				log.Warnf("compress: discard staging %q: %v", stagingPath, derr)
			}
		}
	}()

	hasher := sha256.New()
	cw := &filter.CountWriter{}
	enc, err := filter.NewEncoder(io.MultiWriter(staging, hasher, cw), p.cfg.Level, row.Size)
	if err != nil {
		return err
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compress: compress %s: %w", row.Digest, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compress: close encoder for %s: %w", row.Digest, err)
	}
	if err := staging.Close(); err != nil {
		return fmt.Errorf("compress: close staging file: %w", err)
	}

	compressedSize := cw.N
	if compressedSize == 0 || float64(row.Size)/float64(compressedSize) < p.cfg.MinRatio {
		return nil // ratio too poor: leave the original in place, staging discarded by defer
	}

	var compressedDigest content.Digest
	copy(compressedDigest[:], hasher.Sum(nil))

	if err := p.store.Publish(stagingPath, compressedDigest); err != nil {
		return fmt.Errorf("compress: publish %s: %w", compressedDigest, err)
	}
	published = true

	newID, err := p.res.AllocateAndInsertIgnore(ctx, compressedDigest, compressedSize)
	if err != nil {
		return err
	}
	if err := p.res.SetFilterApplied(ctx, row.ResourceID, resourcedb.NewCompress(newID)); err != nil {
		return err
	}
	if err := p.store.Unlink(row.Digest); err != nil {
		return fmt.Errorf("compress: unlink original %s: %w", row.Digest, err)
	}
	log.Debugf("compress: %s -> %s (%d -> %d bytes)", row.Digest, compressedDigest, row.Size, compressedSize)
	return nil
}
