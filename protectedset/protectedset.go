// SPDX-License-Identifier: Apache-2.0

// Package protectedset collects the digests no filter may touch: image
// manifests, image configs, sys-config files, per-image file-table blobs,
// otaclient-package manifest/payload digests, and the resource-table blob
// itself (spec §4.5). The mark phase is grounded on umoci's mark-and-sweep
// GC (oci/casext/gc.go): a root set is expanded by following references
// until no new digest is discovered, and the result is the "black set"
// filters must skip.
package protectedset

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"github.com/otaimg/otaimg/content"
)

// Resolver returns the digests directly referenced by d (e.g. a manifest's
// layer and config digests). A leaf digest (a plain blob) returns no
// children. Implementations must not block indefinitely; pass a ctx they
// respect.
type Resolver func(ctx context.Context, d content.Digest) ([]content.Digest, error)

// Set is an immutable collection of protected digests.
type Set struct {
	digests map[content.Digest]struct{}
}

// Contains reports whether d must not be rewritten or unlinked by a filter.
func (s *Set) Contains(d content.Digest) bool {
	if s == nil {
		return false
	}
	_, ok := s.digests[d]
	return ok
}

// Len returns the number of protected digests.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.digests)
}

// Collect performs the mark phase: starting from roots, it repeatedly
// calls resolve to expand the reachable set until no new digest is
// discovered. roots themselves are always included (spec: "the
// resource-table blob itself" and friends are roots, not just their
// children).
func Collect(ctx context.Context, roots []content.Digest, resolve Resolver) (*Set, error) {
	black := make(map[content.Digest]struct{}, len(roots))
	queue := make([]content.Digest, 0, len(roots))
	for _, r := range roots {
		if _, ok := black[r]; !ok {
			black[r] = struct{}{}
			queue = append(queue, r)
		}
	}

	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		children, err := resolve(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("protectedset: resolve %s: %w", d, err)
		}
		for _, c := range children {
			if _, ok := black[c]; ok {
				continue
			}
			black[c] = struct{}{}
			queue = append(queue, c)
		}
	}

	log.WithField("count", len(black)).Debug("protectedset: collected protected digests")
	return &Set{digests: black}, nil
}

// NewStatic builds a Set directly from an explicit digest list, with no
// resolution step. Useful for tests and for roots known to have no
// children (e.g. a bare resource-table blob digest).
func NewStatic(digests ...content.Digest) *Set {
	s := make(map[content.Digest]struct{}, len(digests))
	for _, d := range digests {
		s[d] = struct{}{}
	}
	return &Set{digests: s}
}
