// SPDX-License-Identifier: Apache-2.0

package content

import "sync"

// Registry is the process-wide map of digest -> ResourceID used during
// ingest to guard one-writer-wins registration of a blob's first sighting.
// It is pre-seeded with the empty-file digest at id 0 (spec §4.2).
type Registry struct {
	mu      sync.Mutex
	idByHex map[string]int64
	next    int64
}

// NewRegistry returns a Registry pre-seeded with the empty-file sentinel.
func NewRegistry() *Registry {
	r := &Registry{
		idByHex: make(map[string]int64),
	}
	r.idByHex[ZeroDigest.Hex()] = 0
	r.next = 1
	return r
}

// Register atomically looks up digest; if already known it returns
// (false, existingID). Otherwise it assigns the next sequential id,
// records it, and returns (true, newID).
func (r *Registry) Register(d Digest) (wasNew bool, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hex := d.Hex()
	if id, ok := r.idByHex[hex]; ok {
		return false, id
	}
	id = r.next
	r.next++
	r.idByHex[hex] = id
	return true, id
}

// Len returns the number of distinct digests registered so far, including
// the pre-seeded empty sentinel.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.idByHex)
}
