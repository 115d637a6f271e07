// SPDX-License-Identifier: Apache-2.0

package content

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/apex/log"
)

// tempPrefix marks a blob-store temp file. It starts with a character that
// can never appear in a lowercase hex digest, so a temp file can never
// collide with (or be mistaken for) a valid blob name.
const tempPrefix = ".tmp-"

// Store is a flat, content-addressed directory: every regular file is named
// by the hex of its SHA-256 digest. Writers publish atomically via
// temp-name-then-rename (mirrors oci/cas/dir.go's dirEngine.PutBlob), so
// concurrent Put of identical content is safe: the loser's rename target
// already exists in os.Rename's replace semantics, or the loser discards
// its temp file if it notices the digest already present.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir. The directory must already exist.
func Open(dir string) (*Store, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("content: stat store dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("content: %q is not a directory", dir)
	}
	return &Store{dir: dir}, nil
}

// Create makes a new, empty store directory at dir (and any missing
// parents) and returns a Store rooted there.
func Create(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("content: mkdir store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(d Digest) string {
	return filepath.Join(s.dir, d.Hex())
}

// Put streams r into the store, returning its digest and size. If a blob
// with that digest already exists, the temp file is discarded and the
// existing blob is left untouched (tolerates concurrent Put of identical
// content, per spec §4.1).
func (s *Store) Put(r io.Reader) (Digest, int64, error) {
	return s.PutBuffered(r, nil)
}

// PutBuffered is Put, but copies through buf instead of io.Copy's default
// internal buffer. Callers doing many large Puts (ingest's per-worker
// READ_SIZE buffer) should reuse one buf across calls to avoid repeated
// large allocations. A nil or empty buf falls back to io.Copy's default.
func (s *Store) PutBuffered(r io.Reader, buf []byte) (Digest, int64, error) {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return Digest{}, 0, fmt.Errorf("content: create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	removeTemp := true
	defer func() {
		tmp.Close()
		if removeTemp {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	w := io.MultiWriter(tmp, h)
	var size int64
	if len(buf) > 0 {
		size, err = io.CopyBuffer(w, r, buf)
	} else {
		size, err = io.Copy(w, r)
	}
	if err != nil {
		return Digest{}, 0, fmt.Errorf("content: copy to temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Digest{}, 0, fmt.Errorf("content: close temp blob: %w", err)
	}

	var digest Digest
	copy(digest[:], h.Sum(nil))
	target := s.path(digest)
	if _, err := os.Stat(target); err == nil {
		// Already present: discard our temp copy, the existing blob wins.
		return digest, size, nil
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return Digest{}, 0, fmt.Errorf("content: rename temp blob: %w", err)
	}
	removeTemp = false
	log.Debugf("content: put blob %s (%d bytes)", digest, size)
	return digest, size, nil
}

// CreateStaging creates a temp file inside the store for callers that must
// inspect what they wrote (a compression ratio, a second hash) before
// deciding whether to keep it. The returned file's Name() must be passed to
// exactly one of Publish or Discard. Uses the same tempPrefix as Put, so a
// crash mid-filter leaves only ignorable temp files behind, same as Put.
func (s *Store) CreateStaging() (*os.File, error) {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("content: create staging file: %w", err)
	}
	return tmp, nil
}

// Publish renames the (closed) staging file at stagingPath into place as
// the blob for digest, or discards it if that blob already exists (same
// tolerate-concurrent-write semantics as Put).
func (s *Store) Publish(stagingPath string, digest Digest) error {
	target := s.path(digest)
	if _, err := os.Stat(target); err == nil {
		return os.Remove(stagingPath)
	}
	if err := os.Rename(stagingPath, target); err != nil {
		return fmt.Errorf("content: publish staging blob: %w", err)
	}
	return nil
}

// Discard removes a staging file the caller decided not to publish.
// Missing files are not an error.
func (s *Store) Discard(stagingPath string) error {
	err := os.Remove(stagingPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("content: discard staging file: %w", err)
	}
	return nil
}

// PutBytes is a convenience wrapper around Put for in-memory content (used
// for inlined small files and in tests).
func (s *Store) PutBytes(b []byte) (Digest, int64, error) {
	return s.Put(bytes.NewReader(b))
}

// PutFile copies srcPath's bytes (not its permissions) into the store,
// returning its digest and size. buf is passed through to PutBuffered.
func (s *Store) PutFile(srcPath string, buf []byte) (Digest, int64, error) {
	fh, err := os.Open(srcPath)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("content: open source file: %w", err)
	}
	defer fh.Close()
	return s.PutBuffered(fh, buf)
}

// Exists reports whether a blob with the given digest is present.
func (s *Store) Exists(d Digest) bool {
	_, err := os.Stat(s.path(d))
	return err == nil
}

// OpenBlob returns a reader for the blob named by d.
func (s *Store) OpenBlob(d Digest) (*os.File, error) {
	fh, err := os.Open(s.path(d))
	if err != nil {
		return nil, fmt.Errorf("content: open blob %s: %w", d, err)
	}
	return fh, nil
}

// Size returns the on-disk size of the blob named by d.
func (s *Store) Size(d Digest) (int64, error) {
	fi, err := os.Stat(s.path(d))
	if err != nil {
		return 0, fmt.Errorf("content: stat blob %s: %w", d, err)
	}
	return fi.Size(), nil
}

// Unlink removes the blob named by d. Missing blobs are not an error
// (best-effort, per spec §4.1).
func (s *Store) Unlink(d Digest) error {
	err := os.Remove(s.path(d))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("content: unlink blob %s: %w", d, err)
	}
	return nil
}

// Entry is one (digest, size) pair yielded by Iter.
type Entry struct {
	Digest Digest
	Size   int64
}

// Iter walks the store directory and calls fn for every blob file, skipping
// temp files. Iteration stops on the first error returned by fn or by the
// directory read itself.
func (s *Store) Iter(fn func(Entry) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("content: read store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) == 0 || name[0] == '.' {
			continue // temp files and dotfiles
		}
		d, err := ParseHex(name)
		if err != nil {
			continue // not a blob we recognise
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("content: stat dir entry %s: %w", name, err)
		}
		if err := fn(Entry{Digest: d, Size: info.Size()}); err != nil {
			return err
		}
	}
	return nil
}
