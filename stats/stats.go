// SPDX-License-Identifier: Apache-2.0

// Package stats computes the final per-image summary (spec §4.9) once
// ingest and every filter pass have finished. The aggregates themselves are
// plain SQL over the file table (filetabledb.ComputeStats); this package
// is the pipeline's last stage and its reporting surface, grounded on
// umoci's `umoci stat` command (cmd/umoci/stat.go), which offers the same
// JSON-or-human-readable choice over a single computed summary value.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/otaimg/otaimg/filetabledb"
)

// Summary is the per-image stats query result (spec §4.9), field-for-field
// with filetabledb.Stats but carrying JSON tags for the --json reporting
// path.
type Summary struct {
	ImageBlobsCount               int64 `json:"image_blobs_count"`
	ImageBlobsSize                int64 `json:"image_blobs_size"`
	SysImageSize                  int64 `json:"sys_image_size"`
	SysImageRegularFilesCount     int64 `json:"sys_image_regular_files_count"`
	SysImageNonRegularFilesCount  int64 `json:"sys_image_non_regular_files_count"`
	SysImageDirsCount             int64 `json:"sys_image_dirs_count"`
	SysImageUniqueFileEntries     int64 `json:"sys_image_unique_file_entries"`
	SysImageUniqueFileEntriesSize int64 `json:"sys_image_unique_file_entries_size"`
}

func fromFileTableDB(s filetabledb.Stats) Summary {
	return Summary{
		ImageBlobsCount:               s.ImageBlobsCount,
		ImageBlobsSize:                s.ImageBlobsSize,
		SysImageSize:                  s.SysImageSize,
		SysImageRegularFilesCount:     s.SysImageRegularFilesCount,
		SysImageNonRegularFilesCount:  s.SysImageNonRegularFilesCount,
		SysImageDirsCount:             s.SysImageDirsCount,
		SysImageUniqueFileEntries:     s.SysImageUniqueFileEntries,
		SysImageUniqueFileEntriesSize: s.SysImageUniqueFileEntriesSize,
	}
}

// Compute recomputes the summary from ft's current table contents. Callers
// run this as the pipeline's final stage, after ingest and all three
// filters have committed (spec §9 control flow: ingest -> bundle ->
// compression -> slice -> stats).
func Compute(ctx context.Context, ft *filetabledb.DB) (Summary, error) {
	s, err := ft.ComputeStats(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("stats: compute: %w", err)
	}
	return fromFileTableDB(s), nil
}

// WriteJSON encodes the summary as JSON to w (the --json path of umoci's
// stat command).
func (s Summary) WriteJSON(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("stats: encode json: %w", err)
	}
	return nil
}

// Format writes a human-readable summary to w (umoci's default, non-JSON
// stat output).
func (s Summary) Format(w io.Writer) error {
	rows := []struct {
		label string
		value int64
	}{
		{"image blobs (count)", s.ImageBlobsCount},
		{"image blobs (bytes)", s.ImageBlobsSize},
		{"system image size (bytes)", s.SysImageSize},
		{"regular files", s.SysImageRegularFilesCount},
		{"non-regular files", s.SysImageNonRegularFilesCount},
		{"directories", s.SysImageDirsCount},
		{"unique file entries", s.SysImageUniqueFileEntries},
		{"unique file entries (bytes)", s.SysImageUniqueFileEntriesSize},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%-32s %d\n", r.label, r.value); err != nil {
			return fmt.Errorf("stats: format: %w", err)
		}
	}
	return nil
}
