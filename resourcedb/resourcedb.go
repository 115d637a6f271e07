// SPDX-License-Identifier: Apache-2.0

// Package resourcedb is the typed row abstraction over the global
// resource-table SQLite database: one row per blob the store has ever
// held, plus the filter (if any) that rewrote it. Schema and semantics
// follow spec §3/§6; the connection handling follows the pack's
// gloudx-ues/sqlite wrapper idiom (WAL journal, busy_timeout, explicit
// pragmas) adapted to this package's narrower, typed surface.
package resourcedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"github.com/otaimg/otaimg/content"
)

const schema = `
CREATE TABLE IF NOT EXISTS resource_table (
	resource_id    INTEGER PRIMARY KEY,
	digest         BLOB NOT NULL,
	size           INTEGER NOT NULL,
	filter_applied BLOB
);
CREATE UNIQUE INDEX IF NOT EXISTS resource_table_digest_idx ON resource_table(digest);
`

// Row is one resource-table entry.
type Row struct {
	ResourceID    int64
	Digest        content.Digest
	Size          int64
	FilterApplied *FilterApplied
}

// DB wraps the resource-table SQLite database.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the resource-table database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("resourcedb: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite single-writer; keep all access serialized through one conn.

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("resourcedb: apply %q: %w", p, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("resourcedb: create schema: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Underlying exposes the *sql.DB for callers (filters) that need to manage
// their own transactions spanning multiple resourcedb calls.
func (d *DB) Underlying() *sql.DB {
	return d.sql
}

func scanRow(scan func(dest ...any) error) (Row, error) {
	var (
		r             Row
		digestBytes   []byte
		filterAppBlob []byte
	)
	if err := scan(&r.ResourceID, &digestBytes, &r.Size, &filterAppBlob); err != nil {
		return Row{}, err
	}
	if len(digestBytes) != content.Size {
		return Row{}, fmt.Errorf("resourcedb: row %d has %d-byte digest, want %d", r.ResourceID, len(digestBytes), content.Size)
	}
	copy(r.Digest[:], digestBytes)
	fa, err := DecodeFilterApplied(filterAppBlob)
	if err != nil {
		return Row{}, err
	}
	r.FilterApplied = fa
	return r, nil
}

// InsertIgnore inserts a raw (filter_applied = NULL) row with the given
// digest/size, ignoring the insert if the digest already has a row
// (spec §4.3: "ignore on duplicate digest"). It always returns the row's
// resource_id, whether freshly inserted or pre-existing.
func (d *DB) InsertIgnore(ctx context.Context, rid int64, digest content.Digest, size int64) (int64, error) {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO resource_table (resource_id, digest, size, filter_applied) VALUES (?, ?, ?, NULL)
		 ON CONFLICT(digest) DO NOTHING`,
		rid, digest[:], size)
	if err != nil {
		return 0, fmt.Errorf("resourcedb: insert ignore: %w", err)
	}
	row, found, err := d.GetByDigest(ctx, digest)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("resourcedb: row for digest %s vanished after insert", digest)
	}
	return row.ResourceID, nil
}

// GetByDigest looks up the row for digest.
func (d *DB) GetByDigest(ctx context.Context, digest content.Digest) (Row, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT resource_id, digest, size, filter_applied FROM resource_table WHERE digest = ?`, digest[:])
	r, err := scanRow(row.Scan)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("resourcedb: get by digest: %w", err)
	}
	return r, true, nil
}

// GetByID looks up the row for resourceID.
func (d *DB) GetByID(ctx context.Context, resourceID int64) (Row, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT resource_id, digest, size, filter_applied FROM resource_table WHERE resource_id = ?`, resourceID)
	r, err := scanRow(row.Scan)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("resourcedb: get by id: %w", err)
	}
	return r, true, nil
}

// SelectUnfilteredInRange returns every row with filter_applied IS NULL and
// minExclusive < size <= maxInclusive, ordered by (size, digest) for
// reproducible batching (spec §9 design note). Used by the bundle filter.
func (d *DB) SelectUnfilteredInRange(ctx context.Context, minExclusive, maxInclusive int64) ([]Row, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT resource_id, digest, size, filter_applied FROM resource_table
		 WHERE filter_applied IS NULL AND size > ? AND size <= ?
		 ORDER BY size, digest`, minExclusive, maxInclusive)
	if err != nil {
		return nil, fmt.Errorf("resourcedb: select range: %w", err)
	}
	return collectRows(rows)
}

// SelectUnfilteredAbove returns every row with filter_applied IS NULL and
// size > minExclusive, ordered by (size, digest). Used by the compression
// and slice filters.
func (d *DB) SelectUnfilteredAbove(ctx context.Context, minExclusive int64) ([]Row, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT resource_id, digest, size, filter_applied FROM resource_table
		 WHERE filter_applied IS NULL AND size > ?
		 ORDER BY size, digest`, minExclusive)
	if err != nil {
		return nil, fmt.Errorf("resourcedb: select above: %w", err)
	}
	return collectRows(rows)
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()
	var out []Row
	for rows.Next() {
		r, err := scanRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("resourcedb: scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resourcedb: iterate rows: %w", err)
	}
	return out, nil
}

// AllocateIDs reads the current max resource_id once (not while any read
// cursor over the table is open, per spec §9) and returns the first of n
// consecutive, never-reused ids the caller may hand out.
func (d *DB) AllocateIDs(ctx context.Context, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("resourcedb: allocate non-positive count %d", n)
	}
	var max sql.NullInt64
	if err := d.sql.QueryRowContext(ctx, `SELECT MAX(resource_id) FROM resource_table`).Scan(&max); err != nil {
		return 0, fmt.Errorf("resourcedb: allocate ids: %w", err)
	}
	start := int64(1)
	if max.Valid {
		start = max.Int64 + 1
	}
	return start, nil
}

// SetFilterApplied updates resourceID's filter_applied column.
func (d *DB) SetFilterApplied(ctx context.Context, resourceID int64, f *FilterApplied) error {
	b, err := EncodeFilterApplied(f)
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, `UPDATE resource_table SET filter_applied = ? WHERE resource_id = ?`, b, resourceID)
	if err != nil {
		return fmt.Errorf("resourcedb: set filter_applied: %w", err)
	}
	return nil
}

// TxLookupOrAllocate is the transactional primitive behind
// AllocateAndInsertIgnore: given a caller-owned tx, it returns digest's
// existing resource_id or allocates and inserts a fresh one (MAX+1, per
// AllocateIDs). Filters that must allocate several ids and flip several
// rows' filter_applied as one atomic commit (bundle, slice) call this
// directly instead of using AllocateAndInsertIgnore per id.
func (d *DB) TxLookupOrAllocate(ctx context.Context, tx *sql.Tx, digest content.Digest, size int64) (int64, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT resource_id, digest, size, filter_applied FROM resource_table WHERE digest = ?`, digest[:])
	if existing, err := scanRow(row.Scan); err == nil {
		return existing.ResourceID, nil
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("resourcedb: tx lookup or allocate: lookup: %w", err)
	}

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(resource_id) FROM resource_table`).Scan(&max); err != nil {
		return 0, fmt.Errorf("resourcedb: tx lookup or allocate: max: %w", err)
	}
	id := int64(1)
	if max.Valid {
		id = max.Int64 + 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_table (resource_id, digest, size, filter_applied) VALUES (?, ?, ?, NULL)`,
		id, digest[:], size); err != nil {
		return 0, fmt.Errorf("resourcedb: tx lookup or allocate: insert: %w", err)
	}
	return id, nil
}

// TxSetFilterApplied is SetFilterApplied against a caller-owned tx.
func (d *DB) TxSetFilterApplied(ctx context.Context, tx *sql.Tx, resourceID int64, f *FilterApplied) error {
	b, err := EncodeFilterApplied(f)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE resource_table SET filter_applied = ? WHERE resource_id = ?`, b, resourceID); err != nil {
		return fmt.Errorf("resourcedb: tx set filter_applied: %w", err)
	}
	return nil
}

// AllocateAndInsertIgnore allocates a fresh resource_id for digest (or
// returns its existing one) inside a single transaction, so concurrent
// callers sharing this *DB's one connection (SetMaxOpenConns(1)) never
// race between reading MAX(resource_id) and inserting it: the whole
// read-then-write sequence holds the sole connection for its duration.
// Used by the compression filter, which allocates one id per compressed
// blob from a worker pool.
func (d *DB) AllocateAndInsertIgnore(ctx context.Context, digest content.Digest, size int64) (int64, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("resourcedb: allocate-and-insert: begin: %w", err)
	}
	defer tx.Rollback()

	id, err := d.TxLookupOrAllocate(ctx, tx, digest, size)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("resourcedb: allocate-and-insert: commit: %w", err)
	}
	return id, nil
}

// InsertRawRow inserts a brand-new row (raw, filter_applied NULL) at a
// caller-chosen id, failing if the id or digest is already taken. Used by
// commit phases that have already allocated ids via AllocateIDs.
func (d *DB) InsertRawRow(ctx context.Context, resourceID int64, digest content.Digest, size int64) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO resource_table (resource_id, digest, size, filter_applied) VALUES (?, ?, ?, NULL)`,
		resourceID, digest[:], size)
	if err != nil {
		return fmt.Errorf("resourcedb: insert raw row: %w", err)
	}
	return nil
}

// InsertManyRawIgnore inserts a batch of raw rows in one transaction,
// ignoring any whose digest already has a row. Used by the DB writer when
// flushing a batch (spec §4.3: "insert-many with duplicate handling").
func (d *DB) InsertManyRawIgnore(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resourcedb: insert many: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO resource_table (resource_id, digest, size, filter_applied) VALUES (?, ?, ?, NULL)
		 ON CONFLICT(digest) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("resourcedb: insert many: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ResourceID, r.Digest[:], r.Size); err != nil {
			return fmt.Errorf("resourcedb: insert many: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resourcedb: insert many: commit: %w", err)
	}
	return nil
}

// CountAll returns the total number of rows, used only for diagnostics
// (never for resource_id planning: see AllocateIDs).
func (d *DB) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource_table`).Scan(&n); err != nil {
		return 0, fmt.Errorf("resourcedb: count all: %w", err)
	}
	return n, nil
}

// BeginTx starts a transaction with a sane default timeout context baked
// in by the caller; resourcedb does not impose one itself.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.sql.BeginTx(ctx, nil)
}
