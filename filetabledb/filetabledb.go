// SPDX-License-Identifier: Apache-2.0

// Package filetabledb is the typed row abstraction over the per-image file
// table: the five tables that describe one ingested filesystem tree
// (inodes, directories, non-regular files, regular files, and the
// per-image file-resource table) plus the stats aggregates computed over
// them after filtering. Connection handling mirrors resourcedb's.
package filetabledb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/otaimg/otaimg/content"
	"github.com/otaimg/otaimg/internal/msgpackx"
)

const schema = `
CREATE TABLE IF NOT EXISTS ft_inode (
	inode_id INTEGER PRIMARY KEY,
	uid      INTEGER NOT NULL,
	gid      INTEGER NOT NULL,
	mode     INTEGER NOT NULL,
	xattrs   BLOB
);
CREATE TABLE IF NOT EXISTS ft_directories (
	path     TEXT PRIMARY KEY,
	inode_id INTEGER NOT NULL REFERENCES ft_inode(inode_id)
);
CREATE TABLE IF NOT EXISTS ft_non_regular_files (
	path     TEXT PRIMARY KEY,
	inode_id INTEGER NOT NULL REFERENCES ft_inode(inode_id),
	meta     BLOB
);
CREATE TABLE IF NOT EXISTS ft_resource (
	resource_id INTEGER PRIMARY KEY,
	digest      BLOB NOT NULL,
	size        INTEGER NOT NULL,
	contents    BLOB
);
CREATE UNIQUE INDEX IF NOT EXISTS ft_resource_digest_idx ON ft_resource(digest);
CREATE TABLE IF NOT EXISTS ft_regular_files (
	path        TEXT PRIMARY KEY,
	inode_id    INTEGER NOT NULL REFERENCES ft_inode(inode_id),
	resource_id INTEGER NOT NULL REFERENCES ft_resource(resource_id)
);
`

// Inode is one ft_inode row.
type Inode struct {
	InodeID int64
	UID     uint32
	GID     uint32
	Mode    uint32
	Xattrs  map[string][]byte // nil if the entry carries none
}

// Directory is one ft_directories row.
type Directory struct {
	Path    string
	InodeID int64
}

// NonRegularFile is one ft_non_regular_files row. Meta holds the symlink
// target bytes for symlinks, nil for whiteout character devices.
type NonRegularFile struct {
	Path    string
	InodeID int64
	Meta    []byte
}

// RegularFile is one ft_regular_files row.
type RegularFile struct {
	Path       string
	InodeID    int64
	ResourceID int64
}

// FileResource is one ft_resource row: the per-image resource table.
// Contents is non-nil only for inlined entries (size <= INLINE_THRESHOLD).
type FileResource struct {
	ResourceID int64
	Digest     content.Digest
	Size       int64
	Contents   []byte
}

// DB wraps the per-image file-table SQLite database.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the file-table database at path.
func Open(ctx context.Context, path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("filetabledb: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("filetabledb: apply %q: %w", p, err)
		}
	}
	if _, err := sqlDB.ExecContext(ctx, schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("filetabledb: create schema: %w", err)
	}
	// Every 0-byte regular file resolves to resource_id 0 without ever
	// emitting its own FileResource row (ingest's resolveRegularFileResource);
	// seed that sentinel here so the ft_regular_files -> ft_resource foreign
	// key always has somewhere to land (spec's inlined-empty invariant).
	if _, err := sqlDB.ExecContext(ctx,
		`INSERT INTO ft_resource (resource_id, digest, size, contents) VALUES (0, ?, 0, ?)
		 ON CONFLICT(resource_id) DO NOTHING`,
		content.ZeroDigest[:], []byte{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("filetabledb: seed empty sentinel: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Underlying exposes the *sql.DB for callers that need larger transactions.
func (d *DB) Underlying() *sql.DB {
	return d.sql
}

func encodeXattrs(x map[string][]byte) ([]byte, error) {
	if len(x) == 0 {
		return nil, nil
	}
	return msgpackx.Marshal(x)
}

func decodeXattrs(b []byte) (map[string][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var x map[string][]byte
	if err := msgpackx.Unmarshal(b, &x); err != nil {
		return nil, err
	}
	return x, nil
}

// InsertInode inserts an inode row, ignoring the insert if inode_id already
// exists (spec: "first-writer-wins" collapse for hardlinked entries).
func (d *DB) InsertInode(ctx context.Context, i Inode) error {
	xb, err := encodeXattrs(i.Xattrs)
	if err != nil {
		return fmt.Errorf("filetabledb: encode xattrs: %w", err)
	}
	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO ft_inode (inode_id, uid, gid, mode, xattrs) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(inode_id) DO NOTHING`,
		i.InodeID, i.UID, i.GID, i.Mode, xb)
	if err != nil {
		return fmt.Errorf("filetabledb: insert inode: %w", err)
	}
	return nil
}

// GetInode looks up an inode row by id.
func (d *DB) GetInode(ctx context.Context, inodeID int64) (Inode, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT inode_id, uid, gid, mode, xattrs FROM ft_inode WHERE inode_id = ?`, inodeID)
	var (
		i  Inode
		xb []byte
	)
	if err := row.Scan(&i.InodeID, &i.UID, &i.GID, &i.Mode, &xb); err == sql.ErrNoRows {
		return Inode{}, false, nil
	} else if err != nil {
		return Inode{}, false, fmt.Errorf("filetabledb: get inode: %w", err)
	}
	x, err := decodeXattrs(xb)
	if err != nil {
		return Inode{}, false, fmt.Errorf("filetabledb: decode xattrs: %w", err)
	}
	i.Xattrs = x
	return i, true, nil
}

// InsertDirectory inserts a directory row.
func (d *DB) InsertDirectory(ctx context.Context, dir Directory) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO ft_directories (path, inode_id) VALUES (?, ?)`, dir.Path, dir.InodeID)
	if err != nil {
		return fmt.Errorf("filetabledb: insert directory %q: %w", dir.Path, err)
	}
	return nil
}

// InsertNonRegularFile inserts a non-regular-file row (symlink or
// whiteout character device).
func (d *DB) InsertNonRegularFile(ctx context.Context, f NonRegularFile) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO ft_non_regular_files (path, inode_id, meta) VALUES (?, ?, ?)`,
		f.Path, f.InodeID, f.Meta)
	if err != nil {
		return fmt.Errorf("filetabledb: insert non-regular file %q: %w", f.Path, err)
	}
	return nil
}

// InsertRegularFile inserts a regular-file row linking a path to its inode
// and per-image resource.
func (d *DB) InsertRegularFile(ctx context.Context, f RegularFile) error {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO ft_regular_files (path, inode_id, resource_id) VALUES (?, ?, ?)`,
		f.Path, f.InodeID, f.ResourceID)
	if err != nil {
		return fmt.Errorf("filetabledb: insert regular file %q: %w", f.Path, err)
	}
	return nil
}

// InsertResourceIgnore inserts a ft_resource row if its digest is not
// already present, returning the (possibly pre-existing) resource_id.
func (d *DB) InsertResourceIgnore(ctx context.Context, rid int64, digest content.Digest, size int64, contents []byte) (int64, error) {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO ft_resource (resource_id, digest, size, contents) VALUES (?, ?, ?, ?)
		 ON CONFLICT(digest) DO NOTHING`,
		rid, digest[:], size, contents)
	if err != nil {
		return 0, fmt.Errorf("filetabledb: insert resource ignore: %w", err)
	}
	res, found, err := d.GetResourceByDigest(ctx, digest)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("filetabledb: resource for digest %s vanished after insert", digest)
	}
	return res.ResourceID, nil
}

// GetResourceByDigest looks up a ft_resource row by digest.
func (d *DB) GetResourceByDigest(ctx context.Context, digest content.Digest) (FileResource, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT resource_id, digest, size, contents FROM ft_resource WHERE digest = ?`, digest[:])
	return scanFileResource(row.Scan)
}

// GetResourceByID looks up a ft_resource row by id.
func (d *DB) GetResourceByID(ctx context.Context, resourceID int64) (FileResource, bool, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT resource_id, digest, size, contents FROM ft_resource WHERE resource_id = ?`, resourceID)
	return scanFileResource(row.Scan)
}

func scanFileResource(scan func(dest ...any) error) (FileResource, bool, error) {
	var (
		r  FileResource
		db []byte
	)
	if err := scan(&r.ResourceID, &db, &r.Size, &r.Contents); err == sql.ErrNoRows {
		return FileResource{}, false, nil
	} else if err != nil {
		return FileResource{}, false, fmt.Errorf("filetabledb: scan resource: %w", err)
	}
	if len(db) != content.Size {
		return FileResource{}, false, fmt.Errorf("filetabledb: resource %d has %d-byte digest, want %d", r.ResourceID, len(db), content.Size)
	}
	copy(r.Digest[:], db)
	return r, true, nil
}

// InsertManyInodes inserts a batch of inode rows in one transaction,
// ignoring duplicates of inode_id so hardlinked entries collapse.
func (d *DB) InsertManyInodes(ctx context.Context, rows []Inode) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many inodes: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ft_inode (inode_id, uid, gid, mode, xattrs) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(inode_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many inodes: prepare: %w", err)
	}
	defer stmt.Close()

	for _, i := range rows {
		xb, err := encodeXattrs(i.Xattrs)
		if err != nil {
			return fmt.Errorf("filetabledb: insert many inodes: encode xattrs: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, i.InodeID, i.UID, i.GID, i.Mode, xb); err != nil {
			return fmt.Errorf("filetabledb: insert many inodes: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filetabledb: insert many inodes: commit: %w", err)
	}
	return nil
}

// InsertManyDirectories inserts a batch of directory rows in one transaction.
func (d *DB) InsertManyDirectories(ctx context.Context, rows []Directory) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many directories: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ft_directories (path, inode_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many directories: prepare: %w", err)
	}
	defer stmt.Close()

	for _, dir := range rows {
		if _, err := stmt.ExecContext(ctx, dir.Path, dir.InodeID); err != nil {
			return fmt.Errorf("filetabledb: insert many directories: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filetabledb: insert many directories: commit: %w", err)
	}
	return nil
}

// InsertManyNonRegularFiles inserts a batch of non-regular-file rows in one
// transaction.
func (d *DB) InsertManyNonRegularFiles(ctx context.Context, rows []NonRegularFile) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many non-regular files: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ft_non_regular_files (path, inode_id, meta) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many non-regular files: prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range rows {
		if _, err := stmt.ExecContext(ctx, f.Path, f.InodeID, f.Meta); err != nil {
			return fmt.Errorf("filetabledb: insert many non-regular files: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filetabledb: insert many non-regular files: commit: %w", err)
	}
	return nil
}

// InsertManyRegularFiles inserts a batch of regular-file rows in one
// transaction.
func (d *DB) InsertManyRegularFiles(ctx context.Context, rows []RegularFile) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many regular files: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ft_regular_files (path, inode_id, resource_id) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many regular files: prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range rows {
		if _, err := stmt.ExecContext(ctx, f.Path, f.InodeID, f.ResourceID); err != nil {
			return fmt.Errorf("filetabledb: insert many regular files: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filetabledb: insert many regular files: commit: %w", err)
	}
	return nil
}

// InsertManyResourcesIgnore inserts a batch of ft_resource rows in one
// transaction, ignoring any whose digest already has a row.
func (d *DB) InsertManyResourcesIgnore(ctx context.Context, rows []FileResource) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many resources: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ft_resource (resource_id, digest, size, contents) VALUES (?, ?, ?, ?)
		 ON CONFLICT(digest) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("filetabledb: insert many resources: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.ResourceID, r.Digest[:], r.Size, r.Contents); err != nil {
			return fmt.Errorf("filetabledb: insert many resources: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("filetabledb: insert many resources: commit: %w", err)
	}
	return nil
}

// Stats holds the post-filter aggregates defined in spec §4.9.
type Stats struct {
	ImageBlobsCount              int64
	ImageBlobsSize               int64
	SysImageSize                 int64
	SysImageRegularFilesCount    int64
	SysImageNonRegularFilesCount int64
	SysImageDirsCount            int64
	SysImageUniqueFileEntries    int64
	SysImageUniqueFileEntriesSize int64
}

// ComputeStats recomputes every aggregate in Stats from the current table
// contents.
func (d *DB) ComputeStats(ctx context.Context) (Stats, error) {
	var s Stats

	if err := d.sql.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM ft_resource WHERE contents IS NULL`,
	).Scan(&s.ImageBlobsCount, &s.ImageBlobsSize); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats image_blobs: %w", err)
	}

	if err := d.sql.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(r.size), 0)
		 FROM ft_regular_files f
		 JOIN ft_resource r ON r.resource_id = f.resource_id`,
	).Scan(&s.SysImageSize); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats sys_image_size: %w", err)
	}

	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM ft_regular_files`).Scan(&s.SysImageRegularFilesCount); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats regular_files_count: %w", err)
	}
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM ft_non_regular_files`).Scan(&s.SysImageNonRegularFilesCount); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats non_regular_files_count: %w", err)
	}
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM ft_directories`).Scan(&s.SysImageDirsCount); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats dirs_count: %w", err)
	}
	if err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM ft_resource`).Scan(&s.SysImageUniqueFileEntries); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats unique_file_entries: %w", err)
	}
	if err := d.sql.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM ft_resource`).Scan(&s.SysImageUniqueFileEntriesSize); err != nil {
		return Stats{}, fmt.Errorf("filetabledb: stats unique_file_entries_size: %w", err)
	}
	return s, nil
}

// BeginTx starts a transaction on the underlying connection.
func (d *DB) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return d.sql.BeginTx(ctx, nil)
}
