// Package metadata provides the transactional, SQL-backed metadata store of
// a bucket: object rows, multipart upload rows and multipart part rows.
//
// One SQLite database holds one bucket. Every multi-step procedure runs
// inside a single serialisable transaction; procedures that displace blobs
// return the orphaned blob ids so the caller can schedule their deletion
// after commit.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/thatique/gudang/validate"
	"github.com/thatique/gudang/verr"
)

// Store is the metadata store of a single bucket.
type Store struct {
	db *sql.DB
}

// Open opens or creates the bucket database at path. Pass ":memory:" for a
// throwaway in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening bucket metadata database: %w", err)
	}
	// The metadata database is single-writer per bucket; one connection
	// serialises every procedure.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bucket metadata database: %w", err)
	}
	return s, nil
}

func (s *Store) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		// Exact prefix matching: LIKE must not fold case.
		"PRAGMA case_sensitive_like = TRUE",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS objects (
			key             TEXT PRIMARY KEY,
			version         TEXT NOT NULL,
			size            INTEGER NOT NULL,
			etag            TEXT NOT NULL,
			uploaded        INTEGER NOT NULL,
			checksums       TEXT NOT NULL,
			http_metadata   TEXT NOT NULL,
			custom_metadata TEXT NOT NULL,
			blob_id         TEXT
		);

		CREATE TABLE IF NOT EXISTS multipart_uploads (
			upload_id       TEXT PRIMARY KEY,
			key             TEXT NOT NULL,
			state           INTEGER NOT NULL DEFAULT 0,
			http_metadata   TEXT NOT NULL,
			custom_metadata TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS multipart_parts (
			upload_id    TEXT NOT NULL,
			part_number  INTEGER NOT NULL,
			blob_id      TEXT NOT NULL,
			size         INTEGER NOT NULL,
			etag         TEXT NOT NULL,
			checksum_md5 TEXT NOT NULL,
			object_key   TEXT,
			PRIMARY KEY (upload_id, part_number)
		);

		CREATE INDEX IF NOT EXISTS multipart_parts_object_key
			ON multipart_parts (object_key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating metadata schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for health checking.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside one transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return verr.Newf(verr.Internal, err, "beginning metadata transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return verr.Newf(verr.Internal, err, "committing metadata transaction")
	}
	return nil
}

func marshalMap(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// A map[string]string always marshals.
		panic(err)
	}
	return string(raw)
}

func unmarshalMap(raw string) (map[string]string, error) {
	m := map[string]string{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, verr.Newf(verr.Internal, err, "decoding metadata column")
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const objectColumns = `key, version, size, etag, uploaded, checksums, http_metadata, custom_metadata, blob_id`

func scanObject(r rowScanner) (*ObjectRow, error) {
	var (
		row                     ObjectRow
		checksums, http, custom string
		blobID                  sql.NullString
	)
	err := r.Scan(&row.Key, &row.Version, &row.Size, &row.Etag, &row.Uploaded,
		&checksums, &http, &custom, &blobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, verr.Newf(verr.Internal, err, "scanning object row")
	}
	if row.Checksums, err = unmarshalMap(checksums); err != nil {
		return nil, err
	}
	if row.HTTPMetadata, err = unmarshalMap(http); err != nil {
		return nil, err
	}
	if row.CustomMetadata, err = unmarshalMap(custom); err != nil {
		return nil, err
	}
	if blobID.Valid {
		row.BlobID = blobID.String
	} else {
		row.Multipart = true
	}
	return &row, nil
}

func getObject(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, key string) (*ObjectRow, error) {
	return scanObject(q.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE key = ?`, key))
}

// GetByKey returns the object row at key, or nil when there is none.
func (s *Store) GetByKey(ctx context.Context, key string) (*ObjectRow, error) {
	return getObject(ctx, s.db, key)
}

// GetPartsByKey returns the object row at key and, when the row's content is
// multipart, its linked parts ordered by part number. Both reads happen in
// one transaction.
func (s *Store) GetPartsByKey(ctx context.Context, key string) (*ObjectRow, []PartRow, error) {
	var (
		row   *ObjectRow
		parts []PartRow
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if row, err = getObject(ctx, tx, key); err != nil {
			return err
		}
		if row == nil || !row.Multipart {
			return nil
		}
		parts, err = selectParts(ctx, tx,
			`SELECT upload_id, part_number, blob_id, size, etag, checksum_md5, object_key
			   FROM multipart_parts WHERE object_key = ? ORDER BY part_number`, key)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return row, parts, nil
}

func selectParts(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) ([]PartRow, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, verr.Newf(verr.Internal, err, "querying part rows")
	}
	defer rows.Close()
	var parts []PartRow
	for rows.Next() {
		var (
			p         PartRow
			objectKey sql.NullString
		)
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.BlobID, &p.Size, &p.Etag, &p.ChecksumMD5, &objectKey); err != nil {
			return nil, verr.Newf(verr.Internal, err, "scanning part row")
		}
		if objectKey.Valid {
			key := objectKey.String
			p.ObjectKey = &key
		}
		parts = append(parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, verr.Newf(verr.Internal, err, "iterating part rows")
	}
	return parts, nil
}

// displaceObject collects the blob ids orphaned by replacing or deleting the
// current row at key, removing the linked part rows of a multipart object.
// It must run before the replacement row is written.
func displaceObject(ctx context.Context, tx *sql.Tx, cur *ObjectRow) ([]string, error) {
	if cur == nil {
		return nil, nil
	}
	if !cur.Multipart {
		return []string{cur.BlobID}, nil
	}
	parts, err := selectParts(ctx, tx,
		`SELECT upload_id, part_number, blob_id, size, etag, checksum_md5, object_key
		   FROM multipart_parts WHERE object_key = ?`, cur.Key)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM multipart_parts WHERE object_key = ?`, cur.Key); err != nil {
		return nil, verr.Newf(verr.Internal, err, "deleting displaced part rows")
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.BlobID)
	}
	return ids, nil
}

func insertObject(ctx context.Context, tx *sql.Tx, row *ObjectRow) error {
	blobID := sql.NullString{String: row.BlobID, Valid: !row.Multipart}
	_, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects
		   (key, version, size, etag, uploaded, checksums, http_metadata, custom_metadata, blob_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.Key, row.Version, row.Size, row.Etag, row.Uploaded,
		marshalMap(row.Checksums), marshalMap(row.HTTPMetadata), marshalMap(row.CustomMetadata),
		blobID)
	if err != nil {
		return verr.Newf(verr.Internal, err, "writing object row")
	}
	return nil
}

// Put inserts or replaces the object row, first evaluating onlyIf against
// the current row. It returns the blob ids orphaned by the replacement.
func (s *Store) Put(ctx context.Context, row *ObjectRow, onlyIf *validate.Conditions) ([]string, error) {
	var orphaned []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getObject(ctx, tx, row.Key)
		if err != nil {
			return err
		}
		if !validate.Condition(conditionalMeta(cur), onlyIf) {
			return verr.Newf(verr.PreconditionFailed, nil, "precondition failed on put of %q", row.Key)
		}
		if orphaned, err = displaceObject(ctx, tx, cur); err != nil {
			return err
		}
		return insertObject(ctx, tx, row)
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

// DeleteByKeys deletes every named object in one transaction and returns the
// orphaned blob ids. Absent keys are skipped.
func (s *Store) DeleteByKeys(ctx context.Context, keys []string) ([]string, error) {
	var orphaned []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, key := range keys {
			cur, err := getObject(ctx, tx, key)
			if err != nil {
				return err
			}
			if cur == nil {
				continue
			}
			ids, err := displaceObject(ctx, tx, cur)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
				return verr.Newf(verr.Internal, err, "deleting object row %q", key)
			}
			orphaned = append(orphaned, ids...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func conditionalMeta(row *ObjectRow) *validate.ConditionalMeta {
	if row == nil {
		return nil
	}
	return &validate.ConditionalMeta{Etag: row.Etag, Uploaded: row.Uploaded}
}
