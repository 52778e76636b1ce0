// Copyright 2025 Knowledgecore Project
package dbstore

import (
	"context"
	"database/sql"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// CanonicalTextRow satisfies ingest.CanonicalRowLookup: returns the
// canonical_object_hash/canonical_hash pair stored for docID.
func (d *DB) CanonicalTextRow(ctx context.Context, docID string) (canonicalObjectHash, canonicalHash string, err error) {
	row := d.sqlDB.QueryRowContext(ctx,
		`SELECT canonical_object_hash, canonical_hash FROM canonical_text WHERE doc_id = ?`, docID)
	if scanErr := row.Scan(&canonicalObjectHash, &canonicalHash); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", kcerr.New(kcerr.CodeLocatorInvalidSchema, kcerr.CategoryLocator,
				"no canonical_text row for doc_id")
		}
		return "", "", kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to read canonical_text row", scanErr)
	}
	return canonicalObjectHash, canonicalHash, nil
}

// EnsureObjectRow satisfies objectstore.Index: inserts an objects row
// if one does not already exist for hash.
func (d *DB) EnsureObjectRow(ctx context.Context, objectHash string, createdEventID int64) error {
	_, err := d.sqlDB.ExecContext(ctx, `
		INSERT INTO objects (object_hash, created_event_id)
		VALUES (?, ?)
		ON CONFLICT(object_hash) DO NOTHING`,
		objectHash, createdEventID)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to ensure objects row", err)
	}
	return nil
}

// ObjectRowExists satisfies objectstore.Index.
func (d *DB) ObjectRowExists(ctx context.Context, objectHash string) (bool, error) {
	var exists int
	err := d.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM objects WHERE object_hash = ?`, objectHash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to check objects row", err)
	}
	return true, nil
}

// ObjectHashReferenced satisfies objectstore.RefCounter: an object hash
// is referenced if any docs.original_object_hash or
// canonical_text.canonical_object_hash row points at it.
func (d *DB) ObjectHashReferenced(ctx context.Context, objectHash string) (bool, error) {
	var exists int
	err := d.sqlDB.QueryRowContext(ctx, `
		SELECT 1 FROM docs WHERE original_object_hash = ?
		UNION ALL
		SELECT 1 FROM canonical_text WHERE canonical_object_hash = ?
		LIMIT 1`,
		objectHash, objectHash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to check object reference", err)
	}
	return true, nil
}

// ListObjectHashes returns every object_hash known to the relational
// store, ascending, for export bundle manifest generation.
func (d *DB) ListObjectHashes(ctx context.Context) ([]string, error) {
	rows, err := d.sqlDB.QueryContext(ctx, `SELECT object_hash FROM objects ORDER BY object_hash ASC`)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to list object hashes", err)
	}
	defer rows.Close()
	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"failed to scan object hash row", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"error iterating object hash rows", err)
	}
	return hashes, nil
}

// CanonicalTextFetcher resolves the full canonical text for a doc_id.
// dbstore does not hold object bytes itself (that lives in
// objectstore), so RebuildChunksFTS takes this as a callback rather
// than importing objectstore directly.
type CanonicalTextFetcher func(ctx context.Context, docID string) (string, error)

// RebuildChunksFTS repopulates the chunks_fts full-text index from
// chunks/canonical_text.
// Chunk text itself is not stored in the chunks table (only character
// offsets are); fetchText returns each doc's full canonical text and
// the indexed span is sliced out of it here.
func (d *DB) RebuildChunksFTS(ctx context.Context, fetchText CanonicalTextFetcher) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to begin FTS rebuild transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks_fts`); err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to clear chunks_fts", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT chunk_id, doc_id, start_char, end_char FROM chunks ORDER BY doc_id, ordinal`)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to list chunks for FTS rebuild", err)
	}

	type chunkSpan struct {
		chunkID, docID         string
		startChar, endChar     int
	}
	var spans []chunkSpan
	for rows.Next() {
		var c chunkSpan
		if err := rows.Scan(&c.chunkID, &c.docID, &c.startChar, &c.endChar); err != nil {
			rows.Close()
			return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"failed to scan chunk row", err)
		}
		spans = append(spans, c)
	}
	rows.Close()

	textByDoc := make(map[string]string)
	for _, c := range spans {
		text, cached := textByDoc[c.docID]
		if !cached {
			fetched, err := fetchText(ctx, c.docID)
			if err != nil {
				return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
					"failed to fetch canonical text for FTS rebuild", err)
			}
			text = fetched
			textByDoc[c.docID] = text
		}
		start, end := c.startChar, c.endChar
		runes := []rune(text)
		if start < 0 {
			start = 0
		}
		if end > len(runes) {
			end = len(runes)
		}
		var content string
		if start < end {
			content = string(runes[start:end])
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, doc_id, content) VALUES (?, ?, ?)`,
			c.chunkID, c.docID, content); err != nil {
			return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"failed to repopulate chunks_fts", err)
		}
	}
	return tx.Commit()
}

// MigrateToEncrypted performs migrate_db_to_sqlcipher on a closed
// database file at dbPath. The DB must not be open when this is
// called; callers open, close, migrate, then reopen with the
// passphrase.
func MigrateToEncrypted(dbPath, passphrase string) (migrated bool, err error) {
	if passphrase == "" {
		return false, kcerr.New(kcerr.CodeDBKeyInvalid, kcerr.CategoryEncryption,
			"passphrase must not be empty for database encryption migration")
	}
	return migrateDBToSQLCipher(dbPath, passphrase)
}
