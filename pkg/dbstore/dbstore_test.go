package dbstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenMigratesToHeadVersion(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vault.db")

	db, err := Open(context.Background(), dbPath, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	version, err := db.currentSchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("currentSchemaVersion: %v", err)
	}
	if version != HeadSchemaVersion {
		t.Fatalf("schema version = %d, want %d", version, HeadSchemaVersion)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vault.db")

	db1, err := Open(context.Background(), dbPath, "")
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(context.Background(), dbPath, "")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	version, err := db2.currentSchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("currentSchemaVersion: %v", err)
	}
	if version != HeadSchemaVersion {
		t.Fatalf("schema version = %d, want %d", version, HeadSchemaVersion)
	}
}

func TestObjectIndexRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "vault.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	hash := "blake3:" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"

	exists, err := db.ObjectRowExists(ctx, hash)
	if err != nil {
		t.Fatalf("ObjectRowExists: %v", err)
	}
	if exists {
		t.Fatalf("expected object row to not exist yet")
	}

	if err := db.EnsureObjectRow(ctx, hash, 1); err != nil {
		t.Fatalf("EnsureObjectRow: %v", err)
	}
	if err := db.EnsureObjectRow(ctx, hash, 2); err != nil {
		t.Fatalf("EnsureObjectRow (second call): %v", err)
	}

	exists, err = db.ObjectRowExists(ctx, hash)
	if err != nil {
		t.Fatalf("ObjectRowExists: %v", err)
	}
	if !exists {
		t.Fatalf("expected object row to exist after EnsureObjectRow")
	}
}

func TestObjectHashReferenced(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "vault.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	hash := "blake3:" + "ff00112233445566778899aabbccddeeff00112233445566778899aabbccdd"

	referenced, err := db.ObjectHashReferenced(ctx, hash)
	if err != nil {
		t.Fatalf("ObjectHashReferenced: %v", err)
	}
	if referenced {
		t.Fatalf("expected hash to be unreferenced before any docs row")
	}

	_, err = db.SQL().ExecContext(ctx, `
		INSERT INTO docs (doc_id, original_object_hash, bytes, mime, source_kind, effective_ts_ms, ingested_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"doc-1", hash, 3, "text/plain", "file", 1000, 1)
	if err != nil {
		t.Fatalf("insert docs row: %v", err)
	}

	referenced, err = db.ObjectHashReferenced(ctx, hash)
	if err != nil {
		t.Fatalf("ObjectHashReferenced: %v", err)
	}
	if !referenced {
		t.Fatalf("expected hash to be referenced after docs row insert")
	}
}

func TestEncryptionMigrationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vault.db")

	db, err := Open(context.Background(), dbPath, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	migrated, err := MigrateToEncrypted(dbPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("MigrateToEncrypted: %v", err)
	}
	if !migrated {
		t.Fatalf("expected first migration to report migrated=true")
	}

	encrypted, err := fileIsEncryptedEnvelope(dbPath)
	if err != nil {
		t.Fatalf("fileIsEncryptedEnvelope: %v", err)
	}
	if !encrypted {
		t.Fatalf("expected database file to be an encrypted envelope after migration")
	}

	// Opening without a passphrase must fail locked.
	if _, err := Open(context.Background(), dbPath, ""); err == nil {
		t.Fatalf("expected Open without passphrase to fail on encrypted database")
	}

	// Opening with the wrong passphrase must fail key-invalid.
	if _, err := Open(context.Background(), dbPath, "wrong passphrase"); err == nil {
		t.Fatalf("expected Open with wrong passphrase to fail")
	}

	reopened, err := Open(context.Background(), dbPath, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Open with correct passphrase: %v", err)
	}
	defer reopened.Close()

	version, err := reopened.currentSchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("currentSchemaVersion: %v", err)
	}
	if version != HeadSchemaVersion {
		t.Fatalf("schema version = %d, want %d", version, HeadSchemaVersion)
	}
}

func TestRebuildChunksFTSSlicesCanonicalText(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "vault.db"), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	docID := "doc-1"
	canonicalText := "hello world"

	_, err = db.SQL().ExecContext(ctx, `
		INSERT INTO docs (doc_id, original_object_hash, bytes, mime, source_kind, effective_ts_ms, ingested_event_id)
		VALUES (?, ?, 11, 'text/plain', 'file', 1000, 1)`,
		docID, "blake3:0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("insert docs row: %v", err)
	}
	_, err = db.SQL().ExecContext(ctx, `
		INSERT INTO chunks (chunk_id, doc_id, ordinal, start_char, end_char, chunking_config_hash, source_kind)
		VALUES ('chunk-1', ?, 0, 0, 5, 'cfg', 'file'), ('chunk-2', ?, 1, 6, 11, 'cfg', 'file')`,
		docID, docID)
	if err != nil {
		t.Fatalf("insert chunks: %v", err)
	}

	fetch := func(_ context.Context, gotDocID string) (string, error) {
		if gotDocID != docID {
			t.Fatalf("unexpected doc id requested: %s", gotDocID)
		}
		return canonicalText, nil
	}

	if err := db.RebuildChunksFTS(ctx, fetch); err != nil {
		t.Fatalf("RebuildChunksFTS: %v", err)
	}

	var content string
	if err := db.SQL().QueryRowContext(ctx,
		`SELECT content FROM chunks_fts WHERE chunk_id = 'chunk-1'`).Scan(&content); err != nil {
		t.Fatalf("query chunks_fts: %v", err)
	}
	if content != "hello" {
		t.Fatalf("chunk-1 content = %q, want %q", content, "hello")
	}

	if err := db.SQL().QueryRowContext(ctx,
		`SELECT content FROM chunks_fts WHERE chunk_id = 'chunk-2'`).Scan(&content); err != nil {
		t.Fatalf("query chunks_fts: %v", err)
	}
	if content != "world" {
		t.Fatalf("chunk-2 content = %q, want %q", content, "world")
	}
}
