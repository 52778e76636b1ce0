// Copyright 2025 Knowledgecore Project
package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/objectstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/vaultmeta"
)

func newTestVault(t *testing.T) (string, *vaultmeta.Meta, *dbstore.DB, *objectstore.Store) {
	t.Helper()
	root := t.TempDir()
	meta, err := vaultmeta.Init(root, "demo", 1000)
	if err != nil {
		t.Fatalf("vaultmeta.Init: %v", err)
	}
	db, err := dbstore.Open(context.Background(), filepath.Join(root, meta.DB.RelativePath), "")
	if err != nil {
		t.Fatalf("dbstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := objectstore.New(root, db, nil)
	return root, meta, db, store
}

func TestExportBundleFolderIsDeterministic(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)

	if _, err := store.PutBytes(ctx, []byte("aaa"), 1); err != nil {
		t.Fatalf("PutBytes aaa: %v", err)
	}
	if _, err := store.PutBytes(ctx, []byte("bbb"), 1); err != nil {
		t.Fatalf("PutBytes bbb: %v", err)
	}

	dest1 := filepath.Join(t.TempDir(), "bundle1")
	m1, err := ExportBundle(ctx, root, dest1, meta, db, store, Options{Format: "folder"})
	if err != nil {
		t.Fatalf("ExportBundle (1): %v", err)
	}
	if len(m1.Objects) != 2 {
		t.Fatalf("expected 2 objects in manifest, got %d", len(m1.Objects))
	}
	if m1.Objects[0].Hash > m1.Objects[1].Hash {
		t.Fatalf("objects are not sorted ascending by hash")
	}

	dest2 := filepath.Join(t.TempDir(), "bundle2")
	m2, err := ExportBundle(ctx, root, dest2, meta, db, store, Options{Format: "folder"})
	if err != nil {
		t.Fatalf("ExportBundle (2): %v", err)
	}

	b1, err := m1.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes (1): %v", err)
	}
	b2, err := m2.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes (2): %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("manifest.json is not byte-identical across repeated exports")
	}

	report := VerifyBundle(dest1)
	if report.ExitCode != ExitOK {
		t.Fatalf("expected exit code 0, got %d (errors=%v)", report.ExitCode, report.Errors)
	}
}

func TestExportBundleZipRoundTrips(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)
	if _, err := store.PutBytes(ctx, []byte("payload"), 1); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	destZip := filepath.Join(t.TempDir(), "bundle.zip")
	if _, err := ExportBundle(ctx, root, destZip, meta, db, store, Options{Format: "zip"}); err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}
	if _, err := os.Stat(destZip); err != nil {
		t.Fatalf("expected zip file to exist: %v", err)
	}
}

func TestVerifyBundleDetectsObjectTampering(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)
	if _, err := store.PutBytes(ctx, []byte("payload"), 1); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "bundle")
	manifest, err := ExportBundle(ctx, root, dest, meta, db, store, Options{Format: "folder"})
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}

	objPath := filepath.Join(dest, filepath.FromSlash(manifest.Objects[0].RelativePath))
	if err := os.WriteFile(objPath, []byte("tampered"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report := VerifyBundle(dest)
	if report.ExitCode != ExitObjectMismatch {
		t.Fatalf("expected exit code %d, got %d", ExitObjectMismatch, report.ExitCode)
	}
	found := false
	for _, e := range report.Errors {
		if e.Code == "OBJECT_HASH_MISMATCH" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an OBJECT_HASH_MISMATCH error, got %v", report.Errors)
	}
}

func TestVerifyBundleDetectsMissingObject(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)
	if _, err := store.PutBytes(ctx, []byte("payload"), 1); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "bundle")
	manifest, err := ExportBundle(ctx, root, dest, meta, db, store, Options{Format: "folder"})
	if err != nil {
		t.Fatalf("ExportBundle: %v", err)
	}
	objPath := filepath.Join(dest, filepath.FromSlash(manifest.Objects[0].RelativePath))
	if err := os.Remove(objPath); err != nil {
		t.Fatalf("remove: %v", err)
	}

	report := VerifyBundle(dest)
	if report.ExitCode != ExitObjectMissing {
		t.Fatalf("expected exit code %d, got %d", ExitObjectMissing, report.ExitCode)
	}
}

func TestVerifyBundleRejectsBadManifestJSON(t *testing.T) {
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "manifest.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	report := VerifyBundle(dest)
	if report.ExitCode != ExitManifestParseFailed {
		t.Fatalf("expected exit code %d, got %d", ExitManifestParseFailed, report.ExitCode)
	}
}

func TestValidateSyncHeadSchemaVersionRequirements(t *testing.T) {
	v1 := map[string]any{"schema_version": float64(1), "snapshot_id": "s1", "manifest_hash": "blake3:x", "created_at_ms": float64(1000)}
	if msg := ValidateSyncHeadSchema(v1); msg != "" {
		t.Fatalf("expected v1 to validate, got %q", msg)
	}

	v2Missing := map[string]any{"schema_version": float64(2), "snapshot_id": "s1", "manifest_hash": "blake3:x", "created_at_ms": float64(1000)}
	if msg := ValidateSyncHeadSchema(v2Missing); msg == "" {
		t.Fatalf("expected v2 without trust block to fail")
	}

	v3Missing := map[string]any{
		"schema_version": float64(3), "snapshot_id": "s1", "manifest_hash": "blake3:x", "created_at_ms": float64(1000),
		"trust": map[string]any{"model": "passphrase_v1", "fingerprint": "blake3:y", "updated_at_ms": float64(1000)},
	}
	if msg := ValidateSyncHeadSchema(v3Missing); msg == "" {
		t.Fatalf("expected v3 without author_* fields to fail")
	}
}
