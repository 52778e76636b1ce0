// Copyright 2025 Knowledgecore Project
package synctransport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
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
	store := objectstore.New(root, db, nil)
	return root, meta, db, store
}

func TestParseTargetSelectsTransport(t *testing.T) {
	cases := []struct {
		target string
		kind   string
	}{
		{"/tmp/some/target", "file"},
		{"file:///tmp/some/target", "file"},
	}
	for _, c := range cases {
		tr, err := ParseTarget(c.target)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", c.target, err)
		}
		if tr.Kind() != c.kind {
			t.Fatalf("ParseTarget(%q): got kind %q, want %q", c.target, tr.Kind(), c.kind)
		}
	}

	if _, err := ParseTarget(""); err == nil {
		t.Fatalf("expected error for empty target")
	}
	if _, err := ParseTarget("ftp://example.com/x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestPushThenPullRoundTrips(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)
	t.Cleanup(func() { db.Close() })

	if _, err := store.PutBytes(ctx, []byte("alpha"), 1); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	target := NewFilePathTransport(t.TempDir())

	if _, err := Push(ctx, root, target, db, meta, db, store, 1000); err != nil {
		t.Fatalf("Push: %v", err)
	}

	status, err := ReadStatus(ctx, db)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status.RemoteHeadSeen == "" {
		t.Fatalf("expected sync_remote_head_seen to be set after push")
	}

	pullRoot, pullMeta, pullDB, pullStore := newTestVault(t)

	result, newDB, err := Pull(ctx, pullRoot, target, pullDB, pullMeta, pullDB, pullStore, nil, "", 2000)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer newDB.Close()
	if result.SnapshotID == "" {
		t.Fatalf("expected a snapshot id from pull")
	}
}

func TestPushDetectsConflict(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)
	t.Cleanup(func() { db.Close() })

	targetDir := t.TempDir()
	target := NewFilePathTransport(targetDir)

	if _, err := Push(ctx, root, target, db, meta, db, store, 100); err != nil {
		t.Fatalf("Push (1): %v", err)
	}

	fabricated := &SyncHead{
		SchemaVersion: 1,
		SnapshotID:    "S1",
		ManifestHash:  "blake3:" + zeroHex64(),
		CreatedAtMs:   150,
	}
	if err := target.WriteHead(ctx, fabricated); err != nil {
		t.Fatalf("WriteHead (fabricated): %v", err)
	}

	if _, err := store.PutBytes(ctx, []byte("new-local-object"), 1); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	_, err := Push(ctx, root, target, db, meta, db, store, 201)
	if err == nil {
		t.Fatalf("expected KC_SYNC_CONFLICT")
	}
	appErr, ok := err.(*kcerr.AppError)
	if !ok || appErr.Code != kcerr.CodeSyncConflict {
		t.Fatalf("expected CodeSyncConflict, got %v", err)
	}
}

func TestPushToEmulatedS3RespectsWriteLock(t *testing.T) {
	ctx := context.Background()
	root, meta, db, store := newTestVault(t)
	t.Cleanup(func() { db.Close() })

	t.Setenv("KC_SYNC_S3_EMULATE_ROOT", t.TempDir())
	tr, err := ParseTarget("s3://bucket/vaults/demo")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if tr.Kind() != "s3" {
		t.Fatalf("kind = %q, want s3", tr.Kind())
	}

	locker, ok := tr.(Locker)
	if !ok {
		t.Fatalf("s3 transport must implement Locker")
	}
	// An unexpired foreign lock blocks the push.
	if err := locker.TryAcquireLock(ctx, 50, 10_000); err != nil {
		t.Fatalf("TryAcquireLock: %v", err)
	}
	_, err = Push(ctx, root, tr, db, meta, db, store, 100)
	appErr, isApp := err.(*kcerr.AppError)
	if !isApp || appErr.Code != kcerr.CodeSyncLocked {
		t.Fatalf("expected CodeSyncLocked, got %v", err)
	}

	// Past the lock's expiry the push goes through and releases cleanly.
	result, err := Push(ctx, root, tr, db, meta, db, store, 20_000)
	if err != nil {
		t.Fatalf("Push after lock expiry: %v", err)
	}
	if result.SnapshotID == "" {
		t.Fatalf("expected a snapshot id")
	}

	head, found, err := tr.ReadHead(ctx)
	if err != nil || !found {
		t.Fatalf("ReadHead: found=%v err=%v", found, err)
	}
	if head.SnapshotID != result.SnapshotID {
		t.Fatalf("head snapshot %q != pushed %q", head.SnapshotID, result.SnapshotID)
	}
}

func zeroHex64() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}
