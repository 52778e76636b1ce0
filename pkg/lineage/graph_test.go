// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/eventlog"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

func newTestDB(t *testing.T) *dbstore.DB {
	t.Helper()
	db, err := dbstore.Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"), "")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedDoc inserts a minimal doc with one ingestion event and returns
// docID for use by graph/lock/rbac tests.
func seedDoc(t *testing.T, db *dbstore.DB, docID string) {
	t.Helper()
	ctx := context.Background()

	ev, err := eventlog.AppendEvent(ctx, db, 1000, "doc.ingested", map[string]any{"doc_id": docID})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}

	objectHash := "blake3:" + zeroHex64()
	if _, err := db.ExecContext(ctx, `INSERT INTO objects (object_hash, created_event_id) VALUES (?, ?)`, objectHash, ev.EventID); err != nil {
		t.Fatalf("insert object: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO docs (doc_id, original_object_hash, bytes, mime, source_kind, effective_ts_ms, ingested_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		docID, objectHash, 10, "text/plain", "upload", 1000, ev.EventID); err != nil {
		t.Fatalf("insert doc: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO doc_sources (doc_id, source_path) VALUES (?, ?)`, docID, "inbox/a.txt"); err != nil {
		t.Fatalf("insert doc_sources: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO chunks (chunk_id, doc_id, ordinal, start_char, end_char, chunking_config_hash, source_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		docID+"-c0", docID, 0, 0, 10, "blake3:"+zeroHex64(), "upload"); err != nil {
		t.Fatalf("insert chunk: %v", err)
	}
}

func zeroHex64() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

func TestQuerySeedsDocObjectEventChunkSource(t *testing.T) {
	db := newTestDB(t)
	seedDoc(t, db, "doc-1")

	g, err := Query(context.Background(), db, "doc-1", 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	wantKinds := map[string]bool{"doc": false, "object": false, "event": false, "chunk": false, "source": false}
	for _, n := range g.Nodes {
		wantKinds[n.Kind] = true
	}
	for kind, seen := range wantKinds {
		if !seen {
			t.Errorf("expected a %q node in the graph", kind)
		}
	}

	foundIngest := false
	for _, e := range g.Edges {
		if e.From == "doc-1" && e.Relation == "ingested_by_event" {
			foundIngest = true
		}
	}
	if !foundIngest {
		t.Error("expected a doc-1 -> ingested_by_event edge")
	}
}

func TestQueryRejectsOutOfRangeDepth(t *testing.T) {
	db := newTestDB(t)
	seedDoc(t, db, "doc-1")

	if _, err := Query(context.Background(), db, "doc-1", -1); err == nil {
		t.Fatal("expected error for negative depth")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageInvalidDepth {
		t.Fatalf("expected CodeLineageInvalidDepth, got %v", err)
	}

	if _, err := Query(context.Background(), db, "doc-1", MaxDepth+1); err == nil {
		t.Fatal("expected error for depth beyond MaxDepth")
	}
}

func TestQueryMissingDocNotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := Query(context.Background(), db, "does-not-exist", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	appErr, ok := err.(*kcerr.AppError)
	if !ok || appErr.Code != kcerr.CodeLineageDocNotFound {
		t.Fatalf("expected CodeLineageDocNotFound, got %v", err)
	}
}

func TestQueryExpandsEventChainByDepth(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := eventlog.AppendEvent(ctx, db, 500, "vault.created", map[string]any{}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	seedDoc(t, db, "doc-1")

	shallow, err := Query(ctx, db, "doc-1", 0)
	if err != nil {
		t.Fatalf("Query depth 0: %v", err)
	}
	deep, err := Query(ctx, db, "doc-1", 1)
	if err != nil {
		t.Fatalf("Query depth 1: %v", err)
	}
	if len(deep.Edges) <= len(shallow.Edges) {
		t.Fatalf("expected depth 1 to surface more edges than depth 0: %d vs %d", len(deep.Edges), len(shallow.Edges))
	}

	foundChainHop := false
	for _, e := range deep.Edges {
		if e.Relation == "prev_event" {
			foundChainHop = true
		}
	}
	if !foundChainHop {
		t.Error("expected a prev_event edge at depth 1")
	}
}
