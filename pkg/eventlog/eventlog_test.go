package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
)

func openTestDB(t *testing.T) *dbstore.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := dbstore.Open(context.Background(), filepath.Join(dir, "vault.db"), "")
	if err != nil {
		t.Fatalf("dbstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendEventGenesisHasNoPrevHash(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ev, err := AppendEvent(ctx, db, 1000, "vault.init", map[string]any{"slug": "demo"})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if ev.PrevEventHash != "" {
		t.Fatalf("expected empty prev_event_hash for genesis event, got %q", ev.PrevEventHash)
	}
	want := computeEventHash(1000, "vault.init", mustCanon(t, map[string]any{"slug": "demo"}), "")
	if ev.EventHash != want {
		t.Fatalf("event hash = %q, want %q", ev.EventHash, want)
	}
}

func TestAppendEventChainsPrevHash(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first, err := AppendEvent(ctx, db, 1000, "vault.init", map[string]any{"slug": "demo"})
	if err != nil {
		t.Fatalf("AppendEvent (1): %v", err)
	}
	second, err := AppendEvent(ctx, db, 2000, "doc.ingested", map[string]any{"doc_id": "doc-1"})
	if err != nil {
		t.Fatalf("AppendEvent (2): %v", err)
	}

	if second.PrevEventHash != first.EventHash {
		t.Fatalf("second.PrevEventHash = %q, want %q", second.PrevEventHash, first.EventHash)
	}
	if second.EventID != first.EventID+1 {
		t.Fatalf("expected monotonically increasing event ids")
	}
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := AppendEvent(ctx, db, 1000, "vault.init", map[string]any{"slug": "demo"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if _, err := AppendEvent(ctx, db, 2000, "doc.ingested", map[string]any{"doc_id": "doc-1"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	if err := VerifyChain(ctx, db); err != nil {
		t.Fatalf("VerifyChain on untampered chain: %v", err)
	}

	if _, err := db.SQL().ExecContext(ctx,
		`UPDATE events SET payload_json = '{"doc_id":"tampered"}' WHERE event_id = 2`); err != nil {
		t.Fatalf("tamper update: %v", err)
	}

	if err := VerifyChain(ctx, db); err == nil {
		t.Fatalf("expected VerifyChain to fail after tampering with payload_json")
	}
}

func mustCanon(t *testing.T, v any) []byte {
	t.Helper()
	b, err := canon.MarshalCanonical(v)
	if err != nil {
		t.Fatalf("canon marshal: %v", err)
	}
	return b
}
