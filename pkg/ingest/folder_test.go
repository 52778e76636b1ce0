package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestScanFolderIngestsEveryFile(t *testing.T) {
	db, store := newTestEnv(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	writeFile("b.md", "# two")
	writeFile("a.txt", "one")
	writeFile(".hidden", "skip me")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFile(filepath.Join("nested", "c.txt"), "three")

	results, err := ScanFolder(ctx, db, store, dir, "folder", 0, 5000)
	if err != nil {
		t.Fatalf("ScanFolder: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("ingested %d files, want 3: %v", len(results), results)
	}
	// WalkDir visits in lexical order.
	wantOrder := []string{"a.txt", "b.md", filepath.Join("nested", "c.txt")}
	for i, want := range wantOrder {
		if results[i].Path != filepath.Join(dir, want) {
			t.Fatalf("results[%d].Path = %q, want suffix %q", i, results[i].Path, want)
		}
	}

	var docCount int
	if err := db.SQL().QueryRowContext(ctx, `SELECT count(*) FROM docs`).Scan(&docCount); err != nil {
		t.Fatalf("count docs: %v", err)
	}
	if docCount != 3 {
		t.Fatalf("docs row count = %d, want 3", docCount)
	}

	// A second scan over unchanged files stays idempotent.
	again, err := ScanFolder(ctx, db, store, dir, "folder", 0, 6000)
	if err != nil {
		t.Fatalf("ScanFolder (again): %v", err)
	}
	for _, r := range again {
		if !r.AlreadyKnown {
			t.Fatalf("rescan of %s was not idempotent", r.Path)
		}
	}
}

func TestInboxOnceMovesProcessedFiles(t *testing.T) {
	db, store := newTestEnv(t)
	ctx := context.Background()

	inbox := t.TempDir()
	processed := filepath.Join(inbox, "processed")
	if err := os.WriteFile(filepath.Join(inbox, "note.txt"), []byte("inbox note"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	results, err := InboxOnce(ctx, db, store, inbox, processed, 7000)
	if err != nil {
		t.Fatalf("InboxOnce: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("processed %d files, want 1", len(results))
	}
	if _, err := os.Stat(filepath.Join(inbox, "note.txt")); !os.IsNotExist(err) {
		t.Fatalf("inbox file was not moved out")
	}
	if _, err := os.Stat(filepath.Join(processed, "note.txt")); err != nil {
		t.Fatalf("processed file missing: %v", err)
	}

	// A second pass finds nothing: the processed subdirectory is not
	// re-scanned.
	again, err := InboxOnce(ctx, db, store, inbox, processed, 8000)
	if err != nil {
		t.Fatalf("InboxOnce (again): %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pass processed %d files, want 0", len(again))
	}
}
