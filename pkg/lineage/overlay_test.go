// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

func TestAddOverlayRequiresLock(t *testing.T) {
	db := newTestDB(t)
	seedDoc(t, db, "doc-1")
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow", "allow", 0, strPtr("lineage.overlay.write"), nil)

	err := AddOverlay(context.Background(), db, Overlay{
		DocID: "doc-1", FromNode: "doc-1", ToNode: "doc-2", Relation: "related_to",
	}, "doc", "doc-1", "owner-a", "alice", 1000)
	if err == nil {
		t.Fatal("expected error when no lock is held")
	}
	if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageLockInvalid {
		t.Fatalf("expected CodeLineageLockInvalid, got %v", err)
	}
}

func TestAddOverlaySucceedsWithLockAndAllow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedDoc(t, db, "doc-1")
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow", "allow", 0, strPtr("lineage.overlay.write"), nil)

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := AddOverlay(ctx, db, Overlay{
		DocID: "doc-1", FromNode: "doc-1", ToNode: "doc-2", Relation: "related_to", Evidence: "manual note",
	}, "doc", "doc-1", "owner-a", "alice", 1500)
	if err != nil {
		t.Fatalf("AddOverlay: %v", err)
	}

	overlays, err := ListOverlays(ctx, db, "doc-1")
	if err != nil {
		t.Fatalf("ListOverlays: %v", err)
	}
	if len(overlays) != 1 {
		t.Fatalf("expected 1 overlay, got %d", len(overlays))
	}
	if overlays[0].ToNode != "doc-2" || overlays[0].Relation != "related_to" {
		t.Errorf("unexpected overlay: %+v", overlays[0])
	}

	var auditCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_audit WHERE actor_id = ?`, "alice").Scan(&auditCount); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if auditCount != 1 {
		t.Errorf("expected 1 audit row, got %d", auditCount)
	}
}

func TestAddOverlayDeniedByPolicy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedDoc(t, db, "doc-1")
	ensureRoleBindingPolicy(t, db, "viewer", 10, "bob", "viewer-deny", "deny", 0, strPtr("lineage.overlay.write"), nil)

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-b", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := AddOverlay(ctx, db, Overlay{
		DocID: "doc-1", FromNode: "doc-1", ToNode: "doc-2", Relation: "related_to",
	}, "doc", "doc-1", "owner-b", "bob", 1500)
	if err == nil {
		t.Fatal("expected error")
	}
	appErr, ok := err.(*kcerr.AppError)
	if !ok || appErr.Code != kcerr.CodeLineagePolicyDenyEnforced {
		t.Fatalf("expected CodeLineagePolicyDenyEnforced, got %v", err)
	}

	var auditCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_audit WHERE actor_id = ?`, "bob").Scan(&auditCount); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	if auditCount != 1 {
		t.Errorf("expected a denial to still be audited, got %d rows", auditCount)
	}
}

func TestAddOverlayDeniedWithNoMatchingPolicy(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedDoc(t, db, "doc-1")

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-c", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := AddOverlay(ctx, db, Overlay{
		DocID: "doc-1", FromNode: "doc-1", ToNode: "doc-2", Relation: "related_to",
	}, "doc", "doc-1", "owner-c", "carol", 1500)
	if err == nil {
		t.Fatal("expected error")
	}
	if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineagePermissionDenied {
		t.Fatalf("expected CodeLineagePermissionDenied, got %v", err)
	}
}

func TestRemoveOverlayNotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedDoc(t, db, "doc-1")
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow", "allow", 0, strPtr("lineage.overlay.write"), nil)

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := RemoveOverlay(ctx, db, "does-not-exist", "doc-1", "doc", "doc-1", "owner-a", "alice", 1500)
	if err == nil {
		t.Fatal("expected error")
	}
	if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageOverlayNotFound {
		t.Fatalf("expected CodeLineageOverlayNotFound, got %v", err)
	}
}

func TestAddThenRemoveOverlay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	seedDoc(t, db, "doc-1")
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow", "allow", 0, strPtr("lineage.overlay.write"), nil)

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	overlay := Overlay{OverlayID: "ov-1", DocID: "doc-1", FromNode: "doc-1", ToNode: "doc-2", Relation: "related_to"}
	if err := AddOverlay(ctx, db, overlay, "doc", "doc-1", "owner-a", "alice", 1500); err != nil {
		t.Fatalf("AddOverlay: %v", err)
	}

	if err := RemoveOverlay(ctx, db, "ov-1", "doc-1", "doc", "doc-1", "owner-a", "alice", 1600); err != nil {
		t.Fatalf("RemoveOverlay: %v", err)
	}

	overlays, err := ListOverlays(ctx, db, "doc-1")
	if err != nil {
		t.Fatalf("ListOverlays: %v", err)
	}
	if len(overlays) != 0 {
		t.Errorf("expected overlay to be removed, got %d remaining", len(overlays))
	}
}
