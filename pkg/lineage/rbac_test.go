// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"testing"
)

func ensureRoleBindingPolicy(t *testing.T, db DB, roleID string, rank int, actorID, policyID, effect string, priority int, actionCond, docPrefixCond *string) {
	t.Helper()
	ctx := context.Background()
	if err := EnsureRole(ctx, db, roleID, roleID, rank); err != nil {
		t.Fatalf("EnsureRole: %v", err)
	}
	if err := BindRole(ctx, db, roleID, actorID); err != nil {
		t.Fatalf("BindRole: %v", err)
	}
	if err := BindPolicy(ctx, db, policyID, roleID, effect, priority, actionCond, docPrefixCond); err != nil {
		t.Fatalf("BindPolicy: %v", err)
	}
}

func strPtr(s string) *string { return &s }

func TestDecideDefaultDenyWithNoPolicies(t *testing.T) {
	db := newTestDB(t)
	decision, policyID, err := Decide(context.Background(), db, "alice", "lineage.overlay.write", "doc-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != DecisionDenyNoMatch {
		t.Errorf("expected DecisionDenyNoMatch, got %v", decision)
	}
	if policyID != "" {
		t.Errorf("expected no matched policy id, got %q", policyID)
	}
}

func TestDecideAllowWhenPolicyGrants(t *testing.T) {
	db := newTestDB(t)
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow", "allow", 0, strPtr("lineage.overlay.write"), nil)

	decision, policyID, err := Decide(context.Background(), db, "alice", "lineage.overlay.write", "doc-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != DecisionAllow {
		t.Errorf("expected DecisionAllow, got %v", decision)
	}
	if policyID != "editor-allow" {
		t.Errorf("expected editor-allow, got %q", policyID)
	}
}

func TestDecideDenyWinsOverAllowAtSameRank(t *testing.T) {
	db := newTestDB(t)
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow", "allow", 5, strPtr("lineage.overlay.write"), nil)
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-deny", "deny", 0, strPtr("lineage.overlay.write"), nil)

	decision, policyID, err := Decide(context.Background(), db, "alice", "lineage.overlay.write", "doc-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != DecisionDenyPolicy {
		t.Errorf("expected DecisionDenyPolicy, got %v", decision)
	}
	if policyID != "editor-deny" {
		t.Errorf("expected editor-deny, got %q", policyID)
	}
}

func TestDecideLowerRoleRankTakesPrecedence(t *testing.T) {
	db := newTestDB(t)
	// admin (rank 0, allow) should win over editor (rank 10, deny), since
	// lower rank beats higher rank regardless of priority.
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-deny", "deny", 0, nil, nil)
	ensureRoleBindingPolicy(t, db, "admin", 0, "alice", "admin-allow", "allow", 0, nil, nil)

	decision, policyID, err := Decide(context.Background(), db, "alice", "lineage.overlay.write", "doc-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != DecisionAllow {
		t.Errorf("expected DecisionAllow from the lower-ranked role, got %v", decision)
	}
	if policyID != "admin-allow" {
		t.Errorf("expected admin-allow, got %q", policyID)
	}
}

func TestDecideIgnoresNonMatchingConditions(t *testing.T) {
	db := newTestDB(t)
	ensureRoleBindingPolicy(t, db, "editor", 10, "alice", "editor-allow-other-doc", "allow", 0,
		strPtr("lineage.overlay.write"), strPtr("doc-other-"))

	decision, _, err := Decide(context.Background(), db, "alice", "lineage.overlay.write", "doc-1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision != DecisionDenyNoMatch {
		t.Errorf("expected DecisionDenyNoMatch since the doc prefix condition does not match, got %v", decision)
	}
}

func TestAuditWritesRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	if err := Audit(ctx, db, "alice", "lineage.overlay.write", DecisionAllow, "doc-1", "editor-allow", 1000); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policy_audit WHERE actor_id = ?`, "alice").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 audit row, got %d", count)
	}
}
