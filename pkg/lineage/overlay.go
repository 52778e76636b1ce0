// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// overlayWriteAction is the fixed permission action overlay writes are
// checked against.
const overlayWriteAction = "lineage.overlay.write"

// Overlay is one user-supplied lineage_overlays row.
type Overlay struct {
	OverlayID string
	DocID     string
	FromNode  string
	ToNode    string
	Relation  string
	Evidence  string
}

// AddOverlay implements the guarded overlay write path:
// the caller must hold an unexpired lock on (scopeKind, scopeValue)
// under ownerToken, and the RBAC/ABAC pipeline must resolve
// lineage.overlay.write to allow for actorID against overlay.DocID.
// Every check — granted or not — writes an audit row.
func AddOverlay(ctx context.Context, db DB, overlay Overlay, scopeKind, scopeValue, ownerToken, actorID string, nowMs int64) error {
	if err := verifyLockToken(ctx, db, scopeKind, scopeValue, ownerToken, nowMs); err != nil {
		return err
	}

	decision, matchedPolicyID, err := Decide(ctx, db, actorID, overlayWriteAction, overlay.DocID)
	if err != nil {
		return err
	}
	if auditErr := Audit(ctx, db, actorID, overlayWriteAction, decision, overlay.DocID, matchedPolicyID, nowMs); auditErr != nil {
		return auditErr
	}

	switch decision {
	case DecisionDenyPolicy:
		return kcerr.New(kcerr.CodeLineagePolicyDenyEnforced, kcerr.CategoryLineage,
			"an explicit deny policy blocks this overlay write")
	case DecisionDenyNoMatch:
		return kcerr.New(kcerr.CodeLineagePermissionDenied, kcerr.CategoryLineage,
			"no policy grants lineage.overlay.write to this actor")
	}

	overlayID := overlay.OverlayID
	if overlayID == "" {
		overlayID = uuid.NewString()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO lineage_overlays (overlay_id, doc_id, from_node, to_node, relation, evidence, created_at_ms, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		overlayID, overlay.DocID, overlay.FromNode, overlay.ToNode, overlay.Relation, overlay.Evidence, nowMs, actorID)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to insert lineage overlay", err)
	}
	return nil
}

// RemoveOverlay deletes a previously written overlay, subject to the
// same lock and permission checks as AddOverlay.
func RemoveOverlay(ctx context.Context, db DB, overlayID, docID, scopeKind, scopeValue, ownerToken, actorID string, nowMs int64) error {
	if err := verifyLockToken(ctx, db, scopeKind, scopeValue, ownerToken, nowMs); err != nil {
		return err
	}

	decision, matchedPolicyID, err := Decide(ctx, db, actorID, overlayWriteAction, docID)
	if err != nil {
		return err
	}
	if auditErr := Audit(ctx, db, actorID, overlayWriteAction, decision, docID, matchedPolicyID, nowMs); auditErr != nil {
		return auditErr
	}
	switch decision {
	case DecisionDenyPolicy:
		return kcerr.New(kcerr.CodeLineagePolicyDenyEnforced, kcerr.CategoryLineage,
			"an explicit deny policy blocks this overlay removal")
	case DecisionDenyNoMatch:
		return kcerr.New(kcerr.CodeLineagePermissionDenied, kcerr.CategoryLineage,
			"no policy grants lineage.overlay.write to this actor")
	}

	result, err := db.ExecContext(ctx, `DELETE FROM lineage_overlays WHERE overlay_id = ? AND doc_id = ?`, overlayID, docID)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to delete lineage overlay", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read rows affected", err)
	}
	if n == 0 {
		return kcerr.New(kcerr.CodeLineageOverlayNotFound, kcerr.CategoryLineage,
			"no such overlay: "+overlayID)
	}
	return nil
}

// ListOverlays returns every overlay recorded for a doc, applied as
// extra edges on top of Query's structural graph.
func ListOverlays(ctx context.Context, db DB, docID string) ([]Overlay, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT overlay_id, doc_id, from_node, to_node, relation, evidence
		FROM lineage_overlays WHERE doc_id = ? ORDER BY overlay_id`, docID)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to list lineage overlays", err)
	}
	defer rows.Close()

	var out []Overlay
	for rows.Next() {
		var o Overlay
		var evidence sql.NullString
		if err := rows.Scan(&o.OverlayID, &o.DocID, &o.FromNode, &o.ToNode, &o.Relation, &evidence); err != nil {
			return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
				"failed to scan lineage overlay row", err)
		}
		o.Evidence = evidence.String
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"error iterating lineage overlay rows", err)
	}
	return out, nil
}
