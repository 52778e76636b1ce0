// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"database/sql"
	"sort"

	"github.com/google/uuid"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// Decision is the outcome of one permission check.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionDenyPolicy  Decision = "deny_policy"   // an explicit deny policy matched
	DecisionDenyNoMatch Decision = "deny_no_match" // no policy granted allow
)

// Role is one row of roles. Rank orders precedence between an actor's
// roles when it is bound to more than one — "lower beats higher"
//.
type Role struct {
	RoleID string
	Name   string
	Rank   int
}

// EnsureRole upserts a role. Negative ranks are rejected since rank
// ordering (lower beats higher) is undefined below zero.
func EnsureRole(ctx context.Context, db DB, roleID, name string, rank int) error {
	if rank < 0 {
		return kcerr.New(kcerr.CodeLineageRoleInvalid, kcerr.CategoryLineage,
			"role_rank must be >= 0")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO roles (role_id, name, role_rank) VALUES (?, ?, ?)
		ON CONFLICT(role_id) DO UPDATE SET name = excluded.name, role_rank = excluded.role_rank`,
		roleID, name, rank)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to write role", err)
	}
	return nil
}

// EnsurePermission upserts a named permission into the catalog.
func EnsurePermission(ctx context.Context, db DB, permissionID, action string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO permissions (permission_id, action) VALUES (?, ?)
		ON CONFLICT(permission_id) DO UPDATE SET action = excluded.action`,
		permissionID, action)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to write permission", err)
	}
	return nil
}

// BindRole grants actorID a role.
func BindRole(ctx context.Context, db DB, roleID, actorID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO role_bindings (role_id, actor_id) VALUES (?, ?)
		ON CONFLICT(role_id, actor_id) DO NOTHING`, roleID, actorID)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to bind role", err)
	}
	return nil
}

// BindPolicy attaches an allow/deny policy to a role. actionCondition
// and docIDPrefixCondition are optional match conditions — nil matches
// anything.
func BindPolicy(ctx context.Context, db DB, policyID, roleID, effect string, priority int, actionCondition, docIDPrefixCondition *string) error {
	if effect != "allow" && effect != "deny" {
		return kcerr.New(kcerr.CodeLineagePolicyConditionInvalid, kcerr.CategoryLineage,
			"policy effect must be \"allow\" or \"deny\"")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO policy_bindings (policy_id, role_id, effect, priority, action_condition, doc_id_prefix_condition)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET role_id = excluded.role_id, effect = excluded.effect,
			priority = excluded.priority, action_condition = excluded.action_condition,
			doc_id_prefix_condition = excluded.doc_id_prefix_condition`,
		policyID, roleID, effect, priority, nullableString(actionCondition), nullableString(docIDPrefixCondition))
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to bind policy", err)
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

type candidatePolicy struct {
	policyID string
	roleRank int
	effect   string
	priority int
}

// Decide evaluates the RBAC/ABAC pipeline:
// gather every policy bound to a role the actor holds whose condition
// matches (action, doc_id), order by (role_rank asc, priority asc);
// the lowest role_rank among them decides: a deny at that rank wins,
// else its first matching allow. No matching policy is default deny.
func Decide(ctx context.Context, db DB, actorID, action, docID string) (Decision, string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT pb.policy_id, r.role_rank, pb.effect, pb.priority, pb.action_condition, pb.doc_id_prefix_condition
		FROM policy_bindings pb
		JOIN roles r ON r.role_id = pb.role_id
		JOIN role_bindings rb ON rb.role_id = pb.role_id
		WHERE rb.actor_id = ?`, actorID)
	if err != nil {
		return DecisionDenyNoMatch, "", kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to list candidate policies", err)
	}
	defer rows.Close()

	var candidates []candidatePolicy
	for rows.Next() {
		var c candidatePolicy
		var actionCondition, docPrefixCondition sql.NullString
		if err := rows.Scan(&c.policyID, &c.roleRank, &c.effect, &c.priority, &actionCondition, &docPrefixCondition); err != nil {
			return DecisionDenyNoMatch, "", kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
				"failed to scan policy row", err)
		}
		if actionCondition.Valid && actionCondition.String != action {
			continue
		}
		if docPrefixCondition.Valid && !hasPrefix(docID, docPrefixCondition.String) {
			continue
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return DecisionDenyNoMatch, "", kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"error iterating policy rows", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].roleRank != candidates[j].roleRank {
			return candidates[i].roleRank < candidates[j].roleRank
		}
		return candidates[i].priority < candidates[j].priority
	})

	if len(candidates) == 0 {
		return DecisionDenyNoMatch, "", nil
	}
	topRank := candidates[0].roleRank
	for _, c := range candidates {
		if c.roleRank == topRank && c.effect == "deny" {
			return DecisionDenyPolicy, c.policyID, nil
		}
	}
	for _, c := range candidates {
		if c.roleRank == topRank && c.effect == "allow" {
			return DecisionAllow, c.policyID, nil
		}
	}
	return DecisionDenyNoMatch, "", nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// auditDetails is the canonical-JSON body written to policy_audit.
type auditDetails struct {
	DocID         string `json:"doc_id"`
	MatchedPolicy string `json:"matched_policy_id,omitempty"`
}

// Audit writes one policy_audit row for a permission decision; every
// permission check writes one, granted or not.
func Audit(ctx context.Context, db DB, actorID, action string, decision Decision, docID, matchedPolicyID string, nowMs int64) error {
	details, err := canon.MarshalCanonical(auditDetails{DocID: docID, MatchedPolicy: matchedPolicyID})
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO policy_audit (audit_id, actor_id, action, decision, details_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), actorID, action, string(decision), string(details), nowMs)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to write policy audit row", err)
	}
	return nil
}
