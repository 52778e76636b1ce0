// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// LockTTLMs is the fixed soft-lease duration: 15 minutes.
const LockTTLMs = 15 * 60 * 1000

// validScopeKinds enumerates the lock scopes overlay writes may be
// guarded by; scope kind is "doc" or "set".
var validScopeKinds = map[string]bool{"doc": true, "set": true}

// Lock is one row of lineage_locks.
type Lock struct {
	LockID       string
	ScopeKind    string
	ScopeValue   string
	OwnerToken   string
	AcquiredAtMs int64
	ExpiresAtMs  int64
}

// AcquireLock implements the soft lease: acquisition
// before expiry by a different owner fails with KC_LINEAGE_LOCK_HELD;
// the same owner may re-acquire (extend) its own lock.
func AcquireLock(ctx context.Context, db DB, scopeKind, scopeValue, ownerToken string, nowMs int64) (*Lock, error) {
	if !validScopeKinds[scopeKind] {
		return nil, kcerr.New(kcerr.CodeLineageScopeInvalid, kcerr.CategoryLineage,
			"scope_kind must be \"doc\" or \"set\"")
	}

	existing, found, err := activeLockForScope(ctx, db, scopeKind, scopeValue, nowMs)
	if err != nil {
		return nil, err
	}
	if found && existing.OwnerToken != ownerToken {
		return nil, kcerr.New(kcerr.CodeLineageLockHeld, kcerr.CategoryLineage,
			"lineage scope is locked by another owner")
	}

	lockID := uuid.NewString()
	if found {
		lockID = existing.LockID
	}
	expiresAtMs := nowMs + LockTTLMs
	_, err = db.ExecContext(ctx, `
		INSERT INTO lineage_locks (lock_id, scope_kind, scope_value, owner_token, acquired_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(lock_id) DO UPDATE SET acquired_at_ms = excluded.acquired_at_ms, expires_at_ms = excluded.expires_at_ms`,
		lockID, scopeKind, scopeValue, ownerToken, nowMs, expiresAtMs)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to write lineage lock", err)
	}

	return &Lock{
		LockID:       lockID,
		ScopeKind:    scopeKind,
		ScopeValue:   scopeValue,
		OwnerToken:   ownerToken,
		AcquiredAtMs: nowMs,
		ExpiresAtMs:  expiresAtMs,
	}, nil
}

// ReleaseLock removes a lock the caller holds. A mismatching token
// fails with KC_LINEAGE_LOCK_INVALID.
func ReleaseLock(ctx context.Context, db DB, lockID, ownerToken string) error {
	var storedToken string
	err := db.QueryRowContext(ctx, `SELECT owner_token FROM lineage_locks WHERE lock_id = ?`, lockID).Scan(&storedToken)
	if err == sql.ErrNoRows {
		return kcerr.New(kcerr.CodeLineageLockInvalid, kcerr.CategoryLineage,
			"no such lineage lock")
	}
	if err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read lineage lock", err)
	}
	if storedToken != ownerToken {
		return kcerr.New(kcerr.CodeLineageLockInvalid, kcerr.CategoryLineage,
			"owner token does not match the held lock")
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM lineage_locks WHERE lock_id = ?`, lockID); err != nil {
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to release lineage lock", err)
	}
	return nil
}

// activeLockForScope returns the most recently acquired lock for a
// scope, regardless of expiry; found is false if none was ever taken.
func activeLockForScope(ctx context.Context, db DB, scopeKind, scopeValue string, nowMs int64) (*Lock, bool, error) {
	row := db.QueryRowContext(ctx, `
		SELECT lock_id, owner_token, acquired_at_ms, expires_at_ms FROM lineage_locks
		WHERE scope_kind = ? AND scope_value = ? AND expires_at_ms > ?
		ORDER BY acquired_at_ms DESC LIMIT 1`, scopeKind, scopeValue, nowMs)
	var l Lock
	l.ScopeKind, l.ScopeValue = scopeKind, scopeValue
	if err := row.Scan(&l.LockID, &l.OwnerToken, &l.AcquiredAtMs, &l.ExpiresAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read lineage locks", err)
	}
	return &l, true, nil
}

// verifyLockToken checks that a live, unexpired lock on (scopeKind,
// scopeValue) matches ownerToken, the precondition
// before any overlay write.
func verifyLockToken(ctx context.Context, db DB, scopeKind, scopeValue, ownerToken string, nowMs int64) error {
	row := db.QueryRowContext(ctx, `
		SELECT owner_token, expires_at_ms FROM lineage_locks
		WHERE scope_kind = ? AND scope_value = ?
		ORDER BY acquired_at_ms DESC LIMIT 1`, scopeKind, scopeValue)
	var ownerFound string
	var expiresAtMs int64
	if err := row.Scan(&ownerFound, &expiresAtMs); err != nil {
		if err == sql.ErrNoRows {
			return kcerr.New(kcerr.CodeLineageLockInvalid, kcerr.CategoryLineage,
				"no lock is held for this scope")
		}
		return kcerr.Wrap(kcerr.CodeLineageQueryFailed, kcerr.CategoryLineage,
			"failed to read lineage lock", err)
	}
	if ownerFound != ownerToken {
		return kcerr.New(kcerr.CodeLineageLockInvalid, kcerr.CategoryLineage,
			"owner token does not match the held lock")
	}
	if expiresAtMs <= nowMs {
		return kcerr.New(kcerr.CodeLineageLockExpired, kcerr.CategoryLineage,
			"lineage lock has expired")
	}
	return nil
}
