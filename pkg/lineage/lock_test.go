// Copyright 2025 Knowledgecore Project
package lineage

import (
	"context"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

func TestAcquireLockRejectsInvalidScopeKind(t *testing.T) {
	db := newTestDB(t)
	_, err := AcquireLock(context.Background(), db, "vault", "doc-1", "owner-a", 1000)
	if err == nil {
		t.Fatal("expected error")
	}
	if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageScopeInvalid {
		t.Fatalf("expected CodeLineageScopeInvalid, got %v", err)
	}
}

func TestAcquireLockSameOwnerExtends(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 2000)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if first.LockID != second.LockID {
		t.Errorf("expected extend to reuse lock_id, got %q then %q", first.LockID, second.LockID)
	}
	if second.ExpiresAtMs != 2000+LockTTLMs {
		t.Errorf("expected extended expiry, got %d", second.ExpiresAtMs)
	}
}

func TestAcquireLockDifferentOwnerFailsWhileHeld(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-b", 1500)
	if err == nil {
		t.Fatal("expected error")
	}
	if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageLockHeld {
		t.Fatalf("expected CodeLineageLockHeld, got %v", err)
	}
}

func TestAcquireLockDifferentOwnerSucceedsAfterExpiry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-b", 1000+LockTTLMs+1)
	if err != nil {
		t.Fatalf("expected expiry to free the scope, got %v", err)
	}
}

func TestReleaseLockRequiresMatchingToken(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	lock, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := ReleaseLock(ctx, db, lock.LockID, "owner-b"); err == nil {
		t.Fatal("expected error releasing with the wrong token")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageLockInvalid {
		t.Fatalf("expected CodeLineageLockInvalid, got %v", err)
	}
	if err := ReleaseLock(ctx, db, lock.LockID, "owner-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ReleaseLock(ctx, db, lock.LockID, "owner-a"); err == nil {
		t.Fatal("expected error releasing an already-released lock")
	}
}

func TestVerifyLockTokenStates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := verifyLockToken(ctx, db, "doc", "doc-1", "owner-a", 1000); err == nil {
		t.Fatal("expected error when no lock has ever been taken")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageLockInvalid {
		t.Fatalf("expected CodeLineageLockInvalid, got %v", err)
	}

	if _, err := AcquireLock(ctx, db, "doc", "doc-1", "owner-a", 1000); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := verifyLockToken(ctx, db, "doc", "doc-1", "owner-b", 1500); err == nil {
		t.Fatal("expected error for wrong owner token")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageLockInvalid {
		t.Fatalf("expected CodeLineageLockInvalid, got %v", err)
	}

	if err := verifyLockToken(ctx, db, "doc", "doc-1", "owner-a", 1000+LockTTLMs+1); err == nil {
		t.Fatal("expected error for expired lock")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeLineageLockExpired {
		t.Fatalf("expected CodeLineageLockExpired, got %v", err)
	}

	if err := verifyLockToken(ctx, db, "doc", "doc-1", "owner-a", 1500); err != nil {
		t.Fatalf("expected valid, unexpired lock to pass, got %v", err)
	}
}
