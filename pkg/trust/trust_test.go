// Copyright 2025 Knowledgecore Project
package trust

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := dbstore.Open(context.Background(), filepath.Join(dir, "vault.db"), "")
	if err != nil {
		t.Fatalf("dbstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, filepath.Join(dir, ".trust"))
}

func TestDeviceInitAndVerify(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.DeviceInit(ctx, "laptop", "alice", 1000)
	if err != nil {
		t.Fatalf("DeviceInit: %v", err)
	}
	if dev.VerifiedAtMs != nil {
		t.Fatalf("expected unverified device right after init")
	}
	if len(dev.Fingerprint) != 8*8+7 {
		t.Fatalf("fingerprint %q has unexpected length", dev.Fingerprint)
	}

	verified, err := s.DeviceVerify(ctx, dev.DeviceID, dev.Fingerprint, "alice", 2000)
	if err != nil {
		t.Fatalf("DeviceVerify: %v", err)
	}
	if verified.VerifiedAtMs == nil || *verified.VerifiedAtMs != 2000 {
		t.Fatalf("expected verified_at_ms = 2000, got %v", verified.VerifiedAtMs)
	}

	if _, err := s.DeviceVerify(ctx, dev.DeviceID, "00000000:00000000:00000000:00000000:00000000:00000000:00000000:00000000", "alice", 3000); err == nil {
		t.Fatalf("expected fingerprint mismatch error")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustFingerprintMismatch {
		t.Fatalf("expected CodeTrustFingerprintMismatch, got %v", err)
	}
}

func TestDeviceEnrollRequiresVerifiedDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.DeviceInit(ctx, "laptop", "alice", 1000)
	if err != nil {
		t.Fatalf("DeviceInit: %v", err)
	}
	state, authURL, err := s.IdentityStart(ctx, "github", 1500)
	if err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	if state == "" || authURL == "" {
		t.Fatalf("expected non-empty state/authorization_url")
	}
	if _, err := s.IdentityComplete(ctx, "github", "sub:alice-gh", 1600); err != nil {
		t.Fatalf("IdentityComplete: %v", err)
	}

	if _, err := s.DeviceEnroll(ctx, mustProviderID(t, ctx, s, "github"), dev.DeviceID, 1700); err == nil {
		t.Fatalf("expected enrollment to fail for an unverified device")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustDeviceNotEnrolled {
		t.Fatalf("expected CodeTrustDeviceNotEnrolled, got %v", err)
	}
}

func TestFullEnrollmentAndChainVerification(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.DeviceInit(ctx, "laptop", "alice", 1000)
	if err != nil {
		t.Fatalf("DeviceInit: %v", err)
	}
	if _, err := s.DeviceVerify(ctx, dev.DeviceID, dev.Fingerprint, "alice", 1100); err != nil {
		t.Fatalf("DeviceVerify: %v", err)
	}

	if _, _, err := s.IdentityStart(ctx, "github", 1200); err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	sess, err := s.IdentityComplete(ctx, "github", "sub:alice-gh", 1300)
	if err != nil {
		t.Fatalf("IdentityComplete: %v", err)
	}

	cert, err := s.DeviceEnroll(ctx, sess.ProviderID, dev.DeviceID, 1400)
	if err != nil {
		t.Fatalf("DeviceEnroll: %v", err)
	}

	verified, err := s.DeviceVerifyChain(ctx, cert.CertID, 1500)
	if err != nil {
		t.Fatalf("DeviceVerifyChain: %v", err)
	}
	if verified.VerifiedAtMs == nil || *verified.VerifiedAtMs != 1500 {
		t.Fatalf("expected cert verified_at_ms = 1500")
	}

	author, err := s.VerifiedAuthorIdentity(ctx)
	if err != nil {
		t.Fatalf("VerifiedAuthorIdentity: %v", err)
	}
	if author.DeviceID != dev.DeviceID || author.CertID != cert.CertID {
		t.Fatalf("unexpected author identity: %+v", author)
	}

	sig, err := s.Sign(dev.DeviceID, []byte("sync-head-bytes"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig == "" {
		t.Fatalf("expected a non-empty signature")
	}
}

func TestDeviceVerifyChainRejectsTamperedHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.DeviceInit(ctx, "laptop", "alice", 1000)
	if err != nil {
		t.Fatalf("DeviceInit: %v", err)
	}
	if _, err := s.DeviceVerify(ctx, dev.DeviceID, dev.Fingerprint, "alice", 1100); err != nil {
		t.Fatalf("DeviceVerify: %v", err)
	}
	if _, _, err := s.IdentityStart(ctx, "github", 1200); err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	sess, err := s.IdentityComplete(ctx, "github", "sub:alice-gh", 1300)
	if err != nil {
		t.Fatalf("IdentityComplete: %v", err)
	}
	cert, err := s.DeviceEnroll(ctx, sess.ProviderID, dev.DeviceID, 1400)
	if err != nil {
		t.Fatalf("DeviceEnroll: %v", err)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE device_certificates SET cert_chain_hash = 'blake3:tampered' WHERE cert_id = ?`, cert.CertID); err != nil {
		t.Fatalf("tamper update: %v", err)
	}

	if _, err := s.DeviceVerifyChain(ctx, cert.CertID, 1500); err == nil {
		t.Fatalf("expected chain verification to fail")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustCertChainInvalid {
		t.Fatalf("expected CodeTrustCertChainInvalid, got %v", err)
	}
}

func TestIdentityStartFailsForDisabledProvider(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.IdentityStart(ctx, "github", 1000); err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	providerID := mustProviderID(t, ctx, s, "github")
	if _, err := s.db.ExecContext(ctx, `UPDATE trust_providers SET disabled = 1 WHERE provider_id = ?`, providerID); err != nil {
		t.Fatalf("disable provider: %v", err)
	}

	if _, _, err := s.IdentityStart(ctx, "github", 2000); err == nil {
		t.Fatalf("expected provider disabled error")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustProviderDisabled {
		t.Fatalf("expected CodeTrustProviderDisabled, got %v", err)
	}
}

func TestIdentityCompleteEnforcesRequiredClaimsAndSkew(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.IdentityStart(ctx, "github", 1000); err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	providerID := mustProviderID(t, ctx, s, "github")
	if err := s.SetProviderPolicy(ctx, providerID, map[string]string{"sub": "alice-gh"}, 5000); err != nil {
		t.Fatalf("SetProviderPolicy: %v", err)
	}

	if _, err := s.IdentityComplete(ctx, "github", "sub:bob-gh", 1600); err == nil {
		t.Fatalf("expected policy violation for mismatched subject claim")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustProviderPolicyInvalid {
		t.Fatalf("expected CodeTrustProviderPolicyInvalid, got %v", err)
	}

	if _, err := s.IdentityComplete(ctx, "github", "sub:alice-gh;iat:100000", 2000); err == nil {
		t.Fatalf("expected policy violation for excessive clock skew")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustProviderPolicyInvalid {
		t.Fatalf("expected CodeTrustProviderPolicyInvalid, got %v", err)
	}

	if _, err := s.IdentityComplete(ctx, "github", "sub:alice-gh;iat:1998", 2000); err != nil {
		t.Fatalf("expected claim + skew to pass: %v", err)
	}
}

func TestSessionRevokeExcludesSessionFromEnrollment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.DeviceInit(ctx, "laptop", "alice", 1000)
	if err != nil {
		t.Fatalf("DeviceInit: %v", err)
	}
	if _, err := s.DeviceVerify(ctx, dev.DeviceID, dev.Fingerprint, "alice", 1100); err != nil {
		t.Fatalf("DeviceVerify: %v", err)
	}
	if _, _, err := s.IdentityStart(ctx, "github", 1200); err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	sess, err := s.IdentityComplete(ctx, "github", "sub:alice-gh", 1300)
	if err != nil {
		t.Fatalf("IdentityComplete: %v", err)
	}
	if err := s.SessionRevoke(ctx, sess.SessionID, "compromised", 1350); err != nil {
		t.Fatalf("SessionRevoke: %v", err)
	}

	if _, err := s.DeviceEnroll(ctx, sess.ProviderID, dev.DeviceID, 1400); err == nil {
		t.Fatalf("expected enrollment to fail once the only session is revoked")
	} else if appErr, ok := err.(*kcerr.AppError); !ok || appErr.Code != kcerr.CodeTrustIdentityInvalid {
		t.Fatalf("expected CodeTrustIdentityInvalid, got %v", err)
	}
}

func mustProviderID(t *testing.T, ctx context.Context, s *Store, ref string) string {
	t.Helper()
	p, err := s.resolveProvider(ctx, ref)
	if err != nil {
		t.Fatalf("resolveProvider: %v", err)
	}
	return p.ProviderID
}
