// Copyright 2025 Knowledgecore Project
package trust

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

func writeProvidersFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust_providers.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestSeedProvidersFromFileMissingFileIsNoOp(t *testing.T) {
	s := openTestStore(t)
	if err := s.SeedProvidersFromFile(context.Background(), filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("SeedProvidersFromFile: %v", err)
	}
}

func TestSeedProvidersFromFileSeedsResolution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := writeProvidersFile(t, `
providers:
  - slug: corp
    issuer: https://login.corp.example
  - slug: blocked
    disabled: true
`)
	if err := s.SeedProvidersFromFile(ctx, path); err != nil {
		t.Fatalf("SeedProvidersFromFile: %v", err)
	}

	// A seeded provider resolves with its configured issuer instead of
	// being auto-created bare.
	_, authURL, err := s.IdentityStart(ctx, "corp", 1000)
	if err != nil {
		t.Fatalf("IdentityStart: %v", err)
	}
	if want := "https://login.corp.example/authorize"; len(authURL) < len(want) || authURL[:len(want)] != want {
		t.Fatalf("authorization url %q does not use the configured issuer", authURL)
	}

	_, _, err = s.IdentityStart(ctx, "blocked", 1000)
	if !errors.Is(err, kcerr.New(kcerr.CodeTrustProviderDisabled, kcerr.CategoryTrust, "")) {
		t.Fatalf("expected KC_TRUST_PROVIDER_DISABLED, got %v", err)
	}
}

func TestSeedProvidersFromFileAppliesPolicies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	path := writeProvidersFile(t, `
providers:
  - slug: corp
policies:
  - provider_slug: corp
    required_claims:
      sub: alice
    max_clock_skew_ms: 1000
`)
	if err := s.SeedProvidersFromFile(ctx, path); err != nil {
		t.Fatalf("SeedProvidersFromFile: %v", err)
	}

	if _, err := s.IdentityComplete(ctx, "corp", "sub:alice", 5000); err != nil {
		t.Fatalf("IdentityComplete with satisfying claim: %v", err)
	}

	_, err := s.IdentityComplete(ctx, "corp", "sub:mallory", 5000)
	if !errors.Is(err, kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust, "")) {
		t.Fatalf("expected KC_TRUST_PROVIDER_POLICY_INVALID for wrong claim, got %v", err)
	}

	_, err = s.IdentityComplete(ctx, "corp", "sub:alice;iat:1000", 5000)
	if !errors.Is(err, kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust, "")) {
		t.Fatalf("expected KC_TRUST_PROVIDER_POLICY_INVALID for stale iat, got %v", err)
	}
}

func TestSeedProvidersFromFileReSeedUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := writeProvidersFile(t, "providers:\n  - slug: corp\n    disabled: true\n")
	if err := s.SeedProvidersFromFile(ctx, first); err != nil {
		t.Fatalf("SeedProvidersFromFile (1): %v", err)
	}
	if _, _, err := s.IdentityStart(ctx, "corp", 1000); err == nil {
		t.Fatalf("expected disabled provider to fail")
	}

	second := writeProvidersFile(t, "providers:\n  - slug: corp\n    disabled: false\n")
	if err := s.SeedProvidersFromFile(ctx, second); err != nil {
		t.Fatalf("SeedProvidersFromFile (2): %v", err)
	}
	if _, _, err := s.IdentityStart(ctx, "corp", 2000); err != nil {
		t.Fatalf("re-seed did not re-enable the provider: %v", err)
	}

	var count int
	q := s.db.QueryRowContext(ctx, `SELECT count(*) FROM trust_providers WHERE slug = 'corp'`)
	if err := q.Scan(&count); err != nil {
		t.Fatalf("count providers: %v", err)
	}
	if count != 1 {
		t.Fatalf("re-seed duplicated the provider row: count=%d", count)
	}
}

func TestSeedProvidersFromFileRejectsUnknownPolicySlug(t *testing.T) {
	s := openTestStore(t)
	path := writeProvidersFile(t, "policies:\n  - provider_slug: ghost\n    max_clock_skew_ms: 1\n")
	err := s.SeedProvidersFromFile(context.Background(), path)
	if !errors.Is(err, kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust, "")) {
		t.Fatalf("expected KC_TRUST_PROVIDER_POLICY_INVALID, got %v", err)
	}
}
