// Copyright 2025 Knowledgecore Project
//
// Provider and policy definitions are operator-tunable YAML documents.
// SeedProvidersFromFile upserts them into the same trust_providers /
// trust_provider_policies rows resolveProvider and providerPolicy read,
// so a configured provider is found instead of auto-created with
// defaults.
package trust

import (
	"context"
	"database/sql"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// ProviderConfig describes one configured identity provider.
type ProviderConfig struct {
	Slug     string `yaml:"slug"`
	Issuer   string `yaml:"issuer,omitempty"`
	Disabled bool   `yaml:"disabled"`
}

// PolicyConfig describes a provider policy:
// required claim values and a clock-skew tolerance for session
// expiry/claim checks.
type PolicyConfig struct {
	ProviderSlug   string            `yaml:"provider_slug"`
	RequiredClaims map[string]string `yaml:"required_claims"`
	MaxClockSkewMs int64             `yaml:"max_clock_skew_ms"`
}

// ProvidersFile is the top-level document loaded from a trust provider
// config path (e.g. `trust_providers.yaml` alongside the vault).
type ProvidersFile struct {
	Providers []ProviderConfig `yaml:"providers"`
	Policies  []PolicyConfig   `yaml:"policies"`
}

// LoadProvidersFile reads and parses a YAML provider/policy document.
// A missing file is not an error — callers fall back to
// auto-created-by-slug provider defaults.
func LoadProvidersFile(path string) (*ProvidersFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ProvidersFile{}, nil
		}
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to read trust provider config", err)
	}
	var doc ProvidersFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to parse trust provider config", err)
	}
	return &doc, nil
}

// SeedProvidersFromFile loads the document at path and upserts every
// provider and policy it names. Providers are keyed by slug: an
// existing row keeps its provider_id and has issuer/disabled replaced,
// a new one is created. Policies reference providers by slug and must
// name one the same document (or an earlier seed) defined. A missing
// file is a no-op.
func (s *Store) SeedProvidersFromFile(ctx context.Context, path string) error {
	doc, err := LoadProvidersFile(path)
	if err != nil {
		return err
	}

	for _, p := range doc.Providers {
		if strings.TrimSpace(p.Slug) == "" {
			return kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust,
				"trust provider config entry is missing a slug")
		}
		if _, err := s.upsertProvider(ctx, p); err != nil {
			return err
		}
	}

	for _, pol := range doc.Policies {
		providerID, err := s.providerIDBySlug(ctx, pol.ProviderSlug)
		if err != nil {
			return err
		}
		if err := s.SetProviderPolicy(ctx, providerID, pol.RequiredClaims, pol.MaxClockSkewMs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertProvider(ctx context.Context, p ProviderConfig) (providerID string, err error) {
	disabled := 0
	if p.Disabled {
		disabled = 1
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT provider_id FROM trust_providers WHERE slug = ?`, p.Slug).Scan(&providerID)
	switch {
	case err == sql.ErrNoRows:
		providerID = uuid.New().String()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO trust_providers (provider_id, slug, issuer, disabled, config_json)
			VALUES (?, ?, ?, ?, '{}')`, providerID, p.Slug, p.Issuer, disabled)
		if err != nil {
			return "", kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
				"failed to insert configured trust provider", err)
		}
	case err != nil:
		return "", kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to look up trust provider by slug", err)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE trust_providers SET issuer = ?, disabled = ? WHERE provider_id = ?`,
			p.Issuer, disabled, providerID)
		if err != nil {
			return "", kcerr.Wrap(kcerr.CodeTrustWriteFailed, kcerr.CategoryTrust,
				"failed to update configured trust provider", err)
		}
	}
	return providerID, nil
}

func (s *Store) providerIDBySlug(ctx context.Context, slug string) (string, error) {
	var providerID string
	err := s.db.QueryRowContext(ctx,
		`SELECT provider_id FROM trust_providers WHERE slug = ?`, slug).Scan(&providerID)
	if err == sql.ErrNoRows {
		return "", kcerr.New(kcerr.CodeTrustProviderPolicyInvalid, kcerr.CategoryTrust,
			"trust policy references unknown provider slug "+slug)
	}
	if err != nil {
		return "", kcerr.Wrap(kcerr.CodeTrustReadFailed, kcerr.CategoryTrust,
			"failed to look up trust provider by slug", err)
	}
	return providerID, nil
}
