// Copyright 2025 Knowledgecore Project

package vaultmeta

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// rawMeta is used to sniff schema_version before committing to the
// typed v3 Meta struct, since v1/v2 payloads may be missing fields v3
// requires.
type rawMeta struct {
	SchemaVersion int             `json:"schema_version"`
	VaultID       string          `json:"vault_id"`
	VaultSlug     string          `json:"vault_slug"`
	CreatedAtMs   int64           `json:"created_at_ms"`
	DB            DB              `json:"db"`
	Defaults      Defaults        `json:"defaults"`
	Toolchain     []Toolchain     `json:"toolchain"`
	Encryption     *Encryption     `json:"encryption"`
	DBEncryption   *DBEncryption   `json:"db_encryption"`
	RecoveryEscrow *RecoveryEscrow `json:"recovery_escrow"`
	Extra          json.RawMessage `json:"-"`
}

// Init creates the vault directory layout and writes a fresh v3
// vault.json with encryption disabled. It does not open the database —
// callers (pkg/dbstore) force migration to head separately, keeping
// vaultmeta free of a hard dependency on the SQL driver stack.
func Init(root, slug string, nowMs int64) (*Meta, error) {
	paths := VaultPaths(root)
	for _, dir := range []string{
		filepath.Dir(paths.DB),
		paths.ObjectsDir,
		paths.InboxProcessed,
		paths.VectorsDir,
	} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
				"failed to create vault directory layout", err)
		}
	}

	meta := &Meta{
		SchemaVersion: CurrentSchemaVersion,
		VaultID:       uuid.New().String(),
		VaultSlug:     slug,
		CreatedAtMs:   nowMs,
		DB:            DB{RelativePath: "db/knowledge.sqlite"},
		Defaults:      Defaults{},
		Encryption:    DefaultEncryption(),
		DBEncryption:  DefaultDBEncryption(),
	}

	if err := Save(root, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Open reads vault.json, normalizing v1/v2 payloads to v3 by inserting
// disabled-encryption defaults. Any other schema_version fails with
// KC_VAULT_JSON_UNSUPPORTED_VERSION.
func Open(root string) (*Meta, error) {
	paths := VaultPaths(root)
	b, err := os.ReadFile(paths.VaultJSON)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryStorage,
			"failed to read vault.json", err)
	}

	var raw rawMeta
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeVaultJSONUnsupportedVersion, kcerr.CategoryStorage,
			"failed to parse vault.json", err)
	}

	switch raw.SchemaVersion {
	case 1, 2, 3:
		// fall through to normalization below
	default:
		return nil, kcerr.New(kcerr.CodeVaultJSONUnsupportedVersion, kcerr.CategoryStorage,
			"unsupported vault.json schema_version")
	}

	meta := &Meta{
		SchemaVersion: CurrentSchemaVersion,
		VaultID:       raw.VaultID,
		VaultSlug:     raw.VaultSlug,
		CreatedAtMs:   raw.CreatedAtMs,
		DB:            raw.DB,
		Defaults:      raw.Defaults,
		Toolchain:     raw.Toolchain,
	}
	if raw.Encryption != nil {
		meta.Encryption = *raw.Encryption
	} else {
		meta.Encryption = DefaultEncryption()
	}
	if raw.DBEncryption != nil {
		meta.DBEncryption = *raw.DBEncryption
	} else {
		meta.DBEncryption = DefaultDBEncryption()
	}
	if raw.RecoveryEscrow != nil {
		meta.RecoveryEscrow = *raw.RecoveryEscrow
	}
	if meta.DB.RelativePath == "" {
		meta.DB.RelativePath = "db/knowledge.sqlite"
	}

	// v1/v2→v3 migration only ever adds fields; persist the upgrade so
	// future loads see schema_version=3 directly.
	if raw.SchemaVersion != CurrentSchemaVersion {
		if err := Save(root, meta); err != nil {
			return nil, err
		}
	}

	return meta, nil
}

// Save rewrites vault.json atomically (write-temp then rename),
// preferring canonical JSON so repeated saves of equal Meta values are
// byte-identical.
func Save(root string, meta *Meta) error {
	paths := VaultPaths(root)
	b, err := canon.MarshalCanonical(meta)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
			"failed to canonicalize vault.json", err)
	}

	dir := filepath.Dir(paths.VaultJSON)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
			"failed to create vault root directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault.json.tmp-*")
	if err != nil {
		return kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
			"failed to create temp file for vault.json", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
			"failed to write vault.json temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
			"failed to close vault.json temp file", err)
	}
	if err := os.Rename(tmpPath, paths.VaultJSON); err != nil {
		return kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
			"failed to rename vault.json into place", err)
	}
	return nil
}
