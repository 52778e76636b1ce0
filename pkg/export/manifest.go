// Copyright 2025 Knowledgecore Project
//
// Package export implements deterministic bundle emission and its
// offline verifier. The manifest is a flat, explicitly-tagged struct
// round-tripped through canonical JSON rather than a free-form map.
// The verifier runs every check, collects every violation, and never
// stops at the first one.
package export

import (
	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/vaultmeta"
)

// ManifestVersion is the only manifest schema version this codebase
// writes or accepts.
const ManifestVersion = 1

// SchemaVersions records the two independently-versioned schemas a
// bundle depends on.
type SchemaVersions struct {
	VaultJSON int `json:"vault_json"`
	DB        int `json:"db"`
}

// ZipPolicy is the fixed archive-writing policy that keeps
// that zip bundles are byte-identical across runs: no compression (so
// no zlib implementation version can vary output), a fixed mtime, and a
// fixed file mode.
type ZipPolicy struct {
	Compression string `json:"compression"`
	Mtime       string `json:"mtime"`
	FileMode    string `json:"file_mode"`
}

// DefaultZipPolicy is the one and only zip policy this codebase emits.
func DefaultZipPolicy() ZipPolicy {
	return ZipPolicy{Compression: "stored", Mtime: "1980-01-01T00:00:00Z", FileMode: "0644"}
}

// Packaging describes how the bundle's files are laid out on disk.
type Packaging struct {
	Format    string    `json:"format"` // "folder" or "zip"
	ZipPolicy ZipPolicy `json:"zip_policy"`
}

// DBDescriptor locates and hashes the bundled database file.
type DBDescriptor struct {
	RelativePath string `json:"relative_path"`
	Hash         string `json:"hash"`
}

// ObjectDescriptor is one bundled object-store entry.
type ObjectDescriptor struct {
	RelativePath string `json:"relative_path"`
	Hash         string `json:"hash"`         // logical hash (plaintext BLAKE3)
	StorageHash  string `json:"storage_hash"` // hash of the on-disk (possibly enveloped) bytes
	Encrypted    bool   `json:"encrypted"`
	Bytes        int64  `json:"bytes"`
}

// Manifest is the canonical-JSON table of contents for an export
// bundle.
type Manifest struct {
	ManifestVersion    int                      `json:"manifest_version"`
	VaultID            string                   `json:"vault_id"`
	SchemaVersions     SchemaVersions           `json:"schema_versions"`
	Encryption         vaultmeta.Encryption     `json:"encryption"`
	DBEncryption       vaultmeta.DBEncryption   `json:"db_encryption"`
	RecoveryEscrow     vaultmeta.RecoveryEscrow `json:"recovery_escrow"`
	Packaging          Packaging                `json:"packaging"`
	ChunkingConfigHash string                   `json:"chunking_config_hash"`
	DB                 DBDescriptor             `json:"db"`
	Objects            []ObjectDescriptor       `json:"objects"`
}

// ChunkingConfigHash deterministically hashes the vault's chunking
// configuration identifier, giving export bundles a stable fingerprint
// of the chunking policy that produced their chunks table even though
// the chunker itself is out of scope.
func ChunkingConfigHash(defaults vaultmeta.Defaults) string {
	return canon.Blake3HexPrefixed([]byte("kc.chunking.config.v1\n" + defaults.ChunkingConfigID))
}

// CanonicalBytes returns m encoded as canonical JSON.
func (m Manifest) CanonicalBytes() ([]byte, error) {
	return canon.MarshalCanonical(m)
}

// Hash returns the BLAKE3 hash of m's canonical encoding — the
// "manifest_hash" sync pushes compute over an exported snapshot
//.
func (m Manifest) Hash() (string, error) {
	b, err := m.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return canon.Blake3HexPrefixed(b), nil
}
