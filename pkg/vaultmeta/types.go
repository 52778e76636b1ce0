// Copyright 2025 Knowledgecore Project
//
// Package vaultmeta implements the vault.json schema, its v1→v3
// migration, and the vault's on-disk path layout. Open rejects an
// unknown schema_version and fills in the default encryption and
// db_encryption blocks and db path when a document lacks them.
package vaultmeta

// CurrentSchemaVersion is the schema version this codebase writes and
// the version every load normalizes to.
const CurrentSchemaVersion = 3

// KDF describes a key-derivation function configuration.
type KDF struct {
	Algorithm   string `json:"algorithm"`
	MemoryKiB   uint32 `json:"memory_kib,omitempty"`
	Iterations  uint32 `json:"iterations,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
	SaltID      string `json:"salt_id,omitempty"`
}

// Encryption describes the object-store encryption block.
type Encryption struct {
	Enabled      bool    `json:"enabled"`
	Mode         string  `json:"mode"`
	KDF          KDF     `json:"kdf"`
	KeyReference *string `json:"key_reference,omitempty"`
}

// DBEncryption describes the relational-store encryption block.
type DBEncryption struct {
	Enabled      bool    `json:"enabled"`
	Mode         string  `json:"mode"`
	KDF          KDF     `json:"kdf"`
	KeyReference *string `json:"key_reference,omitempty"`
}

// Defaults holds vault-wide default identifiers.
type Defaults struct {
	ChunkingConfigID string `json:"chunking_config_id"`
	EmbeddingID      string `json:"embedding_id"`
	RecencyBoost     bool   `json:"recency_boost"`
}

// Toolchain identifies the producing toolchain versions.
type Toolchain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DB describes the relational store's location relative to the vault root.
type DB struct {
	RelativePath string `json:"relative_path"`
}

// EscrowDescriptor records one escrow provider's wrapped copy of a
// recovery key blob.
type EscrowDescriptor struct {
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	KeyID       string `json:"key_id"`
	WrappedAtMs int64  `json:"wrapped_at_ms"`
	Priority    int    `json:"priority"`
}

// RecoveryEscrow is the vault-level escrow configuration copied
// verbatim into export manifests.
type RecoveryEscrow struct {
	Enabled   bool               `json:"enabled"`
	Providers []EscrowDescriptor `json:"providers,omitempty"`
}

// Meta is the in-memory representation of vault.json, always held at
// CurrentSchemaVersion after Open.
type Meta struct {
	SchemaVersion  int            `json:"schema_version"`
	VaultID        string         `json:"vault_id"`
	VaultSlug      string         `json:"vault_slug"`
	CreatedAtMs    int64          `json:"created_at_ms"`
	DB             DB             `json:"db"`
	Defaults       Defaults       `json:"defaults"`
	Toolchain      []Toolchain    `json:"toolchain"`
	Encryption     Encryption     `json:"encryption"`
	DBEncryption   DBEncryption   `json:"db_encryption"`
	RecoveryEscrow RecoveryEscrow `json:"recovery_escrow"`
}

// DefaultEncryption returns the disabled-by-default object-store
// encryption block written for a freshly initialized vault, and used to
// backfill v1/v2 payloads that never had one.
func DefaultEncryption() Encryption {
	return Encryption{
		Enabled: false,
		Mode:    "object_store_xchacha20poly1305",
		KDF: KDF{
			Algorithm:   "argon2id",
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: 4,
		},
	}
}

// DefaultDBEncryption returns the disabled-by-default relational-store
// encryption block.
func DefaultDBEncryption() DBEncryption {
	return DBEncryption{
		Enabled: false,
		Mode:    "sqlcipher_v4",
		KDF: KDF{
			Algorithm: "pbkdf2_hmac_sha512",
		},
	}
}
