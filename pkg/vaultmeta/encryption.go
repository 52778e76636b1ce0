// Copyright 2025 Knowledgecore Project
package vaultmeta

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// EnableObjectEncryption flips meta.Encryption.Enabled on and, if no
// salt has been assigned yet, samples a fresh 16-byte salt encoded as
// SaltID. It does not touch any stored object — pkg/objectstore.MigrateEncryption
// performs the actual per-object rewrite; this only records the vault's
// new encryption configuration so a subsequent Save persists it.
func EnableObjectEncryption(meta *Meta) error {
	if meta.Encryption.KDF.SaltID == "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return kcerr.Wrap(kcerr.CodeEncryptionMigrationFailed, kcerr.CategoryEncryption,
				"failed to generate object store salt", err)
		}
		meta.Encryption.KDF.SaltID = hex.EncodeToString(salt)
	}
	meta.Encryption.Enabled = true
	return nil
}

// ObjectEncryptionSalt decodes the KDF salt_id recorded for the
// object-store encryption block.
func ObjectEncryptionSalt(enc Encryption) ([]byte, error) {
	salt, err := hex.DecodeString(enc.KDF.SaltID)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"object store salt_id is not valid hex", err)
	}
	return salt, nil
}
