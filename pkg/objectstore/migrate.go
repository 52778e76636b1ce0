// Copyright 2025 Knowledgecore Project
package objectstore

import "context"

// HashLister lists every object hash known to the relational store;
// *dbstore.DB satisfies this via ListObjectHashes, the same method
// pkg/export uses to enumerate a bundle's object set.
type HashLister interface {
	ListObjectHashes(ctx context.Context) ([]string, error)
}

// MigrateEncryption implements vault_encryption_migrate's object-store
// half: every object hash known to the relational store is read as
// plaintext through plain (a Store with no
// encryption context, or one already disabled) and rewritten through
// encrypted (a Store whose EncryptionContext has Enabled=true), so that
// every stored file ends up KCE1-enveloped. Hashes whose stored file is
// already KCE1-enveloped are skipped and not counted, so re-running
// against an already-migrated vault is a no-op per hash.
func MigrateEncryption(ctx context.Context, hashes HashLister, plain, encrypted *Store) (migrated int, err error) {
	list, err := hashes.ListObjectHashes(ctx)
	if err != nil {
		return 0, err
	}
	for _, h := range list {
		raw, err := plain.RawBytes(h)
		if err != nil {
			return migrated, err
		}
		if IsEncryptedPayload(raw) {
			continue
		}
		if err := encrypted.RewritePlaintextForHash(h, raw); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}
