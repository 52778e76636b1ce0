// Copyright 2025 Knowledgecore Project

package objectstore

import "golang.org/x/crypto/argon2"

// DeriveKey derives the object-store key:
// Argon2id(passphrase, salt, m=memoryKiB, t=iterations, p=parallelism,
// out=32 bytes).
func DeriveKey(passphrase string, salt []byte, memoryKiB, iterations uint32, parallelism uint8) [32]byte {
	derived := argon2.IDKey([]byte(passphrase), salt, iterations, memoryKiB, parallelism, 32)
	var out [32]byte
	copy(out[:], derived)
	return out
}
