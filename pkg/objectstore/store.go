// Copyright 2025 Knowledgecore Project
//
// Package objectstore implements the vault's content-addressed blob
// store with an optional authenticated-encryption envelope. Entries are
// immutable once written: a plain entry's file bytes are the raw bytes,
// an encrypted entry is a magic-prefixed envelope (magic + nonce +
// ciphertext) whose filename is still the plaintext hash.
package objectstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// EnvelopeMagic prefixes every at-rest encrypted object.
var EnvelopeMagic = []byte("KCE1")

const nonceSize = chacha20poly1305.NonceSizeX // 24 bytes

// Index records which object hashes are known to the vault's relational
// store. dbstore.DB satisfies this interface structurally; objectstore
// never imports dbstore to avoid a dependency cycle.
type Index interface {
	EnsureObjectRow(ctx context.Context, objectHash string, createdEventID int64) error
	ObjectRowExists(ctx context.Context, objectHash string) (bool, error)
}

// EncryptionContext carries the derived 32-byte object-store key and a
// per-vault nonce salt. Nonces are derived deterministically from the
// logical hash and this salt so that writing the same plaintext twice
// produces byte-identical envelopes; deterministic exports depend on
// that.
type EncryptionContext struct {
	Enabled   bool
	Key       [32]byte
	NonceSalt []byte
}

func (ec *EncryptionContext) nonceFor(logicalHash string) []byte {
	material := fmt.Sprintf("kc.object.nonce.v1\n%x\n%s", ec.NonceSalt, logicalHash)
	sum := canon.Blake3HexPrefixed([]byte(material))
	raw, _ := canon.RawBytes(sum)
	return raw[:nonceSize]
}

// Store is the object store for a single vault.
type Store struct {
	root  string // vault root; objects live under root/store/objects
	index Index
	enc   *EncryptionContext
}

// New returns a Store rooted at vaultRoot. enc may be nil for a
// plaintext (unencrypted) vault.
func New(vaultRoot string, index Index, enc *EncryptionContext) *Store {
	return &Store{root: vaultRoot, index: index, enc: enc}
}

func (s *Store) pathFor(hash string) (string, error) {
	if err := canon.ValidateHash(hash); err != nil {
		return "", err
	}
	// hash = "blake3:" + 64 hex chars; the first two hex chars after the
	// prefix select the shard directory.
	hexPart := hash[len("blake3:"):]
	shard := hexPart[:2]
	return filepath.Join(s.root, "store", "objects", shard, hash), nil
}

// PutBytes writes raw to the store (plain or enveloped per the
// configured EncryptionContext), registers an objects row if one does
// not already exist, and returns the logical ObjectHash = blake3(raw).
func (s *Store) PutBytes(ctx context.Context, raw []byte, createdEventID int64) (string, error) {
	hash := canon.Blake3HexPrefixed(raw)
	path, err := s.pathFor(hash)
	if err != nil {
		return "", err
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		payload := raw
		if s.enc != nil && s.enc.Enabled {
			payload, err = s.envelopeEncrypt(hash, raw)
			if err != nil {
				return "", err
			}
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return "", kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
				"failed to create object shard directory", err)
		}
		if err := writeFileAtomic(path, payload); err != nil {
			return "", kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryStorage,
				"failed to write object file", err)
		}
	}

	if s.index != nil {
		if err := s.index.EnsureObjectRow(ctx, hash, createdEventID); err != nil {
			return "", kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"failed to record objects row", err)
		}
	}

	return hash, nil
}

// GetBytes reads the object at hash and returns its plaintext. If the
// stored payload is an encrypted envelope and no key is configured, it
// fails with KC_ENCRYPTION_REQUIRED.
func (s *Store) GetBytes(hash string) ([]byte, error) {
	raw, err := s.RawBytes(hash)
	if err != nil {
		return nil, err
	}
	if IsEncryptedPayload(raw) {
		if s.enc == nil || !s.enc.Enabled {
			return nil, kcerr.New(kcerr.CodeEncryptionRequired, kcerr.CategoryEncryption,
				"object is encrypted but no passphrase/key is available")
		}
		return s.envelopeDecrypt(raw)
	}
	return raw, nil
}

// RawBytes reads the object file untouched — the envelope bytes for an
// encrypted object, or the plaintext for a plain one.
func (s *Store) RawBytes(hash string) ([]byte, error) {
	path, err := s.pathFor(hash)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryStorage,
			"failed to read object file", err)
	}
	return b, nil
}

// Exists reports whether the object file for hash is present on disk.
func (s *Store) Exists(hash string) bool {
	path, err := s.pathFor(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// StorageHash returns BLAKE3 of the on-disk (possibly enveloped) bytes.
// Equal to the logical hash only for plain entries.
func (s *Store) StorageHash(hash string) (string, error) {
	raw, err := s.RawBytes(hash)
	if err != nil {
		return "", err
	}
	return canon.Blake3HexPrefixed(raw), nil
}

// IsEncryptedPayload reports whether raw begins with the KCE1 magic.
func IsEncryptedPayload(raw []byte) bool {
	return bytes.HasPrefix(raw, EnvelopeMagic)
}

// RewritePlaintextForHash re-encrypts (or re-plains) plaintext whose
// logical hash is hash, replacing the on-disk entry. Used by encryption
// migration: the new payload is
// written to a temp path and renamed into place so a crash leaves
// either the old or the new file intact, never a partial one.
func (s *Store) RewritePlaintextForHash(hash string, plaintext []byte) error {
	if got := canon.Blake3HexPrefixed(plaintext); got != hash {
		return kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"plaintext does not hash to the given object hash")
	}
	path, err := s.pathFor(hash)
	if err != nil {
		return err
	}
	payload := plaintext
	if s.enc != nil && s.enc.Enabled {
		payload, err = s.envelopeEncrypt(hash, plaintext)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to create object shard directory", err)
	}
	if err := writeFileAtomic(path, payload); err != nil {
		return kcerr.Wrap(kcerr.CodeEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to rewrite object file", err)
	}
	return nil
}

func (s *Store) envelopeEncrypt(logicalHash string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.enc.Key[:])
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to construct XChaCha20-Poly1305 AEAD", err)
	}
	nonce := s.enc.nonceFor(logicalHash)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(EnvelopeMagic)+len(nonce)+len(ciphertext))
	out = append(out, EnvelopeMagic...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func (s *Store) envelopeDecrypt(raw []byte) ([]byte, error) {
	if len(raw) < len(EnvelopeMagic)+nonceSize {
		return nil, kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"encrypted object payload is truncated")
	}
	nonce := raw[len(EnvelopeMagic) : len(EnvelopeMagic)+nonceSize]
	ciphertext := raw[len(EnvelopeMagic)+nonceSize:]
	aead, err := chacha20poly1305.NewX(s.enc.Key[:])
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeEncryptionRequired, kcerr.CategoryEncryption,
			"failed to construct XChaCha20-Poly1305 AEAD", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeEncryptionRequired, kcerr.CategoryEncryption,
			"failed to decrypt object payload", err)
	}
	return plaintext, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// randomBytes returns n cryptographically random bytes. It is
// unexported and nothing in this package calls it; object nonces use
// the deterministic hash-derived scheme instead.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
