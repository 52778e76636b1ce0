// Copyright 2025 Knowledgecore Project
package dbstore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// dbEnvelopeMagic prefixes an encrypted database file. modernc.org/sqlite
// has no native page-cipher support, so rather than reproduce
// SQLCipher's page format this wraps the whole plaintext file as a
// single authenticated envelope — read fully into memory, decrypted to
// a temp plaintext for the lifetime of the open handle, re-encrypted on
// Close. The metadata mode string stays "sqlcipher_v4"; the contract
// is black-box — locked-without-passphrase and wrong-passphrase fail
// the way the name promises, without claiming byte compatibility with
// real SQLCipher pages.
var dbEnvelopeMagic = []byte("KCDB1")

const (
	dbKDFIterations = 210000
	dbSaltSize      = 16
)

type encryptedSession struct {
	originalPath  string
	plainTempPath string
	passphrase    string
	salt          []byte
}

func fileIsEncryptedEnvelope(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to stat database file", err)
	}
	defer f.Close()

	header := make([]byte, len(dbEnvelopeMagic))
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return false, nil // empty/new file: not encrypted
	}
	return bytes.Equal(header[:n], dbEnvelopeMagic), nil
}

// deriveDBKey implements db_encryption.kdf.algorithm=pbkdf2_hmac_sha512
//, distinct from the object store's Argon2id KDF.
func deriveDBKey(passphrase string, salt []byte) [32]byte {
	raw := pbkdf2.Key([]byte(passphrase), salt, dbKDFIterations, 32, sha512.New)
	var key [32]byte
	copy(key[:], raw)
	return key
}

// openEncryptedSession decrypts dbPath's envelope to a sibling temp
// file and returns a session that can seal it back on Close.
func openEncryptedSession(dbPath, passphrase string) (*encryptedSession, error) {
	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to read encrypted database file", err)
	}
	if len(raw) < len(dbEnvelopeMagic)+dbSaltSize+chacha20poly1305.NonceSizeX {
		return nil, kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"encrypted database envelope is truncated")
	}

	offset := len(dbEnvelopeMagic)
	salt := raw[offset : offset+dbSaltSize]
	offset += dbSaltSize
	nonce := raw[offset : offset+chacha20poly1305.NonceSizeX]
	offset += chacha20poly1305.NonceSizeX
	ciphertext := raw[offset:]

	key := deriveDBKey(passphrase, salt)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBKeyInvalid, kcerr.CategoryEncryption,
			"failed to construct cipher", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, dbEnvelopeMagic)
	if err != nil {
		return nil, kcerr.New(kcerr.CodeDBKeyInvalid, kcerr.CategoryEncryption,
			"database passphrase did not decrypt the envelope")
	}

	tempPath := dbPath + ".kcplain.tmp"
	if err := os.WriteFile(tempPath, plaintext, 0o600); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to write decrypted temp database", err)
	}

	return &encryptedSession{
		originalPath:  dbPath,
		plainTempPath: tempPath,
		passphrase:    passphrase,
		salt:          append([]byte(nil), salt...),
	}, nil
}

// sealBack re-reads the plaintext temp file, re-encrypts it under a
// freshly generated random salt/nonce (so the envelope bytes differ on
// every seal and no key/nonce pair is reused across writes), writes it
// atomically over the original path, then removes
// the temp plaintext.
func (s *encryptedSession) sealBack() error {
	plaintext, err := os.ReadFile(s.plainTempPath)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to read plaintext temp database before sealing", err)
	}

	salt := make([]byte, dbSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return kcerr.Wrap(kcerr.CodeDBEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to generate database salt", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return kcerr.Wrap(kcerr.CodeDBEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to generate database nonce", err)
	}

	key := deriveDBKey(s.passphrase, salt)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to construct cipher", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, dbEnvelopeMagic)

	var buf bytes.Buffer
	buf.Write(dbEnvelopeMagic)
	buf.Write(salt)
	buf.Write(nonce)
	buf.Write(ciphertext)

	if err := writeFileAtomicDB(s.originalPath, buf.Bytes()); err != nil {
		return err
	}
	return os.Remove(s.plainTempPath)
}

// migrateDBToSQLCipher implements migrate_db_to_sqlcipher: encrypts a
// currently-plaintext database file in place. Returns true if it
// performed the migration, false if the file was already encrypted.
func migrateDBToSQLCipher(dbPath, passphrase string) (bool, error) {
	already, err := fileIsEncryptedEnvelope(dbPath)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	plaintext, err := os.ReadFile(dbPath)
	if err != nil {
		return false, kcerr.Wrap(kcerr.CodeDBEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to read plaintext database", err)
	}

	sess := &encryptedSession{originalPath: dbPath, plainTempPath: dbPath + ".kcplain.migrate.tmp", passphrase: passphrase}
	if err := os.WriteFile(sess.plainTempPath, plaintext, 0o600); err != nil {
		return false, kcerr.Wrap(kcerr.CodeDBEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"failed to stage plaintext for migration", err)
	}
	if err := sess.sealBack(); err != nil {
		return false, err
	}
	return true, nil
}

func writeFileAtomicDB(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kcdb-tmp-*")
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to create temp file for atomic database write", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to write temp database file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to close temp database file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to rename temp database file into place", err)
	}
	return nil
}

