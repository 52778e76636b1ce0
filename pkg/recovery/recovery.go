// Copyright 2025 Knowledgecore Project
//
// Package recovery implements the passphrase-wrapped recovery bundle:
// generate_recovery_bundle samples a human-readable recovery phrase,
// derives the wrapping key from it (the nonce comes from vault_id and
// now_ms, not from the phrase), and wraps the vault passphrase in
// a KCR1 envelope alongside a canonical manifest; verify_recovery_bundle
// checks that envelope and manifest are internally consistent and that
// a candidate phrase matches. The envelope shape (magic + nonce +
// ciphertext, derive-then-seal) is the same discipline
// pkg/objectstore uses for object envelopes, generalized here from a
// per-object nonce salt to a per-bundle phrase-derived key.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// RecoveryMagic prefixes every key_blob.enc file.
var RecoveryMagic = []byte("KCR1")

const nonceSize = chacha20poly1305.NonceSizeX // 24 bytes
const manifestSchemaVersion = 2

// Manifest is the canonical recovery_manifest.json payload.
type Manifest struct {
	SchemaVersion     int                `json:"schema_version"`
	VaultID           string             `json:"vault_id"`
	CreatedAtMs       int64              `json:"created_at_ms"`
	PhraseChecksum    string             `json:"phrase_checksum"`
	PayloadHash       string             `json:"payload_hash"`
	EscrowDescriptors []EscrowDescriptor `json:"escrow_descriptors,omitempty"`
}

// EscrowDescriptor records where an escrow provider stashed a copy of
// the key blob; the concrete write happens in pkg/escrow,
// which returns descriptors of this same shape.
type EscrowDescriptor struct {
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	KeyID       string `json:"key_id"`
	WrappedAtMs int64  `json:"wrapped_at_ms"`
}

// GenerateResult is generate_recovery_bundle's return value.
type GenerateResult struct {
	BundlePath     string
	Manifest       Manifest
	RecoveryPhrase string
}

func normalizePhrase(phrase string) string {
	return strings.ToLower(strings.TrimSpace(phrase))
}

func phraseKey(vaultID, phrase string) [32]byte {
	material := fmt.Sprintf("kc.recovery.phrase.v1\n%s\n%s", vaultID, normalizePhrase(phrase))
	return sha256.Sum256([]byte(material))
}

func phraseNonce(vaultID string, nowMs int64) []byte {
	material := fmt.Sprintf("kc.recovery.nonce.v1\n%s\n%d", vaultID, nowMs)
	sum := canon.Blake3HexPrefixed([]byte(material))
	raw, _ := canon.RawBytes(sum)
	return raw[:nonceSize]
}

func phraseChecksum(vaultID, phrase string) string {
	material := fmt.Sprintf("kc.recovery.checksum.v1\n%s\n%s", vaultID, normalizePhrase(phrase))
	return canon.Blake3HexPrefixed([]byte(material))
}

func randomPhrase() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed generating recovery phrase entropy", err)
	}
	hexStr := hex.EncodeToString(raw[:])
	return fmt.Sprintf("%s-%s-%s-%s", hexStr[0:8], hexStr[8:16], hexStr[16:24], hexStr[24:32]), nil
}

func buildBlob(vaultID string, nowMs int64, vaultPassphrase, phrase string) ([]byte, error) {
	key := phraseKey(vaultID, phrase)
	nonce := phraseNonce(vaultID, nowMs)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed constructing recovery cipher", err)
	}
	ciphertext := aead.Seal(nil, nonce, []byte(vaultPassphrase), nil)
	blob := make([]byte, 0, len(RecoveryMagic)+len(nonce)+len(ciphertext))
	blob = append(blob, RecoveryMagic...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// GenerateBundle implements generate_recovery_bundle(vault_id, out_dir,
// passphrase, now_ms). passphrase is the vault passphrase
// being escrowed, not the recovery phrase: the phrase is always sampled
// fresh and returned in GenerateResult.RecoveryPhrase so the caller can
// display it once. descriptors, if non-nil, are copied verbatim into
// the manifest's escrow_descriptors block (written by pkg/escrow
// callers after GenerateBundle produces the blob they escrow).
func GenerateBundle(vaultID, outDir, vaultPassphrase string, nowMs int64, descriptors []EscrowDescriptor) (*GenerateResult, error) {
	if vaultPassphrase == "" {
		return nil, kcerr.New(kcerr.CodeEncryptionRequired, kcerr.CategoryRecovery,
			"passphrase is required for recovery bundle generation")
	}

	phrase, err := randomPhrase()
	if err != nil {
		return nil, err
	}
	blob, err := buildBlob(vaultID, nowMs, vaultPassphrase, phrase)
	if err != nil {
		return nil, err
	}
	payloadHash := canon.Blake3HexPrefixed(blob)
	checksum := phraseChecksum(vaultID, phrase)

	bundlePath := filepath.Join(outDir, fmt.Sprintf("recovery_%s_%d", vaultID, nowMs))
	if err := os.MkdirAll(bundlePath, 0o700); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed creating recovery bundle directory", err)
	}

	blobPath := filepath.Join(bundlePath, "key_blob.enc")
	if err := writeFileAtomic(blobPath, blob); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed writing recovery key blob", err)
	}

	manifest := Manifest{
		SchemaVersion:     manifestSchemaVersion,
		VaultID:           vaultID,
		CreatedAtMs:       nowMs,
		PhraseChecksum:    checksum,
		PayloadHash:       payloadHash,
		EscrowDescriptors: descriptors,
	}
	manifestBytes, err := canon.MarshalCanonical(manifest)
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(bundlePath, "recovery_manifest.json")
	if err := writeFileAtomic(manifestPath, manifestBytes); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed writing recovery manifest", err)
	}

	return &GenerateResult{BundlePath: bundlePath, Manifest: manifest, RecoveryPhrase: phrase}, nil
}

// VerifyBundle implements verify_recovery_bundle(expected_vault_id,
// bundle_path, phrase). It never decrypts key_blob.enc —
// that is pkg/escrow's Read path, which needs the blob bytes, not the
// phrase — it only checks that the manifest, blob, and phrase are
// mutually consistent.
func VerifyBundle(expectedVaultID, bundlePath, phrase string) (*Manifest, error) {
	manifestPath := filepath.Join(bundlePath, "recovery_manifest.json")
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed reading recovery manifest", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed parsing recovery manifest", err)
	}
	if manifest.SchemaVersion != manifestSchemaVersion {
		return nil, kcerr.New(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"unsupported recovery manifest schema version")
	}
	if manifest.VaultID != expectedVaultID {
		return nil, kcerr.New(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"recovery bundle vault_id mismatch")
	}

	blobPath := filepath.Join(bundlePath, "key_blob.enc")
	blob, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed reading recovery key blob", err)
	}
	if len(blob) <= len(RecoveryMagic)+nonceSize || !hasPrefix(blob, RecoveryMagic) {
		return nil, kcerr.New(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"recovery key blob has invalid format")
	}

	actualHash := canon.Blake3HexPrefixed(blob)
	if actualHash != manifest.PayloadHash {
		return nil, kcerr.New(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"recovery key blob hash mismatch")
	}

	expectedChecksum := phraseChecksum(expectedVaultID, phrase)
	if expectedChecksum != manifest.PhraseChecksum {
		return nil, kcerr.New(kcerr.CodeRecoveryPhraseInvalid, kcerr.CategoryRecovery,
			"recovery phrase checksum mismatch")
	}

	return &manifest, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
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
