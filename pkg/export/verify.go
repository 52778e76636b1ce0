// Copyright 2025 Knowledgecore Project
package export

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
)

// Verifier exit codes. These are a separate, stable wire
// vocabulary from pkg/kcerr's AppError codes — a verifier never raises
// an AppError for a data problem, it converts the problem into a report
// entry.
const (
	ExitOK                    = 0
	ExitManifestParseFailed   = 20
	ExitManifestSchemaInvalid = 21
	ExitDBMismatch            = 31
	ExitObjectMissing         = 40
	ExitObjectMismatch        = 41
	ExitInternalError         = 60
)

// VerifyError is one finding in a verification report.
type VerifyError struct {
	ExitCode int    `json:"exit_code"`
	Code     string `json:"code"`
	Path     string `json:"path"`
	Message  string `json:"message"`
}

// Report is verify_bundle's return value: a list of findings sorted by
// (code, path) plus the overall process exit code (0 iff Errors is
// empty).
type Report struct {
	ExitCode int           `json:"exit_code"`
	Errors   []VerifyError `json:"errors"`
}

func sortErrors(errs []VerifyError) {
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Code != errs[j].Code {
			return errs[i].Code < errs[j].Code
		}
		return errs[i].Path < errs[j].Path
	})
}

// finalize sorts errs by (code, path) and sets the overall exit code to
// the highest-numbered stage that produced a finding — deeper checks
// (object-level, stage 40/41) indicate more specific corruption than
// shallow ones (manifest parse, stage 20), so the worst stage reached
// is the most informative single process exit code (an Open Question
// this codebase fixes deliberately, since nothing else picks how multiple
// findings collapse to one exit code).
func finalize(errs []VerifyError) *Report {
	sortErrors(errs)
	exitCode := ExitOK
	for _, e := range errs {
		if e.ExitCode > exitCode {
			exitCode = e.ExitCode
		}
	}
	return &Report{ExitCode: exitCode, Errors: errs}
}

// VerifyBundle implements verify_bundle(bundle_path). It never returns
// a Go error: every problem, including a bundlePath that does not exist
// at all (reported as MANIFEST_PARSE_FAILED), is a finding in the Report.
func VerifyBundle(bundlePath string) *Report {
	manifestPath := filepath.Join(bundlePath, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return finalize([]VerifyError{{
			ExitCode: ExitManifestParseFailed, Code: "MANIFEST_PARSE_FAILED",
			Path: manifestPath, Message: "failed to read manifest.json: " + err.Error(),
		}})
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return finalize([]VerifyError{{
			ExitCode: ExitManifestParseFailed, Code: "MANIFEST_PARSE_FAILED",
			Path: manifestPath, Message: "failed to parse manifest.json: " + err.Error(),
		}})
	}

	if schemaErr := validateManifestSchema(&m); schemaErr != "" {
		return finalize([]VerifyError{{
			ExitCode: ExitManifestSchemaInvalid, Code: "MANIFEST_SCHEMA_INVALID",
			Path: manifestPath, Message: schemaErr,
		}})
	}

	var errs []VerifyError

	dbPath := filepath.Join(bundlePath, filepath.FromSlash(m.DB.RelativePath))
	dbBytes, err := os.ReadFile(dbPath)
	switch {
	case os.IsNotExist(err):
		errs = append(errs, VerifyError{
			ExitCode: ExitDBMismatch, Code: "DB_HASH_MISMATCH",
			Path: dbPath, Message: "database file is missing",
		})
	case err != nil:
		errs = append(errs, VerifyError{
			ExitCode: ExitInternalError, Code: "INTERNAL_ERROR",
			Path: dbPath, Message: "failed to read database file: " + err.Error(),
		})
	default:
		if canon.Blake3HexPrefixed(dbBytes) != m.DB.Hash {
			errs = append(errs, VerifyError{
				ExitCode: ExitDBMismatch, Code: "DB_HASH_MISMATCH",
				Path: dbPath, Message: "database file hash does not match manifest",
			})
		}
		if m.DBEncryption.Enabled && bytes.HasPrefix(dbBytes, []byte("SQLite format 3\x00")) {
			errs = append(errs, VerifyError{
				ExitCode: ExitDBMismatch, Code: "DB_ENCRYPTION_MISMATCH",
				Path: dbPath, Message: "db_encryption.enabled is true but the database file is plaintext SQLite",
			})
		}
	}

	for _, o := range m.Objects {
		objPath := filepath.Join(bundlePath, filepath.FromSlash(o.RelativePath))
		raw, err := os.ReadFile(objPath)
		switch {
		case os.IsNotExist(err):
			errs = append(errs, VerifyError{
				ExitCode: ExitObjectMissing, Code: "OBJECT_MISSING",
				Path: objPath, Message: "object file is missing",
			})
			continue
		case err != nil:
			errs = append(errs, VerifyError{
				ExitCode: ExitInternalError, Code: "INTERNAL_ERROR",
				Path: objPath, Message: "failed to read object file: " + err.Error(),
			})
			continue
		}
		if canon.Blake3HexPrefixed(raw) != o.StorageHash {
			errs = append(errs, VerifyError{
				ExitCode: ExitObjectMismatch, Code: "OBJECT_HASH_MISMATCH",
				Path: objPath, Message: "object storage hash does not match manifest",
			})
		}
		if m.Encryption.Enabled && !isEnvelope(raw) {
			errs = append(errs, VerifyError{
				ExitCode: ExitObjectMismatch, Code: "OBJECT_ENCRYPTION_MISMATCH",
				Path: objPath, Message: "encryption.enabled is true but the object has no KCE1 envelope",
			})
		}
	}

	return finalize(errs)
}

func validateManifestSchema(m *Manifest) string {
	if m.ManifestVersion != ManifestVersion {
		return "unsupported manifest_version"
	}
	if m.VaultID == "" {
		return "vault_id must not be empty"
	}
	switch m.Packaging.Format {
	case "folder", "zip":
	default:
		return "packaging.format must be \"folder\" or \"zip\""
	}
	if m.DB.RelativePath == "" || m.DB.Hash == "" {
		return "db block must carry a relative_path and hash"
	}
	if err := canon.ValidateHash(m.DB.Hash); err != nil {
		return "db.hash is not a valid blake3 hash"
	}
	prevHash := ""
	for _, o := range m.Objects {
		if err := canon.ValidateHash(o.Hash); err != nil {
			return "objects[].hash is not a valid blake3 hash"
		}
		if o.RelativePath == "" {
			return "objects[].relative_path must not be empty"
		}
		if prevHash != "" && o.Hash < prevHash {
			return "objects must be sorted ascending by hash"
		}
		prevHash = o.Hash
	}
	return ""
}

// VerifySyncHeadFile implements verifier step (6): validating a
// sync_head payload file against the version-conditional head schema.
// It is a distinct artifact type from an export bundle, reusing the
// same typed-exit-code reporting convention.
func VerifySyncHeadFile(path string) *Report {
	raw, err := os.ReadFile(path)
	if err != nil {
		return finalize([]VerifyError{{
			ExitCode: ExitManifestParseFailed, Code: "SYNC_HEAD_PARSE_FAILED",
			Path: path, Message: "failed to read sync head file: " + err.Error(),
		}})
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return finalize([]VerifyError{{
			ExitCode: ExitManifestParseFailed, Code: "SYNC_HEAD_PARSE_FAILED",
			Path: path, Message: "failed to parse sync head file: " + err.Error(),
		}})
	}
	if msg := ValidateSyncHeadSchema(doc); msg != "" {
		return finalize([]VerifyError{{
			ExitCode: ExitManifestSchemaInvalid, Code: "SYNC_HEAD_SCHEMA_INVALID",
			Path: path, Message: msg,
		}})
	}
	return finalize(nil)
}

// ValidateSyncHeadSchema checks a decoded sync_head JSON document
// against the version-conditional head requirements: every
// version needs schema_version/snapshot_id/manifest_hash/created_at_ms;
// v>=2 additionally needs a trust block; v=3 additionally needs the
// five author_* fields. Returns "" when the document is valid.
func ValidateSyncHeadSchema(doc map[string]any) string {
	version, ok := asInt(doc["schema_version"])
	if !ok || version < 1 || version > 3 {
		return "schema_version must be 1, 2, or 3"
	}
	for _, field := range []string{"snapshot_id", "manifest_hash"} {
		if s, ok := doc[field].(string); !ok || s == "" {
			return field + " must be a non-empty string"
		}
	}
	if _, ok := asInt(doc["created_at_ms"]); !ok {
		return "created_at_ms must be an integer"
	}
	if version < 2 {
		return ""
	}
	trust, ok := doc["trust"].(map[string]any)
	if !ok {
		return "trust block is required for schema_version >= 2"
	}
	if model, ok := trust["model"].(string); !ok || model != "passphrase_v1" {
		return "trust.model must be \"passphrase_v1\""
	}
	if fp, ok := trust["fingerprint"].(string); !ok || fp == "" {
		return "trust.fingerprint must be a non-empty string"
	}
	if _, ok := asInt(trust["updated_at_ms"]); !ok {
		return "trust.updated_at_ms must be an integer"
	}
	if version < 3 {
		return ""
	}
	for _, field := range []string{"author_device_id", "author_fingerprint", "author_signature", "author_cert_id", "author_chain_hash"} {
		if s, ok := doc[field].(string); !ok || s == "" {
			return field + " is required for schema_version 3"
		}
	}
	return ""
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case float64:
		if t != float64(int64(t)) {
			return 0, false
		}
		return int64(t), true
	default:
		return 0, false
	}
}
