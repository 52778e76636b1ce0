// Copyright 2025 Knowledgecore Project
package synctransport

import (
	"encoding/json"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/export"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// Trust carries the v2+ passphrase-trust commitment attached to a sync
// head.
type Trust struct {
	Model       string `json:"model"`
	Fingerprint string `json:"fingerprint"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// SyncHead is the canonical-JSON payload written to head.json.
// Fields beyond schema_version 1 (the Trust pointer and the author_*
// strings) are omitempty so a v1 head serializes without them.
type SyncHead struct {
	SchemaVersion int    `json:"schema_version"`
	SnapshotID    string `json:"snapshot_id"`
	ManifestHash  string `json:"manifest_hash"`
	CreatedAtMs   int64  `json:"created_at_ms"`

	Trust *Trust `json:"trust,omitempty"`

	AuthorDeviceID      string `json:"author_device_id,omitempty"`
	AuthorFingerprint   string `json:"author_fingerprint,omitempty"`
	AuthorSignature     string `json:"author_signature,omitempty"`
	AuthorCertID        string `json:"author_cert_id,omitempty"`
	AuthorChainHash     string `json:"author_chain_hash,omitempty"`
}

// Validate enforces the version-conditional field requirements
// lists, reusing export.ValidateSyncHeadSchema (the same schema the
// offline verifier checks a sync_head payload against in verify step
// 6) rather than re-implementing the field rules a second time.
func (h *SyncHead) Validate() error {
	raw, err := json.Marshal(h)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeSyncHeadInvalid, kcerr.CategorySync,
			"failed to marshal sync head for validation", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncHeadInvalid, kcerr.CategorySync,
			"failed to decode sync head for validation", err)
	}
	if msg := export.ValidateSyncHeadSchema(doc); msg != "" {
		return kcerr.New(kcerr.CodeSyncHeadInvalid, kcerr.CategorySync, msg)
	}
	return nil
}

// CanonicalBytes returns h encoded as canonical JSON.
func (h *SyncHead) CanonicalBytes() ([]byte, error) {
	return canon.MarshalCanonical(h)
}

// unsignedCopy returns a copy of h with AuthorSignature cleared, used
// to build the message a device signs: the signature necessarily
// cannot cover its own bytes, so it is computed over every other field
// and then attached.
func (h *SyncHead) unsignedCopy() *SyncHead {
	c := *h
	c.AuthorSignature = ""
	return &c
}

// SigningMessage returns the canonical bytes a device signs to author a
// v3 head.
func (h *SyncHead) SigningMessage() ([]byte, error) {
	return h.unsignedCopy().CanonicalBytes()
}
