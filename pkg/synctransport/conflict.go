// Copyright 2025 Knowledgecore Project
package synctransport

import (
	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
)

// ConflictArtifact is the canonical-JSON report push/pull writes under
// <target>/conflicts/ when the conservative head check detects a
// diverged remote.
type ConflictArtifact struct {
	Kind                   string `json:"kind"`
	VaultID                string `json:"vault_id"`
	LocalManifestHash      string `json:"local_manifest_hash"`
	RemoteHeadSnapshotID   string `json:"remote_head_snapshot_id"`
	CreatedAtMs            int64  `json:"created_at_ms"`
}

// NewConflictArtifact builds the fixed-kind conflict report a failed
// push or pull leaves behind for human intervention.
func NewConflictArtifact(vaultID, localManifestHash, remoteSnapshotID string, nowMs int64) *ConflictArtifact {
	return &ConflictArtifact{
		Kind:                 "sync_conflict",
		VaultID:              vaultID,
		LocalManifestHash:    localManifestHash,
		RemoteHeadSnapshotID: remoteSnapshotID,
		CreatedAtMs:          nowMs,
	}
}

// CanonicalBytes returns a's canonical JSON encoding.
func (a *ConflictArtifact) CanonicalBytes() ([]byte, error) {
	return canon.MarshalCanonical(a)
}

// fileNameDigest16 returns the first 16 hex characters of BLAKE3(data),
// used as the "<digest16>" component of
// conflicts/conflict_<now_ms>_<digest16>.json
// so two conflicts written in the same millisecond never collide.
func fileNameDigest16(data []byte) string {
	h := canon.Blake3HexPrefixed(data)
	// h = "blake3:" + 64 hex chars.
	return h[len("blake3:") : len("blake3:")+16]
}
