// Copyright 2025 Knowledgecore Project
package synctransport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/export"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
	"github.com/saagar210/knowledgecore-sub000/pkg/objectstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/vaultmeta"
)

// sync_state keys persisted locally.
const (
	stateRemoteHeadSeen        = "sync_remote_head_seen"
	stateLastAppliedManifest   = "sync_last_applied_manifest_hash"
	stateLastAppliedSnapshotID = "sync_last_applied_snapshot_id"
)

// writeLockTTLMs bounds how long a crashed writer can leave a sync
// target locked.
const writeLockTTLMs = 5 * 60 * 1000

// HeadOption mutates a freshly built SyncHead before it is validated
// and written, letting callers layer in a v2 trust block or a v3
// author signature without Push needing to know about pkg/trust.
type HeadOption func(h *SyncHead) error

// WithTrust attaches a v2 trust commitment.
func WithTrust(trust Trust) HeadOption {
	return func(h *SyncHead) error {
		h.Trust = &trust
		if h.SchemaVersion < 2 {
			h.SchemaVersion = 2
		}
		return nil
	}
}

// Signer produces a signature over a sync head's signing message. A
// device's Ed25519 private key (pkg/trust) satisfies this.
type Signer interface {
	Sign(message []byte) (signatureHex string, err error)
}

// WithAuthor upgrades the head to schema_version 3 and signs it. It
// must run after WithTrust in an options list if both are given, since
// the signature covers every field set so far.
func WithAuthor(deviceID, fingerprint, certID, chainHash string, signer Signer) HeadOption {
	return func(h *SyncHead) error {
		h.AuthorDeviceID = deviceID
		h.AuthorFingerprint = fingerprint
		h.AuthorCertID = certID
		h.AuthorChainHash = chainHash
		h.SchemaVersion = 3
		msg, err := h.SigningMessage()
		if err != nil {
			return err
		}
		sig, err := signer.Sign(msg)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeSyncHeadInvalid, kcerr.CategorySync,
				"failed to sign sync head", err)
		}
		h.AuthorSignature = sig
		return nil
	}
}

// PushResult reports what a successful Push wrote.
type PushResult struct {
	SnapshotID   string
	ManifestHash string
}

// conflictCheck implements the shared divergence predicate for
// both push and pull: "(remote.snapshot_id != seen) AND
// (last_applied_manifest_hash != local_manifest_hash)".
func conflictCheck(remoteFound bool, remoteSnapshotID, seenSnapshotID, lastAppliedManifestHash, localManifestHash string) bool {
	if !remoteFound {
		return false
	}
	return remoteSnapshotID != seenSnapshotID && lastAppliedManifestHash != localManifestHash
}

func snapshotID(manifestHash string, nowMs int64) string {
	return canon.Blake3HexPrefixed([]byte(fmt.Sprintf("kc.sync.snapshot.v1\n%s\n%d", manifestHash, nowMs)))
}

// Push implements push(vault, target, now_ms): export a
// local snapshot bundle, detect a diverged remote, and either write a
// conflict artifact and fail, or copy the bundle to the target under a
// new snapshot_id and advance the head.
func Push(
	ctx context.Context,
	vaultRoot string,
	target Transport,
	db *dbstore.DB,
	meta *vaultmeta.Meta,
	index export.ObjectIndex,
	objs export.ObjectReader,
	nowMs int64,
	opts ...HeadOption,
) (*PushResult, error) {
	remoteHead, remoteFound, err := target.ReadHead(ctx)
	if err != nil {
		return nil, err
	}

	seen, _, err := db.GetSyncState(ctx, stateRemoteHeadSeen)
	if err != nil {
		return nil, err
	}
	lastApplied, _, err := db.GetSyncState(ctx, stateLastAppliedManifest)
	if err != nil {
		return nil, err
	}

	tmpDir, err := os.MkdirTemp("", "kc-sync-push-*")
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to create staging directory for push", err)
	}
	defer os.RemoveAll(tmpDir)

	manifest, err := export.ExportBundle(ctx, vaultRoot, tmpDir, meta, index, objs, export.Options{Format: "folder"})
	if err != nil {
		return nil, err
	}
	manifestHash, err := manifest.Hash()
	if err != nil {
		return nil, err
	}

	remoteSnapshotID := ""
	if remoteFound {
		remoteSnapshotID = remoteHead.SnapshotID
	}
	if conflictCheck(remoteFound, remoteSnapshotID, seen, lastApplied, manifestHash) {
		artifact := NewConflictArtifact(meta.VaultID, manifestHash, remoteSnapshotID, nowMs)
		relPath, writeErr := target.WriteConflictArtifact(ctx, nowMs, artifact)
		if writeErr != nil {
			return nil, writeErr
		}
		return nil, kcerr.New(kcerr.CodeSyncConflict, kcerr.CategorySync,
			"remote sync target has diverged").WithDetails(map[string]any{
			"conflict_path":           relPath,
			"remote_head_snapshot_id": remoteSnapshotID,
		})
	}

	// Transports with a write lock (S3) hold it across the snapshot copy
	// and head write; a held, unexpired lock fails the push.
	if locker, ok := target.(Locker); ok {
		if err := locker.TryAcquireLock(ctx, nowMs, writeLockTTLMs); err != nil {
			return nil, err
		}
		defer locker.ReleaseLock(ctx)
	}

	newSnapshotID := snapshotID(manifestHash, nowMs)
	if err := target.CopySnapshotIn(ctx, newSnapshotID, tmpDir); err != nil {
		return nil, err
	}

	head := &SyncHead{
		SchemaVersion: 1,
		SnapshotID:    newSnapshotID,
		ManifestHash:  manifestHash,
		CreatedAtMs:   nowMs,
	}
	for _, opt := range opts {
		if err := opt(head); err != nil {
			return nil, err
		}
	}
	if err := target.WriteHead(ctx, head); err != nil {
		return nil, err
	}

	if err := db.SetSyncState(ctx, stateRemoteHeadSeen, newSnapshotID, nowMs); err != nil {
		return nil, err
	}
	if err := db.SetSyncState(ctx, stateLastAppliedManifest, manifestHash, nowMs); err != nil {
		return nil, err
	}
	if err := db.SetSyncState(ctx, stateLastAppliedSnapshotID, newSnapshotID, nowMs); err != nil {
		return nil, err
	}
	if err := db.RecordSyncSnapshot(ctx, dbstore.SyncSnapshotRecord{
		SnapshotID:   newSnapshotID,
		Direction:    "push",
		CreatedAtMs:  nowMs,
		RelPath:      filepath.ToSlash(filepath.Join("snapshots", newSnapshotID)),
		ManifestHash: manifestHash,
	}); err != nil {
		return nil, err
	}

	return &PushResult{SnapshotID: newSnapshotID, ManifestHash: manifestHash}, nil
}

// PullResult reports what a successful Pull applied.
type PullResult struct {
	SnapshotID   string
	ManifestHash string
}

// Pull implements pull(vault, target, now_ms): the same
// conflict check as Push, then a directory-level replace of db/,
// store/, index/ with the remote snapshot, followed by a full object
// integrity recheck.
func Pull(
	ctx context.Context,
	vaultRoot string,
	target Transport,
	db *dbstore.DB,
	meta *vaultmeta.Meta,
	index export.ObjectIndex,
	objs export.ObjectReader,
	enc *objectstore.EncryptionContext,
	dbPassphrase string,
	nowMs int64,
) (*PullResult, *dbstore.DB, error) {
	remoteHead, remoteFound, err := target.ReadHead(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !remoteFound {
		return nil, nil, kcerr.New(kcerr.CodeSyncTargetInvalid, kcerr.CategorySync,
			"sync target has no head to pull")
	}
	if err := remoteHead.Validate(); err != nil {
		return nil, nil, err
	}

	seen, _, err := db.GetSyncState(ctx, stateRemoteHeadSeen)
	if err != nil {
		return nil, nil, err
	}
	lastApplied, _, err := db.GetSyncState(ctx, stateLastAppliedManifest)
	if err != nil {
		return nil, nil, err
	}

	localTmp, err := os.MkdirTemp("", "kc-sync-pull-local-*")
	if err != nil {
		return nil, nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to create staging directory for pull", err)
	}
	defer os.RemoveAll(localTmp)

	localManifest, err := export.ExportBundle(ctx, vaultRoot, localTmp, meta, index, objs, export.Options{Format: "folder"})
	if err != nil {
		return nil, nil, err
	}
	localManifestHash, err := localManifest.Hash()
	if err != nil {
		return nil, nil, err
	}

	if conflictCheck(true, remoteHead.SnapshotID, seen, lastApplied, localManifestHash) {
		artifact := NewConflictArtifact(meta.VaultID, localManifestHash, remoteHead.SnapshotID, nowMs)
		relPath, writeErr := target.WriteConflictArtifact(ctx, nowMs, artifact)
		if writeErr != nil {
			return nil, nil, writeErr
		}
		return nil, nil, kcerr.New(kcerr.CodeSyncConflict, kcerr.CategorySync,
			"remote sync target has diverged").WithDetails(map[string]any{
			"conflict_path":           relPath,
			"remote_head_snapshot_id": remoteHead.SnapshotID,
		})
	}

	remoteTmp, err := os.MkdirTemp("", "kc-sync-pull-remote-*")
	if err != nil {
		return nil, nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to create staging directory for remote snapshot", err)
	}
	defer os.RemoveAll(remoteTmp)

	if err := target.CopySnapshotOut(ctx, remoteHead.SnapshotID, remoteTmp); err != nil {
		return nil, nil, err
	}

	remoteManifest, err := readManifest(filepath.Join(remoteTmp, "manifest.json"))
	if err != nil {
		return nil, nil, err
	}
	remoteManifestHash, err := remoteManifest.Hash()
	if err != nil {
		return nil, nil, err
	}
	if remoteManifestHash != remoteHead.ManifestHash {
		return nil, nil, kcerr.New(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"remote snapshot manifest does not match the head it was referenced from")
	}

	if err := db.Close(); err != nil {
		return nil, nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to close local database before replacing it", err)
	}

	paths := vaultmeta.VaultPaths(vaultRoot)
	if err := replaceFile(filepath.Join(remoteTmp, "db", "knowledge.sqlite"), paths.DB); err != nil {
		return nil, nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to replace local database file", err)
	}
	if err := replaceDir(filepath.Join(remoteTmp, "store", "objects"), paths.ObjectsDir); err != nil {
		return nil, nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to replace local object store", err)
	}
	if _, statErr := os.Stat(filepath.Join(remoteTmp, "index", "vectors")); statErr == nil {
		if err := replaceDir(filepath.Join(remoteTmp, "index", "vectors"), paths.VectorsDir); err != nil {
			return nil, nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
				"failed to replace local vector index", err)
		}
	}

	newDB, err := dbstore.Open(ctx, paths.DB, dbPassphrase)
	if err != nil {
		return nil, nil, err
	}

	store := objectstore.New(vaultRoot, newDB, enc)
	for _, o := range remoteManifest.Objects {
		if err := canon.ValidateHash(o.Hash); err != nil {
			return nil, newDB, err
		}
		plaintext, getErr := store.GetBytes(o.Hash)
		if getErr != nil {
			return nil, newDB, kcerr.Wrap(kcerr.CodeSyncKeyMismatch, kcerr.CategorySync,
				"failed to decrypt pulled object with the local passphrase", getErr)
		}
		if canon.Blake3HexPrefixed(plaintext) != o.Hash {
			return nil, newDB, kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"pulled object does not satisfy the hash invariant")
		}
	}

	if err := newDB.SetSyncState(ctx, stateRemoteHeadSeen, remoteHead.SnapshotID, nowMs); err != nil {
		return nil, newDB, err
	}
	if err := newDB.SetSyncState(ctx, stateLastAppliedManifest, remoteManifestHash, nowMs); err != nil {
		return nil, newDB, err
	}
	if err := newDB.SetSyncState(ctx, stateLastAppliedSnapshotID, remoteHead.SnapshotID, nowMs); err != nil {
		return nil, newDB, err
	}
	if err := newDB.RecordSyncSnapshot(ctx, dbstore.SyncSnapshotRecord{
		SnapshotID:   remoteHead.SnapshotID,
		Direction:    "pull",
		CreatedAtMs:  nowMs,
		RelPath:      filepath.ToSlash(filepath.Join("snapshots", remoteHead.SnapshotID)),
		ManifestHash: remoteManifestHash,
	}); err != nil {
		return nil, newDB, err
	}

	return &PullResult{SnapshotID: remoteHead.SnapshotID, ManifestHash: remoteManifestHash}, newDB, nil
}

// Status reports the local sync state without touching the target,
// read-only; nothing here mutates sync state.
type Status struct {
	RemoteHeadSeen          string
	LastAppliedManifestHash string
	LastAppliedSnapshotID   string
}

// ReadStatus loads the three persisted sync_state keys.
func ReadStatus(ctx context.Context, db *dbstore.DB) (*Status, error) {
	seen, _, err := db.GetSyncState(ctx, stateRemoteHeadSeen)
	if err != nil {
		return nil, err
	}
	lastManifest, _, err := db.GetSyncState(ctx, stateLastAppliedManifest)
	if err != nil {
		return nil, err
	}
	lastSnapshot, _, err := db.GetSyncState(ctx, stateLastAppliedSnapshotID)
	if err != nil {
		return nil, err
	}
	return &Status{
		RemoteHeadSeen:          seen,
		LastAppliedManifestHash: lastManifest,
		LastAppliedSnapshotID:   lastSnapshot,
	}, nil
}

func readManifest(path string) (*export.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to read remote snapshot manifest", err)
	}
	var m export.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to parse remote snapshot manifest", err)
	}
	return &m, nil
}

func replaceFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}

func replaceDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return copyTreeSorted(src, dst)
}
