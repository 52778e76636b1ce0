// Copyright 2025 Knowledgecore Project
//
// Package synctransport implements the file-based and
// object-store-based sync transports plus the push/pull/status
// protocol that layers a deterministic snapshot lifecycle on top of
// them. The transport capability set — a small {read_head, write_head}
// interface with concrete adapters selected by a target string, rather
// than inheritance — is grounded on
// pkg/attestation/strategy/interface.go's AttestationStrategy pattern
// (a narrow interface, tagged variants enumerated at the callsite, no
// runtime-dispatch hierarchy), generalized here from "signing
// strategy" to "sync transport".
package synctransport

import (
	"context"
	"regexp"
	"strings"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// Transport is the capability set every sync
// backend: read the current head, write a new one. Snapshot and
// conflict-artifact handling are declared on the same interface because
// every concrete transport (FilePath, S3) needs to place files at
// backend-specific locations beneath the same target root.
type Transport interface {
	// Kind identifies the transport for logging/status reporting
	// ("file" or "s3").
	Kind() string

	// ReadHead reads head.json from the target. found is false if no
	// head has ever been written (a fresh target).
	ReadHead(ctx context.Context) (head *SyncHead, found bool, err error)

	// WriteHead writes a new head.json, replacing any existing one.
	WriteHead(ctx context.Context, head *SyncHead) error

	// CopySnapshotIn copies every file under localBundleDir into the
	// target's snapshots/<snapshotID>/ directory, in sorted order.
	CopySnapshotIn(ctx context.Context, snapshotID, localBundleDir string) error

	// CopySnapshotOut copies the target's snapshots/<snapshotID>/
	// bundle into destDir (which must not yet exist, or must be empty).
	CopySnapshotOut(ctx context.Context, snapshotID, destDir string) error

	// WriteConflictArtifact writes a canonical conflict report under
	// the target's conflicts/ directory and returns its relative path.
	WriteConflictArtifact(ctx context.Context, nowMs int64, artifact *ConflictArtifact) (relPath string, err error)
}

// Locker is implemented only by transports that support the
// best-effort S3 write lock ("locks/write.lock
// ... if present and unexpired it fails with KC_SYNC_LOCKED").
// FilePathTransport intentionally does not implement it — the lock
// file belongs to the S3 transport only.
type Locker interface {
	TryAcquireLock(ctx context.Context, nowMs, ttlMs int64) error
	ReleaseLock(ctx context.Context) error
}

// schemeRe recognizes a leading "<scheme>://" so ParseTarget can tell
// "an unknown scheme was used" apart from "this is a plain filesystem
// path that happens to contain a colon".
var schemeRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// ParseTarget maps a target string to its transport:
// "s3://…" selects the S3 transport, "file://<path>" or a plain path
// selects the FilePath transport, any other scheme is unsupported, and
// an empty/blank string is invalid.
func ParseTarget(raw string) (Transport, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, kcerr.New(kcerr.CodeSyncTargetInvalid, kcerr.CategorySync,
			"sync target must not be empty")
	}

	switch {
	case strings.HasPrefix(trimmed, "s3://"):
		return newS3TransportFromURL(trimmed)
	case strings.HasPrefix(trimmed, "file://"):
		return NewFilePathTransport(strings.TrimPrefix(trimmed, "file://")), nil
	case schemeRe.MatchString(trimmed):
		return nil, kcerr.New(kcerr.CodeSyncTargetUnsupported, kcerr.CategorySync,
			"unsupported sync target scheme: "+trimmed)
	default:
		return NewFilePathTransport(trimmed), nil
	}
}
