// Copyright 2025 Knowledgecore Project
package merge

import (
	"testing"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

const (
	hashA = "blake3:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "blake3:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestPreviewConservative_IdenticalChangeSetsNotSafe(t *testing.T) {
	cs := ChangeSet{ObjectHashes: []string{hashA}, LineageOverlayIDs: []string{"ov-1"}}
	report, err := PreviewConservative(cs, cs, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Safe {
		t.Fatalf("expected unsafe for identical overlapping change sets")
	}
	want := []string{"lineage_overlay_overlap", "object_hash_overlap"}
	if len(report.Reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", report.Reasons, want)
	}
	for i, r := range want {
		if report.Reasons[i] != r {
			t.Fatalf("reasons[%d] = %q, want %q", i, report.Reasons[i], r)
		}
	}
}

func TestPreviewConservative_DisjointSafe(t *testing.T) {
	local := ChangeSet{ObjectHashes: []string{hashA}}
	remote := ChangeSet{ObjectHashes: []string{hashB}}
	report, err := PreviewConservative(local, remote, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.Safe {
		t.Fatalf("expected safe for disjoint change sets, reasons=%v", report.Reasons)
	}
	if err := EnsureConservativeMergeSafe(report); err != nil {
		t.Fatalf("EnsureConservativeMergeSafe: %v", err)
	}
}

func TestPreviewConservative_EmptyOverlayIDRejected(t *testing.T) {
	cs := ChangeSet{LineageOverlayIDs: []string{""}}
	if _, err := cs.Normalize(); err == nil {
		t.Fatalf("expected error for empty overlay id")
	}
}

func TestEnsureConservativePlusV2MergeSafe_TrustTakesPrecedence(t *testing.T) {
	local := ChangeSet{ObjectHashes: []string{hashA}}
	remote := ChangeSet{ObjectHashes: []string{hashA}}
	report, err := PreviewConservativePlusV2(local, remote, ConservativePlusV2Context{
		TrustChainMismatch: true,
		LockConflict:       true,
	}, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"lineage_lock_conflict", "object_hash_overlap", "trust_chain_mismatch"}
	if len(report.Reasons) != len(want) {
		t.Fatalf("reasons = %v, want %v", report.Reasons, want)
	}

	err = EnsureConservativePlusV2MergeSafe(report)
	appErr, ok := err.(*kcerr.AppError)
	if !ok {
		t.Fatalf("expected an AppError, got %v", err)
	}
	if appErr.Code != kcerr.CodeSyncMergeTrustConflict {
		t.Fatalf("expected trust conflict precedence, got %s", appErr.Code)
	}
}

func TestEnsureConservativePlusV2MergeSafe_LockConflictWithoutTrust(t *testing.T) {
	local := ChangeSet{}
	remote := ChangeSet{}
	report, err := PreviewConservativePlusV2(local, remote, ConservativePlusV2Context{LockConflict: true}, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = EnsureConservativePlusV2MergeSafe(report)
	appErr, ok := err.(*kcerr.AppError)
	if !ok {
		t.Fatalf("expected an AppError, got %v", err)
	}
	if appErr.Code != kcerr.CodeSyncMergeLockConflict {
		t.Fatalf("expected lock conflict code, got %s", appErr.Code)
	}
}

func TestResolvePolicy_UnknownRejected(t *testing.T) {
	if _, err := ResolvePolicy("yolo_merge"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
	if _, err := ResolvePolicy("conservative_v1"); err != nil {
		t.Fatalf("unexpected error for known policy: %v", err)
	}
}
