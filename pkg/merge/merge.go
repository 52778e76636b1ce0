// Copyright 2025 Knowledgecore Project
//
// Package merge implements the conservative merge-preview policies
// that gate sync auto-merge. The reason-list-then-precedence-mapping
// shape — collect every named violation first, then fold the violation
// set down to one terminal error by fixed precedence — is grounded on
// pkg/consensus/validator_block_invariants.go's
// VerifyValidatorBlockInvariants, which does the same thing for
// ValidatorBlock checks (accumulate named violations into a slice,
// aggregate at the end) generalized here from "return one aggregate
// error" to "return a sorted reason list plus a single precedence-
// ordered terminal code".
package merge

import (
	"sort"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// ChangeSet is the normalized input to a merge-preview policy: the set
// of object hashes and lineage overlay IDs a side changed since the
// last common ancestor.
type ChangeSet struct {
	ObjectHashes      []string
	LineageOverlayIDs []string
}

// Normalize validates every object hash, rejects empty overlay IDs, and
// returns a copy with both slices deduped and sorted.
func (c ChangeSet) Normalize() (ChangeSet, error) {
	objHashes, err := dedupeSortedHashes(c.ObjectHashes)
	if err != nil {
		return ChangeSet{}, err
	}
	for _, id := range c.LineageOverlayIDs {
		if id == "" {
			return ChangeSet{}, kcerr.New(kcerr.CodeSyncMergePreconditionFailed, kcerr.CategorySync,
				"lineage overlay id must not be empty")
		}
	}
	overlays := dedupeSortedStrings(c.LineageOverlayIDs)
	return ChangeSet{ObjectHashes: objHashes, LineageOverlayIDs: overlays}, nil
}

func dedupeSortedHashes(hashes []string) ([]string, error) {
	for _, h := range hashes {
		if err := canon.ValidateHash(h); err != nil {
			return nil, err
		}
	}
	return dedupeSortedStrings(hashes), nil
}

func dedupeSortedStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func intersectSorted(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

// Reason is a named violation a merge-preview policy detected.
type Reason string

const (
	ReasonObjectHashOverlap     Reason = "object_hash_overlap"
	ReasonLineageOverlayOverlap Reason = "lineage_overlay_overlap"
	ReasonTrustChainMismatch    Reason = "trust_chain_mismatch"
	ReasonLineageLockConflict  Reason = "lineage_lock_conflict"
)

// PreviewReport is the common shape both policy versions return.
type PreviewReport struct {
	Policy                string
	Safe                  bool
	Reasons               []string
	ObjectHashOverlap     []string
	LineageOverlayOverlap []string
	DecisionTrace         []DecisionTraceEntry
}

// DecisionTraceEntry records one step of conservative_plus_v2's
// reasoning (a decision_trace list: policy, cardinalities,
// flags)").
type DecisionTraceEntry struct {
	Step  string
	Value string
}

// PreviewConservative implements merge_preview_conservative(local,
// remote, now_ms). now_ms is
// accepted for signature symmetry but the policy itself is a pure
// function of the two change sets; it is not used in the computation,
// matching the module-wide caller-supplied-timestamps discipline; no
// expiry or staleness check depends on it here.
func PreviewConservative(local, remote ChangeSet, nowMs int64) (*PreviewReport, error) {
	localNorm, err := local.Normalize()
	if err != nil {
		return nil, err
	}
	remoteNorm, err := remote.Normalize()
	if err != nil {
		return nil, err
	}

	objOverlap := intersectSorted(localNorm.ObjectHashes, remoteNorm.ObjectHashes)
	overlayOverlap := intersectSorted(localNorm.LineageOverlayIDs, remoteNorm.LineageOverlayIDs)

	var reasons []string
	if len(objOverlap) > 0 {
		reasons = append(reasons, string(ReasonObjectHashOverlap))
	}
	if len(overlayOverlap) > 0 {
		reasons = append(reasons, string(ReasonLineageOverlayOverlap))
	}
	sort.Strings(reasons)

	return &PreviewReport{
		Policy:                "conservative_v1",
		Safe:                  len(reasons) == 0,
		Reasons:               reasons,
		ObjectHashOverlap:     objOverlap,
		LineageOverlayOverlap: overlayOverlap,
	}, nil
}

// EnsureConservativeMergeSafe implements ensure_conservative_merge_safe:
// any non-empty Reasons set fails with KC_SYNC_MERGE_NOT_SAFE.
func EnsureConservativeMergeSafe(report *PreviewReport) error {
	if report.Safe {
		return nil
	}
	return kcerr.New(kcerr.CodeSyncMergeNotSafe, kcerr.CategorySync,
		"conservative merge preview found overlapping changes").
		WithDetails(map[string]any{"reasons": report.Reasons})
}

// ConservativePlusV2Context supplies the two additional signals
// conservative_plus_v2 checks beyond v1's change-set intersection.
type ConservativePlusV2Context struct {
	TrustChainMismatch bool
	LockConflict       bool
}

// PreviewConservativePlusV2 implements
// merge_preview_conservative_plus_v2(local, remote, ctx, now_ms),
// policy "conservative_plus_v2": v1's checks plus
// trust_chain_mismatch and lineage_lock_conflict, with a decision
// trace of what was checked and found.
func PreviewConservativePlusV2(local, remote ChangeSet, ctx ConservativePlusV2Context, nowMs int64) (*PreviewReport, error) {
	base, err := PreviewConservative(local, remote, nowMs)
	if err != nil {
		return nil, err
	}
	base.Policy = "conservative_plus_v2"

	trace := []DecisionTraceEntry{
		{Step: "object_hash_overlap_count", Value: itoa(len(base.ObjectHashOverlap))},
		{Step: "lineage_overlay_overlap_count", Value: itoa(len(base.LineageOverlayOverlap))},
		{Step: "trust_chain_mismatch", Value: boolString(ctx.TrustChainMismatch)},
		{Step: "lock_conflict", Value: boolString(ctx.LockConflict)},
	}
	base.DecisionTrace = trace

	reasons := append([]string{}, base.Reasons...)
	if ctx.TrustChainMismatch {
		reasons = append(reasons, string(ReasonTrustChainMismatch))
	}
	if ctx.LockConflict {
		reasons = append(reasons, string(ReasonLineageLockConflict))
	}
	reasons = dedupeSortedStrings(reasons)

	base.Reasons = reasons
	base.Safe = len(reasons) == 0
	return base, nil
}

// EnsureConservativePlusV2MergeSafe implements
// ensure_conservative_plus_v2_merge_safe: maps the reason set to one
// terminal error by fixed precedence — trust conflicts first, then
// lock conflicts, then the general not-safe fallback.
func EnsureConservativePlusV2MergeSafe(report *PreviewReport) error {
	if report.Safe {
		return nil
	}
	has := func(r Reason) bool {
		for _, x := range report.Reasons {
			if x == string(r) {
				return true
			}
		}
		return false
	}
	details := map[string]any{"reasons": report.Reasons}
	switch {
	case has(ReasonTrustChainMismatch):
		return kcerr.New(kcerr.CodeSyncMergeTrustConflict, kcerr.CategorySync,
			"merge preview detected a trust chain mismatch").WithDetails(details)
	case has(ReasonLineageLockConflict):
		return kcerr.New(kcerr.CodeSyncMergeLockConflict, kcerr.CategorySync,
			"merge preview detected a lineage lock conflict").WithDetails(details)
	default:
		return kcerr.New(kcerr.CodeSyncMergeNotSafe, kcerr.CategorySync,
			"conservative_plus_v2 merge preview found overlapping changes").WithDetails(details)
	}
}

// ResolvePolicy dispatches a policy name string to its preview
// function. Unknown names fail with KC_SYNC_MERGE_POLICY_UNSUPPORTED
//.
func ResolvePolicy(policy string) (string, error) {
	switch policy {
	case "conservative_v1", "conservative_plus_v2":
		return policy, nil
	default:
		return "", kcerr.New(kcerr.CodeSyncMergePolicyUnsupported, kcerr.CategorySync,
			"unknown merge policy: "+policy)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
