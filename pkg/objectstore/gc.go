// Copyright 2025 Knowledgecore Project

package objectstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// RefCounter reports whether an object hash is still referenced by any
// row in the relational store (docs.original_object_hash,
// canonical_text.canonical_object_hash, …).
type RefCounter interface {
	ObjectHashReferenced(ctx context.Context, objectHash string) (bool, error)
}

// GCReport summarizes a garbage-collection sweep.
type GCReport struct {
	Scanned    int
	Unreferenced []string
	Deleted    []string
	DryRun     bool
}

// CollectGarbage walks every shard under store/objects, computing the
// unreferenced set via refs unconditionally; dryRun only gates whether
// unreferenced entries are actually removed — a two-phase
// plan-then-apply sweep.
func (s *Store) CollectGarbage(ctx context.Context, refs RefCounter, dryRun bool) (*GCReport, error) {
	report := &GCReport{DryRun: dryRun}
	objectsDir := filepath.Join(s.root, "store", "objects")

	shards, err := os.ReadDir(objectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to list object shards", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(objectsDir, shard.Name()))
		if err != nil {
			return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"failed to list shard entries", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			hash := entry.Name()
			report.Scanned++

			referenced, err := refs.ObjectHashReferenced(ctx, hash)
			if err != nil {
				return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
					"failed to check object reference count", err)
			}
			if referenced {
				continue
			}
			report.Unreferenced = append(report.Unreferenced, hash)
			if !dryRun {
				if err := os.Remove(filepath.Join(objectsDir, shard.Name(), hash)); err != nil {
					return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
						"failed to remove unreferenced object", err)
				}
				report.Deleted = append(report.Deleted, hash)
			}
		}
	}
	return report, nil
}
