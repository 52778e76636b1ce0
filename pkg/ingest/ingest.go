// Copyright 2025 Knowledgecore Project
//
// Package ingest binds raw document bytes to a stable DocId, persists
// extracted canonical text, and resolves locators back into
// character-range slices of that text. Writes are idempotent: look up
// by natural key, insert only if missing.
package ingest

import (
	"context"
	"database/sql"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/eventlog"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// ObjectWriter is the subset of objectstore.Store ingest needs.
type ObjectWriter interface {
	PutBytes(ctx context.Context, raw []byte, createdEventID int64) (string, error)
}

// TxDB is the subset of dbstore.DB ingest needs to run a multi-step
// write inside one transaction.
type TxDB interface {
	BeginTx(ctx context.Context) (*dbstore.Tx, error)
}

// Tx is the transaction surface ingest drives; *dbstore.Tx satisfies it
// directly.
type Tx interface {
	eventlog.Querier
	Commit() error
	Rollback() error
}

// IngestResult is what ingest_bytes returns.
type IngestResult struct {
	DocID         string
	CreatedEventID int64
	AlreadyKnown  bool
}

// IngestBytes implements ingest_bytes(bytes, mime, source_kind,
// effective_ts_ms, source_path?, now_ms): appends an ingest.bytes
// event, writes the object, and upserts docs/doc_sources. Re-ingesting
// identical bytes is idempotent — a second call with the same bytes
// adds no docs or objects row, only a new ingest.bytes event and at
// most a new doc_sources row.
func IngestBytes(
	ctx context.Context,
	db TxDB,
	objects ObjectWriter,
	raw []byte,
	mime, sourceKind string,
	effectiveTSMs, nowMs int64,
	sourcePath string,
) (*IngestResult, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ev, err := eventlog.AppendEvent(ctx, tx, nowMs, "ingest.bytes", map[string]any{
		"mime":            mime,
		"source_kind":     sourceKind,
		"effective_ts_ms": effectiveTSMs,
		"bytes_len":       len(raw),
	})
	if err != nil {
		return nil, err
	}

	docHash, err := objects.PutBytes(ctx, raw, ev.EventID)
	if err != nil {
		return nil, err
	}

	var existingDocID string
	err = tx.QueryRowContext(ctx, `SELECT doc_id FROM docs WHERE doc_id = ?`, docHash).Scan(&existingDocID)
	alreadyKnown := true
	if err == sql.ErrNoRows {
		alreadyKnown = false
		_, err = tx.ExecContext(ctx, `
			INSERT INTO docs (doc_id, original_object_hash, bytes, mime, source_kind, effective_ts_ms, ingested_event_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			docHash, docHash, len(raw), mime, sourceKind, effectiveTSMs, ev.EventID)
		if err != nil {
			return nil, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryIngest,
				"failed to insert docs row", err)
		}
	} else if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryIngest,
			"failed to look up existing docs row", err)
	}

	if sourcePath != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO doc_sources (doc_id, source_path)
			VALUES (?, ?)
			ON CONFLICT(doc_id, source_path) DO NOTHING`,
			docHash, sourcePath)
		if err != nil {
			return nil, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryIngest,
				"failed to insert doc_sources row", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryIngest,
			"failed to commit ingest transaction", err)
	}

	return &IngestResult{DocID: docHash, CreatedEventID: ev.EventID, AlreadyKnown: alreadyKnown}, nil
}

// CanonicalArtifact is the extractor's output prior to persistence.
type CanonicalArtifact struct {
	DocID                string
	CanonicalBytes       []byte
	CanonicalHash        string // claimed; verified against BLAKE3(CanonicalBytes)
	CanonicalObjectHash  string // claimed; must equal CanonicalHash
	ExtractorName        string
	ExtractorVersion     string
	ExtractorFlags       string
	NormalizationVersion string
	ToolchainJSON        string
}

// ObjectWriterReader is ObjectWriter plus GetBytes, needed to resolve
// locators back to canonical text.
type ObjectWriterReader interface {
	ObjectWriter
	GetBytes(hash string) ([]byte, error)
}

// PersistCanonicalText implements persist_canonical_text(artifact,
// created_event_id): verifies BLAKE3(canonical_bytes) ==
// canonical_hash == canonical_object_hash, writes the bytes to the
// object store, and upserts canonical_text.
func PersistCanonicalText(ctx context.Context, tx Tx, objects ObjectWriter, artifact CanonicalArtifact, createdEventID int64) error {
	computed := canon.Blake3HexPrefixed(artifact.CanonicalBytes)
	if computed != artifact.CanonicalHash || artifact.CanonicalHash != artifact.CanonicalObjectHash {
		return kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryIngest,
			"canonical text does not hash to its claimed canonical_hash/canonical_object_hash")
	}

	objectHash, err := objects.PutBytes(ctx, artifact.CanonicalBytes, createdEventID)
	if err != nil {
		return err
	}
	if objectHash != artifact.CanonicalObjectHash {
		return kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryIngest,
			"object store hash does not match claimed canonical_object_hash")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO canonical_text (doc_id, canonical_object_hash, canonical_hash, extractor_name,
			extractor_version, extractor_flags, normalization_version, toolchain_json, created_event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			canonical_object_hash = excluded.canonical_object_hash,
			canonical_hash = excluded.canonical_hash,
			extractor_name = excluded.extractor_name,
			extractor_version = excluded.extractor_version,
			extractor_flags = excluded.extractor_flags,
			normalization_version = excluded.normalization_version,
			toolchain_json = excluded.toolchain_json,
			created_event_id = excluded.created_event_id`,
		artifact.DocID, artifact.CanonicalObjectHash, artifact.CanonicalHash, artifact.ExtractorName,
		artifact.ExtractorVersion, artifact.ExtractorFlags, artifact.NormalizationVersion,
		artifact.ToolchainJSON, createdEventID)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryIngest,
			"failed to upsert canonical_text row", err)
	}
	return nil
}

// Locator v1 selects a character range in a doc's canonical text.
type Locator struct {
	V             int    `json:"v"`
	DocID         string `json:"doc_id"`
	CanonicalHash string `json:"canonical_hash"`
	Start         int    `json:"start"`
	End           int    `json:"end"`
}

// CanonicalRowLookup resolves a doc_id to its canonical_text row.
type CanonicalRowLookup interface {
	CanonicalTextRow(ctx context.Context, docID string) (canonicalObjectHash, canonicalHash string, err error)
}

// ResolveLocatorStrict implements resolve_locator_strict(locator).
func ResolveLocatorStrict(ctx context.Context, lookup CanonicalRowLookup, objects ObjectWriterReader, loc Locator) (string, error) {
	if loc.V != 1 {
		return "", kcerr.New(kcerr.CodeLocatorInvalidSchema, kcerr.CategoryLocator,
			"locator.v must be 1")
	}

	canonicalObjectHash, canonicalHash, err := lookup.CanonicalTextRow(ctx, loc.DocID)
	if err != nil {
		return "", err
	}
	if canonicalHash != loc.CanonicalHash {
		return "", kcerr.New(kcerr.CodeLocatorCanonicalHashMismatch, kcerr.CategoryLocator,
			"locator canonical_hash does not match the doc's stored canonical_hash")
	}

	raw, err := objects.GetBytes(canonicalObjectHash)
	if err != nil {
		return "", err
	}
	runes := []rune(string(raw))

	if loc.Start < 0 || loc.End < loc.Start || loc.End > len(runes) {
		return "", kcerr.New(kcerr.CodeLocatorRangeOOB, kcerr.CategoryLocator,
			"locator range is out of bounds for the canonical text")
	}

	return string(runes[loc.Start:loc.End]), nil
}
