// Copyright 2025 Knowledgecore Project

package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// FileResult records one file's outcome from a folder-level ingest.
type FileResult struct {
	Path         string
	DocID        string
	AlreadyKnown bool
}

// mimeForPath guesses a MIME type from the file extension; anything
// unrecognized falls back to application/octet-stream.
func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".html", ".htm":
		return "text/html"
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// ScanFolder ingests every regular file under dir, walking in lexical
// order so repeated scans append events in a stable sequence. Hidden
// entries (dot-prefixed) are skipped. effectiveTSMs of 0 defaults to
// nowMs, matching IngestBytes callers that have no better timestamp.
func ScanFolder(
	ctx context.Context,
	db TxDB,
	objects ObjectWriter,
	dir, sourceKind string,
	effectiveTSMs, nowMs int64,
) ([]FileResult, error) {
	if effectiveTSMs == 0 {
		effectiveTSMs = nowMs
	}
	var results []FileResult
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryIngest,
				"failed to walk ingest folder", walkErr)
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			if entry.IsDir() && path != dir {
				return fs.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryIngest,
				"failed to read file during folder scan", err)
		}
		result, err := IngestBytes(ctx, db, objects, raw, mimeForPath(path), sourceKind,
			effectiveTSMs, nowMs, path)
		if err != nil {
			return err
		}
		results = append(results, FileResult{Path: path, DocID: result.DocID, AlreadyKnown: result.AlreadyKnown})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// InboxOnce performs one pass over the vault's inbox directory:
// every regular file directly under inboxDir is ingested and then moved
// into processedDir. Subdirectories (including processedDir itself,
// which lives inside the inbox) and hidden entries are left alone.
func InboxOnce(
	ctx context.Context,
	db TxDB,
	objects ObjectWriter,
	inboxDir, processedDir string,
	nowMs int64,
) ([]FileResult, error) {
	entries, err := os.ReadDir(inboxDir)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryIngest,
			"failed to read inbox directory", err)
	}
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryIngest,
			"failed to create inbox processed directory", err)
	}

	var results []FileResult
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(inboxDir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return results, kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryIngest,
				"failed to read inbox file", err)
		}
		result, err := IngestBytes(ctx, db, objects, raw, mimeForPath(path), "inbox",
			nowMs, nowMs, path)
		if err != nil {
			return results, err
		}
		dest := filepath.Join(processedDir, entry.Name())
		if err := os.Rename(path, dest); err != nil {
			return results, kcerr.Wrap(kcerr.CodeIngestFailed, kcerr.CategoryIngest,
				"failed to move processed inbox file", err)
		}
		results = append(results, FileResult{Path: path, DocID: result.DocID, AlreadyKnown: result.AlreadyKnown})
	}
	return results, nil
}
