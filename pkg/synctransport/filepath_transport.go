// Copyright 2025 Knowledgecore Project
package synctransport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// FilePathTransport implements Transport over a local directory:
// head.json lives directly under the target root and snapshots are
// copied as directory trees.
type FilePathTransport struct {
	Root string
}

// NewFilePathTransport returns a transport rooted at root. root is
// created lazily by the first write, matching objectstore's own
// create-parent-directories-on-write discipline.
func NewFilePathTransport(root string) *FilePathTransport {
	return &FilePathTransport{Root: root}
}

func (t *FilePathTransport) Kind() string { return "file" }

func (t *FilePathTransport) headPath() string { return filepath.Join(t.Root, "head.json") }

func (t *FilePathTransport) ReadHead(ctx context.Context) (*SyncHead, bool, error) {
	raw, err := os.ReadFile(t.headPath())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to read head.json", err).WithRetryable(false)
	}
	var head SyncHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, false, kcerr.Wrap(kcerr.CodeSyncHeadInvalid, kcerr.CategorySync,
			"failed to parse head.json", err)
	}
	return &head, true, nil
}

func (t *FilePathTransport) WriteHead(ctx context.Context, head *SyncHead) error {
	if err := head.Validate(); err != nil {
		return err
	}
	b, err := head.CanonicalBytes()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(t.Root, 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to create sync target directory", err)
	}
	if err := writeFileAtomic(t.headPath(), b); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to write head.json", err)
	}
	return nil
}

func (t *FilePathTransport) snapshotDir(snapshotID string) string {
	return filepath.Join(t.Root, "snapshots", snapshotID)
}

func (t *FilePathTransport) CopySnapshotIn(ctx context.Context, snapshotID, localBundleDir string) error {
	dest := t.snapshotDir(snapshotID)
	if err := copyTreeSorted(localBundleDir, dest); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to copy local bundle into snapshot directory", err)
	}
	return nil
}

func (t *FilePathTransport) CopySnapshotOut(ctx context.Context, snapshotID, destDir string) error {
	src := t.snapshotDir(snapshotID)
	if _, err := os.Stat(src); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"remote snapshot directory is missing", err)
	}
	if err := copyTreeSorted(src, destDir); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to copy snapshot out of sync target", err)
	}
	return nil
}

func (t *FilePathTransport) WriteConflictArtifact(ctx context.Context, nowMs int64, artifact *ConflictArtifact) (string, error) {
	b, err := artifact.CanonicalBytes()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("conflict_%d_%s.json", nowMs, fileNameDigest16(b))
	rel := filepath.Join("conflicts", name)
	full := filepath.Join(t.Root, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return "", kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to create conflicts directory", err)
	}
	if err := writeFileAtomic(full, b); err != nil {
		return "", kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to write conflict artifact", err)
	}
	return filepath.ToSlash(rel), nil
}

// writeFileAtomic follows the same write-temp-then-rename discipline as
// objectstore.writeFileAtomic and export.writeFileAt.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// copyTreeSorted copies every regular file under src into dst,
// visiting entries in sorted path order so the resulting byte layout on
// disk never depends on filesystem iteration order (export's own
// determinism discipline, applied here to snapshot placement).
func copyTreeSorted(src, dst string) error {
	var files []string
	err := filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, f := range files {
		rel, err := filepath.Rel(src, f)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(dst, rel), data); err != nil {
			return err
		}
	}
	return nil
}
