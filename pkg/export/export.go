// Copyright 2025 Knowledgecore Project
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
	"github.com/saagar210/knowledgecore-sub000/pkg/vaultmeta"
)

// ObjectReader is the subset of objectstore.Store export needs;
// *objectstore.Store satisfies it structurally, mirroring
// pkg/ingest.ObjectWriter's cycle-avoidance technique.
type ObjectReader interface {
	RawBytes(hash string) ([]byte, error)
	StorageHash(hash string) (string, error)
}

// ObjectIndex lists every object hash the relational store knows
// about; *dbstore.DB satisfies it directly.
type ObjectIndex interface {
	ListObjectHashes(ctx context.Context) ([]string, error)
}

// Options parameterizes export_bundle.
type Options struct {
	Format         string // "folder" or "zip"
	IncludeVectors bool
}

// zipEpoch is the fixed mtime every zip entry carries, matching
// DefaultZipPolicy's declared "1980-01-01T00:00:00Z" (the oldest
// timestamp the DOS-based zip format can represent, which is also why
// zip readers default to it).
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// ExportBundle implements export_bundle(vault, dir, opts, now_ms): it
// assembles manifest.json plus every referenced file into destDir
// (opts.Format == "folder") or a single deterministic zip archive at
// destDir (opts.Format == "zip"), and returns the manifest that was
// written.
func ExportBundle(
	ctx context.Context,
	vaultRoot string,
	destDir string,
	meta *vaultmeta.Meta,
	index ObjectIndex,
	objs ObjectReader,
	opts Options,
) (*Manifest, error) {
	switch opts.Format {
	case "folder", "zip":
	default:
		return nil, kcerr.New(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"export format must be \"folder\" or \"zip\"")
	}

	hashes, err := index.ListObjectHashes(ctx)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to list object hashes for export", err)
	}
	sort.Strings(hashes)

	objectDescs := make([]ObjectDescriptor, 0, len(hashes))
	for _, h := range hashes {
		if err := canon.ValidateHash(h); err != nil {
			return nil, err
		}
		raw, err := objs.RawBytes(h)
		if err != nil {
			return nil, kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to read object bytes for export", err)
		}
		storageHash, err := objs.StorageHash(h)
		if err != nil {
			return nil, kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to compute object storage hash for export", err)
		}
		objectDescs = append(objectDescs, ObjectDescriptor{
			RelativePath: objectRelativePath(h),
			Hash:         h,
			StorageHash:  storageHash,
			Encrypted:    isEnvelope(raw),
			Bytes:        int64(len(raw)),
		})
	}
	sort.Slice(objectDescs, func(i, j int) bool { return objectDescs[i].Hash < objectDescs[j].Hash })

	dbPath := filepath.Join(vaultRoot, filepath.FromSlash(meta.DB.RelativePath))
	dbBytes, err := os.ReadFile(dbPath)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to read database file for export", err)
	}

	manifest := &Manifest{
		ManifestVersion:    ManifestVersion,
		VaultID:            meta.VaultID,
		SchemaVersions:     SchemaVersions{VaultJSON: vaultmeta.CurrentSchemaVersion, DB: dbstore.HeadSchemaVersion},
		Encryption:         meta.Encryption,
		DBEncryption:       meta.DBEncryption,
		RecoveryEscrow:     meta.RecoveryEscrow,
		Packaging:          Packaging{Format: opts.Format, ZipPolicy: DefaultZipPolicy()},
		ChunkingConfigHash: ChunkingConfigHash(meta.Defaults),
		DB:                 DBDescriptor{RelativePath: "db/knowledge.sqlite", Hash: canon.Blake3HexPrefixed(dbBytes)},
		Objects:            objectDescs,
	}

	manifestBytes, err := manifest.CanonicalBytes()
	if err != nil {
		return nil, err
	}

	var vectorFiles []bundleFile
	if opts.IncludeVectors {
		vectorFiles, err = collectVectorFiles(vaultRoot)
		if err != nil {
			return nil, err
		}
	}

	switch opts.Format {
	case "folder":
		if err := writeFolderBundle(destDir, manifestBytes, dbBytes, objectDescs, objs, vectorFiles); err != nil {
			return nil, err
		}
	case "zip":
		if err := writeZipBundle(destDir, manifestBytes, dbBytes, objectDescs, objs, vectorFiles); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

func objectRelativePath(hash string) string {
	hexPart := hash[len("blake3:"):]
	return path.Join("store", "objects", hexPart[:2], hash)
}

func isEnvelope(raw []byte) bool {
	magic := []byte("KCE1")
	if len(raw) < len(magic) {
		return false
	}
	for i, b := range magic {
		if raw[i] != b {
			return false
		}
	}
	return true
}

type bundleFile struct {
	relativePath string
	absolutePath string
}

func collectVectorFiles(vaultRoot string) ([]bundleFile, error) {
	paths := vaultmeta.VaultPaths(vaultRoot)
	var files []bundleFile
	err := filepath.Walk(paths.VectorsDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(vaultRoot, p)
		if relErr != nil {
			return relErr
		}
		files = append(files, bundleFile{relativePath: filepath.ToSlash(rel), absolutePath: p})
		return nil
	})
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to walk vectors directory for export", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relativePath < files[j].relativePath })
	return files, nil
}

func writeFolderBundle(destDir string, manifestBytes, dbBytes []byte, objects []ObjectDescriptor, objs ObjectReader, vectors []bundleFile) error {
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to create export destination directory", err)
	}
	if err := writeFileAt(filepath.Join(destDir, "manifest.json"), manifestBytes); err != nil {
		return err
	}
	if err := writeFileAt(filepath.Join(destDir, "db", "knowledge.sqlite"), dbBytes); err != nil {
		return err
	}
	for _, o := range objects {
		raw, err := objs.RawBytes(o.Hash)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to read object for export copy", err)
		}
		if err := writeFileAt(filepath.Join(destDir, filepath.FromSlash(o.RelativePath)), raw); err != nil {
			return err
		}
	}
	for _, v := range vectors {
		raw, err := os.ReadFile(v.absolutePath)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to read vector file for export copy", err)
		}
		if err := writeFileAt(filepath.Join(destDir, filepath.FromSlash(v.relativePath)), raw); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAt(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to create export subdirectory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to create temp file for export", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to write export file", err)
	}
	if err := tmp.Close(); err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to close export temp file", err)
	}
	return os.Rename(tmpPath, path)
}

func writeZipBundle(destPath string, manifestBytes, dbBytes []byte, objects []ObjectDescriptor, objs ObjectReader, vectors []bundleFile) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to create export destination directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*.zip")
	if err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to create temp zip file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	zw := zip.NewWriter(tmp)

	type entry struct {
		name string
		data []byte
	}
	entries := []entry{
		{"manifest.json", manifestBytes},
		{"db/knowledge.sqlite", dbBytes},
	}
	for _, o := range objects {
		raw, err := objs.RawBytes(o.Hash)
		if err != nil {
			zw.Close()
			tmp.Close()
			return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to read object for zip export", err)
		}
		entries = append(entries, entry{o.RelativePath, raw})
	}
	for _, v := range vectors {
		raw, err := os.ReadFile(v.absolutePath)
		if err != nil {
			zw.Close()
			tmp.Close()
			return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to read vector file for zip export", err)
		}
		entries = append(entries, entry{v.relativePath, raw})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Store}
		hdr.Modified = zipEpoch
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			zw.Close()
			tmp.Close()
			return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to create zip entry", err)
		}
		if _, err := io.Copy(w, bytes.NewReader(e.data)); err != nil {
			zw.Close()
			tmp.Close()
			return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
				"failed to write zip entry", err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to close zip writer", err)
	}
	if err := tmp.Close(); err != nil {
		return kcerr.Wrap(kcerr.CodeExportFailed, kcerr.CategoryStorage,
			"failed to close temp zip file", err)
	}
	return os.Rename(tmpPath, destPath)
}
