// Copyright 2025 Knowledgecore Project
package synctransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// blobBackend is the narrow key/value surface S3Transport needs. Two
// implementations exist: awsS3Backend talks to a real (or
// S3-compatible) bucket; localDirBackend emulates one on local disk
// for environments without network access to AWS, selected via
// KC_SYNC_S3_EMULATE_ROOT (the same emulation-root pattern
// pkg/escrow's providers use for KC_RECOVERY_ESCROW_*_EMULATE_DIR).
type blobBackend interface {
	get(ctx context.Context, key string) (data []byte, found bool, err error)
	put(ctx context.Context, key string, data []byte) error
	list(ctx context.Context, prefix string) ([]string, error)
	delete(ctx context.Context, key string) error
}

// S3Transport implements Transport and Locker over an S3-compatible
// object store. All key layout is relative to
// prefix: "<prefix>/head.json", "<prefix>/snapshots/<id>/...",
// "<prefix>/conflicts/<name>.json", "<prefix>/locks/write.lock".
type S3Transport struct {
	bucket  string
	prefix  string
	backend blobBackend
}

func (t *S3Transport) Kind() string { return "s3" }

func (t *S3Transport) key(parts ...string) string {
	return path.Join(append([]string{t.prefix}, parts...)...)
}

func (t *S3Transport) ReadHead(ctx context.Context) (*SyncHead, bool, error) {
	data, found, err := t.backend.get(ctx, t.key("head.json"))
	if err != nil {
		return nil, false, kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to read head.json from S3 target", err).WithRetryable(true)
	}
	if !found {
		return nil, false, nil
	}
	var head SyncHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, false, kcerr.Wrap(kcerr.CodeSyncHeadInvalid, kcerr.CategorySync,
			"failed to parse head.json from S3 target", err)
	}
	return &head, true, nil
}

func (t *S3Transport) WriteHead(ctx context.Context, head *SyncHead) error {
	if err := head.Validate(); err != nil {
		return err
	}
	b, err := head.CanonicalBytes()
	if err != nil {
		return err
	}
	if err := t.backend.put(ctx, t.key("head.json"), b); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to write head.json to S3 target", err).WithRetryable(true)
	}
	return nil
}

func (t *S3Transport) CopySnapshotIn(ctx context.Context, snapshotID, localBundleDir string) error {
	var files []string
	err := filepath.Walk(localBundleDir, func(p string, info os.FileInfo, err error) error {
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
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"failed to walk local bundle directory", err)
	}
	sort.Strings(files)

	for _, f := range files {
		rel, err := filepath.Rel(localBundleDir, f)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync, "", err)
		}
		data, err := os.ReadFile(f)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
				"failed to read local bundle file", err)
		}
		key := t.key("snapshots", snapshotID, filepath.ToSlash(rel))
		if err := t.backend.put(ctx, key, data); err != nil {
			return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
				"failed to upload snapshot file", err).WithRetryable(true)
		}
	}
	return nil
}

func (t *S3Transport) CopySnapshotOut(ctx context.Context, snapshotID, destDir string) error {
	snapPrefix := t.key("snapshots", snapshotID)
	keys, err := t.backend.list(ctx, snapPrefix)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to list remote snapshot objects", err).WithRetryable(true)
	}
	if len(keys) == 0 {
		return kcerr.New(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
			"remote snapshot has no objects")
	}
	sort.Strings(keys)

	for _, key := range keys {
		data, found, err := t.backend.get(ctx, key)
		if err != nil {
			return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
				"failed to download snapshot object", err).WithRetryable(true)
		}
		if !found {
			continue
		}
		rel := strings.TrimPrefix(key, snapPrefix+"/")
		if err := writeFileAtomic(filepath.Join(destDir, filepath.FromSlash(rel)), data); err != nil {
			return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync,
				"failed to materialize snapshot object locally", err)
		}
	}
	return nil
}

func (t *S3Transport) WriteConflictArtifact(ctx context.Context, nowMs int64, artifact *ConflictArtifact) (string, error) {
	b, err := artifact.CanonicalBytes()
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("conflict_%d_%s.json", nowMs, fileNameDigest16(b))
	rel := path.Join("conflicts", name)
	if err := t.backend.put(ctx, t.key(rel), b); err != nil {
		return "", kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to upload conflict artifact", err).WithRetryable(true)
	}
	return rel, nil
}

// lockPayload is the canonical-JSON body written to locks/write.lock.
type lockPayload struct {
	ExpiresAtMs int64 `json:"expires_at_ms"`
}

// TryAcquireLock implements the best-effort write lock: read
// locks/write.lock, and if present and unexpired fail with
// KC_SYNC_LOCKED, else write a new lock good for ttlMs. The window
// between the read and the write is unguarded; the lock is advisory.
func (t *S3Transport) TryAcquireLock(ctx context.Context, nowMs, ttlMs int64) error {
	key := t.key("locks", "write.lock")
	data, found, err := t.backend.get(ctx, key)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to read write lock", err).WithRetryable(true)
	}
	if found {
		var existing lockPayload
		if err := json.Unmarshal(data, &existing); err == nil && existing.ExpiresAtMs > nowMs {
			return kcerr.New(kcerr.CodeSyncLocked, kcerr.CategorySync,
				"sync target is locked by another writer")
		}
	}
	payload, err := json.Marshal(lockPayload{ExpiresAtMs: nowMs + ttlMs})
	if err != nil {
		return kcerr.Wrap(kcerr.CodeSyncApplyFailed, kcerr.CategorySync, "", err)
	}
	if err := t.backend.put(ctx, key, payload); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to write write lock", err).WithRetryable(true)
	}
	return nil
}

// ReleaseLock removes the lock object. It is best-effort: a missing
// lock is not an error, since the TTL already covers the case where
// release never runs (process crash, network partition).
func (t *S3Transport) ReleaseLock(ctx context.Context) error {
	if err := t.backend.delete(ctx, t.key("locks", "write.lock")); err != nil {
		return kcerr.Wrap(kcerr.CodeSyncNetworkFailed, kcerr.CategorySync,
			"failed to release write lock", err).WithRetryable(true)
	}
	return nil
}

// newS3TransportFromURL parses "s3://<bucket>/<prefix...>" and builds
// an S3Transport. KC_SYNC_S3_EMULATE_ROOT, when set, selects a local
// directory backend instead of a real AWS client so the transport can
// be exercised without network access, mirroring the emulation root
// pkg/escrow/emulated.go uses for escrow providers.
func newS3TransportFromURL(raw string) (Transport, error) {
	rest := strings.TrimPrefix(raw, "s3://")
	if rest == "" {
		return nil, kcerr.New(kcerr.CodeSyncTargetInvalid, kcerr.CategorySync,
			"s3 target must specify a bucket")
	}
	parts := strings.SplitN(rest, "/", 2)
	bucket := parts[0]
	prefix := ""
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	if bucket == "" {
		return nil, kcerr.New(kcerr.CodeSyncTargetInvalid, kcerr.CategorySync,
			"s3 target must specify a bucket")
	}

	if root := os.Getenv("KC_SYNC_S3_EMULATE_ROOT"); root != "" {
		return &S3Transport{
			bucket:  bucket,
			prefix:  prefix,
			backend: &localDirBackend{root: filepath.Join(root, bucket)},
		}, nil
	}

	client, err := newRealS3Client(context.Background())
	if err != nil {
		return nil, err
	}
	return &S3Transport{
		bucket:  bucket,
		prefix:  prefix,
		backend: &awsS3Backend{client: client, bucket: bucket},
	}, nil
}

// newRealS3Client builds an *s3.Client honoring KC_SYNC_S3_REGION and,
// when set, KC_SYNC_S3_ENDPOINT for S3-compatible services (MinIO,
// R2, etc) that require a fixed base endpoint and path-style addressing.
func newRealS3Client(ctx context.Context) (*s3.Client, error) {
	region := os.Getenv("KC_SYNC_S3_REGION")
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeSyncTargetInvalid, kcerr.CategorySync,
			"failed to load AWS SDK configuration", err)
	}
	endpoint := os.Getenv("KC_SYNC_S3_ENDPOINT")
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// awsS3Backend adapts *s3.Client to blobBackend.
type awsS3Backend struct {
	client *s3.Client
	bucket string
}

func (b *awsS3Backend) get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *awsS3Backend) put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (b *awsS3Backend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *awsS3Backend) delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	return err
}

// localDirBackend emulates blobBackend on a local directory tree,
// mapping object keys directly to relative file paths.
type localDirBackend struct {
	root string
}

func (b *localDirBackend) get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(b.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *localDirBackend) put(_ context.Context, key string, data []byte) error {
	return writeFileAtomic(filepath.Join(b.root, filepath.FromSlash(key)), data)
}

func (b *localDirBackend) list(_ context.Context, prefix string) ([]string, error) {
	base := filepath.Join(b.root, filepath.FromSlash(prefix))
	var keys []string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *localDirBackend) delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(b.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
