// Copyright 2025 Knowledgecore Project
package dbstore

import (
	"context"
	"database/sql"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

// GetSyncState reads one key from sync_state. found is false when the key has never been set.
func (d *DB) GetSyncState(ctx context.Context, key string) (value string, found bool, err error) {
	row := d.sqlDB.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, kcerr.Wrap(kcerr.CodeSyncStateFailed, kcerr.CategorySync,
			"failed to read sync_state row", scanErr)
	}
	return value, true, nil
}

// SetSyncState upserts one sync_state key/value pair.
func (d *DB) SetSyncState(ctx context.Context, key, value string, updatedAtMs int64) error {
	_, err := d.sqlDB.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, updatedAtMs)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeSyncStateFailed, kcerr.CategorySync,
			"failed to write sync_state row", err)
	}
	return nil
}

// SyncSnapshotRecord is one row of sync_snapshots.
type SyncSnapshotRecord struct {
	SnapshotID   string
	Direction    string
	CreatedAtMs  int64
	RelPath      string
	ManifestHash string
}

// RecordSyncSnapshot inserts a row into sync_snapshots, the append-only
// log of every snapshot this vault has pushed or pulled.
func (d *DB) RecordSyncSnapshot(ctx context.Context, rec SyncSnapshotRecord) error {
	_, err := d.sqlDB.ExecContext(ctx, `
		INSERT INTO sync_snapshots (snapshot_id, direction, created_at_ms, relpath, manifest_hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO NOTHING`,
		rec.SnapshotID, rec.Direction, rec.CreatedAtMs, rec.RelPath, rec.ManifestHash)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeSyncStateFailed, kcerr.CategorySync,
			"failed to record sync snapshot", err)
	}
	return nil
}

// ListSyncSnapshots returns every recorded snapshot, most recent first.
func (d *DB) ListSyncSnapshots(ctx context.Context) ([]SyncSnapshotRecord, error) {
	rows, err := d.sqlDB.QueryContext(ctx, `
		SELECT snapshot_id, direction, created_at_ms, relpath, manifest_hash
		FROM sync_snapshots ORDER BY created_at_ms DESC, snapshot_id DESC`)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeSyncStateFailed, kcerr.CategorySync,
			"failed to list sync snapshots", err)
	}
	defer rows.Close()
	var out []SyncSnapshotRecord
	for rows.Next() {
		var r SyncSnapshotRecord
		if err := rows.Scan(&r.SnapshotID, &r.Direction, &r.CreatedAtMs, &r.RelPath, &r.ManifestHash); err != nil {
			return nil, kcerr.Wrap(kcerr.CodeSyncStateFailed, kcerr.CategorySync,
				"failed to scan sync snapshot row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, kcerr.Wrap(kcerr.CodeSyncStateFailed, kcerr.CategorySync,
			"error iterating sync snapshot rows", err)
	}
	return out, nil
}
