// Copyright 2025 Knowledgecore Project
//
// Package dbstore opens and migrates the vault's embedded relational
// database, with optional at-rest encryption gated by a passphrase.
// Migrations are embedded *.sql files walked in order and applied
// transactionally; the current version lives in the single-row
// kc_schema_version table.
package dbstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// HeadSchemaVersion is the schema version this codebase migrates to.
const HeadSchemaVersion = 6

// DB represents an open connection handle to a single vault's embedded
// database.
type DB struct {
	sqlDB  *sql.DB
	path   string
	logger *log.Logger

	// encrypted session bookkeeping: when the on-disk file is an
	// encrypted envelope, Open decrypts it to a temp plaintext path and
	// Close re-encrypts it back over the original path.
	encSession *encryptedSession

	mu       sync.Mutex
	unlocked bool

	pool *PoolConfig
}

// Option configures DB construction.
type Option func(*DB)

// WithLogger sets a custom logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *DB) { d.logger = logger }
}

// Open opens (creating if absent) the sqlite file at dbPath and
// migrates it to HeadSchemaVersion. If the file is an encrypted
// envelope, passphrase must be non-empty or Open fails with
// KC_DB_LOCKED; a passphrase that fails to decrypt fails with
// KC_DB_KEY_INVALID.
func Open(ctx context.Context, dbPath string, passphrase string, opts ...Option) (*DB, error) {
	d := &DB{
		path:   dbPath,
		logger: log.New(log.Writer(), "[dbstore] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(d)
	}

	openPath := dbPath
	encrypted, err := fileIsEncryptedEnvelope(dbPath)
	if err != nil {
		return nil, err
	}
	if encrypted {
		if passphrase == "" {
			return nil, kcerr.New(kcerr.CodeDBLocked, kcerr.CategoryEncryption,
				"database is encrypted but no passphrase was supplied")
		}
		sess, err := openEncryptedSession(dbPath, passphrase)
		if err != nil {
			return nil, err
		}
		d.encSession = sess
		openPath = sess.plainTempPath
	}

	sqlDB, err := sql.Open("sqlite", openPath)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to open sqlite database", err)
	}
	pool := DefaultPoolConfig()
	if d.pool != nil {
		pool = *d.pool
	}
	sqlDB.SetMaxOpenConns(pool.MaxOpenConns) // defaults to 1: single-connection-per-task
	sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	if pool.ConnMaxLifetimeMs > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(pool.ConnMaxLifetimeMs) * time.Millisecond)
	}
	d.sqlDB = sqlDB
	if pool.BusyTimeoutMs > 0 {
		if _, err := sqlDB.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", pool.BusyTimeoutMs)); err != nil {
			sqlDB.Close()
			return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				"failed to set busy_timeout", err)
		}
	}

	if err := d.sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to ping sqlite database", err)
	}

	if err := d.migrateUp(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return d, nil
}

// Close closes the underlying sqlite handle, re-encrypting the file at
// its original path if this DB was opened from an encrypted envelope.
func (d *DB) Close() error {
	var closeErr error
	if d.sqlDB != nil {
		closeErr = d.sqlDB.Close()
	}
	if d.encSession != nil {
		if err := d.encSession.sealBack(); err != nil {
			if closeErr == nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

// SQL returns the underlying *sql.DB for direct access.
func (d *DB) SQL() *sql.DB { return d.sqlDB }

// Ping verifies the connection.
func (d *DB) Ping(ctx context.Context) error { return d.sqlDB.PingContext(ctx) }

// ExecContext/QueryContext/QueryRowContext expose the underlying
// handle's query surface on DB itself.
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sqlDB.ExecContext(ctx, query, args...)
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.sqlDB.QueryContext(ctx, query, args...)
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sqlDB.QueryRowContext(ctx, query, args...)
}

// Tx wraps a database transaction.
type Tx struct{ tx *sql.Tx }

func (d *DB) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to begin transaction", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }
func (t *Tx) Tx() *sql.Tx     { return t.tx }

// ExecContext/QueryRowContext/QueryContext let callers (eventlog,
// ingest) drive a transaction through the same Querier-shaped surface
// DB itself exposes, without importing database/sql directly.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Lock/Unlock manage the per-database unlocked flag, one of the few
// pieces of process-wide shared mutable state.
func (d *DB) Unlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unlocked = true
}

func (d *DB) Lock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unlocked = false
}

func (d *DB) IsUnlocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unlocked
}

// ---------------------------------------------------------------------
// Migration support
// ---------------------------------------------------------------------

type migration struct {
	version int
	name    string
	sql     string
}

func (d *DB) migrateUp(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		current, err := d.currentSchemaVersion(ctx)
		if err != nil {
			return err
		}
		if current >= m.version {
			continue
		}
		d.logger.Printf("applying migration %s (-> v%d)", m.name, m.version)
		if err := d.applyMigration(ctx, m); err != nil {
			return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
				fmt.Sprintf("failed to apply migration %s", m.name), err)
		}
	}

	final, err := d.currentSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if final != HeadSchemaVersion {
		return kcerr.New(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			fmt.Sprintf("schema version %d does not match head %d after migration", final, HeadSchemaVersion))
	}
	return nil
}

func (d *DB) currentSchemaVersion(ctx context.Context) (int, error) {
	var version int
	row := d.sqlDB.QueryRowContext(ctx, `SELECT version FROM kc_schema_version WHERE id = 1`)
	err := row.Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to read schema version", err)
	}
	return version, nil
}

func (d *DB) applyMigration(ctx context.Context, m migration) error {
	tx, err := d.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(m.sql) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement failed: %w", err)
		}
	}
	return tx.Commit()
}

func loadMigrations() ([]migration, error) {
	var migrations []migration
	err := fs.WalkDir(migrationsFS, "migrations", func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(path, ".sql") {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return err
		}
		name := entry.Name()
		versionStr := strings.SplitN(name, "_", 2)[0]
		var version int
		fmt.Sscanf(versionStr, "%d", &version)
		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
		return nil
	})
	if err != nil {
		return nil, kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage,
			"failed to list embedded migrations", err)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// splitStatements performs a naive split on statement-terminating
// semicolons. The embedded migration files never contain semicolons
// inside string literals, so this is sufficient here.
func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";")
}

// HealthStatus mirrors pkg/database/client.go's HealthStatus shape.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func (d *DB) Health(ctx context.Context) *HealthStatus {
	status := &HealthStatus{CheckedAt: time.Now()}
	if err := d.sqlDB.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}
