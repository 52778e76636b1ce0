// Copyright 2025 Knowledgecore Project
//
// kc is the vault's command-line surface: a dispatcher over the
// library operations in pkg/*, with no business logic of its own. Each
// subcommand opens the vault, calls one library function, and prints
// the result; failures print "<code>: <message>" to stderr and exit 1
// (the verifier's typed exit codes are the one exception).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/saagar210/knowledgecore-sub000/internal/appctx"
	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
	"github.com/saagar210/knowledgecore-sub000/pkg/canon"
	"github.com/saagar210/knowledgecore-sub000/pkg/dbstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/escrow"
	"github.com/saagar210/knowledgecore-sub000/pkg/export"
	"github.com/saagar210/knowledgecore-sub000/pkg/ingest"
	"github.com/saagar210/knowledgecore-sub000/pkg/kcerr"
	"github.com/saagar210/knowledgecore-sub000/pkg/lineage"
	"github.com/saagar210/knowledgecore-sub000/pkg/merge"
	"github.com/saagar210/knowledgecore-sub000/pkg/objectstore"
	"github.com/saagar210/knowledgecore-sub000/pkg/recovery"
	"github.com/saagar210/knowledgecore-sub000/pkg/synctransport"
	"github.com/saagar210/knowledgecore-sub000/pkg/trust"
	"github.com/saagar210/knowledgecore-sub000/pkg/vaultmeta"
)

// app owns the process-wide state: the active-jobs
// set and the secret provider every passphrase read goes through.
var app = appctx.New(prometheus.DefaultRegisterer, secretenv.OSEnv{})

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "vault":
		err = runVault(os.Args[2:])
	case "ingest":
		err = runIngest(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "verify":
		os.Exit(runVerify(os.Args[2:]))
	case "index":
		err = runIndex(os.Args[2:])
	case "gc":
		err = runGC(os.Args[2:])
	case "sync":
		err = runSync(os.Args[2:])
	case "recovery":
		err = runRecovery(os.Args[2:])
	case "trust":
		err = runTrust(os.Args[2:])
	case "lineage":
		err = runLineage(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "kc: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		reportErr(err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: kc <command> [flags]

commands:
  vault init|open|verify|unlock|lock|lock-status|encrypt-enable|db-encrypt-enable
  ingest file|scan-folder|inbox-once
  export
  verify
  index rebuild
  gc run
  sync push|pull|status|merge-preview
  recovery generate|verify|status|escrow
  trust identity start|complete
  trust device init|verify|enroll|verify-chain|list
  lineage query|overlay|lock|role`)
}

// reportErr prints a kcerr.AppError as "<code>: <message>"; any other
// error prints verbatim.
func reportErr(err error) {
	var ae *kcerr.AppError
	if aerr, ok := err.(*kcerr.AppError); ok {
		ae = aerr
	}
	if ae != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", ae.Code, ae.Message)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

// requireNowMs enforces that deterministic subcommands take their
// timestamp from the caller, never from the process clock.
func requireNowMs(cmd string, nowMs int64) (int64, error) {
	if nowMs <= 0 {
		return 0, fmt.Errorf("%s: -now-ms is required", cmd)
	}
	return nowMs, nil
}

// runJob tracks fn in the process-wide active-jobs set for the duration
// of the call.
func runJob(kind string, nowMs int64, fn func() error) error {
	jobID := uuid.New().String()
	app.BeginJob(jobID, kind, nowMs)
	err := fn()
	app.EndJob(jobID, err != nil)
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- vault ---

func runVault(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("vault: missing subcommand")
	}
	switch args[0] {
	case "init":
		return vaultInit(args[1:])
	case "open", "check":
		return vaultCheck(args[1:])
	case "verify":
		return vaultVerify(args[1:])
	case "unlock":
		return vaultUnlock(args[1:])
	case "lock":
		return vaultLock(args[1:], true)
	case "lock-status":
		return vaultLock(args[1:], false)
	case "encrypt-enable":
		return vaultEncryptEnable(args[1:])
	case "db-encrypt-enable":
		return vaultDBEncryptEnable(args[1:])
	default:
		return fmt.Errorf("vault: unknown subcommand %q", args[0])
	}
}

func vaultInit(args []string) error {
	fs := flag.NewFlagSet("vault init", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	slug := fs.String("slug", "default", "vault slug")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("vault init", *nowFlag)
	if err != nil {
		return err
	}
	meta, err := vaultmeta.Init(*root, *slug, now)
	if err != nil {
		return err
	}
	paths := vaultmeta.VaultPaths(*root)
	for _, dir := range []string{paths.ObjectsDir, paths.InboxDir, paths.InboxProcessed, paths.VectorsDir, filepath.Dir(paths.DB)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return kcerr.Wrap(kcerr.CodeDBIntegrityFailed, kcerr.CategoryStorage, "failed to create vault directory", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, err := dbstore.Open(ctx, paths.DB, "")
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("initialized vault %s (id=%s) at %s\n", meta.VaultSlug, meta.VaultID, *root)
	return nil
}

func vaultCheck(args []string) error {
	fs := flag.NewFlagSet("vault check", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	meta, err := vaultmeta.Open(*root)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

// vaultVerify opens the vault end to end — metadata, database (forcing
// the migration ladder to head), object store handle — and reports what
// it found. It is a liveness check, not the bundle verifier.
func vaultVerify(args []string) error {
	fs := flag.NewFlagSet("vault verify", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	meta, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()
	return printJSON(map[string]any{
		"vault_id":           meta.VaultID,
		"vault_slug":         meta.VaultSlug,
		"schema_version":     meta.SchemaVersion,
		"db_schema_version":  dbstore.HeadSchemaVersion,
		"encryption_enabled": meta.Encryption.Enabled,
	})
}

// vaultUnlock validates the database passphrase and reports the
// per-process unlock flag. The flag does not outlive the process, so
// this subcommand's value is passphrase validation plus a scriptable
// success/failure exit.
func vaultUnlock(args []string) error {
	fs := flag.NewFlagSet("vault unlock", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	passEnv := fs.String("passphrase-env", "KC_VAULT_DB_PASSPHRASE", "environment variable holding the database passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	passphrase, ok := secretenv.Required(app.Secrets, *passEnv)
	if !ok {
		passphrase = dbPassphrase()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	paths := vaultmeta.VaultPaths(*root)
	db, err := dbstore.Open(ctx, paths.DB, passphrase)
	if err != nil {
		return err
	}
	defer db.Close()
	db.Unlock()
	fmt.Printf("unlocked=%v\n", db.IsUnlocked())
	return nil
}

func vaultLock(args []string, lock bool) error {
	name := "vault lock-status"
	if lock {
		name = "vault lock"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	meta, err := vaultmeta.Open(*root)
	if err != nil {
		return err
	}
	if lock {
		// The unlock flag is per-process; a fresh process is locked by
		// construction, so lock only reports that state.
		fmt.Println("locked")
		return nil
	}
	return printJSON(map[string]any{
		"db_encryption_enabled":     meta.DBEncryption.Enabled,
		"object_encryption_enabled": meta.Encryption.Enabled,
		"unlocked":                  false,
	})
}

func vaultEncryptEnable(args []string) error {
	fs := flag.NewFlagSet("vault encrypt-enable", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	passEnv := fs.String("passphrase-env", "KC_VAULT_PASSPHRASE", "environment variable holding the object-store passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	passphrase, ok := secretenv.Required(app.Secrets, *passEnv)
	if !ok {
		return kcerr.New(kcerr.CodeEncryptionMigrationFailed, kcerr.CategoryEncryption,
			"passphrase environment variable "+*passEnv+" is unset")
	}

	meta, err := vaultmeta.Open(*root)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	paths := vaultmeta.VaultPaths(*root)
	db, err := dbstore.Open(ctx, paths.DB, "")
	if err != nil {
		return err
	}
	defer db.Close()

	plainStore := objectstore.New(*root, db, nil)

	if err := vaultmeta.EnableObjectEncryption(meta); err != nil {
		return err
	}
	salt, err := vaultmeta.ObjectEncryptionSalt(meta.Encryption)
	if err != nil {
		return err
	}
	key := objectstore.DeriveKey(passphrase, salt,
		meta.Encryption.KDF.MemoryKiB, meta.Encryption.KDF.Iterations, meta.Encryption.KDF.Parallelism)
	encStore := objectstore.New(*root, db, &objectstore.EncryptionContext{Enabled: true, Key: key, NonceSalt: salt})

	migrated, err := objectstore.MigrateEncryption(ctx, db, plainStore, encStore)
	if err != nil {
		return err
	}
	if err := vaultmeta.Save(*root, meta); err != nil {
		return err
	}
	fmt.Printf("encryption enabled; migrated %d object(s)\n", migrated)
	return nil
}

func vaultDBEncryptEnable(args []string) error {
	fs := flag.NewFlagSet("vault db-encrypt-enable", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	passEnv := fs.String("passphrase-env", "KC_VAULT_DB_PASSPHRASE", "environment variable holding the database passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	passphrase, ok := secretenv.Required(app.Secrets, *passEnv)
	if !ok {
		return kcerr.New(kcerr.CodeDBKeyInvalid, kcerr.CategoryEncryption,
			"passphrase environment variable "+*passEnv+" is unset")
	}
	meta, err := vaultmeta.Open(*root)
	if err != nil {
		return err
	}
	paths := vaultmeta.VaultPaths(*root)
	migrated, err := dbstore.MigrateToEncrypted(paths.DB, passphrase)
	if err != nil {
		return err
	}
	meta.DBEncryption.Enabled = true
	if err := vaultmeta.Save(*root, meta); err != nil {
		return err
	}
	fmt.Printf("database encryption migrated=%v\n", migrated)
	return nil
}

// dbPassphrase resolves the database passphrase:
// KC_VAULT_DB_PASSPHRASE first, then KC_VAULT_PASSPHRASE. An empty
// result is fine for unencrypted databases; encrypted ones fail in
// dbstore.Open with KC_DB_LOCKED.
func dbPassphrase() string {
	if v, ok := secretenv.Required(app.Secrets, "KC_VAULT_DB_PASSPHRASE"); ok {
		return v
	}
	v, _ := secretenv.Required(app.Secrets, "KC_VAULT_PASSPHRASE")
	return v
}

// openRW opens a vault's meta, db and object store together, the
// common setup every data-touching subcommand needs.
func openRW(ctx context.Context, root string) (*vaultmeta.Meta, *dbstore.DB, *objectstore.Store, error) {
	meta, err := vaultmeta.Open(root)
	if err != nil {
		return nil, nil, nil, err
	}
	paths := vaultmeta.VaultPaths(root)
	db, err := dbstore.Open(ctx, paths.DB, dbPassphrase())
	if err != nil {
		return nil, nil, nil, err
	}
	var enc *objectstore.EncryptionContext
	if meta.Encryption.Enabled {
		passphrase, ok := secretenv.Required(app.Secrets, "KC_VAULT_PASSPHRASE")
		if !ok {
			db.Close()
			return nil, nil, nil, kcerr.New(kcerr.CodeEncryptionRequired, kcerr.CategoryEncryption,
				"vault objects are encrypted but KC_VAULT_PASSPHRASE is unset")
		}
		salt, err := vaultmeta.ObjectEncryptionSalt(meta.Encryption)
		if err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		key := objectstore.DeriveKey(passphrase, salt,
			meta.Encryption.KDF.MemoryKiB, meta.Encryption.KDF.Iterations, meta.Encryption.KDF.Parallelism)
		enc = &objectstore.EncryptionContext{Enabled: true, Key: key, NonceSalt: salt}
	}
	store := objectstore.New(root, db, enc)
	return meta, db, store, nil
}

// --- ingest ---

func runIngest(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("ingest: missing subcommand")
	}
	switch args[0] {
	case "file":
		return ingestFile(args[1:])
	case "scan-folder":
		return ingestScanFolder(args[1:])
	case "inbox-once":
		return ingestInboxOnce(args[1:])
	default:
		return fmt.Errorf("ingest: unknown subcommand %q", args[0])
	}
}

func ingestFile(args []string) error {
	fs := flag.NewFlagSet("ingest file", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	path := fs.String("path", "", "path to the file to ingest")
	mime := fs.String("mime", "application/octet-stream", "MIME type")
	sourceKind := fs.String("source-kind", "file", "source kind")
	effectiveTS := fs.Int64("effective-ts-ms", 0, "effective timestamp in ms (defaults to now-ms)")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("ingest file", *nowFlag)
	if err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("ingest file: -path is required")
	}
	raw, err := os.ReadFile(*path)
	if err != nil {
		return kcerr.Wrap(kcerr.CodeIngestReadFailed, kcerr.CategoryIngest, "failed to read input file", err)
	}
	effective := *effectiveTS
	if effective == 0 {
		effective = now
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	return runJob("ingest", now, func() error {
		result, err := ingest.IngestBytes(ctx, db, store, raw, *mime, *sourceKind, effective, now, *path)
		if err != nil {
			return err
		}
		fmt.Printf("doc_id=%s created_event_id=%d already_known=%v\n", result.DocID, result.CreatedEventID, result.AlreadyKnown)
		return nil
	})
}

func ingestScanFolder(args []string) error {
	fs := flag.NewFlagSet("ingest scan-folder", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	dir := fs.String("dir", "", "folder to scan")
	sourceKind := fs.String("source-kind", "folder", "source kind")
	effectiveTS := fs.Int64("effective-ts-ms", 0, "effective timestamp in ms (defaults to now-ms)")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("ingest scan-folder", *nowFlag)
	if err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("ingest scan-folder: -dir is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	_, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	return runJob("ingest", now, func() error {
		results, err := ingest.ScanFolder(ctx, db, store, *dir, *sourceKind, *effectiveTS, now)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("doc_id=%s already_known=%v path=%s\n", r.DocID, r.AlreadyKnown, r.Path)
		}
		fmt.Printf("ingested %d file(s)\n", len(results))
		return nil
	})
}

func ingestInboxOnce(args []string) error {
	fs := flag.NewFlagSet("ingest inbox-once", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("ingest inbox-once", *nowFlag)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	_, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	paths := vaultmeta.VaultPaths(*root)
	return runJob("ingest", now, func() error {
		results, err := ingest.InboxOnce(ctx, db, store, paths.InboxDir, paths.InboxProcessed, now)
		if err != nil {
			return err
		}
		fmt.Printf("processed %d inbox file(s)\n", len(results))
		return nil
	})
}

// --- export ---

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	dest := fs.String("dest", "", "destination directory (folder format) or file (zip format)")
	format := fs.String("format", "folder", "bundle format: folder or zip")
	includeVectors := fs.Bool("include-vectors", false, "include vector index files")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("export", *nowFlag)
	if err != nil {
		return err
	}
	if *dest == "" {
		return fmt.Errorf("export: -dest is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	meta, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	return runJob("export", now, func() error {
		manifest, err := export.ExportBundle(ctx, *root, *dest, meta, db, store, export.Options{
			Format:         *format,
			IncludeVectors: *includeVectors,
		})
		if err != nil {
			return err
		}
		hash, err := manifest.Hash()
		if err != nil {
			return err
		}
		fmt.Printf("exported bundle to %s (manifest hash=%s)\n", *dest, hash)
		return nil
	})
}

// --- verify ---

func runVerify(args []string) int {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	bundle := fs.String("bundle", "", "path to an exported bundle")
	head := fs.String("sync-head", "", "path to a sync head.json file to validate instead")
	fs.Int64("now-ms", 0, "timestamp in ms (accepted for interface uniformity; the verifier reads no clock)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return export.ExitInternalError
	}
	var report *export.Report
	switch {
	case *head != "":
		report = export.VerifySyncHeadFile(*head)
	case *bundle != "":
		report = export.VerifyBundle(*bundle)
	default:
		fmt.Fprintln(os.Stderr, "verify: one of -bundle or -sync-head is required")
		return export.ExitInternalError
	}
	_ = printJSON(report)
	return report.ExitCode
}

// --- index ---

func runIndex(args []string) error {
	if len(args) == 0 || args[0] != "rebuild" {
		return fmt.Errorf("index: expected subcommand \"rebuild\"")
	}
	fs := flag.NewFlagSet("index rebuild", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	_, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	fetch := func(ctx context.Context, docID string) (string, error) {
		canonicalObjectHash, _, err := db.CanonicalTextRow(ctx, docID)
		if err != nil {
			return "", err
		}
		raw, err := store.GetBytes(canonicalObjectHash)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	if err := db.RebuildChunksFTS(ctx, fetch); err != nil {
		return err
	}
	fmt.Println("chunks_fts rebuilt")
	return nil
}

// --- gc ---

func runGC(args []string) error {
	if len(args) == 0 || args[0] != "run" {
		return fmt.Errorf("gc: expected subcommand \"run\"")
	}
	fs := flag.NewFlagSet("gc run", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	dryRun := fs.Bool("dry-run", true, "report without deleting unreferenced objects")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := store.CollectGarbage(ctx, db, *dryRun)
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d unreferenced=%d deleted=%d dry_run=%v\n",
		report.Scanned, len(report.Unreferenced), len(report.Deleted), report.DryRun)
	return nil
}

// --- sync ---

func runSync(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("sync: missing subcommand")
	}
	switch args[0] {
	case "push":
		return syncPush(args[1:])
	case "pull":
		return syncPull(args[1:])
	case "status":
		return syncStatus(args[1:])
	case "merge-preview":
		return syncMergePreview(args[1:])
	default:
		return fmt.Errorf("sync: unknown subcommand %q", args[0])
	}
}

func syncPush(args []string) error {
	fs := flag.NewFlagSet("sync push", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	target := fs.String("target", "", "sync target (file path, file://, or s3://bucket/prefix)")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("sync push", *nowFlag)
	if err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("sync push: -target is required")
	}
	transport, err := synctransport.ParseTarget(*target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	meta, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	return runJob("sync_push", now, func() error {
		result, err := synctransport.Push(ctx, *root, transport, db, meta, db, store, now)
		if err != nil {
			return err
		}
		fmt.Printf("pushed snapshot_id=%s manifest_hash=%s\n", result.SnapshotID, result.ManifestHash)
		return nil
	})
}

func syncPull(args []string) error {
	fs := flag.NewFlagSet("sync pull", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	target := fs.String("target", "", "sync target (file path, file://, or s3://bucket/prefix)")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("sync pull", *nowFlag)
	if err != nil {
		return err
	}
	if *target == "" {
		return fmt.Errorf("sync pull: -target is required")
	}
	transport, err := synctransport.ParseTarget(*target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	meta, db, store, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	var enc *objectstore.EncryptionContext
	if meta.Encryption.Enabled {
		passphrase, _ := secretenv.Required(app.Secrets, "KC_VAULT_PASSPHRASE")
		salt, serr := vaultmeta.ObjectEncryptionSalt(meta.Encryption)
		if serr != nil {
			db.Close()
			return serr
		}
		key := objectstore.DeriveKey(passphrase, salt,
			meta.Encryption.KDF.MemoryKiB, meta.Encryption.KDF.Iterations, meta.Encryption.KDF.Parallelism)
		enc = &objectstore.EncryptionContext{Enabled: true, Key: key, NonceSalt: salt}
	}
	return runJob("sync_pull", now, func() error {
		// Pull closes db itself once it commits to replacing the local
		// database file, so the CLI only ever closes whichever handle is
		// still live afterward.
		result, newDB, err := synctransport.Pull(ctx, *root, transport, db, meta, db, store, enc, dbPassphrase(), now)
		if newDB != nil {
			defer newDB.Close()
		}
		if err != nil {
			return err
		}
		fmt.Printf("pulled snapshot_id=%s manifest_hash=%s\n", result.SnapshotID, result.ManifestHash)
		return nil
	})
}

func syncStatus(args []string) error {
	fs := flag.NewFlagSet("sync status", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	status, err := synctransport.ReadStatus(ctx, db)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func syncMergePreview(args []string) error {
	fs := flag.NewFlagSet("sync merge-preview", flag.ExitOnError)
	policy := fs.String("policy", "conservative_v1", "merge policy: conservative_v1 or conservative_plus_v2")
	localObjects := fs.String("local-objects", "", "comma-separated local object hashes")
	remoteObjects := fs.String("remote-objects", "", "comma-separated remote object hashes")
	localOverlays := fs.String("local-overlays", "", "comma-separated local lineage overlay ids")
	remoteOverlays := fs.String("remote-overlays", "", "comma-separated remote lineage overlay ids")
	trustMismatch := fs.Bool("trust-chain-mismatch", false, "v2 context: remote trust chain differs")
	lockConflict := fs.Bool("lock-conflict", false, "v2 context: a lineage lock conflicts")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("sync merge-preview", *nowFlag)
	if err != nil {
		return err
	}
	resolved, err := merge.ResolvePolicy(*policy)
	if err != nil {
		return err
	}
	local := merge.ChangeSet{ObjectHashes: splitCSV(*localObjects), LineageOverlayIDs: splitCSV(*localOverlays)}
	remote := merge.ChangeSet{ObjectHashes: splitCSV(*remoteObjects), LineageOverlayIDs: splitCSV(*remoteOverlays)}

	var report *merge.PreviewReport
	if resolved == "conservative_plus_v2" {
		report, err = merge.PreviewConservativePlusV2(local, remote, merge.ConservativePlusV2Context{
			TrustChainMismatch: *trustMismatch,
			LockConflict:       *lockConflict,
		}, now)
	} else {
		report, err = merge.PreviewConservative(local, remote, now)
	}
	if err != nil {
		return err
	}
	return printJSON(report)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// --- recovery ---

func runRecovery(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("recovery: missing subcommand")
	}
	switch args[0] {
	case "generate":
		return recoveryGenerate(args[1:])
	case "verify":
		return recoveryVerify(args[1:])
	case "status":
		return recoveryStatus(args[1:])
	case "escrow":
		return runRecoveryEscrow(args[1:])
	default:
		return fmt.Errorf("recovery: unknown subcommand %q", args[0])
	}
}

func recoveryGenerate(args []string) error {
	fs := flag.NewFlagSet("recovery generate", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	outDir := fs.String("out", "", "directory to write the recovery bundle into")
	passEnv := fs.String("passphrase-env", "KC_VAULT_PASSPHRASE", "environment variable holding the vault passphrase to wrap")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("recovery generate", *nowFlag)
	if err != nil {
		return err
	}
	if *outDir == "" {
		return fmt.Errorf("recovery generate: -out is required")
	}
	meta, err := vaultmeta.Open(*root)
	if err != nil {
		return err
	}
	vaultPassphrase, ok := secretenv.Required(app.Secrets, *passEnv)
	if !ok {
		return kcerr.New(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"passphrase environment variable "+*passEnv+" is unset")
	}
	result, err := recovery.GenerateBundle(meta.VaultID, *outDir, vaultPassphrase, now, nil)
	if err != nil {
		return err
	}
	paths := vaultmeta.VaultPaths(*root)
	if err := os.WriteFile(paths.RecoveryMarker, []byte(result.BundlePath+"\n"), 0o600); err != nil {
		return kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed to record recovery bundle marker", err)
	}
	fmt.Printf("recovery bundle written; phrase (record this, it is not stored): %s\n", result.RecoveryPhrase)
	return nil
}

func recoveryVerify(args []string) error {
	fs := flag.NewFlagSet("recovery verify", flag.ExitOnError)
	vaultID := fs.String("vault-id", "", "expected vault id")
	bundle := fs.String("bundle", "", "path to the recovery bundle directory")
	phraseEnv := fs.String("phrase-env", "KC_RECOVERY_PHRASE", "environment variable holding the recovery phrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	phrase, ok := secretenv.Required(app.Secrets, *phraseEnv)
	if !ok {
		return kcerr.New(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"recovery phrase environment variable "+*phraseEnv+" is unset")
	}
	manifest, err := recovery.VerifyBundle(*vaultID, *bundle, phrase)
	if err != nil {
		return err
	}
	return printJSON(manifest)
}

// recoveryStatus reports the last generated bundle (via the
// .kc_recovery_last_path marker) and each escrow provider's
// availability.
func recoveryStatus(args []string) error {
	fs := flag.NewFlagSet("recovery status", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	paths := vaultmeta.VaultPaths(*root)

	out := map[string]any{"last_bundle_path": nil}
	if raw, err := os.ReadFile(paths.RecoveryMarker); err == nil {
		out["last_bundle_path"] = trimNewline(string(raw))
	}

	var statuses []escrow.Status
	for _, provider := range escrow.Registry(app.Secrets) {
		st, err := provider.Status()
		if err != nil {
			st = escrow.Status{Provider: provider.ProviderID()}
		}
		statuses = append(statuses, st)
	}
	out["escrow_providers"] = statuses
	return printJSON(out)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func runRecoveryEscrow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("recovery escrow: missing subcommand")
	}
	switch args[0] {
	case "status":
		return recoveryEscrowStatus(args[1:])
	case "write":
		return recoveryEscrowWrite(args[1:])
	case "read":
		return recoveryEscrowRead(args[1:])
	default:
		return fmt.Errorf("recovery escrow: unknown subcommand %q", args[0])
	}
}

func recoveryEscrowStatus(args []string) error {
	fs := flag.NewFlagSet("recovery escrow status", flag.ExitOnError)
	providerID := fs.String("provider", "", "escrow provider id (default: all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var providers []escrow.Provider
	if *providerID != "" {
		p, err := escrow.ByProviderID(app.Secrets, *providerID)
		if err != nil {
			return err
		}
		providers = []escrow.Provider{p}
	} else {
		providers = escrow.Registry(app.Secrets)
	}
	var statuses []escrow.Status
	for _, p := range providers {
		st, err := p.Status()
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}
	return printJSON(statuses)
}

func recoveryEscrowWrite(args []string) error {
	fs := flag.NewFlagSet("recovery escrow write", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	bundle := fs.String("bundle", "", "path to the recovery bundle directory")
	providerID := fs.String("provider", "local", "escrow provider id")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("recovery escrow write", *nowFlag)
	if err != nil {
		return err
	}
	if *bundle == "" {
		return fmt.Errorf("recovery escrow write: -bundle is required")
	}
	meta, err := vaultmeta.Open(*root)
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(filepath.Join(*bundle, "key_blob.enc"))
	if err != nil {
		return kcerr.Wrap(kcerr.CodeRecoveryBundleInvalid, kcerr.CategoryRecovery,
			"failed to read recovery key blob", err)
	}
	provider, err := escrow.ByProviderID(app.Secrets, *providerID)
	if err != nil {
		return err
	}
	descriptor, err := provider.Write(escrow.WriteRequest{
		VaultID:     meta.VaultID,
		PayloadHash: canon.Blake3HexPrefixed(blob),
		KeyBlob:     blob,
		NowMs:       now,
	})
	if err != nil {
		return err
	}
	return printJSON(descriptor)
}

func recoveryEscrowRead(args []string) error {
	fs := flag.NewFlagSet("recovery escrow read", flag.ExitOnError)
	providerID := fs.String("provider", "local", "escrow provider id")
	providerRef := fs.String("provider-ref", "", "descriptor provider_ref")
	keyID := fs.String("key-id", "", "descriptor key_id")
	wrappedAt := fs.Int64("wrapped-at-ms", 0, "descriptor wrapped_at_ms")
	expectedHash := fs.String("expected-hash", "", "expected blake3 payload hash")
	out := fs.String("out", "", "path to write the restored key blob to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("recovery escrow read: -out is required")
	}
	provider, err := escrow.ByProviderID(app.Secrets, *providerID)
	if err != nil {
		return err
	}
	blob, err := provider.Read(escrow.ReadRequest{
		Descriptor: escrow.Descriptor{
			Provider:    *providerID,
			ProviderRef: *providerRef,
			KeyID:       *keyID,
			WrappedAtMs: *wrappedAt,
		},
		ExpectedPayloadHash: *expectedHash,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		return kcerr.Wrap(kcerr.CodeRecoveryEscrowRestoreFailed, kcerr.CategoryRecovery,
			"failed to write restored key blob", err)
	}
	fmt.Printf("restored %d byte(s) to %s\n", len(blob), *out)
	return nil
}

// --- trust ---

func runTrust(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("trust: missing subcommand")
	}
	switch args[0] {
	case "identity":
		return runTrustIdentity(args[1:])
	case "device":
		return runTrustDevice(args[1:])
	// Flat aliases for the two most common device operations.
	case "device-init":
		return trustDeviceInit(args[1:])
	case "device-verify":
		return trustDeviceVerify(args[1:])
	default:
		return fmt.Errorf("trust: unknown subcommand %q", args[0])
	}
}

func runTrustIdentity(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("trust identity: missing subcommand")
	}
	switch args[0] {
	case "start":
		return trustIdentityStart(args[1:])
	case "complete":
		return trustIdentityComplete(args[1:])
	default:
		return fmt.Errorf("trust identity: unknown subcommand %q", args[0])
	}
}

func runTrustDevice(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("trust device: missing subcommand")
	}
	switch args[0] {
	case "init":
		return trustDeviceInit(args[1:])
	case "verify":
		return trustDeviceVerify(args[1:])
	case "enroll":
		return trustDeviceEnroll(args[1:])
	case "verify-chain":
		return trustDeviceVerifyChain(args[1:])
	case "list":
		return trustDeviceList(args[1:])
	default:
		return fmt.Errorf("trust device: unknown subcommand %q", args[0])
	}
}

// providersConfigPath resolves the trust provider/policy document an
// identity subcommand seeds from: an explicit -providers-config wins,
// else <root>/trust_providers.yaml (missing file = no-op seed).
func providersConfigPath(root, override string) string {
	if override != "" {
		return override
	}
	return filepath.Join(root, "trust_providers.yaml")
}

func openTrust(ctx context.Context, root string) (*dbstore.DB, *trust.Store, error) {
	_, db, _, err := openRW(ctx, root)
	if err != nil {
		return nil, nil, err
	}
	return db, trust.NewStore(db, filepath.Join(root, ".trust")), nil
}

func trustIdentityStart(args []string) error {
	fs := flag.NewFlagSet("trust identity start", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	providerRef := fs.String("provider", "", "provider slug or issuer URL")
	providersConfig := fs.String("providers-config", "", "provider/policy YAML (defaults to <root>/trust_providers.yaml)")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("trust identity start", *nowFlag)
	if err != nil {
		return err
	}
	if *providerRef == "" {
		return fmt.Errorf("trust identity start: -provider is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.SeedProvidersFromFile(ctx, providersConfigPath(*root, *providersConfig)); err != nil {
		return err
	}
	state, authURL, err := store.IdentityStart(ctx, *providerRef, now)
	if err != nil {
		return err
	}
	fmt.Printf("state=%s\nauthorization_url=%s\n", state, authURL)
	return nil
}

func trustIdentityComplete(args []string) error {
	fs := flag.NewFlagSet("trust identity complete", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	providerRef := fs.String("provider", "", "provider slug or issuer URL")
	providersConfig := fs.String("providers-config", "", "provider/policy YAML (defaults to <root>/trust_providers.yaml)")
	code := fs.String("code", "", "authorization code")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("trust identity complete", *nowFlag)
	if err != nil {
		return err
	}
	if *providerRef == "" || *code == "" {
		return fmt.Errorf("trust identity complete: -provider and -code are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.SeedProvidersFromFile(ctx, providersConfigPath(*root, *providersConfig)); err != nil {
		return err
	}
	session, err := store.IdentityComplete(ctx, *providerRef, *code, now)
	if err != nil {
		return err
	}
	return printJSON(session)
}

func trustDeviceInit(args []string) error {
	fs := flag.NewFlagSet("trust device init", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	label := fs.String("label", "", "human-readable device label")
	actor := fs.String("actor", "cli", "actor recorded against the trust event")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("trust device init", *nowFlag)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	device, err := store.DeviceInit(ctx, *label, *actor, now)
	if err != nil {
		return err
	}
	fmt.Printf("device_id=%s fingerprint=%s\n", device.DeviceID, device.Fingerprint)
	return nil
}

func trustDeviceVerify(args []string) error {
	fs := flag.NewFlagSet("trust device verify", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	deviceID := fs.String("device-id", "", "device id to verify")
	fingerprint := fs.String("fingerprint", "", "expected fingerprint")
	actor := fs.String("actor", "cli", "actor recorded against the trust event")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("trust device verify", *nowFlag)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	device, err := store.DeviceVerify(ctx, *deviceID, *fingerprint, *actor, now)
	if err != nil {
		return err
	}
	fmt.Printf("device_id=%s status=verified\n", device.DeviceID)
	return nil
}

func trustDeviceEnroll(args []string) error {
	fs := flag.NewFlagSet("trust device enroll", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	providerID := fs.String("provider-id", "", "identity provider id")
	deviceID := fs.String("device-id", "", "device id to enroll")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("trust device enroll", *nowFlag)
	if err != nil {
		return err
	}
	if *providerID == "" || *deviceID == "" {
		return fmt.Errorf("trust device enroll: -provider-id and -device-id are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	cert, err := store.DeviceEnroll(ctx, *providerID, *deviceID, now)
	if err != nil {
		return err
	}
	return printJSON(cert)
}

func trustDeviceVerifyChain(args []string) error {
	fs := flag.NewFlagSet("trust device verify-chain", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	certID := fs.String("cert-id", "", "certificate id to verify")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("trust device verify-chain", *nowFlag)
	if err != nil {
		return err
	}
	if *certID == "" {
		return fmt.Errorf("trust device verify-chain: -cert-id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	cert, err := store.DeviceVerifyChain(ctx, *certID, now)
	if err != nil {
		return err
	}
	fmt.Printf("cert_id=%s chain=verified\n", cert.CertID)
	return nil
}

func trustDeviceList(args []string) error {
	fs := flag.NewFlagSet("trust device list", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	db, store, err := openTrust(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := store.ListDevices(ctx)
	if err != nil {
		return err
	}
	return printJSON(devices)
}

// --- lineage ---

func runLineage(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("lineage: missing subcommand")
	}
	switch args[0] {
	case "query":
		return lineageQuery(args[1:])
	case "overlay":
		return runLineageOverlay(args[1:])
	case "lock":
		return runLineageLock(args[1:])
	case "role":
		return runLineageRole(args[1:])
	default:
		return fmt.Errorf("lineage: unknown subcommand %q", args[0])
	}
}

func lineageQuery(args []string) error {
	fs := flag.NewFlagSet("lineage query", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	docID := fs.String("doc-id", "", "doc id to seed the query at")
	depth := fs.Int("depth", 3, "hop depth to follow the event chain backward")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	graph, err := lineage.Query(ctx, db, *docID, *depth)
	if err != nil {
		return err
	}
	return printJSON(graph)
}

func runLineageOverlay(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("lineage overlay: missing subcommand")
	}
	switch args[0] {
	case "add":
		return lineageOverlayAdd(args[1:])
	case "remove":
		return lineageOverlayRemove(args[1:])
	case "list":
		return lineageOverlayList(args[1:])
	default:
		return fmt.Errorf("lineage overlay: unknown subcommand %q", args[0])
	}
}

func lineageOverlayAdd(args []string) error {
	fs := flag.NewFlagSet("lineage overlay add", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	docID := fs.String("doc-id", "", "doc the overlay belongs to")
	overlayID := fs.String("overlay-id", "", "overlay id (defaults to a new UUID)")
	from := fs.String("from", "", "edge source node id")
	to := fs.String("to", "", "edge destination node id")
	relation := fs.String("relation", "", "edge relation")
	evidence := fs.String("evidence", "", "edge evidence")
	scopeKind := fs.String("scope-kind", "doc", "lock scope kind (doc or set)")
	scopeValue := fs.String("scope-value", "", "lock scope value (defaults to -doc-id)")
	token := fs.String("token", "", "lock owner token")
	actor := fs.String("actor", "cli", "actor the permission check runs against")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("lineage overlay add", *nowFlag)
	if err != nil {
		return err
	}
	if *docID == "" || *from == "" || *to == "" || *relation == "" || *token == "" {
		return fmt.Errorf("lineage overlay add: -doc-id, -from, -to, -relation and -token are required")
	}
	if *overlayID == "" {
		*overlayID = uuid.New().String()
	}
	if *scopeValue == "" {
		*scopeValue = *docID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	overlay := lineage.Overlay{
		OverlayID: *overlayID,
		DocID:     *docID,
		FromNode:  *from,
		ToNode:    *to,
		Relation:  *relation,
		Evidence:  *evidence,
	}
	if err := lineage.AddOverlay(ctx, db, overlay, *scopeKind, *scopeValue, *token, *actor, now); err != nil {
		return err
	}
	fmt.Printf("overlay_id=%s\n", *overlayID)
	return nil
}

func lineageOverlayRemove(args []string) error {
	fs := flag.NewFlagSet("lineage overlay remove", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	docID := fs.String("doc-id", "", "doc the overlay belongs to")
	overlayID := fs.String("overlay-id", "", "overlay id to remove")
	scopeKind := fs.String("scope-kind", "doc", "lock scope kind (doc or set)")
	scopeValue := fs.String("scope-value", "", "lock scope value (defaults to -doc-id)")
	token := fs.String("token", "", "lock owner token")
	actor := fs.String("actor", "cli", "actor the permission check runs against")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("lineage overlay remove", *nowFlag)
	if err != nil {
		return err
	}
	if *docID == "" || *overlayID == "" || *token == "" {
		return fmt.Errorf("lineage overlay remove: -doc-id, -overlay-id and -token are required")
	}
	if *scopeValue == "" {
		*scopeValue = *docID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := lineage.RemoveOverlay(ctx, db, *overlayID, *docID, *scopeKind, *scopeValue, *token, *actor, now); err != nil {
		return err
	}
	fmt.Printf("overlay_id=%s removed\n", *overlayID)
	return nil
}

func lineageOverlayList(args []string) error {
	fs := flag.NewFlagSet("lineage overlay list", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	docID := fs.String("doc-id", "", "doc to list overlays for")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *docID == "" {
		return fmt.Errorf("lineage overlay list: -doc-id is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	overlays, err := lineage.ListOverlays(ctx, db, *docID)
	if err != nil {
		return err
	}
	return printJSON(overlays)
}

func runLineageLock(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("lineage lock: missing subcommand")
	}
	switch args[0] {
	case "acquire":
		return lineageLockAcquire(args[1:])
	case "release":
		return lineageLockRelease(args[1:])
	default:
		return fmt.Errorf("lineage lock: unknown subcommand %q", args[0])
	}
}

func lineageLockAcquire(args []string) error {
	fs := flag.NewFlagSet("lineage lock acquire", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	scopeKind := fs.String("scope-kind", "doc", "lock scope kind (doc or set)")
	scopeValue := fs.String("scope-value", "", "lock scope value")
	token := fs.String("token", "", "owner token (defaults to a new UUID)")
	nowFlag := fs.Int64("now-ms", 0, "timestamp in ms (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	now, err := requireNowMs("lineage lock acquire", *nowFlag)
	if err != nil {
		return err
	}
	if *scopeValue == "" {
		return fmt.Errorf("lineage lock acquire: -scope-value is required")
	}
	if *token == "" {
		*token = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	lock, err := lineage.AcquireLock(ctx, db, *scopeKind, *scopeValue, *token, now)
	if err != nil {
		return err
	}
	return printJSON(lock)
}

func lineageLockRelease(args []string) error {
	fs := flag.NewFlagSet("lineage lock release", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	lockID := fs.String("lock-id", "", "lock id to release")
	token := fs.String("token", "", "owner token the lock was acquired under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *lockID == "" || *token == "" {
		return fmt.Errorf("lineage lock release: -lock-id and -token are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := lineage.ReleaseLock(ctx, db, *lockID, *token); err != nil {
		return err
	}
	fmt.Printf("lock_id=%s released\n", *lockID)
	return nil
}

func runLineageRole(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("lineage role: missing subcommand")
	}
	switch args[0] {
	case "ensure":
		return lineageRoleEnsure(args[1:])
	case "bind":
		return lineageRoleBind(args[1:])
	case "bind-policy":
		return lineageRoleBindPolicy(args[1:])
	default:
		return fmt.Errorf("lineage role: unknown subcommand %q", args[0])
	}
}

func lineageRoleEnsure(args []string) error {
	fs := flag.NewFlagSet("lineage role ensure", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	roleID := fs.String("role-id", "", "role id")
	name := fs.String("name", "", "role name")
	rank := fs.Int("rank", 100, "role rank (lower beats higher)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roleID == "" || *name == "" {
		return fmt.Errorf("lineage role ensure: -role-id and -name are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := lineage.EnsureRole(ctx, db, *roleID, *name, *rank); err != nil {
		return err
	}
	fmt.Printf("role_id=%s\n", *roleID)
	return nil
}

func lineageRoleBind(args []string) error {
	fs := flag.NewFlagSet("lineage role bind", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	roleID := fs.String("role-id", "", "role id")
	actor := fs.String("actor", "", "actor id to bind the role to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roleID == "" || *actor == "" {
		return fmt.Errorf("lineage role bind: -role-id and -actor are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := lineage.BindRole(ctx, db, *roleID, *actor); err != nil {
		return err
	}
	fmt.Printf("role_id=%s actor=%s bound\n", *roleID, *actor)
	return nil
}

func lineageRoleBindPolicy(args []string) error {
	fs := flag.NewFlagSet("lineage role bind-policy", flag.ExitOnError)
	root := fs.String("root", ".", "vault root directory")
	policyID := fs.String("policy-id", "", "policy id (defaults to a new UUID)")
	roleID := fs.String("role-id", "", "role id the policy binds to")
	effect := fs.String("effect", "allow", "policy effect: allow or deny")
	priority := fs.Int("priority", 100, "policy priority (lower wins within a rank)")
	action := fs.String("action", "", "optional action condition")
	docPrefix := fs.String("doc-id-prefix", "", "optional doc_id prefix condition")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *roleID == "" {
		return fmt.Errorf("lineage role bind-policy: -role-id is required")
	}
	if *policyID == "" {
		*policyID = uuid.New().String()
	}
	var actionCond, prefixCond *string
	if *action != "" {
		actionCond = action
	}
	if *docPrefix != "" {
		prefixCond = docPrefix
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, db, _, err := openRW(ctx, *root)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := lineage.BindPolicy(ctx, db, *policyID, *roleID, *effect, *priority, actionCond, prefixCond); err != nil {
		return err
	}
	fmt.Printf("policy_id=%s\n", *policyID)
	return nil
}
