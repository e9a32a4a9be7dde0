package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nas-ai/shardvault/src/config"
	"github.com/nas-ai/shardvault/src/drivers/staging"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/nas-ai/shardvault/src/scheduler"
	"github.com/nas-ai/shardvault/src/server"
	"github.com/nas-ai/shardvault/src/services"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func runKeygen(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	outDir := fs.String("out-dir", "./keys", "directory for the generated key pair")
	bits := fs.Int("bits", security.DefaultKeyBits, "RSA modulus size in bits")

	_, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	priv, err := security.GenerateKeyPair(*bits)
	if err != nil {
		return err
	}
	privPath, pubPath, err := security.WriteKeyPair(*outDir, priv)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"bits":        *bits,
		"private_key": privPath,
		"public_key":  pubPath,
	}).Info("Key pair generated")
	fmt.Fprintf(stdout, "private key: %s\npublic key:  %s\n", privPath, pubPath)
	return nil
}

func runPut(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	name := fs.String("name", "", "logical file name (defaults to the base name of <file>)")
	wrappedKey := fs.String("wrapped-key", "", "store an already encrypted blob whose content key is in this file")

	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("put takes exactly one file argument: %w", errUsage)
	}
	path := fs.Arg(0)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.writer()
	if err != nil {
		return err
	}

	if *wrappedKey != "" {
		key, err := os.ReadFile(*wrappedKey)
		if err != nil {
			return fmt.Errorf("read wrapped key: %w", err)
		}
		logical := *name
		if logical == "" {
			logical = filepath.Base(path)
		}
		res, err := w.WriteEncrypted(ctx, path, logical, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "stored %s as %s (%d chunks)\n", logical, res.ObfuscatedName, res.ChunkCount)
		return nil
	}

	res, err := w.Write(ctx, models.SourceFile{Path: path, Name: *name})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stored %s as %s (%d chunks, %d bytes)\n", path, res.ObfuscatedName, res.ChunkCount, res.BlobSize)
	return nil
}

func runGet(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("get takes exactly one name argument: %w", errUsage)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.reader()
	if err != nil {
		return err
	}

	res, err := r.Read(ctx, fs.Arg(0), cfg.OutputDir)
	if err != nil {
		return err
	}

	verified := "unverified"
	if res.Verified() {
		verified = "verified"
	}
	fmt.Fprintf(stdout, "restored %s to %s (%d bytes, %s)\n", res.Name, res.Path, res.Bytes, verified)
	return nil
}

func runList(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.writer()
	if err != nil {
		return err
	}
	names, err := w.List(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(stdout, n)
	}
	return nil
}

func runPurge(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("purge takes exactly one name argument: %w", errUsage)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	w, err := a.writer()
	if err != nil {
		return err
	}
	if err := w.Purge(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "purged %s\n", fs.Arg(0))
	return nil
}

// runReconcile removes chunks of the local chunk store that no mapping
// record references and reports records whose chunks are missing.
func runReconcile(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	dryRun := fs.Bool("dry-run", false, "report orphaned chunks without deleting them")
	grace := fs.Duration("grace", services.DefaultOrphanGrace, "minimum age of a chunk before it counts as orphaned")

	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if cfg.ChunkBackend != config.ChunkBackendLocal {
		return fmt.Errorf("reconcile needs direct access to the chunk store; run it where chunk_backend is %q", config.ChunkBackendLocal)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	inventory, ok := a.components.Transport.(services.ChunkInventory)
	if !ok {
		return fmt.Errorf("chunk transport cannot list its chunks")
	}

	svc := services.NewConsistencyService(a.components.Mappings, inventory, *grace, logger)
	report, err := svc.RunReconciliation(ctx, *dryRun)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "records: %d, chunks: %d, orphans: %d found, %d removed\n",
		report.RecordsChecked, report.ChunksChecked, report.OrphansFound, report.OrphansRemoved)
	for _, name := range report.Damaged {
		fmt.Fprintf(stdout, "damaged: %s\n", name)
	}
	if len(report.Damaged) > 0 {
		return fmt.Errorf("%d mapping records reference missing chunks", len(report.Damaged))
	}
	return nil
}

// runServe starts the chunk server and the staging janitor. It needs no key
// material: the server only ever sees opaque chunks.
func runServe(ctx context.Context, fs *pflag.FlagSet, args []string, stdout io.Writer) error {
	cfg, logger, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"port":         cfg.Port,
		"environment":  cfg.Environment,
		"log_level":    cfg.LogLevel,
		"chunk_dir":    cfg.ChunkDir,
		"cors_origins": cfg.CORSOrigins,
		"rate_limit":   cfg.RateLimitPerMin,
	}).Info("Starting shardvault chunk server")

	store, err := storage.NewLocalStore(cfg.ChunkDir)
	if err != nil {
		return fmt.Errorf("init chunk store: %w", err)
	}

	tokens, err := chunkTokens(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, store, tokens, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	area, err := staging.NewArea(cfg.StagingDir, cfg.MinFreeDiskMB<<20, logger)
	if err != nil {
		return fmt.Errorf("init staging area: %w", err)
	}
	janitor, err := scheduler.StartStagingJanitor(area, cfg.JanitorSchedule, cfg.StagingMaxAge, logger)
	if err != nil {
		return err
	}
	defer janitor.Stop()
	janitor.RunOnce()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
