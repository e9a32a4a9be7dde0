package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nas-ai/shardvault/src/config"
	"github.com/nas-ai/shardvault/src/database"
	"github.com/nas-ai/shardvault/src/drivers/staging"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/handlers"
	mappings_repo "github.com/nas-ai/shardvault/src/repository/mappings"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/nas-ai/shardvault/src/services/pipeline"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/nas-ai/shardvault/src/services/sharding"
	"github.com/sirupsen/logrus"
)

// app holds the wired collaborators of one CLI invocation.
type app struct {
	cfg        *config.Config
	logger     *logrus.Logger
	components pipeline.Components
	deps       map[string]handlers.HealthChecker
	closers    []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		deps:   make(map[string]handlers.HealthChecker),
	}

	if err := config.ValidateObfuscationSecret(cfg.ObfuscationSecret); err != nil {
		return nil, err
	}
	names, err := security.NewNameObfuscator(security.ObfuscatorConfig{Secret: []byte(cfg.ObfuscationSecret)})
	if err != nil {
		return nil, fmt.Errorf("init name obfuscator: %w", err)
	}

	mappings, err := a.openMappingStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	transport, err := a.openTransport()
	if err != nil {
		a.Close()
		return nil, err
	}

	area, err := staging.NewArea(cfg.StagingDir, cfg.MinFreeDiskMB<<20, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init staging area: %w", err)
	}

	a.components = pipeline.Components{
		Cipher:    security.NewCipherEngine(security.CipherConfig{WindowSize: cfg.CipherWindowSize}, logger),
		Wrapper:   security.NewKeyWrapper(logger),
		Names:     names,
		Mapper:    sharding.NewMappingManager(logger),
		Mappings:  mappings,
		Transport: transport,
		Staging:   area,
		Logger:    logger,
	}

	if err := a.checkDependencies(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// openMappingStore connects the configured mapping backend and fails fast
// when it is unreachable.
func (a *app) openMappingStore(ctx context.Context) (mappings_repo.MappingStore, error) {
	cfg, logger := a.cfg, a.logger

	switch cfg.MappingBackend {
	case config.MappingBackendPostgres, config.MappingBackendSQLite:
		var (
			db  *database.DB
			err error
		)
		if cfg.MappingBackend == config.MappingBackendPostgres {
			db, err = database.NewPostgresConnection(cfg, logger)
		} else {
			db, err = database.NewSQLiteConnection(cfg.SQLitePath, logger)
		}
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		a.deps["database"] = db

		repo := mappings_repo.NewSQLRepository(sqlx.NewDb(db.DB, db.Driver()), logger)
		if err := repo.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("ensure mappings table: %w", err)
		}
		return repo, nil

	case config.MappingBackendRedis:
		client, err := database.NewRedisConnection(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client)
		a.deps["redis"] = client
		return mappings_repo.NewRedisRepository(client.Client, logger), nil

	case config.MappingBackendBadger:
		db, err := database.NewBadgerConnection(cfg.BadgerDir, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db)
		a.deps["badger"] = db
		return mappings_repo.NewBadgerRepository(db.DB, logger), nil

	case config.MappingBackendMemory:
		logger.Warn("Memory mapping store selected: mappings are lost when the process exits")
		return mappings_repo.NewMemoryRepository(), nil
	}
	return nil, fmt.Errorf("unknown mapping backend %q", cfg.MappingBackend)
}

func (a *app) openTransport() (storage.ChunkTransport, error) {
	cfg := a.cfg

	switch cfg.ChunkBackend {
	case config.ChunkBackendLocal:
		store, err := storage.NewLocalStore(cfg.ChunkDir)
		if err != nil {
			return nil, fmt.Errorf("init local chunk store: %w", err)
		}
		store.SetMinFree(cfg.MinFreeDiskMB << 20)
		a.deps["chunks"] = store
		return store, nil

	case config.ChunkBackendHTTP:
		tokens, err := chunkTokens(cfg, a.logger)
		if err != nil {
			return nil, err
		}
		retry := common.DefaultRetryConfig()
		retry.MaxRetries = cfg.ChunkMaxRetries

		client := common.NewResilientHTTPClient(cfg.ChunkRequestTimeout, retry, a.logger)
		var issuer storage.TokenIssuer
		if tokens != nil {
			issuer = tokens
		}
		store, err := storage.NewHTTPStore(cfg.ChunkServerURL, client, issuer, a.logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown chunk backend %q", cfg.ChunkBackend)
}

// chunkTokens returns nil when no chunk auth secret is configured.
func chunkTokens(cfg *config.Config, logger *logrus.Logger) (*security.ChunkTokenService, error) {
	if cfg.ChunkAuthSecret == "" {
		return nil, nil
	}
	if err := config.ValidateChunkAuthSecret(cfg.ChunkAuthSecret); err != nil {
		return nil, err
	}
	return security.NewChunkTokenService(cfg.ChunkAuthSecret, security.DefaultChunkTokenTTL, logger)
}

func (a *app) options() pipeline.Options {
	return pipeline.Options{
		SplitCount:   a.cfg.SplitCount,
		Concurrency:  a.cfg.Concurrency,
		BatchRetries: a.cfg.BatchRetries,
		RetryBackoff: a.cfg.RetryBackoff,
	}
}

func (a *app) writer() (*pipeline.Writer, error) {
	pub, err := security.LoadPublicKey(a.cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	return pipeline.NewWriter(a.components, pub, a.options())
}

func (a *app) reader() (*pipeline.Reader, error) {
	priv, err := security.LoadPrivateKey(a.cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	return pipeline.NewReader(a.components, priv, a.options())
}

// checkDependencies verifies that every connected backend is reachable
func (a *app) checkDependencies(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for name, dep := range a.deps {
		if err := dep.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s unreachable: %w", name, err)
		}
	}
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close backend")
		}
	}
	a.closers = nil
}
