package testutils

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/nas-ai/shardvault/src/config"
	"github.com/nas-ai/shardvault/src/database"
	"github.com/nas-ai/shardvault/src/drivers/staging"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	mappings_repo "github.com/nas-ai/shardvault/src/repository/mappings"
	"github.com/nas-ai/shardvault/src/server"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/nas-ai/shardvault/src/services/pipeline"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	// ObfuscationSecret and ChunkAuthSecret are fixed test secrets
	ObfuscationSecret = "integration-obfuscation-secret-0123456789"
	ChunkAuthSecret   = "integration-chunk-auth-secret-0123456789"
)

var (
	keyOnce sync.Once
	keyErr  error
	testKey *rsa.PrivateKey
)

// PrivateKey returns a key pair shared by every test in the process.
func PrivateKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		testKey, keyErr = security.GenerateKeyPair(security.MinKeyBits)
	})
	require.NoError(t, keyErr)
	return testKey
}

// TestEnv holds a complete deployment for integration tests: a real chunk
// server behind httptest, the HTTP transport talking to it, and every
// mapping store backend on fake or embedded infrastructure.
type TestEnv struct {
	Config *config.Config
	Logger *logrus.Logger

	// Chunk server side
	ChunkStore *storage.LocalStore
	Tokens     *security.ChunkTokenService
	Server     *httptest.Server

	// Client side
	Transport *storage.HTTPStore
	Names     *security.NameObfuscator
	Staging   *staging.Area
	Key       *rsa.PrivateKey

	// Infrastructure (real with fake backends)
	Miniredis *miniredis.Miniredis
	Redis     *redis.Client
	SQLite    *database.DB
	Badger    *database.BadgerDB
}

// NewTestEnv creates a fully wired TestEnv. Everything is torn down with t.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{
		Environment:     "test",
		SplitCount:      8,
		Concurrency:     4,
		RateLimitPerMin: 60000,
		MaxChunkBytes:   16 << 20,
	}

	// Chunk server
	chunkStore, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	tokens, err := security.NewChunkTokenService(ChunkAuthSecret, time.Minute, logger)
	require.NoError(t, err)

	srv, err := server.NewServer(cfg, chunkStore, tokens, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// Client side
	retry := common.RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		BackoffFactor:  2,
	}
	client := common.NewResilientHTTPClient(10*time.Second, retry, logger)
	transport, err := storage.NewHTTPStore(ts.URL, client, tokens, logger)
	require.NoError(t, err)

	names, err := security.NewNameObfuscator(security.ObfuscatorConfig{Secret: []byte(ObfuscationSecret)})
	require.NoError(t, err)

	area, err := staging.NewArea(t.TempDir(), 0, logger)
	require.NoError(t, err)

	// Setup miniredis
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sqliteDB, err := database.NewTestDatabase(logger)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteDB.Close() })

	badgerDB, err := database.NewBadgerConnection("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { badgerDB.Close() })

	return &TestEnv{
		Config:     cfg,
		Logger:     logger,
		ChunkStore: chunkStore,
		Tokens:     tokens,
		Server:     ts,
		Transport:  transport,
		Names:      names,
		Staging:    area,
		Key:        PrivateKey(t),
		Miniredis:  mr,
		Redis:      rdb,
		SQLite:     sqliteDB,
		Badger:     badgerDB,
	}
}

// MappingStores returns one ready store per mapping backend, keyed by backend name.
func (e *TestEnv) MappingStores(t *testing.T) map[string]mappings_repo.MappingStore {
	t.Helper()

	sqlRepo := mappings_repo.NewSQLRepository(sqlx.NewDb(e.SQLite.DB, e.SQLite.Driver()), e.Logger)
	require.NoError(t, sqlRepo.EnsureTable(context.Background()))

	return map[string]mappings_repo.MappingStore{
		config.MappingBackendMemory: mappings_repo.NewMemoryRepository(),
		config.MappingBackendSQLite: sqlRepo,
		config.MappingBackendRedis:  mappings_repo.NewRedisRepository(e.Redis, e.Logger),
		config.MappingBackendBadger: mappings_repo.NewBadgerRepository(e.Badger.DB, e.Logger),
	}
}

// Components wires the pipeline collaborators around mappings and transport.
// A nil transport selects the HTTP transport of the env.
func (e *TestEnv) Components(mappings mappings_repo.MappingStore, transport storage.ChunkTransport) pipeline.Components {
	if transport == nil {
		transport = e.Transport
	}
	return pipeline.Components{
		Names:     e.Names,
		Mappings:  mappings,
		Transport: transport,
		Staging:   e.Staging,
		Logger:    e.Logger,
	}
}

// Options returns pipeline options matching the env config.
func (e *TestEnv) Options() pipeline.Options {
	return pipeline.Options{
		SplitCount:   e.Config.SplitCount,
		Concurrency:  e.Config.Concurrency,
		RetryBackoff: time.Millisecond,
	}
}

// Pipeline builds a writer and a reader sharing the same components.
func (e *TestEnv) Pipeline(t *testing.T, c pipeline.Components) (*pipeline.Writer, *pipeline.Reader) {
	t.Helper()
	w, err := pipeline.NewWriter(c, &e.Key.PublicKey, e.Options())
	require.NoError(t, err)
	r, err := pipeline.NewReader(c, e.Key, e.Options())
	require.NoError(t, err)
	return w, r
}

// StoredChunks lists transport ids held by the chunk server.
func (e *TestEnv) StoredChunks(t *testing.T) []string {
	t.Helper()
	entries, err := e.ChunkStore.List(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

// WriteFile creates a source file with content in a fresh temp dir.
func WriteFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}
