package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Mapping store backends
const (
	MappingBackendPostgres = "postgres"
	MappingBackendSQLite   = "sqlite"
	MappingBackendRedis    = "redis"
	MappingBackendBadger   = "badger"
	MappingBackendMemory   = "memory"
)

// Chunk transport backends
const (
	ChunkBackendLocal = "local"
	ChunkBackendHTTP  = "http"
)

// Config holds all shardvault configuration
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`

	// Pipeline
	SplitCount       int           `mapstructure:"split_count"`
	Concurrency      int           `mapstructure:"concurrency"`
	BatchRetries     int           `mapstructure:"batch_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	CipherWindowSize int           `mapstructure:"cipher_window_size"`

	// Staging
	StagingDir      string        `mapstructure:"staging_dir"`
	StagingMaxAge   time.Duration `mapstructure:"staging_max_age"`
	MinFreeDiskMB   uint64        `mapstructure:"min_free_disk_mb"`
	OutputDir       string        `mapstructure:"output_dir"`
	JanitorSchedule string        `mapstructure:"janitor_schedule"`

	// Key material
	PublicKeyPath         string `mapstructure:"public_key_path"`
	PrivateKeyPath        string `mapstructure:"private_key_path"`
	ObfuscationSecret     string `mapstructure:"obfuscation_secret"`
	ObfuscationSecretFile string `mapstructure:"obfuscation_secret_file"`

	// Mapping store
	MappingBackend    string `mapstructure:"mapping_backend"`
	DatabaseURL       string `mapstructure:"database_url"`
	DBMaxOpenConns    int    `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns    int    `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetime string `mapstructure:"db_conn_max_lifetime"`
	DBConnMaxIdleTime string `mapstructure:"db_conn_max_idle_time"`
	SQLitePath        string `mapstructure:"sqlite_path"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
	BadgerDir         string `mapstructure:"badger_dir"`

	// Chunk transport
	ChunkBackend        string        `mapstructure:"chunk_backend"`
	ChunkDir            string        `mapstructure:"chunk_dir"`
	ChunkServerURL      string        `mapstructure:"chunk_server_url"`
	ChunkRequestTimeout time.Duration `mapstructure:"chunk_request_timeout"`
	ChunkMaxRetries     int           `mapstructure:"chunk_max_retries"`
	ChunkAuthSecret     string        `mapstructure:"chunk_auth_secret"`
	ChunkAuthSecretFile string        `mapstructure:"chunk_auth_secret_file"`

	// Chunk server
	Port            string   `mapstructure:"port"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
	MaxChunkBytes   int64    `mapstructure:"max_chunk_bytes"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
}

// flagKeys maps CLI flag names to config keys
var flagKeys = map[string]string{
	"config":          "config_file",
	"log-level":       "log_level",
	"split-count":     "split_count",
	"concurrency":     "concurrency",
	"batch-retries":   "batch_retries",
	"staging-dir":     "staging_dir",
	"output-dir":      "output_dir",
	"public-key":      "public_key_path",
	"private-key":     "private_key_path",
	"mapping-backend": "mapping_backend",
	"chunk-backend":   "chunk_backend",
	"chunk-dir":       "chunk_dir",
	"chunk-server":    "chunk_server_url",
	"port":            "port",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_file", "")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("split_count", 100)
	v.SetDefault("concurrency", 8)
	v.SetDefault("batch_retries", 0)
	v.SetDefault("retry_backoff", "1s")
	v.SetDefault("cipher_window_size", 64*1024)

	v.SetDefault("staging_dir", "./data/staging")
	v.SetDefault("staging_max_age", "24h")
	v.SetDefault("min_free_disk_mb", 64)
	v.SetDefault("output_dir", "./data/output")
	v.SetDefault("janitor_schedule", "*/30 * * * *")

	v.SetDefault("public_key_path", "./keys/public_key.pem")
	v.SetDefault("private_key_path", "./keys/private_key.pem")
	v.SetDefault("obfuscation_secret", "")
	v.SetDefault("obfuscation_secret_file", "")

	v.SetDefault("mapping_backend", MappingBackendSQLite)
	v.SetDefault("database_url", "")
	v.SetDefault("db_max_open_conns", 25)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_conn_max_lifetime", "5m")
	v.SetDefault("db_conn_max_idle_time", "10m")
	v.SetDefault("sqlite_path", "./data/mappings.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("badger_dir", "./data/badger")

	v.SetDefault("chunk_backend", ChunkBackendLocal)
	v.SetDefault("chunk_dir", "./data/chunks")
	v.SetDefault("chunk_server_url", "http://localhost:8090")
	v.SetDefault("chunk_request_timeout", "60s")
	v.SetDefault("chunk_max_retries", 3)
	v.SetDefault("chunk_auth_secret", "")
	v.SetDefault("chunk_auth_secret_file", "")

	v.SetDefault("port", "8090")
	v.SetDefault("rate_limit_per_min", 6000)
	v.SetDefault("max_chunk_bytes", 512<<20)
	v.SetDefault("cors_origins", []string{})
}

// RegisterFlags adds the shared CLI flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a shardvault config file")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.Int("split-count", 0, "number of chunks per file")
	fs.Int("concurrency", 0, "maximum concurrent chunk operations per file")
	fs.Int("batch-retries", -1, "whole-batch retries after a chunk transfer failure")
	fs.String("staging-dir", "", "directory for per-run staging areas")
	fs.String("output-dir", "", "directory for reconstructed files")
	fs.String("public-key", "", "PEM public key used to wrap content keys")
	fs.String("private-key", "", "PEM private key used to unwrap content keys")
	fs.String("mapping-backend", "", "mapping store: postgres, sqlite, redis, badger, memory")
	fs.String("chunk-backend", "", "chunk transport: local, http")
	fs.String("chunk-dir", "", "chunk directory for the local transport and the chunk server")
	fs.String("chunk-server", "", "chunk server base URL for the http transport")
	fs.String("port", "", "chunk server listen port")
}

// LoadConfig reads defaults, an optional config file, SHARDVAULT_* environment
// variables and explicitly set flags, in increasing order of precedence.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHARDVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("shardvault")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shardvault")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.ObfuscationSecretFile != "" {
		secret, err := readSecretFromFile(cfg.ObfuscationSecretFile)
		if err != nil {
			return nil, err
		}
		cfg.ObfuscationSecret = secret
	}
	if cfg.ChunkAuthSecretFile != "" {
		secret, err := readSecretFromFile(cfg.ChunkAuthSecretFile)
		if err != nil {
			return nil, err
		}
		cfg.ChunkAuthSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings every command depends on.
// Secrets are validated by the components that need them.
func (c *Config) Validate() error {
	if c.SplitCount < 1 {
		return fmt.Errorf("split_count must be >= 1 (got %d)", c.SplitCount)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1 (got %d)", c.Concurrency)
	}
	if c.BatchRetries < 0 {
		return fmt.Errorf("batch_retries must be >= 0 (got %d)", c.BatchRetries)
	}

	switch c.MappingBackend {
	case MappingBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for the postgres mapping backend")
		}
	case MappingBackendSQLite, MappingBackendRedis, MappingBackendBadger, MappingBackendMemory:
	default:
		return fmt.Errorf("unknown mapping_backend %q", c.MappingBackend)
	}

	switch c.ChunkBackend {
	case ChunkBackendLocal, ChunkBackendHTTP:
	default:
		return fmt.Errorf("unknown chunk_backend %q", c.ChunkBackend)
	}

	return nil
}
