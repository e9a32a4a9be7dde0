package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// NewSQLiteConnection opens an embedded SQLite database at path.
// ":memory:" gives a private in-memory database, which tests use to run
// real SQL without a Postgres instance.
func NewSQLiteConnection(path string, logger *logrus.Logger) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection keeps ":memory:" databases consistent and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	logger.WithField("path", path).Debug("SQLite database initialized")

	return &DB{
		DB:     db,
		driver: "sqlite3",
		logger: logger,
	}, nil
}

// NewTestDatabase creates an in-memory SQLite database for testing
func NewTestDatabase(logger *logrus.Logger) (*DB, error) {
	return NewSQLiteConnection(":memory:", logger)
}
