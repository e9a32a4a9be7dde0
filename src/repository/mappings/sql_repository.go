package mappings_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/sirupsen/logrus"
)

const pgUniqueViolation = "23505"

// SQLRepository stores mapping records in the file_mappings table.
// Works against postgres (JSONB mapping_info) and sqlite3 (TEXT mapping_info).
type SQLRepository struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

func NewSQLRepository(db *sqlx.DB, logger *logrus.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureTable creates the file_mappings table if missing
func (r *SQLRepository) EnsureTable(ctx context.Context) error {
	mappingType := "JSONB"
	timeType := "TIMESTAMPTZ"
	if r.db.DriverName() == "sqlite3" {
		mappingType = "TEXT"
		timeType = "TIMESTAMP"
	}

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS file_mappings (
			encrypted_filename TEXT PRIMARY KEY,
			mapping_info %s NOT NULL,
			wrapped_symmetric_key TEXT NOT NULL,
			chunk_count INTEGER NOT NULL,
			blob_size BIGINT NOT NULL,
			content_digest TEXT NOT NULL DEFAULT '',
			blob_digest TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		)
	`, mappingType, timeType)

	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure file_mappings table: %w", err)
	}
	return nil
}

// Put inserts a record. Existing records are never overwritten.
func (r *SQLRepository) Put(ctx context.Context, record *models.MappingRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO file_mappings (
			encrypted_filename, mapping_info, wrapped_symmetric_key,
			chunk_count, blob_size, content_digest, blob_digest, created_at
		) VALUES (
			:encrypted_filename, :mapping_info, :wrapped_symmetric_key,
			:chunk_count, :blob_size, :content_digest, :blob_digest, :created_at
		)
	`
	if _, err := r.db.NamedExecContext(ctx, query, record); err != nil {
		if isUniqueViolation(err) {
			return ErrMappingExists
		}
		r.logger.WithError(err).WithField("obfuscated_name", record.ObfuscatedName).Error("Failed to save mapping")
		return fmt.Errorf("save mapping: %w", err)
	}
	return nil
}

// Get retrieves a record by obfuscated name
func (r *SQLRepository) Get(ctx context.Context, obfuscatedName string) (*models.MappingRecord, error) {
	var record models.MappingRecord
	query := r.db.Rebind(`
		SELECT encrypted_filename, mapping_info, wrapped_symmetric_key,
			chunk_count, blob_size, content_digest, blob_digest, created_at
		FROM file_mappings WHERE encrypted_filename = ?
	`)
	if err := r.db.GetContext(ctx, &record, query, obfuscatedName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMappingNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return &record, nil
}

// Delete removes a record
func (r *SQLRepository) Delete(ctx context.Context, obfuscatedName string) error {
	query := r.db.Rebind(`DELETE FROM file_mappings WHERE encrypted_filename = ?`)
	res, err := r.db.ExecContext(ctx, query, obfuscatedName)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// List returns all stored obfuscated names
func (r *SQLRepository) List(ctx context.Context) ([]string, error) {
	var names []string
	query := `SELECT encrypted_filename FROM file_mappings ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &names, query); err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return names, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
