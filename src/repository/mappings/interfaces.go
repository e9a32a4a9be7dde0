package mappings_repo

import (
	"context"
	"errors"

	"github.com/nas-ai/shardvault/src/models"
)

var (
	// ErrMappingNotFound is returned when no record exists for an obfuscated name
	ErrMappingNotFound = errors.New("mapping not found")

	// ErrMappingExists is returned when a record for the obfuscated name was already written
	ErrMappingExists = errors.New("mapping already exists")
)

// MappingStore persists write-once mapping records keyed by obfuscated name.
type MappingStore interface {
	Put(ctx context.Context, record *models.MappingRecord) error
	Get(ctx context.Context, obfuscatedName string) (*models.MappingRecord, error)
	Delete(ctx context.Context, obfuscatedName string) error
	List(ctx context.Context) ([]string, error)
}
