package models

import (
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidMapping indicates a mapping whose indices are not exactly {0..N-1}.
var ErrInvalidMapping = errors.New("invalid chunk mapping")

// ChunkMapping maps transport ids to original chunk indices.
// Stored as JSONB in the mapping_info column.
type ChunkMapping map[string]int

// Validate checks that the mapping covers exactly {0..n-1} with no duplicates.
func (m ChunkMapping) Validate(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: chunk count %d", ErrInvalidMapping, n)
	}
	if len(m) != n {
		return fmt.Errorf("%w: %d entries for %d chunks", ErrInvalidMapping, len(m), n)
	}

	seen := make([]bool, n)
	for id, idx := range m {
		if id == "" {
			return fmt.Errorf("%w: empty transport id", ErrInvalidMapping)
		}
		if idx < 0 || idx >= n {
			return fmt.Errorf("%w: index %d out of range", ErrInvalidMapping, idx)
		}
		if seen[idx] {
			return fmt.Errorf("%w: duplicate index %d", ErrInvalidMapping, idx)
		}
		seen[idx] = true
	}
	return nil
}

// OrderedIDs returns the transport ids sorted by original index.
func (m ChunkMapping) OrderedIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m[ids[i]] < m[ids[j]]
	})
	return ids
}

// Scan implements the sql.Scanner interface for JSONB
func (m *ChunkMapping) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported mapping_info type %T", value)
	}

	return json.Unmarshal(raw, (*map[string]int)(m))
}

// Value implements the driver.Valuer interface for JSONB
func (m ChunkMapping) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(map[string]int(m))
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// WrappedKey is an asymmetrically encrypted content key.
// Stored as base64 text in the wrapped_symmetric_key column.
type WrappedKey []byte

// String returns the standard base64 encoding.
func (k WrappedKey) String() string {
	return base64.StdEncoding.EncodeToString(k)
}

// Scan implements the sql.Scanner interface for base64 text
func (k *WrappedKey) Scan(value interface{}) error {
	if value == nil {
		*k = nil
		return nil
	}

	var text string
	switch v := value.(type) {
	case []byte:
		text = string(v)
	case string:
		text = v
	default:
		return fmt.Errorf("unsupported wrapped key type %T", value)
	}

	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return fmt.Errorf("decode wrapped key: %w", err)
	}
	*k = raw
	return nil
}

// Value implements the driver.Valuer interface for base64 text
func (k WrappedKey) Value() (driver.Value, error) {
	if k == nil {
		return nil, nil
	}
	return k.String(), nil
}

// MappingRecord is the write-once association needed to rebuild a file.
// Maps to the file_mappings table.
type MappingRecord struct {
	// Primary key: deterministic obfuscated name
	ObfuscatedName string `json:"obfuscated_name" db:"encrypted_filename"`

	// transportId -> originalIndex
	Mapping ChunkMapping `json:"mapping_info" db:"mapping_info"`

	// Content key wrapped under the public key
	WrappedKey WrappedKey `json:"wrapped_symmetric_key" db:"wrapped_symmetric_key"`

	ChunkCount int `json:"chunk_count" db:"chunk_count"`

	// Encrypted blob length, checked after join
	BlobSize int64 `json:"blob_size" db:"blob_size"`

	// Hex SHA-256 of the plaintext; empty when the writer never saw plaintext
	ContentDigest string `json:"content_digest,omitempty" db:"content_digest"`

	// Hex SHA-256 of the encrypted blob, checked right after join
	BlobDigest string `json:"blob_digest,omitempty" db:"blob_digest"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Validate checks the structural invariants of a record.
func (r *MappingRecord) Validate() error {
	if r.ObfuscatedName == "" {
		return fmt.Errorf("%w: missing obfuscated name", ErrInvalidMapping)
	}
	if len(r.WrappedKey) == 0 {
		return fmt.Errorf("%w: missing wrapped key", ErrInvalidMapping)
	}
	return r.Mapping.Validate(r.ChunkCount)
}
