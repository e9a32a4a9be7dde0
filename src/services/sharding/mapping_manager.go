package sharding

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/sirupsen/logrus"
)

// IncompleteMappingError reports a disagreement between a mapping record and
// the chunks fetched for it.
type IncompleteMappingError struct {
	// Missing lists mapped transport ids with no fetched chunk
	Missing []string
	// Unexpected lists fetched transport ids absent from the mapping
	Unexpected []string
	// Duplicate lists transport ids fetched more than once
	Duplicate []string
}

func (e *IncompleteMappingError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing", len(e.Missing)))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("%d unexpected", len(e.Unexpected)))
	}
	if len(e.Duplicate) > 0 {
		parts = append(parts, fmt.Sprintf("%d duplicate", len(e.Duplicate)))
	}
	return "incomplete mapping: " + strings.Join(parts, ", ")
}

// MappingManager assigns transport identities to chunks and restores their order.
type MappingManager struct {
	newID  func() string
	logger *logrus.Logger
}

// NewMappingManager creates a mapping manager using random UUIDs.
func NewMappingManager(logger *logrus.Logger) *MappingManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &MappingManager{
		newID:  func() string { return uuid.New().String() },
		logger: logger,
	}
}

// Identify gives every chunk a fresh transport id and returns the id -> index mapping.
// Staged chunk files are renamed to their id within the same directory.
func (m *MappingManager) Identify(set *models.ChunkSet) (models.ChunkMapping, error) {
	mapping := make(models.ChunkMapping, set.Len())

	for i := range set.Chunks {
		chunk := &set.Chunks[i]
		id := m.newID()
		if _, taken := mapping[id]; taken {
			return nil, fmt.Errorf("transport id collision: %s", id)
		}

		if chunk.Path != "" {
			renamed := filepath.Join(filepath.Dir(chunk.Path), id)
			if err := os.Rename(chunk.Path, renamed); err != nil {
				return nil, fmt.Errorf("relabel chunk %d: %w", chunk.OriginalIndex, err)
			}
			chunk.Path = renamed
		}

		chunk.TransportID = id
		mapping[id] = chunk.OriginalIndex
	}

	if err := mapping.Validate(set.Len()); err != nil {
		return nil, err
	}

	m.logger.WithField("chunk_count", set.Len()).Debug("Chunks identified")
	return mapping, nil
}

// Reorder arranges fetched chunks by the original index recorded in mapping.
// Arrival order of fetched is irrelevant.
func (m *MappingManager) Reorder(mapping models.ChunkMapping, fetched []models.Chunk) ([]models.Chunk, error) {
	if err := mapping.Validate(len(mapping)); err != nil {
		return nil, err
	}

	byID := make(map[string]models.Chunk, len(fetched))
	incomplete := &IncompleteMappingError{}

	for _, c := range fetched {
		if _, ok := mapping[c.TransportID]; !ok {
			incomplete.Unexpected = append(incomplete.Unexpected, c.TransportID)
			continue
		}
		if _, dup := byID[c.TransportID]; dup {
			incomplete.Duplicate = append(incomplete.Duplicate, c.TransportID)
			continue
		}
		byID[c.TransportID] = c
	}

	ordered := make([]models.Chunk, len(mapping))
	for id, idx := range mapping {
		c, ok := byID[id]
		if !ok {
			incomplete.Missing = append(incomplete.Missing, id)
			continue
		}
		c.OriginalIndex = idx
		ordered[idx] = c
	}

	if len(incomplete.Missing) > 0 || len(incomplete.Unexpected) > 0 || len(incomplete.Duplicate) > 0 {
		sort.Strings(incomplete.Missing)
		sort.Strings(incomplete.Unexpected)
		sort.Strings(incomplete.Duplicate)
		return nil, incomplete
	}
	return ordered, nil
}
