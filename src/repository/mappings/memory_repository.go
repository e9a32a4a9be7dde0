package mappings_repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nas-ai/shardvault/src/models"
)

// MemoryRepository keeps mapping records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]models.MappingRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]models.MappingRecord)}
}

func (r *MemoryRepository) Put(ctx context.Context, record *models.MappingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ObfuscatedName]; exists {
		return ErrMappingExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	r.records[record.ObfuscatedName] = cloneRecord(*record)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, obfuscatedName string) (*models.MappingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[obfuscatedName]
	if !ok {
		return nil, ErrMappingNotFound
	}
	out := cloneRecord(record)
	return &out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, obfuscatedName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[obfuscatedName]; !ok {
		return ErrMappingNotFound
	}
	delete(r.records, obfuscatedName)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.records))
	for name := range r.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func cloneRecord(rec models.MappingRecord) models.MappingRecord {
	mapping := make(models.ChunkMapping, len(rec.Mapping))
	for id, idx := range rec.Mapping {
		mapping[id] = idx
	}
	rec.Mapping = mapping
	rec.WrappedKey = append(models.WrappedKey(nil), rec.WrappedKey...)
	return rec
}
