package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nas-ai/shardvault/src/drivers/storage"
	mappings_repo "github.com/nas-ai/shardvault/src/repository/mappings"
	"github.com/sirupsen/logrus"
)

// DefaultOrphanGrace keeps chunks of writes that are still in flight out of
// reach of the reconciler.
const DefaultOrphanGrace = time.Hour

// ChunkInventory is a chunk store that can enumerate what it holds.
type ChunkInventory interface {
	List(ctx context.Context) ([]storage.ChunkEntry, error)
	Delete(ctx context.Context, id string) error
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	RecordsChecked int `json:"records_checked"`
	ChunksChecked  int `json:"chunks_checked"`
	// OrphansFound counts stored chunks no mapping record references
	OrphansFound   int `json:"orphans_found"`
	OrphansRemoved int `json:"orphans_removed"`
	// Damaged lists obfuscated names whose records reference missing chunks
	Damaged  []string      `json:"damaged,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ConsistencyService reconciles a chunk store against the mapping records.
// Chunks left behind by crashed writers are removed; records pointing at
// missing chunks are reported, never modified.
type ConsistencyService struct {
	mappings mappings_repo.MappingStore
	chunks   ChunkInventory
	grace    time.Duration
	now      func() time.Time
	logger   *logrus.Logger

	cycle int64
}

// NewConsistencyService creates a reconciler. A non-positive grace selects DefaultOrphanGrace.
func NewConsistencyService(mappings mappings_repo.MappingStore, chunks ChunkInventory, grace time.Duration, logger *logrus.Logger) *ConsistencyService {
	if grace <= 0 {
		grace = DefaultOrphanGrace
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &ConsistencyService{
		mappings: mappings,
		chunks:   chunks,
		grace:    grace,
		now:      time.Now,
		logger:   logger,
	}
}

// RunReconciliation performs a single pass. With dryRun set orphans are only counted.
func (s *ConsistencyService) RunReconciliation(ctx context.Context, dryRun bool) (*ReconcileReport, error) {
	s.cycle++
	start := s.now()
	report := &ReconcileReport{}

	s.logger.WithFields(logrus.Fields{
		"cycle":   s.cycle,
		"dry_run": dryRun,
	}).Info("Consistency reconciliation started")

	// Phase A: everything the records reference
	names, err := s.mappings.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mapping records: %w", err)
	}

	referenced := make(map[string]string)
	for _, name := range names {
		record, err := s.mappings.Get(ctx, name)
		if errors.Is(err, mappings_repo.ErrMappingNotFound) {
			// Purged between List and Get
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load mapping record: %w", err)
		}
		report.RecordsChecked++
		for id := range record.Mapping {
			referenced[id] = name
		}
	}

	// Phase B: everything the store holds
	entries, err := s.chunks.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	report.ChunksChecked = len(entries)

	present := make(map[string]struct{}, len(entries))
	cutoff := start.Add(-s.grace)

	// Phase C: purge orphans past the grace period
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		present[entry.ID] = struct{}{}

		if _, ok := referenced[entry.ID]; ok || entry.ModTime.After(cutoff) {
			continue
		}
		report.OrphansFound++
		if dryRun {
			continue
		}

		if err := s.chunks.Delete(ctx, entry.ID); err != nil && !errors.Is(err, storage.ErrChunkNotFound) {
			s.logger.WithError(err).WithField("chunk_id", entry.ID).Error("Failed to delete orphaned chunk")
			continue
		}
		report.OrphansRemoved++
		s.logger.WithField("chunk_id", entry.ID).Warn("Orphaned chunk removed")
	}

	damaged := make(map[string]struct{})
	for id, name := range referenced {
		if _, ok := present[id]; !ok {
			damaged[name] = struct{}{}
		}
	}
	for name := range damaged {
		report.Damaged = append(report.Damaged, name)
		s.logger.WithField("obfuscated_name", name).Error("Mapping record references missing chunks")
	}
	sort.Strings(report.Damaged)

	report.Duration = s.now().Sub(start)
	s.logger.WithFields(logrus.Fields{
		"cycle":           s.cycle,
		"duration_ms":     report.Duration.Milliseconds(),
		"records_checked": report.RecordsChecked,
		"chunks_checked":  report.ChunksChecked,
		"orphans_found":   report.OrphansFound,
		"orphans_removed": report.OrphansRemoved,
		"damaged":         len(report.Damaged),
	}).Info("Consistency reconciliation complete")

	return report, nil
}
