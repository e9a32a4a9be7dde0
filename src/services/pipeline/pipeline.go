package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nas-ai/shardvault/src/drivers/staging"
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/models"
	mappings_repo "github.com/nas-ai/shardvault/src/repository/mappings"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/nas-ai/shardvault/src/services/sharding"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Components are the collaborators shared by the writer and the reader.
type Components struct {
	Cipher    *security.CipherEngine
	Wrapper   *security.KeyWrapper
	Names     *security.NameObfuscator
	Mapper    *sharding.MappingManager
	Mappings  mappings_repo.MappingStore
	Transport storage.ChunkTransport
	Staging   *staging.Area
	Logger    *logrus.Logger
}

func (c *Components) validate() error {
	switch {
	case c.Names == nil:
		return fmt.Errorf("name obfuscator is required")
	case c.Mappings == nil:
		return fmt.Errorf("mapping store is required")
	case c.Transport == nil:
		return fmt.Errorf("chunk transport is required")
	case c.Staging == nil:
		return fmt.Errorf("staging area is required")
	}

	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	if c.Cipher == nil {
		c.Cipher = security.NewCipherEngine(security.CipherConfig{}, c.Logger)
	}
	if c.Wrapper == nil {
		c.Wrapper = security.NewKeyWrapper(c.Logger)
	}
	if c.Mapper == nil {
		c.Mapper = sharding.NewMappingManager(c.Logger)
	}
	return nil
}

// Options tune chunk fan-out and batch retries.
type Options struct {
	// SplitCount is the number of chunks per file
	SplitCount int
	// Concurrency bounds in-flight chunk operations per file
	Concurrency int
	// BatchRetries re-runs the whole chunk batch; never a single chunk
	BatchRetries int
	// RetryBackoff is the delay before the first batch retry
	RetryBackoff time.Duration
}

// DefaultOptions mirrors the configuration defaults
func DefaultOptions() Options {
	return Options{
		SplitCount:   100,
		Concurrency:  8,
		BatchRetries: 0,
		RetryBackoff: time.Second,
	}
}

func (o Options) normalize() (Options, error) {
	if o.SplitCount < 1 {
		return o, fmt.Errorf("%w: split count must be >= 1, got %d", ErrInvalidInput, o.SplitCount)
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.BatchRetries < 0 {
		o.BatchRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	return o, nil
}

func (o Options) retryConfig() common.RetryConfig {
	return common.RetryConfig{
		MaxRetries:     o.BatchRetries,
		InitialBackoff: o.RetryBackoff,
		MaxBackoff:     30 * o.RetryBackoff,
		BackoffFactor:  2.0,
	}
}

// forEachChunk runs fn for every chunk with at most limit in flight. It waits
// for all of them to settle and joins every failure; one failure never
// cancels the others.
func forEachChunk(ctx context.Context, limit int, chunks []models.Chunk, fn func(ctx context.Context, chunk *models.Chunk) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(limit)

	for i := range chunks {
		chunk := &chunks[i]
		g.Go(func() error {
			if err := fn(ctx, chunk); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// batchRetryable reports whether rerunning the whole batch could help.
func batchRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, storage.ErrInvalidChunkID), errors.Is(err, storage.ErrUnauthorized), errors.Is(err, storage.ErrChunkNotFound):
		return false
	}
	return true
}

func transportErr(op, id string, err error) error {
	var te *storage.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &storage.TransportError{Op: op, ID: id, Err: err}
}
