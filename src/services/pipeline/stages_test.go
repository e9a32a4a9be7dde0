package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEachChunk_JoinAllBounded(t *testing.T) {
	chunks := make([]models.Chunk, 20)
	for i := range chunks {
		chunks[i] = models.Chunk{OriginalIndex: i}
	}

	var inFlight, peak, calls atomic.Int32
	err := forEachChunk(context.Background(), 3, chunks, func(ctx context.Context, c *models.Chunk) error {
		calls.Add(1)
		now := inFlight.Add(1)
		for {
			old := peak.Load()
			if now <= old || peak.CompareAndSwap(old, now) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)

		if c.OriginalIndex%7 == 0 {
			return fmt.Errorf("chunk %d failed", c.OriginalIndex)
		}
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, int32(20), calls.Load(), "a failure must not cancel the remaining chunks")
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Contains(t, err.Error(), "chunk 0 failed")
	assert.Contains(t, err.Error(), "chunk 7 failed")
	assert.Contains(t, err.Error(), "chunk 14 failed")
}

func TestRollback_RunsNewestFirstAndSurvivesFailures(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	undo := newRollback(logrus.NewEntry(logger))

	var order []string
	undo.push("first", func(context.Context) error { order = append(order, "first"); return nil })
	undo.push("second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") })
	undo.push("third", func(ctx context.Context) error {
		order = append(order, "third")
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	undo.run(ctx)

	assert.Equal(t, []string{"third", "second", "first"}, order)

	// Steps run once
	undo.run(context.Background())
	assert.Len(t, order, 3)
}

func TestRollback_CommitDropsSteps(t *testing.T) {
	undo := newRollback(logrus.NewEntry(logrus.New()))
	called := false
	undo.push("x", func(context.Context) error { called = true; return nil })
	undo.commit()
	undo.run(context.Background())
	assert.False(t, called)
}

func TestStageError(t *testing.T) {
	cause := &storage.TransportError{Op: "send", ID: "abc", Err: errors.New("reset")}
	err := fmt.Errorf("put: %w", fail(StageChunksStored, cause))

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageChunksStored, stageErr.Stage)
	assert.Contains(t, err.Error(), "CHUNKS_STORED")

	var te *storage.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestBatchRetryable(t *testing.T) {
	assert.True(t, batchRetryable(transportErr("send", "x", errors.New("reset"))))
	assert.False(t, batchRetryable(transportErr("send", "x", context.Canceled)))
	assert.False(t, batchRetryable(errors.Join(errors.New("reset"), storage.ErrUnauthorized)))
	assert.False(t, batchRetryable(storage.ErrChunkNotFound))
}

func TestOptionsNormalize(t *testing.T) {
	o, err := Options{SplitCount: 4, Concurrency: -2, BatchRetries: -1}.normalize()
	require.NoError(t, err)
	assert.Equal(t, 1, o.Concurrency)
	assert.Equal(t, 0, o.BatchRetries)
	assert.Equal(t, time.Second, o.RetryBackoff)

	_, err = Options{}.normalize()
	assert.ErrorIs(t, err, ErrInvalidInput)
}
