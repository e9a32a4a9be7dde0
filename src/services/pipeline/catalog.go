package pipeline

import (
	"context"
	"errors"
	"sort"

	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/models"
)

// Purge deletes every chunk of a stored file and then its mapping record.
// The record is kept when any chunk deletion fails so the purge can be rerun.
func (w *Writer) Purge(ctx context.Context, name string) error {
	obfuscated, err := w.c.Names.Obfuscate(name)
	if err != nil {
		return err
	}
	record, err := w.c.Mappings.Get(ctx, obfuscated)
	if err != nil {
		return err
	}

	ids := record.Mapping.OrderedIDs()
	chunks := make([]models.Chunk, len(ids))
	for i, id := range ids {
		chunks[i] = models.Chunk{TransportID: id, OriginalIndex: i}
	}
	if err := deleteChunks(ctx, w.c.Transport, w.opts.Concurrency, chunks); err != nil {
		return err
	}

	if err := w.c.Mappings.Delete(ctx, obfuscated); err != nil {
		return err
	}
	w.logger.WithField("obfuscated_name", obfuscated).WithField("chunk_count", len(ids)).Info("File purged")
	return nil
}

// List returns the plaintext names of every stored file, sorted.
// Records whose names cannot be restored under this obfuscation secret are skipped.
func (w *Writer) List(ctx context.Context) ([]string, error) {
	tokens, err := w.c.Mappings.List(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tokens))
	for _, token := range tokens {
		name, err := w.c.Names.Deobfuscate(token)
		if err != nil {
			w.logger.WithField("obfuscated_name", token).Debug("Skipping record from another obfuscation secret")
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func deleteChunks(ctx context.Context, transport storage.ChunkTransport, limit int, chunks []models.Chunk) error {
	return forEachChunk(ctx, limit, chunks, func(ctx context.Context, chunk *models.Chunk) error {
		err := transport.Delete(ctx, chunk.TransportID)
		if err != nil && !errors.Is(err, storage.ErrChunkNotFound) {
			return transportErr("delete", chunk.TransportID, err)
		}
		return nil
	})
}
