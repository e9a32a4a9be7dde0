package pipeline

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nas-ai/shardvault/src/drivers/staging"
	"github.com/nas-ai/shardvault/src/models"
	mappings_repo "github.com/nas-ai/shardvault/src/repository/mappings"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/nas-ai/shardvault/src/services/integrity"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/nas-ai/shardvault/src/services/sharding"
	"github.com/sirupsen/logrus"
)

// WriteResult describes a committed file.
type WriteResult struct {
	ObfuscatedName string        `json:"obfuscated_name"`
	ChunkCount     int           `json:"chunk_count"`
	BlobSize       int64         `json:"blob_size"`
	ContentDigest  string        `json:"content_digest,omitempty"`
	BlobDigest     string        `json:"blob_digest"`
	Duration       time.Duration `json:"duration"`
}

// Writer runs the outbound flow: obfuscate, encrypt, wrap, split, identify,
// store chunks and persist the mapping record. A file is either fully
// committed or leaves nothing behind.
type Writer struct {
	c         Components
	publicKey *rsa.PublicKey
	opts      Options
	logger    *logrus.Logger
}

// NewWriter creates a writer wrapping content keys under publicKey.
func NewWriter(c Components, publicKey *rsa.PublicKey, opts Options) (*Writer, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if publicKey == nil {
		return nil, fmt.Errorf("public key is required")
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	return &Writer{c: c, publicKey: publicKey, opts: opts, logger: c.Logger}, nil
}

// Write encrypts the file at src.Path and commits it under src.Name. An
// empty name falls back to the base name of the path. The source file is
// only ever read.
func (w *Writer) Write(ctx context.Context, src models.SourceFile) (*WriteResult, error) {
	start := time.Now()

	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, fail(StageStart, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	if info.IsDir() {
		return nil, fail(StageStart, fmt.Errorf("%w: %s is a directory", ErrInvalidInput, src.Path))
	}
	if src.Name == "" {
		src.Name = filepath.Base(src.Path)
	}
	src.SizeBytes = info.Size()

	obfuscated, err := w.obfuscate(ctx, src.Name)
	if err != nil {
		return nil, err
	}
	log := w.logger.WithField("obfuscated_name", obfuscated)

	// Worst case the run holds the blob and all of its chunks at once
	blobEstimate := uint64(src.SizeBytes) + 2*security.IVSize
	if err := w.c.Staging.EnsureCapacity(ctx, 2*blobEstimate); err != nil {
		return nil, fail(StageContentEncrypted, err)
	}

	run, err := w.c.Staging.Open("put")
	if err != nil {
		return nil, fail(StageContentEncrypted, err)
	}
	defer run.Release()

	undo := newRollback(log)
	defer undo.run(ctx)

	blobPath, key, digests, err := w.encrypt(run, src.Path)
	if err != nil {
		return nil, fail(StageContentEncrypted, err)
	}
	defer wipe(key)
	log.WithField("bytes", src.SizeBytes).Debug("Content encrypted")

	wrapped, err := w.c.Wrapper.Wrap(key, w.publicKey)
	if err != nil {
		return nil, fail(StageKeyWrapped, err)
	}
	wipe(key)

	res, err := w.commit(ctx, run, undo, log, obfuscated, blobPath, wrapped, digests)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"chunk_count": res.ChunkCount,
		"bytes":       res.BlobSize,
		"duration":    res.Duration.String(),
	}).Info("File written")
	return res, nil
}

// WriteEncrypted commits a blob that was already encrypted by the client,
// together with its content key wrapped under the matching public key. It
// skips the encryption stages and shares the rest of the flow with Write.
func (w *Writer) WriteEncrypted(ctx context.Context, blobPath, name string, wrappedKey []byte) (*WriteResult, error) {
	start := time.Now()

	info, err := os.Stat(blobPath)
	if err != nil {
		return nil, fail(StageStart, fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}
	if info.Size() < 2*security.IVSize || info.Size()%security.IVSize != 0 {
		return nil, fail(StageStart, fmt.Errorf("%w: %s is not an encrypted blob", ErrInvalidInput, blobPath))
	}
	if len(wrappedKey) == 0 {
		return nil, fail(StageStart, fmt.Errorf("%w: wrapped key is required", ErrInvalidInput))
	}
	if name == "" {
		name = filepath.Base(blobPath)
	}

	obfuscated, err := w.obfuscate(ctx, name)
	if err != nil {
		return nil, err
	}
	log := w.logger.WithField("obfuscated_name", obfuscated)

	blobDigest, _, err := integrity.HashFile(blobPath)
	if err != nil {
		return nil, fail(StageSplit, err)
	}
	if err := w.c.Staging.EnsureCapacity(ctx, uint64(info.Size())); err != nil {
		return nil, fail(StageSplit, err)
	}
	run, err := w.c.Staging.Open("put")
	if err != nil {
		return nil, fail(StageSplit, err)
	}
	defer run.Release()

	undo := newRollback(log)
	defer undo.run(ctx)

	res, err := w.commit(ctx, run, undo, log, obfuscated, blobPath, wrappedKey, recordDigests{blob: blobDigest})
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	log.WithField("chunk_count", res.ChunkCount).Info("Client-encrypted file written")
	return res, nil
}

func (w *Writer) obfuscate(ctx context.Context, name string) (string, error) {
	obfuscated, err := w.c.Names.Obfuscate(name)
	if err != nil {
		return "", fail(StageNameObfuscated, err)
	}

	// Records are write-once; refuse before doing any work
	_, err = w.c.Mappings.Get(ctx, obfuscated)
	switch {
	case err == nil:
		return "", fail(StageNameObfuscated, mappings_repo.ErrMappingExists)
	case !errors.Is(err, mappings_repo.ErrMappingNotFound):
		return "", fail(StageNameObfuscated, err)
	}
	return obfuscated, nil
}

// recordDigests are persisted with a record. content is empty for
// client-encrypted blobs.
type recordDigests struct {
	content integrity.Digest
	blob    integrity.Digest
}

// encrypt streams the source into run/blob, hashing the plaintext on the
// way in and the ciphertext on the way out.
func (w *Writer) encrypt(run *staging.Run, srcPath string) (string, []byte, recordDigests, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return "", nil, recordDigests{}, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := run.Create("blob")
	if err != nil {
		return "", nil, recordDigests{}, err
	}

	plain := integrity.NewHasher()
	sealed := integrity.NewHasher()
	key, _, err := w.c.Cipher.EncryptStream(io.TeeReader(in, plain), io.MultiWriter(out, sealed))
	if cerr := out.Close(); err == nil && cerr != nil {
		wipe(key)
		err = cerr
	}
	if err != nil {
		return "", nil, recordDigests{}, err
	}
	return out.Name(), key, recordDigests{content: plain.Sum(), blob: sealed.Sum()}, nil
}

// commit splits the blob, identifies the chunks, stores them and persists
// the mapping record as the final commit point.
func (w *Writer) commit(ctx context.Context, run *staging.Run, undo *rollback, log *logrus.Entry, obfuscated, blobPath string, wrapped []byte, digests recordDigests) (*WriteResult, error) {
	chunkDir, err := run.Mkdir("chunks")
	if err != nil {
		return nil, fail(StageSplit, err)
	}

	set, err := sharding.SplitFile(ctx, blobPath, chunkDir, w.opts.SplitCount)
	if err != nil {
		return nil, fail(StageSplit, err)
	}
	blobSize := set.TotalSize()
	log.WithField("chunk_count", set.Len()).Debug("Blob split")

	mapping, err := w.c.Mapper.Identify(set)
	if err != nil {
		return nil, fail(StageIdentifiedAndMapped, err)
	}

	if err := w.storeChunks(ctx, undo, log, set); err != nil {
		return nil, fail(StageChunksStored, err)
	}

	var contentDigest string
	if digests.content != nil {
		contentDigest = digests.content.String()
	}

	record := &models.MappingRecord{
		ObfuscatedName: obfuscated,
		Mapping:        mapping,
		WrappedKey:     wrapped,
		ChunkCount:     set.Len(),
		BlobSize:       blobSize,
		BlobDigest:     digests.blob.String(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := w.c.Mappings.Put(ctx, record); err != nil {
		return nil, fail(StageMappingPersisted, err)
	}
	undo.commit()

	return &WriteResult{
		ObfuscatedName: obfuscated,
		ChunkCount:     record.ChunkCount,
		BlobSize:       blobSize,
		ContentDigest:  contentDigest,
		BlobDigest:     record.BlobDigest,
	}, nil
}

// storeChunks sends every chunk, retrying the whole batch on failure. Every
// attempted chunk is registered for deletion until the run commits, since a
// failed send may still have reached the store.
func (w *Writer) storeChunks(ctx context.Context, undo *rollback, log *logrus.Entry, set *models.ChunkSet) error {
	var (
		mu        sync.Mutex
		attempted = make(map[string]struct{}, set.Len())
	)
	undo.push("delete stored chunks", func(ctx context.Context) error {
		mu.Lock()
		ids := make([]models.Chunk, 0, len(attempted))
		for id := range attempted {
			ids = append(ids, models.Chunk{TransportID: id})
		}
		mu.Unlock()
		return deleteChunks(ctx, w.c.Transport, w.opts.Concurrency, ids)
	})

	return common.Retry(ctx, w.opts.retryConfig(), w.logger, "store_chunks", batchRetryable, func(attempt int) error {
		return forEachChunk(ctx, w.opts.Concurrency, set.Chunks, func(ctx context.Context, chunk *models.Chunk) error {
			if err := ctx.Err(); err != nil {
				return transportErr("send", chunk.TransportID, err)
			}
			mu.Lock()
			attempted[chunk.TransportID] = struct{}{}
			mu.Unlock()

			if err := w.c.Transport.Send(ctx, chunk); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"chunk_id": chunk.TransportID,
					"attempt":  attempt,
				}).Warn("Chunk send failed")
				return transportErr("send", chunk.TransportID, err)
			}
			return nil
		})
	})
}
