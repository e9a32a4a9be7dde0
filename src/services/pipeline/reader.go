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
	"github.com/nas-ai/shardvault/src/drivers/storage"
	"github.com/nas-ai/shardvault/src/models"
	"github.com/nas-ai/shardvault/src/services/common"
	"github.com/nas-ai/shardvault/src/services/integrity"
	"github.com/nas-ai/shardvault/src/services/security"
	"github.com/nas-ai/shardvault/src/services/sharding"
	"github.com/sirupsen/logrus"
)

// ReadResult describes a reconstructed file.
type ReadResult struct {
	Name           string `json:"name"`
	Path           string `json:"path,omitempty"`
	ObfuscatedName string `json:"obfuscated_name"`
	Bytes          int64  `json:"bytes"`
	// Verification is nil when the record carries no plaintext digest
	Verification *integrity.Result `json:"verification,omitempty"`
	// BlobVerification checks the joined ciphertext; nil for records
	// written without a blob digest
	BlobVerification *integrity.Result `json:"blob_verification,omitempty"`
	Duration         time.Duration     `json:"duration"`
}

// Verified reports whether the output was checked and matched. The
// plaintext check decides when present, otherwise the blob check does.
func (r *ReadResult) Verified() bool {
	if r == nil {
		return false
	}
	if r.Verification != nil {
		return r.Verification.Match
	}
	return r.BlobVerification != nil && r.BlobVerification.Match
}

// Reader runs the inbound flow: fetch, reorder, join, unwrap, decrypt,
// restore the name and verify. Output only appears in the destination
// directory once every stage has passed.
type Reader struct {
	c          Components
	privateKey *rsa.PrivateKey
	opts       Options
	logger     *logrus.Logger
}

// NewReader creates a reader unwrapping content keys with privateKey.
func NewReader(c Components, privateKey *rsa.PrivateKey, opts Options) (*Reader, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if opts.SplitCount < 1 {
		// The record decides the chunk count on this side
		opts.SplitCount = 1
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	return &Reader{c: c, privateKey: privateKey, opts: opts, logger: c.Logger}, nil
}

// Read reconstructs the file stored under name into outDir. On an integrity
// mismatch the result carries the verification outcome, the output is
// removed and a StageError wrapping ErrIntegrityMismatch is returned.
func (r *Reader) Read(ctx context.Context, name, outDir string) (*ReadResult, error) {
	start := time.Now()

	obfuscated, err := r.c.Names.Obfuscate(name)
	if err != nil {
		return nil, fail(StageStart, err)
	}
	log := r.logger.WithField("obfuscated_name", obfuscated)

	record, err := r.c.Mappings.Get(ctx, obfuscated)
	if err != nil {
		return nil, fail(StageStart, err)
	}
	if err := record.Validate(); err != nil {
		return nil, fail(StageStart, err)
	}

	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fail(StageStart, fmt.Errorf("create output dir: %w", err))
	}
	if err := r.c.Staging.EnsureCapacity(ctx, 2*uint64(record.BlobSize)); err != nil {
		return nil, fail(StageChunksAcquired, err)
	}

	run, err := r.c.Staging.Open("get")
	if err != nil {
		return nil, fail(StageChunksAcquired, err)
	}
	defer run.Release()

	undo := newRollback(log)
	defer undo.run(ctx)

	fetched, chunkDir, err := r.fetchChunks(ctx, run, log, record)
	if err != nil {
		return nil, fail(StageChunksAcquired, err)
	}
	log.WithField("chunk_count", len(fetched)).Debug("Chunks acquired")

	ordered, err := r.c.Mapper.Reorder(record.Mapping, fetched)
	if err != nil {
		return nil, fail(StageReordered, err)
	}

	blobPath, blobDigest, err := r.join(ctx, run, ordered, record)
	if err != nil {
		return nil, fail(StageJoined, err)
	}
	if err := os.RemoveAll(chunkDir); err != nil {
		log.WithError(err).Warn("Failed to remove joined chunks")
	}

	result := &ReadResult{
		Name:           name,
		ObfuscatedName: obfuscated,
	}

	// Catch corruption before any key material is touched
	if record.BlobDigest != "" {
		expected, err := integrity.ParseDigest(record.BlobDigest)
		if err != nil {
			return nil, fail(StageVerified, err)
		}
		verification := integrity.Verify(expected, blobDigest)
		result.BlobVerification = &verification

		if !verification.Match {
			log.WithFields(logrus.Fields{
				"expected": verification.Expected.String(),
				"actual":   verification.Actual.String(),
			}).Error("Joined blob failed integrity check")
			result.Duration = time.Since(start)
			return result, fail(StageVerified, integrity.ErrIntegrityMismatch)
		}
	}

	key, err := r.c.Wrapper.Unwrap(record.WrappedKey, r.privateKey)
	if err != nil {
		return nil, fail(StageKeyUnwrapped, err)
	}
	defer wipe(key)

	tmpPath, digest, written, err := r.decrypt(blobPath, outDir, key, undo)
	if errors.Is(err, security.ErrCorruptedData) && record.ContentDigest != "" {
		// Tampered padding never yields a plaintext digest; report it as the
		// mismatch it is
		if expected, perr := integrity.ParseDigest(record.ContentDigest); perr == nil {
			result.Verification = &integrity.Result{Expected: expected}
			result.Duration = time.Since(start)
			log.WithError(err).Error("Reconstructed file failed integrity check")
			return result, fail(StageVerified, fmt.Errorf("%w: %w", integrity.ErrIntegrityMismatch, err))
		}
	}
	if err != nil {
		return nil, fail(StageContentDecrypted, err)
	}
	wipe(key)

	restored, err := r.c.Names.Deobfuscate(record.ObfuscatedName)
	if err != nil {
		return nil, fail(StageNameRestored, err)
	}
	if restored != name {
		return nil, fail(StageNameRestored, ErrNameMismatch)
	}

	result.Name = restored
	result.Bytes = written

	if record.ContentDigest != "" {
		expected, err := integrity.ParseDigest(record.ContentDigest)
		if err != nil {
			return nil, fail(StageVerified, err)
		}
		verification := integrity.Verify(expected, digest)
		result.Verification = &verification

		if !verification.Match {
			log.WithFields(logrus.Fields{
				"expected": verification.Expected.String(),
				"actual":   verification.Actual.String(),
			}).Error("Reconstructed file failed integrity check")
			result.Duration = time.Since(start)
			return result, fail(StageVerified, integrity.ErrIntegrityMismatch)
		}
	}

	finalPath := filepath.Join(outDir, filepath.Base(restored))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fail(StageDone, fmt.Errorf("publish output: %w", err))
	}
	undo.commit()

	result.Path = finalPath
	result.Duration = time.Since(start)

	log.WithFields(logrus.Fields{
		"chunk_count": record.ChunkCount,
		"bytes":       written,
		"verified":    result.Verified(),
		"duration":    result.Duration.String(),
	}).Info("File read")
	return result, nil
}

// fetchChunks downloads every mapped chunk into the run directory. Chunks are
// returned in arrival order; reordering is left to the mapping manager.
func (r *Reader) fetchChunks(ctx context.Context, run *staging.Run, log *logrus.Entry, record *models.MappingRecord) ([]models.Chunk, string, error) {
	chunkDir, err := run.Mkdir("chunks")
	if err != nil {
		return nil, "", err
	}

	ids := record.Mapping.OrderedIDs()
	targets := make([]models.Chunk, len(ids))
	for i, id := range ids {
		if err := storage.ValidateChunkID(id); err != nil {
			return nil, "", err
		}
		targets[i] = models.Chunk{TransportID: id, Path: filepath.Join(chunkDir, id)}
	}

	var (
		mu      sync.Mutex
		arrived []models.Chunk
	)
	err = common.Retry(ctx, r.opts.retryConfig(), r.logger, "fetch_chunks", batchRetryable, func(attempt int) error {
		arrived = arrived[:0]
		return forEachChunk(ctx, r.opts.Concurrency, targets, func(ctx context.Context, chunk *models.Chunk) error {
			if err := ctx.Err(); err != nil {
				return transportErr("fetch", chunk.TransportID, err)
			}

			n, err := r.fetchOne(ctx, chunk)
			if err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"chunk_id": chunk.TransportID,
					"attempt":  attempt,
				}).Warn("Chunk fetch failed")
				return transportErr("fetch", chunk.TransportID, err)
			}

			mu.Lock()
			arrived = append(arrived, models.Chunk{
				TransportID: chunk.TransportID,
				SizeBytes:   n,
				Path:        chunk.Path,
			})
			mu.Unlock()
			return nil
		})
	})
	if err != nil {
		return nil, "", err
	}
	return arrived, chunkDir, nil
}

func (r *Reader) fetchOne(ctx context.Context, chunk *models.Chunk) (int64, error) {
	body, err := r.c.Transport.Fetch(ctx, chunk.TransportID)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	f, err := os.OpenFile(chunk.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// join concatenates the ordered chunks into run/blob and hashes the result.
func (r *Reader) join(ctx context.Context, run *staging.Run, ordered []models.Chunk, record *models.MappingRecord) (string, integrity.Digest, error) {
	out, err := run.Create("blob")
	if err != nil {
		return "", nil, err
	}

	hasher := integrity.NewHasher()
	n, err := sharding.JoinFiles(ctx, ordered, record.ChunkCount, io.MultiWriter(out, hasher))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", nil, err
	}
	if record.BlobSize > 0 && n != record.BlobSize {
		return "", nil, &sharding.ReassemblyError{Expected: record.BlobSize, Actual: n}
	}
	return out.Name(), hasher.Sum(), nil
}

// decrypt writes the plaintext to a hidden temp file in outDir and hashes it
// on the way. The temp file is removed unless the run commits.
func (r *Reader) decrypt(blobPath, outDir string, key []byte, undo *rollback) (string, integrity.Digest, int64, error) {
	in, err := os.Open(blobPath)
	if err != nil {
		return "", nil, 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(outDir, ".shardvault-*.part")
	if err != nil {
		return "", nil, 0, fmt.Errorf("create output: %w", err)
	}
	tmpPath := tmp.Name()
	undo.push("remove partial output", func(context.Context) error {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})

	hasher := integrity.NewHasher()
	err = r.c.Cipher.DecryptStream(key, in, io.MultiWriter(tmp, hasher))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", nil, 0, err
	}
	return tmpPath, hasher.Sum(), hasher.Count(), nil
}
