package sharding

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nas-ai/shardvault/src/models"
)

// copyBufferSize is the buffer used when streaming chunk files
const copyBufferSize = 64 * 1024

// Split and join errors
var (
	ErrInvalidSplitCount = errors.New("split count must be at least 1")
	ErrEmptyBlob         = errors.New("blob is empty")
	ErrChunkCount        = errors.New("chunk count mismatch")
	ErrMissingChunk      = errors.New("chunk missing")
	ErrChunkOrder        = errors.New("chunk out of order")
)

// SplitError reports an invalid split request.
type SplitError struct {
	Err error
}

func (e *SplitError) Error() string {
	return fmt.Sprintf("split: %v", e.Err)
}

func (e *SplitError) Unwrap() error {
	return e.Err
}

// JoinError reports an invalid ordered chunk sequence.
type JoinError struct {
	Index int
	Err   error
}

func (e *JoinError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("join: %v", e.Err)
	}
	return fmt.Sprintf("join chunk %d: %v", e.Index, e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// ReassemblyError reports joined output whose length disagrees with what was recorded.
type ReassemblyError struct {
	Expected int64
	Actual   int64
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("reassembly: expected %d bytes, got %d", e.Expected, e.Actual)
}

// ChunkSizes returns the size of each of the n parts of a total-byte blob.
// The first n-1 parts hold total/n bytes and the last part the remainder.
func ChunkSizes(total int64, n int) ([]int64, error) {
	if n <= 0 {
		return nil, &SplitError{Err: ErrInvalidSplitCount}
	}
	if total <= 0 {
		return nil, &SplitError{Err: ErrEmptyBlob}
	}

	base := total / int64(n)
	sizes := make([]int64, n)
	for i := 0; i < n-1; i++ {
		sizes[i] = base
	}
	sizes[n-1] = total - base*int64(n-1)
	return sizes, nil
}

// Split partitions an in-memory blob into n chunks. Chunks share the blob's backing array.
func Split(blob []byte, n int) (*models.ChunkSet, error) {
	sizes, err := ChunkSizes(int64(len(blob)), n)
	if err != nil {
		return nil, err
	}

	set := &models.ChunkSet{Chunks: make([]models.Chunk, n)}
	var offset int64
	for i, size := range sizes {
		set.Chunks[i] = models.Chunk{
			OriginalIndex: i,
			SizeBytes:     size,
			Data:          blob[offset : offset+size : offset+size],
		}
		offset += size
	}
	return set, nil
}

// Join concatenates ordered chunks. It is the inverse of Split.
func Join(ordered []models.Chunk, n int) ([]byte, error) {
	if err := checkOrdered(ordered, n); err != nil {
		return nil, err
	}

	var total int64
	for i := range ordered {
		total += ordered[i].SizeBytes
	}

	out := make([]byte, 0, total)
	for i := range ordered {
		if ordered[i].Data != nil {
			out = append(out, ordered[i].Data...)
			continue
		}
		data, err := os.ReadFile(ordered[i].Path)
		if err != nil {
			return nil, &JoinError{Index: i, Err: fmt.Errorf("%w: %v", ErrMissingChunk, err)}
		}
		out = append(out, data...)
	}
	return out, nil
}

// SplitFile streams the file at srcPath into n chunk files inside destDir.
// Chunk files are named by index until the mapping manager relabels them.
func SplitFile(ctx context.Context, srcPath, destDir string, n int) (*models.ChunkSet, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat blob: %w", err)
	}

	sizes, err := ChunkSizes(info.Size(), n)
	if err != nil {
		return nil, err
	}

	reader := bufio.NewReaderSize(src, copyBufferSize)
	set := &models.ChunkSet{Chunks: make([]models.Chunk, 0, n)}

	for i, size := range sizes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(destDir, fmt.Sprintf("part_%06d", i))
		if err := writeChunkFile(path, io.LimitReader(reader, size), size); err != nil {
			return nil, fmt.Errorf("write chunk %d: %w", i, err)
		}

		set.Chunks = append(set.Chunks, models.Chunk{
			OriginalIndex: i,
			SizeBytes:     size,
			Path:          path,
		})
	}
	return set, nil
}

// JoinFiles streams ordered chunks into dst and returns the byte count.
func JoinFiles(ctx context.Context, ordered []models.Chunk, n int, dst io.Writer) (int64, error) {
	if err := checkOrdered(ordered, n); err != nil {
		return 0, err
	}

	buf := make([]byte, copyBufferSize)
	var written int64
	for i := range ordered {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		r, err := ordered[i].Open()
		if err != nil {
			return written, &JoinError{Index: i, Err: fmt.Errorf("%w: %v", ErrMissingChunk, err)}
		}
		copied, err := io.CopyBuffer(dst, r, buf)
		r.Close()
		written += copied
		if err != nil {
			return written, fmt.Errorf("join chunk %d: %w", i, err)
		}
		if ordered[i].SizeBytes > 0 && copied != ordered[i].SizeBytes {
			return written, &ReassemblyError{Expected: ordered[i].SizeBytes, Actual: copied}
		}
	}
	return written, nil
}

func checkOrdered(ordered []models.Chunk, n int) error {
	if n <= 0 {
		return &JoinError{Index: -1, Err: ErrInvalidSplitCount}
	}
	if len(ordered) != n {
		return &JoinError{Index: -1, Err: fmt.Errorf("%w: got %d, want %d", ErrChunkCount, len(ordered), n)}
	}
	for i := range ordered {
		if !ordered[i].HasContent() {
			return &JoinError{Index: i, Err: ErrMissingChunk}
		}
		if ordered[i].OriginalIndex != i {
			return &JoinError{Index: i, Err: fmt.Errorf("%w: found index %d", ErrChunkOrder, ordered[i].OriginalIndex)}
		}
	}
	return nil
}

func writeChunkFile(path string, r io.Reader, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n != size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
