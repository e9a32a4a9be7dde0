package models

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// SourceFile is a plaintext file at the pipeline boundary. It is owned by the
// caller and never modified by the pipeline.
type SourceFile struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

// Chunk is a contiguous byte range of an encrypted blob.
// Exactly one of Path and Data carries the bytes.
type Chunk struct {
	TransportID   string `json:"transport_id"`
	OriginalIndex int    `json:"original_index"`
	SizeBytes     int64  `json:"size_bytes"`

	// Path is set when the chunk lives in a staging file
	Path string `json:"-"`
	// Data is set when the chunk is held in memory
	Data []byte `json:"-"`
}

// HasContent reports whether the chunk carries a byte source.
func (c *Chunk) HasContent() bool {
	return c.Path != "" || c.Data != nil
}

// Open returns a reader over the chunk bytes.
func (c *Chunk) Open() (io.ReadCloser, error) {
	if c.Path != "" {
		f, err := os.Open(c.Path)
		if err != nil {
			return nil, fmt.Errorf("open chunk %d: %w", c.OriginalIndex, err)
		}
		return f, nil
	}
	if c.Data != nil {
		return io.NopCloser(bytes.NewReader(c.Data)), nil
	}
	return nil, fmt.Errorf("chunk %d has no content", c.OriginalIndex)
}

// ChunkSet is the ordered collection of chunks for one file.
type ChunkSet struct {
	Chunks []Chunk `json:"chunks"`
}

// Len returns the number of chunks.
func (s *ChunkSet) Len() int {
	return len(s.Chunks)
}

// TotalSize sums the chunk sizes.
func (s *ChunkSet) TotalSize() int64 {
	var total int64
	for i := range s.Chunks {
		total += s.Chunks[i].SizeBytes
	}
	return total
}

// Indices returns the original indices in slice order.
func (s *ChunkSet) Indices() []int {
	out := make([]int, len(s.Chunks))
	for i := range s.Chunks {
		out[i] = s.Chunks[i].OriginalIndex
	}
	return out
}
