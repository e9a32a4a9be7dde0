package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/nas-ai/shardvault/src/models"
)

var (
	// ErrChunkNotFound is returned when no chunk is stored under an id
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrInvalidChunkID is returned for ids that are not UUIDs
	ErrInvalidChunkID = errors.New("invalid chunk id")
)

// ChunkEntry describes a stored chunk
type ChunkEntry struct {
	ID      string    `json:"id"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// ChunkTransport moves chunk bytes addressed by transport id alone.
// Implementations: LocalStore (filesystem), HTTPStore (chunk server client).
type ChunkTransport interface {
	// Send stores the chunk under chunk.TransportID. Send may open the chunk
	// more than once when it retries.
	Send(ctx context.Context, chunk *models.Chunk) error
	// Fetch returns the bytes stored under id
	Fetch(ctx context.Context, id string) (io.ReadCloser, error)
	// Delete removes the chunk stored under id
	Delete(ctx context.Context, id string) error
}

// TransportError reports a failed chunk transfer
type TransportError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s chunk %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidateChunkID checks that id is a canonical UUID, which also keeps ids
// from addressing anything outside a store
func ValidateChunkID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidChunkID, id)
	}
	return nil
}
