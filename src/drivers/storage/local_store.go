package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nas-ai/shardvault/src/models"
	"github.com/shirou/gopsutil/v4/disk"
)

var (
	ErrPathTraversal       = fmt.Errorf("path escapes base directory")
	ErrInsufficientStorage = errors.New("insufficient storage for chunk")
)

// LocalStore keeps chunks as files below basePath, fanned out by the first
// two characters of the id.
type LocalStore struct {
	basePath     string
	minFreeBytes uint64
}

func NewLocalStore(basePath string) (*LocalStore, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}

	if err := os.MkdirAll(absBase, 0o755); err != nil {
		return nil, fmt.Errorf("ensure base path: %w", err)
	}

	return &LocalStore{
		basePath: absBase,
	}, nil
}

// SetMinFree sets the free space that EnsureCapacity keeps in reserve
func (s *LocalStore) SetMinFree(bytes uint64) {
	s.minFreeBytes = bytes
}

// EnsureCapacity fails when the volume cannot take need more bytes
// while keeping the reserve free.
func (s *LocalStore) EnsureCapacity(ctx context.Context, need uint64) error {
	usage, err := disk.UsageWithContext(ctx, s.basePath)
	if err != nil {
		return nil
	}
	if usage.Free < need+s.minFreeBytes {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientStorage, need+s.minFreeBytes, usage.Free)
	}
	return nil
}

// HealthCheck verifies the store root is a writable directory
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	f, err := os.CreateTemp(s.basePath, ".health-*")
	if err != nil {
		return fmt.Errorf("chunk store not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// BasePath returns the absolute store root
func (s *LocalStore) BasePath() string {
	return s.basePath
}

func (s *LocalStore) sanitizePath(rel string) (string, error) {
	if strings.Contains(rel, "..") {
		return "", ErrPathTraversal
	}
	// Prepend slash so Clean treats it as absolute, then trim to avoid breaking out.
	cleaned := filepath.Clean("/" + rel)
	trimmed := strings.TrimPrefix(cleaned, "/")
	full := filepath.Join(s.basePath, trimmed)

	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}

	if abs != s.basePath && !strings.HasPrefix(abs, s.basePath+string(os.PathSeparator)) {
		return "", ErrPathTraversal
	}

	return abs, nil
}

func (s *LocalStore) chunkPath(id string) (string, error) {
	if err := ValidateChunkID(id); err != nil {
		return "", err
	}
	return s.sanitizePath(filepath.Join(id[:2], id))
}

// Put writes data under id. The file appears atomically once fully written.
func (s *LocalStore) Put(ctx context.Context, id string, data io.Reader) (int64, error) {
	target, err := s.chunkPath(id)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".incoming-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: data})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName) // Cleanup
		return 0, err
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// Send implements ChunkTransport
func (s *LocalStore) Send(ctx context.Context, chunk *models.Chunk) error {
	r, err := chunk.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	_, err = s.Put(ctx, chunk.TransportID, r)
	return err
}

// Fetch implements ChunkTransport
func (s *LocalStore) Fetch(ctx context.Context, id string) (io.ReadCloser, error) {
	target, err := s.chunkPath(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrChunkNotFound
	}
	return f, err
}

// Delete implements ChunkTransport
func (s *LocalStore) Delete(ctx context.Context, id string) error {
	target, err := s.chunkPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrChunkNotFound
		}
		return err
	}
	return nil
}

// Stat describes the chunk stored under id
func (s *LocalStore) Stat(ctx context.Context, id string) (*ChunkEntry, error) {
	target, err := s.chunkPath(id)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrChunkNotFound
		}
		return nil, err
	}

	return &ChunkEntry{
		ID:      id,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// List walks the store and returns every stored chunk
func (s *LocalStore) List(ctx context.Context) ([]ChunkEntry, error) {
	var items []ChunkEntry

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || ValidateChunkID(d.Name()) != nil {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		items = append(items, ChunkEntry{
			ID:      d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
