package staging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

const runPrefix = "run-"

var (
	ErrInsufficientSpace = errors.New("insufficient free space in staging area")
	ErrReleased          = errors.New("staging run already released")
)

// Area is the root under which every pipeline run gets a private directory.
type Area struct {
	root         string
	minFreeBytes uint64
	logger       *logrus.Logger
}

// NewArea creates the staging root if needed.
func NewArea(root string, minFreeBytes uint64, logger *logrus.Logger) (*Area, error) {
	if logger == nil {
		logger = logrus.New()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve staging root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}

	return &Area{root: abs, minFreeBytes: minFreeBytes, logger: logger}, nil
}

// Root returns the absolute staging root
func (a *Area) Root() string {
	return a.root
}

// EnsureCapacity fails when the filesystem holding the staging root cannot
// take need more bytes while keeping the configured reserve free.
func (a *Area) EnsureCapacity(ctx context.Context, need uint64) error {
	usage, err := disk.UsageWithContext(ctx, a.root)
	if err != nil {
		a.logger.WithError(err).Warn("Staging disk usage unavailable, skipping capacity check")
		return nil
	}

	if usage.Free < need+a.minFreeBytes {
		a.logger.WithFields(logrus.Fields{
			"free":     usage.Free,
			"needed":   need,
			"reserved": a.minFreeBytes,
		}).Warn("Staging area is low on space")
		return fmt.Errorf("%w: need %d bytes, %d free", ErrInsufficientSpace, need+a.minFreeBytes, usage.Free)
	}
	return nil
}

// Open creates a fresh run directory. label only makes directories easier to
// recognise; it never influences which directory is returned.
func (a *Area) Open(label string) (*Run, error) {
	dir, err := os.MkdirTemp(a.root, runPrefix+sanitizeLabel(label)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create staging run: %w", err)
	}
	return &Run{dir: dir, logger: a.logger}, nil
}

// Sweep removes run directories older than maxAge and returns how many were removed.
func (a *Area) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return 0, fmt.Errorf("read staging root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), runPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(a.root, e.Name())); err != nil {
			a.logger.WithError(err).WithField("dir", e.Name()).Warn("Failed to remove stale staging run")
			continue
		}
		removed++
	}
	return removed, nil
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= 16 {
			break
		}
	}
	return b.String()
}

// Run is a scoped staging directory owned by a single pipeline run.
type Run struct {
	mu       sync.Mutex
	dir      string
	released bool
	logger   *logrus.Logger
}

// Dir returns the run directory
func (r *Run) Dir() string {
	return r.dir
}

// Path joins name onto the run directory
func (r *Run) Path(name string) string {
	return filepath.Join(r.dir, filepath.Base(name))
}

// Mkdir creates a subdirectory of the run directory
func (r *Run) Mkdir(name string) (string, error) {
	if err := r.check(); err != nil {
		return "", err
	}
	p := r.Path(name)
	if err := os.Mkdir(p, 0o700); err != nil {
		return "", fmt.Errorf("create staging subdir: %w", err)
	}
	return p, nil
}

// Create creates a new file inside the run directory
func (r *Run) Create(name string) (*os.File, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return os.OpenFile(r.Path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
}

// Release recursively deletes the run directory. It is safe to call more than once.
func (r *Run) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	r.released = true

	if err := os.RemoveAll(r.dir); err != nil {
		r.logger.WithError(err).WithField("dir", r.dir).Error("Failed to release staging run")
		return fmt.Errorf("release staging run: %w", err)
	}
	return nil
}

func (r *Run) check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	return nil
}
