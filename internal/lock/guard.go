package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"okoa-go/internal/okoa"
)

// FileGuard is a FlushGuard that excludes other flushes in this process and
// in any other okoa process using the same lock file.
type FileGuard struct {
	mu   sync.Mutex
	file *flock.Flock
}

// NewFileGuard creates a FileGuard backed by the lock file at path. The
// parent directory is created if needed.
func NewFileGuard(path string) (*FileGuard, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	return &FileGuard{file: flock.New(path)}, nil
}

// TryLock acquires the in-process mutex and then the file lock, without
// waiting for either.
func (g *FileGuard) TryLock() (bool, error) {
	if !g.mu.TryLock() {
		return false, nil
	}

	locked, err := g.file.TryLock()
	if err != nil {
		g.mu.Unlock()
		return false, fmt.Errorf("locking %s: %w", g.file.Path(), err)
	}
	if !locked {
		g.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Unlock releases the file lock and the in-process mutex.
func (g *FileGuard) Unlock() error {
	defer g.mu.Unlock()
	if err := g.file.Unlock(); err != nil {
		return fmt.Errorf("unlocking %s: %w", g.file.Path(), err)
	}
	return nil
}

// Path returns the lock file path.
func (g *FileGuard) Path() string {
	return g.file.Path()
}

// MemGuard is a FlushGuard for a single process. Used in tests and with the
// in-memory database, where no other process can share the outbox.
type MemGuard struct {
	mu sync.Mutex
}

func NewMemGuard() *MemGuard {
	return &MemGuard{}
}

func (g *MemGuard) TryLock() (bool, error) {
	return g.mu.TryLock(), nil
}

func (g *MemGuard) Unlock() error {
	g.mu.Unlock()
	return nil
}

var (
	_ okoa.FlushGuard = (*FileGuard)(nil)
	_ okoa.FlushGuard = (*MemGuard)(nil)
)
