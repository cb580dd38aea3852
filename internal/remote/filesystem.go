package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"okoa-go/internal/model"
	"okoa-go/internal/okoa"
)

// FileSystemRemote delivers writes into a spool directory, one JSON envelope
// per write, for a separate process to ship:
//
//	<root>/
//	  <id>.json
//
// Files appear atomically (temp file + rename). Resubmitting an id replaces
// its file with identical content.
type FileSystemRemote struct {
	name string
	root string
}

// NewFileSystemRemote creates a spool rooted at the given path.
func NewFileSystemRemote(name, root string) (*FileSystemRemote, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &FileSystemRemote{name: name, root: root}, nil
}

func (v *FileSystemRemote) Submit(ctx context.Context, w *model.PendingWrite) error {
	if err := ctx.Err(); err != nil {
		return okoa.Unavailable(err)
	}

	data, err := encodeEnvelope(w)
	if err != nil {
		return err
	}

	destPath := filepath.Join(v.root, objectName(w.ID))
	if err := v.writeFile(destPath, bytes.NewReader(data), int64(len(data))); err != nil {
		// The spool is local; a failing disk is as good as an unreachable remote.
		return okoa.Unavailable(err)
	}
	return nil
}

// ValidateSetup verifies that the spool directory is accessible.
func (v *FileSystemRemote) ValidateSetup() error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("spool directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("spool path is not a directory: %s", v.root)
	}
	return nil
}

// writeFile writes data from r to the specified path using atomic write (temp file + rename).
func (v *FileSystemRemote) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	// Temp file in the same directory so the rename stays on one filesystem.
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (v *FileSystemRemote) Name() string {
	return v.name
}

// Compile-time check that FileSystemRemote implements okoa.Remote interface
var _ okoa.Remote = (*FileSystemRemote)(nil)
