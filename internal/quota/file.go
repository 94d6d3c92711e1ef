package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileBackend stores the whole mapping as one JSON file, replaced atomically
// on every save.
type FileBackend struct {
	path string
	now  func() time.Time
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, now: time.Now}
}

// Path returns the state file location.
func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) Load(_ context.Context) (map[string]Record, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", b.path, err)
	}
	records, err := DecodeState(data, b.now())
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", b.path, err)
	}
	return records, nil
}

// Save always rewrites the full mapping; changed is ignored.
func (b *FileBackend) Save(_ context.Context, records map[string]Record, _ ...string) error {
	data, err := EncodeState(records)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("replacing %s: %w", b.path, err)
	}
	return nil
}
