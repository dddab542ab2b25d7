package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"burstflare/internal/flare"
)

// FileStore persists the whole state as a zstd-compressed CBOR document.
// Each committed transaction rewrites the file atomically, so a crash
// leaves either the previous or the new state on disk.
type FileStore struct {
	path  string
	mu    sync.RWMutex
	state *flare.State
}

// NewFileStore opens the state file at path, creating an empty state if it
// does not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	st := flare.NewState()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		st, err = decodeSnapshot(data)
		if err != nil {
			return nil, fmt.Errorf("reading state from %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	return &FileStore{path: path, state: st}, nil
}

func (f *FileStore) Transact(ctx context.Context, fn func(*flare.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	work, err := cloneState(f.state)
	if err != nil {
		return err
	}
	if err := fn(work); err != nil {
		return err
	}
	data, err := encodeSnapshot(work)
	if err != nil {
		return err
	}
	if err := writeFile(f.path, data); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	f.state = work
	return nil
}

func (f *FileStore) View(ctx context.Context, fn func(*flare.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.RLock()
	work, err := cloneState(f.state)
	f.mu.RUnlock()
	if err != nil {
		return err
	}
	return fn(work)
}

func (f *FileStore) Close() error { return nil }

// writeFile writes data to the specified path using atomic write (temp file + rename).
func writeFile(destPath string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
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

	if _, err := tmpFile.Write(data); err != nil {
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

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

var _ flare.Store = (*FileStore)(nil)
