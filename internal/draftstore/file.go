package draftstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend keeps the draft as a JSON file. While open it holds an
// exclusive advisory lock on "<path>.lock".
type FileBackend struct {
	path string

	mu   sync.Mutex
	lock *os.File
}

func OpenFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, ErrInvalidDSN
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockExclusive(lockFile); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &FileBackend{path: path, lock: lockFile}, nil
}

func (b *FileBackend) Path() string { return b.path }

func (b *FileBackend) Load() (*Draft, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDraft(data)
}

func (b *FileBackend) Save(draft *Draft) error {
	if draft == nil {
		return nil
	}
	data, err := encodeDraft(draft)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lock == nil {
		return nil
	}
	_ = unlock(b.lock)
	err := b.lock.Close()
	b.lock = nil
	return err
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
