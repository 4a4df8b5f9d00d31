package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("state file not found")

// StateFile persists one JSON document of type T. Writes go through a
// uniquely named temp file in the same directory and a rename, so a crash
// mid-write never leaves a torn document behind.
type StateFile[T any] struct {
	path string
}

func NewStateFile[T any](path string) StateFile[T] {
	return StateFile[T]{path: path}
}

func (f StateFile[T]) Path() string { return f.path }

// Load reads the document, or ErrNotFound if it was never written.
func (f StateFile[T]) Load() (T, error) {
	var out T
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, ErrNotFound
		}
		return out, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode state file %s: %w", filepath.Base(f.path), err)
	}
	return out, nil
}

func (f StateFile[T]) Save(value T) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("create state temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod state temp: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write state temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
