package tokenstore

import (
	"errors"
	"fmt"

	"github.com/grokgate/grokgate/pkg/cache"
	"github.com/grokgate/grokgate/pkg/config"
)

// Backend persists the full token set. Save replaces whatever was stored
// before; the in-memory store is the source of truth while running.
type Backend interface {
	Load() ([]Token, error)
	Save([]Token) error
	Close() error
}

// OpenBackend builds the backend selected in settings.
func OpenBackend(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case config.StorageBackendFile:
		return NewFileBackend(cfg.Path), nil
	case config.StorageBackendSQLite:
		return NewGormBackend(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// FileBackend stores tokens as a single JSON document, written atomically.
type FileBackend struct {
	file cache.StateFile[[]Token]
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{file: cache.NewStateFile[[]Token](path)}
}

func (b *FileBackend) Load() ([]Token, error) {
	tokens, err := b.file.Load()
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tokens: %w", err)
	}
	return tokens, nil
}

func (b *FileBackend) Save(tokens []Token) error {
	return b.file.Save(tokens)
}

func (b *FileBackend) Close() error { return nil }
