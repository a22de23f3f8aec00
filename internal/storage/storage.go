package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-fetch-cache/internal/fileutil"
	"github.com/proxy-fetch-cache/internal/types"
)

// Storage persists the latest pool snapshot. Load returns nil, nil when nothing
// has been saved yet.
type Storage interface {
	Save(snapshot *types.Snapshot) error
	Load() (*types.Snapshot, error)
	Close() error
}

// NewStorage opens the backend named by storageType. For redis, path is the
// server address.
func NewStorage(storageType string, path string) (Storage, error) {
	switch storageType {
	case "file":
		return NewFileStorage(path)
	case "sqlite":
		return NewSQLiteStorage(path)
	case "redis":
		return NewRedisStorage(path)
	case "none":
		return NopStorage{}, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// FileStorage keeps the latest pool snapshot as one indented JSON document.
type FileStorage struct {
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Save(snapshot *types.Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return fileutil.WriteAtomic(f.path, data, 0644)
}

// Load returns nil without error when no snapshot has been saved yet.
func (f *FileStorage) Load() (*types.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	snap := &types.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	return snap, nil
}

func (f *FileStorage) Close() error {
	return nil
}

// NopStorage discards snapshots.
type NopStorage struct{}

func (NopStorage) Save(*types.Snapshot) error { return nil }

func (NopStorage) Load() (*types.Snapshot, error) { return nil, nil }

func (NopStorage) Close() error { return nil }
