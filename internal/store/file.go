package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"promptchain/internal/fsutil"
	"promptchain/internal/logging"
)

const fileVersion = 1

type fileDocument struct {
	Version int                        `json:"version"`
	Entries map[string]json.RawMessage `json:"entries"`
}

// File keeps every entry in one JSON document that is rewritten atomically
// on each Set.
type File struct {
	path   string
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func OpenFile(path string, logger *logging.Logger) (*File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("store: file path required")
	}
	file := &File{path: trimmed, logger: logger, entries: make(map[string]json.RawMessage)}
	if err := file.load(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *File) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		f.backupCorruptFile(err)
		return nil
	}
	if doc.Version != fileVersion {
		f.backupCorruptFile(fmt.Errorf("unsupported version %d", doc.Version))
		return nil
	}
	if doc.Entries != nil {
		f.entries = doc.Entries
	}
	return nil
}

func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.entries[key]
	return clone(value), ok, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return ErrNotJSON
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	previous, existed := f.entries[key]
	f.entries[key] = json.RawMessage(clone(value))
	if err := f.save(); err != nil {
		if existed {
			f.entries[key] = previous
		} else {
			delete(f.entries, key)
		}
		return err
	}
	return nil
}

func (f *File) save() error {
	payload, err := json.MarshalIndent(fileDocument{Version: fileVersion, Entries: f.entries}, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(f.path, payload, 0o600)
}

func (f *File) backupCorruptFile(cause error) {
	backupPath := fsutil.BackupPath(f.path, time.Now())
	if err := os.Rename(f.path, backupPath); err != nil {
		f.logger.Warn("store file backup failed", map[string]string{
			"path":  f.path,
			"error": err.Error(),
		})
		return
	}
	f.logger.Warn("store file was unreadable and has been backed up", map[string]string{
		"path":   f.path,
		"backup": backupPath,
		"error":  cause.Error(),
	})
}
