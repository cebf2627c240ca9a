package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultCacheSize = 256

	createTable = `CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	size INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`
	upsertValue = `INSERT INTO kv (key, value, size, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`
	selectValue = `SELECT value FROM kv WHERE key = ?`
)

// SQLite stores zstd-compressed values in a single table, with a small LRU
// in front of reads.
type SQLite struct {
	db      *sql.DB
	path    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	cache   *lruCache
}

func OpenSQLite(path string) (*SQLite, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("store: sqlite path required")
	}
	if trimmed != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", trimmed)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv table: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = db.Close()
		return nil, err
	}
	return &SQLite{
		db:      db,
		path:    trimmed,
		encoder: encoder,
		decoder: decoder,
		cache:   newLRUCache(defaultCacheSize),
	}, nil
}

func (s *SQLite) Close() error {
	s.decoder.Close()
	_ = s.encoder.Close()
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	if value, ok := s.cache.Get(key); ok {
		return value, true, nil
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx, selectValue, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress %s: %w", key, err)
	}
	s.cache.Add(key, value)
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	blob := s.encoder.EncodeAll(value, nil)
	if _, err := s.db.ExecContext(ctx, upsertValue, key, blob, len(value), time.Now().UnixMilli()); err != nil {
		return err
	}
	s.cache.Add(key, value)
	return nil
}
