package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"promptchain/internal/logging"
)

var (
	ErrEmptyKey      = errors.New("store: key required")
	ErrNotJSON       = errors.New("store: file store values must be JSON")
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// KV is the persistence boundary. Values are opaque to the store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open returns the store for driver. The returned close function is never
// nil.
func Open(driver, path string, logger *logging.Logger) (KV, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(), noop, nil
	case DriverFile:
		kv, err := OpenFile(path, logger)
		if err != nil {
			return nil, noop, err
		}
		return kv, noop, nil
	case DriverSQLite:
		kv, err := OpenSQLite(path)
		if err != nil {
			return nil, noop, err
		}
		return kv, kv.Close, nil
	default:
		return nil, noop, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	return append([]byte(nil), value...)
}
