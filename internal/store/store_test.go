package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openAll(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]KV{}
	for _, driver := range []string{DriverMemory, DriverFile, DriverSQLite} {
		kv, closeFn, err := Open(driver, filepath.Join(dir, driver, "promptchain.db"), nil)
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = closeFn() })
		stores[driver] = kv
	}
	return stores
}

func TestStoresRoundTrip(t *testing.T) {
	ctx := context.Background()
	for driver, kv := range openAll(t) {
		if _, ok, err := kv.Get(ctx, "result::ctx::s1"); err != nil || ok {
			t.Fatalf("%s: expected miss, got ok=%v err=%v", driver, ok, err)
		}
		if err := kv.Set(ctx, "result::ctx::s1", []byte(`{"status":"running"}`)); err != nil {
			t.Fatalf("%s: set: %v", driver, err)
		}
		if err := kv.Set(ctx, "result::ctx::s1", []byte(`{"status":"completed"}`)); err != nil {
			t.Fatalf("%s: overwrite: %v", driver, err)
		}
		value, ok, err := kv.Get(ctx, "result::ctx::s1")
		if err != nil || !ok || string(value) != `{"status":"completed"}` {
			t.Fatalf("%s: expected overwritten value, got %q ok=%v err=%v", driver, value, ok, err)
		}
		value[0] = 'X'
		again, _, _ := kv.Get(ctx, "result::ctx::s1")
		if again[0] != '{' {
			t.Fatalf("%s: expected stored value to be isolated from callers", driver)
		}
		if err := kv.Set(ctx, " ", []byte(`1`)); !errors.Is(err, ErrEmptyKey) {
			t.Fatalf("%s: expected ErrEmptyKey, got %v", driver, err)
		}
	}
}

func TestFileStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "kv.json")
	first, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Set(context.Background(), "lastmsg::c1", []byte(`"m-42"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := first.Set(context.Background(), "raw", []byte("not json")); !errors.Is(err, ErrNotJSON) {
		t.Fatalf("expected ErrNotJSON, got %v", err)
	}

	second, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, ok, _ := second.Get(context.Background(), "lastmsg::c1")
	if !ok || string(value) != `"m-42"` {
		t.Fatalf("expected persisted value, got %q", value)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestFileStoreBacksUpCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	kv, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok, _ := kv.Get(context.Background(), "any"); ok {
		t.Fatal("expected empty store after corrupt file")
	}
	entries, _ := os.ReadDir(dir)
	backups := 0
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".bck") {
			backups++
		}
	}
	if backups != 1 {
		t.Fatalf("expected one backup file, got %d", backups)
	}
}

func TestSQLiteCompressesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	kv, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	large := bytes.Repeat([]byte("model output "), 2000)
	if err := kv.Set(context.Background(), "big", large); err != nil {
		t.Fatalf("set: %v", err)
	}
	var stored int
	if err := kv.db.QueryRow(`SELECT length(value) FROM kv WHERE key = ?`, "big").Scan(&stored); err != nil {
		t.Fatalf("query: %v", err)
	}
	if stored >= len(large)/10 {
		t.Fatalf("expected compressed blob, got %d bytes for %d", stored, len(large))
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	value, ok, err := reopened.Get(context.Background(), "big")
	if err != nil || !ok || !bytes.Equal(value, large) {
		t.Fatalf("expected value after reopen, ok=%v err=%v", ok, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, _, err := Open("redis", "", nil); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	cache := newLRUCache(2)
	cache.Add("a", []byte("1"))
	cache.Add("b", []byte("2"))
	cache.Get("a")
	cache.Add("c", []byte("3"))
	if _, ok := cache.Get("b"); ok {
		t.Fatal("expected b evicted")
	}
	if _, ok := cache.Get("a"); !ok || cache.Len() != 2 {
		t.Fatal("expected a retained")
	}
}
