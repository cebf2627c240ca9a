package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	if err := WriteFileAtomic(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "two" {
		t.Fatalf("expected two, got %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files cleaned up, got %d entries", len(entries))
	}
}

func TestWriteFileAtomicRequiresPath(t *testing.T) {
	if err := WriteFileAtomic("  ", nil, 0o644); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestBackupPath(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 6, 0, time.FixedZone("x", 3600))
	if got := BackupPath("/tmp/store.json", at); got != "/tmp/store.json.20240309T130506Z.bck" {
		t.Fatalf("unexpected backup path %q", got)
	}
}
