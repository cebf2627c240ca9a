package logging

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestLoggerWritesToHistory(t *testing.T) {
	history := NewHistory(10)
	logger := NewWithOutput(history, LevelInfo, io.Discard)

	logger.Info("stage started", map[string]string{"stage": "1"})

	entries := history.List()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != LevelInfo {
		t.Fatalf("expected info level, got %q", entry.Level)
	}
	if entry.Message != "stage started" {
		t.Fatalf("expected message, got %q", entry.Message)
	}
	if entry.Context["stage"] != "1" {
		t.Fatalf("expected context stage=1, got %v", entry.Context)
	}
}

func TestLoggerFiltersOutputByLevel(t *testing.T) {
	history := NewHistory(10)
	var out bytes.Buffer
	logger := NewWithOutput(history, LevelWarning, &out)

	logger.Info("info", nil)
	logger.Warn("warn", nil)

	if strings.Contains(out.String(), `msg="info"`) {
		t.Fatalf("expected info to stay out of the output, got %q", out.String())
	}
	if !strings.Contains(out.String(), `msg="warn"`) {
		t.Fatalf("expected warn in the output, got %q", out.String())
	}
	entries := history.List()
	if len(entries) != 2 {
		t.Fatalf("expected both entries in history, got %d", len(entries))
	}
}

func TestHistoryRecentByLevel(t *testing.T) {
	history := NewHistory(10)
	logger := NewWithOutput(history, LevelError, io.Discard)

	logger.Warn("throttled", map[string]string{"n": "1"})
	logger.Debug("tick", nil)
	logger.Error("stage failed", nil)
	logger.Warn("throttled", map[string]string{"n": "2"})

	recent := history.Recent(LevelWarning, 2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].Message != "stage failed" || recent[1].Context["n"] != "2" {
		t.Fatalf("expected newest warnings oldest first, got %v", recent)
	}
	if all := history.Recent(LevelWarning, 0); len(all) != 3 {
		t.Fatalf("expected 3 warning entries without limit, got %d", len(all))
	}
}

func TestLoggerMasksSecrets(t *testing.T) {
	var out bytes.Buffer
	logger := NewWithOutput(nil, LevelDebug, &out).With(map[string]string{
		"authorization": "Bearer abcdefghijklmnop",
	})
	logger.Info("request", map[string]string{"api_key": "sk-1234567890", "model": "gpt"})

	line := out.String()
	if strings.Contains(line, "abcdefghijklmnop") || strings.Contains(line, "sk-1234567890") {
		t.Fatalf("expected secrets to be masked, got %q", line)
	}
	if !strings.Contains(line, `authorization="Bearer abcd…mnop"`) {
		t.Fatalf("expected masked bearer token, got %q", line)
	}
	if !strings.Contains(line, `model="gpt"`) {
		t.Fatalf("expected plain field, got %q", line)
	}
}

func TestMaskShortValues(t *testing.T) {
	if got := Mask("abc"); got != "****" {
		t.Fatalf("expected full mask, got %q", got)
	}
	if got := Mask(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestHistoryKeepsNewest(t *testing.T) {
	history := NewHistory(2)
	for _, message := range []string{"a", "b", "c"} {
		history.Add(Entry{Message: message})
	}
	entries := history.List()
	if len(entries) != 2 || entries[0].Message != "b" || entries[1].Message != "c" {
		t.Fatalf("expected [b c], got %v", entries)
	}
}

func TestSubscribeReceivesEntries(t *testing.T) {
	logger := Discard()
	output, cancel := logger.Subscribe()
	defer cancel()

	logger.Warn("throttled", nil)

	select {
	case entry := <-output:
		if entry.Message != "throttled" {
			t.Fatalf("expected throttled, got %q", entry.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("ignored", nil)
	if logger.With(map[string]string{"a": "b"}) != nil {
		t.Fatal("expected nil logger from With")
	}
}
