package temporal

import (
	"io"
	"testing"

	"promptchain/internal/logging"
)

func TestSDKLoggerSuppressesDebug(t *testing.T) {
	history := logging.NewHistory(16)
	sdk := newSDKLogger(logging.NewWithOutput(history, logging.LevelDebug, io.Discard))

	sdk.Debug("debug message", "k", "v")
	sdk.Info("info message", "Namespace", "default", "dangling")
	sdk.Warn("warn message", "api_key", "sk-abcdefghijklmnop")

	entries := history.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Message != "info message" || entries[0].Context["source"] != "temporal-sdk" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if entries[0].Context["Namespace"] != "default" || entries[0].Context["extra"] != "dangling" {
		t.Fatalf("expected key values mapped, got %v", entries[0].Context)
	}
	if entries[1].Level != logging.LevelWarning || entries[1].Context["api_key"] == "sk-abcdefghijklmnop" {
		t.Fatalf("expected masked warning entry, got %+v", entries[1])
	}
}

func TestSDKLoggerToleratesNilLogger(t *testing.T) {
	sdk := newSDKLogger(nil)
	sdk.Info("ignored")
	sdk.Error("ignored", "k", "v")
}
