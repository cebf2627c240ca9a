package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultHistory = 500

type Logger struct {
	history  *History
	output   *log.Logger
	minLevel Level
	fields   map[string]string
	hub      *Hub
}

func New(minLevel Level) *Logger {
	return NewWithOutput(nil, minLevel, os.Stderr)
}

func NewWithOutput(history *History, minLevel Level, output io.Writer) *Logger {
	if history == nil {
		history = NewHistory(DefaultHistory)
	}
	if output == nil {
		output = io.Discard
	}
	return &Logger{
		history:  history,
		output:   log.New(output, "", log.LstdFlags),
		minLevel: normalizeLevel(minLevel),
		hub:      NewHub(),
	}
}

// Discard returns a logger that keeps history but writes nowhere.
func Discard() *Logger {
	return NewWithOutput(nil, LevelDebug, io.Discard)
}

func (l *Logger) History() *History {
	if l == nil {
		return nil
	}
	return l.history
}

func (l *Logger) Subscribe() (<-chan Entry, func()) {
	if l == nil || l.hub == nil {
		return nil, func() {}
	}
	return l.hub.Subscribe(0)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{
		history:  l.history,
		output:   l.output,
		minLevel: l.minLevel,
		fields:   mergeFields(l.fields, fields),
		hub:      l.hub,
	}
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.emit(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.emit(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.emit(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.emit(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank(level) >= levelRank(l.minLevel)
}

// emit records every entry in the history and hub; only entries at or above
// the minimum level reach the output.
func (l *Logger) emit(level Level, message string, fields map[string]string) {
	if l == nil {
		return
	}

	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   RedactFields(mergeFields(l.fields, fields)),
	}
	if len(entry.Context) == 0 {
		entry.Context = nil
	}
	l.history.Add(entry)
	l.hub.Broadcast(entry)
	if l.output != nil && l.Enabled(level) {
		l.output.Print(formatEntry(entry))
	}
}

func normalizeLevel(level Level) Level {
	switch level {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return level
	default:
		return LevelInfo
	}
}

func levelRank(level Level) int {
	switch level {
	case LevelDebug:
		return 0
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

func formatEntry(entry Entry) string {
	var b strings.Builder
	b.WriteString("level=")
	b.WriteString(string(entry.Level))
	b.WriteString(" msg=")
	b.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%s", key, strconv.Quote(entry.Context[key]))
	}
	return b.String()
}
