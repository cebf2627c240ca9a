package stream

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Event is one decoded inner reply event.
type Event map[string]any

type extractor struct {
	name string
	pick func(Event) (string, bool)
}

// Reply shapes in priority order. Extend here when the backend grows a new one.
var extractors = []extractor{
	{"delta", func(ev Event) (string, bool) { return stringAt(ev, "delta") }},
	{"delta.content", func(ev Event) (string, bool) { return stringAt(ev, "delta", "content") }},
	{"choices.delta.content", func(ev Event) (string, bool) {
		choices, ok := ev["choices"].([]any)
		if !ok || len(choices) == 0 {
			return "", false
		}
		first, ok := choices[0].(map[string]any)
		if !ok {
			return "", false
		}
		return stringAt(first, "delta", "content")
	}},
	{"content", func(ev Event) (string, bool) { return stringAt(ev, "content") }},
	{"output", func(ev Event) (string, bool) { return stringAt(ev, "output") }},
	{"text", func(ev Event) (string, bool) { return stringAt(ev, "text") }},
	{"token", func(ev Event) (string, bool) { return stringAt(ev, "token") }},
	{"chunk", func(ev Event) (string, bool) { return stringAt(ev, "chunk") }},
}

// ExtractToken returns the text fragment carried by ev. ok is false when no
// known reply shape matched.
func ExtractToken(ev Event) (token string, shape string, ok bool) {
	for _, candidate := range extractors {
		if value, matched := candidate.pick(ev); matched {
			return value, candidate.name, true
		}
	}
	return "", "", false
}

var etaPaths = [][]string{
	{"slm_time_to_complete"},
	{"metrics", "slm_time_to_complete"},
	{"metrics", "time_to_complete_ms"},
	{"time_to_complete_ms"},
	{"duration_ms"},
	{"elapsed_ms"},
	{"usage", "time_ms"},
}

// ExtractETA reads the server's expected time to complete, in milliseconds.
func ExtractETA(ev Event) (time.Duration, bool) {
	for _, path := range etaPaths {
		value, ok := valueAt(ev, path...)
		if !ok {
			continue
		}
		ms, ok := positiveNumber(value)
		if !ok {
			continue
		}
		return time.Duration(ms * float64(time.Millisecond)), true
	}
	return 0, false
}

var (
	terminalPhase = regexp.MustCompile(`done|complete|completed|final|finished`)
	terminalOuter = regexp.MustCompile(`done|end|final|complete|completed|channel_end|close`)
)

// IsTerminalEvent reports whether ev explicitly marks the reply as finished.
func IsTerminalEvent(ev Event) bool {
	if final, ok := ev["is_final"].(bool); ok && final {
		return true
	}
	if reason, ok := ev["finish_reason"]; ok && reason != nil {
		text := strings.ToLower(strings.TrimSpace(toString(reason)))
		if text != "" && text != "null" {
			return true
		}
	}
	switch strings.ToLower(toString(ev["type_id"])) {
	case "end", "final":
		return true
	}
	for _, key := range []string{"phase", "status", "state", "event"} {
		value, ok := ev[key]
		if !ok || value == nil {
			continue
		}
		phase := strings.ToLower(toString(value))
		return phase != "" && terminalPhase.MatchString(phase)
	}
	return false
}

// IsTerminalFrameType reports whether an outer socket frame type ends the stream.
func IsTerminalFrameType(frameType string) bool {
	return terminalOuter.MatchString(strings.ToLower(frameType))
}

func isContentFrameType(frameType string) bool {
	switch strings.ToLower(frameType) {
	case "chunk", "chunk_out":
		return true
	default:
		return false
	}
}

// ModelOf returns the model an event is tagged with, if any.
func ModelOf(ev Event) string {
	for _, key := range []string{"model", "lm_type", "model_id", "model_name"} {
		if value := strings.TrimSpace(toString(ev[key])); value != "" {
			return value
		}
	}
	return ""
}

func MessageIDOf(ev Event) string {
	return strings.TrimSpace(toString(ev["message_id"]))
}

// decodeData accepts an object or a JSON document encoded as a string.
func decodeData(data any) (Event, bool) {
	switch value := data.(type) {
	case map[string]any:
		return Event(value), true
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(value), &decoded); err != nil {
			return nil, false
		}
		return Event(decoded), true
	case nil:
		return Event{}, true
	default:
		return nil, false
	}
}

func stringAt(root map[string]any, path ...string) (string, bool) {
	value, ok := valueAt(root, path...)
	if !ok {
		return "", false
	}
	text, ok := value.(string)
	return text, ok
}

func valueAt(root map[string]any, path ...string) (any, bool) {
	var current any = root
	for _, key := range path {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func positiveNumber(value any) (float64, bool) {
	var number float64
	switch typed := value.(type) {
	case float64:
		number = typed
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		number = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		number = parsed
	default:
		return 0, false
	}
	if math.IsNaN(number) || math.IsInf(number, 0) || number <= 0 {
		return 0, false
	}
	return number, true
}

func toString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}
