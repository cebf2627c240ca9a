package collector

import (
	"strconv"
	"strings"

	"promptchain/internal/ephor"
)

var (
	leaderboardKeys = []string{"leaderboard", "responses", "results"}
	modelKeys       = []string{"model", "lm_type", "model_id"}
	textKeys        = []string{"content", "text", "output"}
	partTextKeys    = []string{"text", "value", "data"}
	costPaths       = [][]string{{"cost"}, {"total_cost"}, {"usage", "cost"}, {"cost_usd"}, {"metrics", "cost"}}
)

// modelText is one model's reply found inside a log entry.
type modelText struct {
	model string
	text  string
}

func isOwnRole(role string) bool {
	switch role {
	case "user", "human":
		return true
	}
	return false
}

// repliesOf lists the model replies carried by entry. A leaderboard-shaped
// field wins over the single-model fields.
func repliesOf(entry ephor.LogEntry) []modelText {
	for _, key := range leaderboardKeys {
		if replies := leaderboardReplies(entry[key]); len(replies) > 0 {
			return replies
		}
	}
	text := contentText(firstValue(entry, textKeys))
	if text == "" {
		return nil
	}
	return []modelText{{model: entry.String(modelKeys...), text: text}}
}

func leaderboardReplies(value any) []modelText {
	var replies []modelText
	switch board := value.(type) {
	case []any:
		for _, item := range board {
			row, ok := item.(map[string]any)
			if !ok {
				continue
			}
			model := ephor.LogEntry(row).String(modelKeys...)
			text := contentText(firstValue(row, textKeys))
			if model != "" && text != "" {
				replies = append(replies, modelText{model: model, text: text})
			}
		}
	case map[string]any:
		for model, item := range board {
			text := contentText(item)
			if row, ok := item.(map[string]any); ok {
				text = contentText(firstValue(row, textKeys))
			}
			if strings.TrimSpace(model) != "" && text != "" {
				replies = append(replies, modelText{model: model, text: text})
			}
		}
	}
	return replies
}

// contentText flattens a content value: a string, a list of parts, or an
// object holding text|value|data.
func contentText(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case []any:
		var builder strings.Builder
		for _, part := range typed {
			builder.WriteString(contentText(part))
		}
		return builder.String()
	case map[string]any:
		return contentText(firstValue(typed, partTextKeys))
	}
	return ""
}

func firstValue(source map[string]any, keys []string) any {
	for _, key := range keys {
		if value, ok := source[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

// costOf returns the first cost-like number on entry.
func costOf(entry ephor.LogEntry) (float64, bool) {
	for _, path := range costPaths {
		var current any = map[string]any(entry)
		for _, key := range path {
			object, ok := current.(map[string]any)
			if !ok {
				current = nil
				break
			}
			current = object[key]
		}
		switch value := current.(type) {
		case float64:
			return value, true
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}
