package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// flatten decodes a TOML payload into dotted, normalized keys so that
// `[stream]\nidle_ms_sse = 1` and `stream.idle-ms-sse = 1` are the same
// setting.
func flatten(payload []byte) (map[string]any, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(payload), &raw); err != nil {
		return nil, err
	}
	flat := map[string]any{}
	flattenMap("", raw, flat)

	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	normalized := make(map[string]any, len(flat))
	for _, key := range keys {
		normalizedKey := normalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}
	return normalized, nil
}

func flattenMap(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenMap(full, nested, out)
			continue
		}
		out[full] = value
	}
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(part)), "_", "-")
	}
	return strings.Join(parts, ".")
}

type values map[string]any

func (v values) intValue(key string, fallback int64) int64 {
	switch typed := v[normalizeKey(key)].(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed)
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func (v values) stringValue(key string, fallback string) string {
	switch typed := v[normalizeKey(key)].(type) {
	case string:
		return strings.TrimSpace(typed)
	}
	return fallback
}

func (v values) boolValue(key string, fallback bool) bool {
	switch typed := v[normalizeKey(key)].(type) {
	case bool:
		return typed
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(typed)); err == nil {
			return parsed
		}
	}
	return fallback
}
