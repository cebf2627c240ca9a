package logging

import "strings"

var secretKeys = []string{
	"authorization",
	"token",
	"api_key",
	"apikey",
	"x-api-key",
	"secret",
	"password",
}

// IsSecretKey reports whether a field or header name carries credentials.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, candidate := range secretKeys {
		if strings.Contains(lower, candidate) {
			return true
		}
	}
	return false
}

// Mask keeps the first and last four characters of long values.
func Mask(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return "Bearer " + Mask(value[len("bearer "):])
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "…" + value[len(value)-4:]
}

func RedactFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return fields
	}
	for key, value := range fields {
		if IsSecretKey(key) && value != "" {
			fields[key] = Mask(value)
		}
	}
	return fields
}
