package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/invopop/jsonschema"
)

// ValidationError locates a schema violation inside a decoded document.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidateObject checks a decoded object against s.
func ValidateObject(s *jsonschema.Schema, object map[string]any) error {
	return validate(s, object, "")
}

// ValidateValue checks any decoded value against s.
func ValidateValue(s *jsonschema.Schema, value any) error {
	return validate(s, value, "")
}

func validate(s *jsonschema.Schema, value any, path string) error {
	if s == nil {
		return nil
	}
	switch boolSchema(s) {
	case "true":
		return nil
	case "false":
		return &ValidationError{Path: path, Message: "value not allowed"}
	}

	if len(s.AnyOf) > 0 {
		matched := false
		for _, option := range s.AnyOf {
			if validate(option, value, path) == nil {
				matched = true
				break
			}
		}
		if !matched {
			return &ValidationError{Path: path, Message: "does not match any allowed schema (" + formatActualDetail(actualType(value), value) + ")"}
		}
	}
	if len(s.OneOf) > 0 {
		matches := 0
		for _, option := range s.OneOf {
			if validate(option, value, path) == nil {
				matches++
			}
		}
		if matches != 1 {
			return &ValidationError{Path: path, Message: fmt.Sprintf("must match exactly one schema, matched %d", matches)}
		}
	}

	actual := actualType(value)
	if s.Type != "" && !typeMatches(s.Type, actual, value) {
		return &ValidationError{Path: path, Message: fmt.Sprintf("expected %s, got %s", s.Type, formatActualDetail(actual, value))}
	}
	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		allowed := make([]string, 0, len(s.Enum))
		for _, candidate := range s.Enum {
			allowed = append(allowed, formatValidationValue(candidate))
		}
		return &ValidationError{Path: path, Message: fmt.Sprintf("value %s is not one of [%s]", formatValidationValue(value), strings.Join(allowed, ", "))}
	}

	switch typed := value.(type) {
	case string:
		if s.MinLength != nil && uint64(utf8.RuneCountInString(typed)) < *s.MinLength {
			return &ValidationError{Path: path, Message: fmt.Sprintf("must be at least %d characters", *s.MinLength)}
		}
		if s.MaxLength != nil && uint64(utf8.RuneCountInString(typed)) > *s.MaxLength {
			return &ValidationError{Path: path, Message: fmt.Sprintf("must be at most %d characters", *s.MaxLength)}
		}
	case []any:
		return validateArray(s, typed, path)
	}
	if object, ok := asStringMap(value); ok && actual == "object" {
		return validateProperties(s, object, path)
	}
	return nil
}

func validateArray(s *jsonschema.Schema, items []any, path string) error {
	if s.MinItems != nil && uint64(len(items)) < *s.MinItems {
		return &ValidationError{Path: path, Message: fmt.Sprintf("must contain at least %d items", *s.MinItems)}
	}
	if s.MaxItems != nil && uint64(len(items)) > *s.MaxItems {
		return &ValidationError{Path: path, Message: fmt.Sprintf("must contain at most %d items", *s.MaxItems)}
	}
	for i, item := range items {
		if err := validate(s.Items, item, path+"["+strconv.Itoa(i)+"]"); err != nil {
			return err
		}
	}
	return nil
}

func validateProperties(s *jsonschema.Schema, object map[string]any, path string) error {
	for _, name := range s.Required {
		if _, ok := object[name]; !ok {
			return &ValidationError{Path: joinPath(path, name), Message: "missing required field"}
		}
	}

	keys := make([]string, 0, len(object))
	for key := range object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fieldPath := joinPath(path, key)
		if s.Properties != nil {
			if property, ok := s.Properties.Get(key); ok {
				if err := validate(property, object[key], fieldPath); err != nil {
					return err
				}
				continue
			}
		}
		if s.AdditionalProperties == nil {
			continue
		}
		if boolSchema(s.AdditionalProperties) == "false" {
			return &ValidationError{Path: fieldPath, Message: "unknown field"}
		}
		if err := validate(s.AdditionalProperties, object[key], fieldPath); err != nil {
			return err
		}
	}
	return nil
}

// boolSchema reports "true" or "false" for boolean schemas and "" otherwise.
// The boolean form is unexported in jsonschema, so it is read back through
// the marshaller.
func boolSchema(s *jsonschema.Schema) string {
	if s == jsonschema.TrueSchema {
		return "true"
	}
	if s == jsonschema.FalseSchema {
		return "false"
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	switch string(payload) {
	case "true", "false":
		return string(payload)
	}
	return ""
}

func typeMatches(expected, actual string, value any) bool {
	if expected == actual {
		return true
	}
	if expected == "number" && actual == "integer" {
		return true
	}
	if expected == "integer" && actual == "number" {
		if f, ok := value.(float64); ok {
			return f == math.Trunc(f)
		}
	}
	return false
}

func enumContains(enum []any, value any) bool {
	formatted := formatValidationValue(value)
	for _, candidate := range enum {
		if reflect.DeepEqual(candidate, value) || formatValidationValue(candidate) == formatted {
			return true
		}
	}
	return false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func actualType(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64, json.Number:
		return "number"
	case []any:
		return "array"
	}
	if _, ok := asStringMap(value); ok {
		return "object"
	}
	return reflect.TypeOf(value).Kind().String()
}

func asStringMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case map[any]any:
		converted := make(map[string]any, len(typed))
		for key, item := range typed {
			converted[fmt.Sprint(key)] = item
		}
		return converted, true
	}
	return nil, false
}

func formatActualDetail(actualType string, value any) string {
	switch actualType {
	case "object", "array":
		return actualType
	}
	return actualType + " " + formatValidationValue(value)
}

func formatValidationValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	}
	return fmt.Sprint(value)
}
