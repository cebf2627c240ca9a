package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/invopop/jsonschema"
)

func TestValidateObjectRequiredField(t *testing.T) {
	s := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"name"},
	}

	err := ValidateObject(s, map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "name") {
		t.Fatalf("expected path in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing required field") {
		t.Fatalf("expected required field message, got %v", err)
	}
}

func TestValidateObjectUnknownField(t *testing.T) {
	var additional jsonschema.Schema
	if err := json.Unmarshal([]byte("false"), &additional); err != nil {
		t.Fatalf("unmarshal false schema: %v", err)
	}

	s := &jsonschema.Schema{
		Type: "object",
		AdditionalProperties: &additional,
	}

	err := ValidateObject(s, map[string]any{"extra": true})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unknown field") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestValidateValueAnyOf(t *testing.T) {
	s := &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "integer"},
		},
	}

	if err := ValidateValue(s, "ok"); err != nil {
		t.Fatalf("expected string to match anyOf: %v", err)
	}
	if err := ValidateValue(s, 12); err != nil {
		t.Fatalf("expected int to match anyOf: %v", err)
	}
	if err := ValidateValue(s, true); err == nil {
		t.Fatal("expected bool to fail anyOf")
	}
}

func TestValidateValueOneOf(t *testing.T) {
	s := &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "integer"},
		},
	}

	if err := ValidateValue(s, "ok"); err != nil {
		t.Fatalf("expected string to match oneOf: %v", err)
	}
	if err := ValidateValue(s, 12); err != nil {
		t.Fatalf("expected int to match oneOf: %v", err)
	}
	if err := ValidateValue(s, true); err == nil {
		t.Fatal("expected bool to fail oneOf")
	}
}

func TestValidateValueEnum(t *testing.T) {
	s := &jsonschema.Schema{
		Type: "string",
		Enum: []any{"a", "b"},
	}

	if err := ValidateValue(s, "a"); err != nil {
		t.Fatalf("expected enum value to pass: %v", err)
	}
	if err := ValidateValue(s, "x"); err == nil {
		t.Fatal("expected enum mismatch")
	}
}

func TestValidateObjectReportsNestedPath(t *testing.T) {
	type item struct {
		ID   string   `json:"id" jsonschema:"required"`
		Tags []string `json:"tags,omitempty" jsonschema:"minItems=1"`
	}
	type document struct {
		Items []item `json:"items" jsonschema:"required"`
	}
	reflector := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	s := reflector.Reflect(document{})

	err := ValidateObject(s, map[string]any{
		"items": []any{
			map[string]any{"id": "a"},
			map[string]any{"id": 7},
		},
	})
	if err == nil {
		t.Fatal("expected type error")
	}
	if !strings.Contains(err.Error(), "items[1].id") || !strings.Contains(err.Error(), "expected string, got integer 7") {
		t.Fatalf("unexpected error %v", err)
	}

	err = ValidateObject(s, map[string]any{"items": []any{map[string]any{"id": "a", "tags": []any{}}}})
	if err == nil || !strings.Contains(err.Error(), "items[0].tags: must contain at least 1 items") {
		t.Fatalf("expected minItems error, got %v", err)
	}
	if err := ValidateObject(s, map[string]any{"items": []any{map[string]any{"id": "a", "extra": 1}}}); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestValidateValueIntegralFloat(t *testing.T) {
	s := &jsonschema.Schema{Type: "integer"}
	if err := ValidateValue(s, float64(3)); err != nil {
		t.Fatalf("expected integral float to pass: %v", err)
	}
	if err := ValidateValue(s, 3.5); err == nil {
		t.Fatal("expected fractional value to fail")
	}
}
