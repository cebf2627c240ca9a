package definition

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"promptchain/internal/logging"
	"promptchain/internal/workflow"
)

const sampleYAML = `version: 1
workflow:
  id: triage
  name: Triage
  connection_mode: multiplexer
  stages:
    - id: classify
      prompt: "Classify: {{TRANSCRIPT}} @#TONE#@"
      selected_models: [gpt-4o, gpt-4o, " gemini-2.5-pro "]
    - id: answer
      prompt: "Answer using {{RD_1_COMBINED}}"
      selected_models: [gpt-4o]
placeholders:
  TONE: be friendly
instructions:
  scope: stage
  context: Sign as Support.
  stages:
    answer: Keep it under 100 words.
`

func TestDecodeNormalizesWorkflow(t *testing.T) {
	doc, err := Decode([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Workflow.RunMode != "" {
		t.Fatalf("expected run mode left open, got %q", doc.Workflow.RunMode)
	}
	if doc.Workflow.ConnectionMode != workflow.ConnectionMultiplexer {
		t.Fatalf("expected multiplexer, got %q", doc.Workflow.ConnectionMode)
	}
	models := doc.Workflow.Stages[0].Models
	if len(models) != 2 || models[0] != "gpt-4o" || models[1] != "gemini-2.5-pro" {
		t.Fatalf("expected deduplicated models, got %v", models)
	}
	if doc.Workflow.Stages[1].Name != "answer" {
		t.Fatalf("expected stage name to default to id, got %q", doc.Workflow.Stages[1].Name)
	}
	if doc.Placeholders["TONE"] != "be friendly" {
		t.Fatalf("unexpected placeholders %v", doc.Placeholders)
	}
}

func TestDecodeRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown field":   strings.Replace(sampleYAML, "  name: Triage", "  title: Triage", 1),
		"bad mode":        strings.Replace(sampleYAML, "multiplexer", "carrier-pigeon", 1),
		"no models":       strings.Replace(sampleYAML, "selected_models: [gpt-4o]\n", "selected_models: []\n", 1),
		"missing prompt":  strings.Replace(sampleYAML, "      prompt: \"Answer using {{RD_1_COMBINED}}\"\n", "", 1),
		"version":         strings.Replace(sampleYAML, "version: 1", "version: 2", 1),
		"shadowing":       strings.Replace(sampleYAML, "  TONE: be friendly", "  TRANSCRIPT: nope", 1),
		"unknown stage":   strings.Replace(sampleYAML, "    answer: Keep", "    ghost: Keep", 1),
		"not yaml":        "workflow: [",
		"empty":           "",
		"wrong type":      strings.Replace(sampleYAML, "version: 1", "version: one", 1),
	}
	for name, payload := range cases {
		name, payload := name, payload
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
}

func TestInstructionMapByScope(t *testing.T) {
	doc, err := Decode([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := doc.InstructionMap("ticket-9")
	if got["ticket-9::classify"] != "Sign as Support." {
		t.Fatalf("expected context text as stage fallback, got %v", got)
	}
	if got["ticket-9::answer"] != "Keep it under 100 words." {
		t.Fatalf("expected stage override, got %v", got)
	}
	if doc.InstructionScope() != workflow.ScopeStage {
		t.Fatalf("expected stage scope, got %q", doc.InstructionScope())
	}

	doc.Instructions.Scope = workflow.ScopeContext
	got = doc.InstructionMap("ticket-9")
	if len(got) != 1 || got["ticket-9"] != "Sign as Support." {
		t.Fatalf("expected single context entry, got %v", got)
	}
	if (Document{}).InstructionScope() != workflow.ScopeContext {
		t.Fatal("expected context scope by default")
	}
}

func TestNamedPlaceholdersOverride(t *testing.T) {
	doc := Document{Placeholders: map[string]string{"A": "1", "B": "2"}}
	got := doc.NamedPlaceholders(map[string]string{"B": "override"})
	if got["A"] != "1" || got["B"] != "override" {
		t.Fatalf("unexpected merge %v", got)
	}
	if doc.Placeholders["B"] != "2" {
		t.Fatal("expected definition placeholders untouched")
	}
}

func TestDefaultReplyRoundTrips(t *testing.T) {
	payload, err := Encode(DefaultReply())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	doc, err := Decode(payload)
	if err != nil {
		t.Fatalf("decode default: %v\n%s", err, payload)
	}
	if len(doc.Workflow.Stages) != 4 {
		t.Fatalf("expected four stages, got %d", len(doc.Workflow.Stages))
	}
	review := doc.Workflow.Stages[2]
	if len(review.Models) != 3 {
		t.Fatalf("expected three review models, got %v", review.Models)
	}
	if !strings.Contains(doc.Workflow.Stages[3].PromptTemplate, "{{RD_3_COMBINED}}") {
		t.Fatal("expected revision stage to reference the review round")
	}
}

func TestSchemaJSON(t *testing.T) {
	payload, err := SchemaJSON()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	properties, ok := decoded["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties in schema, got %v", decoded)
	}
	for _, key := range []string{"version", "workflow", "placeholders", "instructions"} {
		if _, ok := properties[key]; !ok {
			t.Fatalf("expected property %q", key)
		}
	}
	if decoded["additionalProperties"] != false {
		t.Fatalf("expected closed schema, got %v", decoded["additionalProperties"])
	}
}

func TestDirectoryRepository(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workflows")
	history := logging.NewHistory(10)
	repo := NewDirectoryRepository(dir, logging.NewWithOutput(history, logging.LevelDebug, io.Discard))

	ids, err := repo.List()
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected empty listing for missing dir, got %v %v", ids, err)
	}
	if _, err := repo.Load("reply"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	doc, err := repo.LoadOrDefault("reply")
	if err != nil || doc.Workflow.ID != DefaultWorkflowID {
		t.Fatalf("expected built-in reply workflow, got %v %v", doc.Workflow.ID, err)
	}

	sample, err := Decode([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := repo.Save(sample); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(DefaultReply()); err != nil {
		t.Fatalf("save default: %v", err)
	}
	ids, err = repo.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 || ids[0] != "reply" || ids[1] != "triage" {
		t.Fatalf("unexpected ids %v", ids)
	}
	loaded, err := repo.Load("triage")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Instructions == nil || loaded.Instructions.Stages["answer"] != "Keep it under 100 words." {
		t.Fatalf("expected instructions to survive round trip, got %+v", loaded.Instructions)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken"+fileSuffix), []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("write broken: %v", err)
	}
	if _, err := repo.Load("broken"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected invalid definition, got %v", err)
	}
	warned := false
	for _, entry := range history.List() {
		if entry.Level == logging.LevelWarning && entry.Message == "workflow definition invalid" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("expected warning for invalid file")
	}
	if _, err := repo.Load("../escape"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
}
