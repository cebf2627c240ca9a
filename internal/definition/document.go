package definition

import (
	"errors"
	"fmt"
	"strings"

	"promptchain/internal/workflow"
)

const CurrentVersion = 1

var (
	ErrInvalidDefinition = errors.New("workflow definition invalid")
	ErrNotFound          = errors.New("workflow definition not found")
)

// Instructions are custom instructions shipped with a definition. Context
// text applies to every stage; Stages overrides it per stage id when the
// scope is "stage".
type Instructions struct {
	Scope   workflow.InstructionScope `json:"scope,omitempty" yaml:"scope,omitempty" jsonschema:"enum=context,enum=stage"`
	Context string                    `json:"context,omitempty" yaml:"context,omitempty"`
	Stages  map[string]string         `json:"stages,omitempty" yaml:"stages,omitempty"`
}

// Document is one workflow definition file.
type Document struct {
	Version  int               `json:"version" yaml:"version" jsonschema:"required"`
	Workflow workflow.Workflow `json:"workflow" yaml:"workflow" jsonschema:"required"`
	// Placeholders are canned prompts and system prompt bodies referenced
	// from templates as {{NAME}} or @#NAME#@.
	Placeholders map[string]string `json:"placeholders,omitempty" yaml:"placeholders,omitempty"`
	Instructions *Instructions     `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// Validate checks what the schema cannot express.
func (d Document) Validate() error {
	if d.Version != CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidDefinition, d.Version)
	}
	if err := d.Workflow.Normalize().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	for name := range d.Placeholders {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty placeholder name", ErrInvalidDefinition)
		}
		var probe workflow.Scope
		if _, builtin := probe.Resolve(name); builtin {
			return fmt.Errorf("%w: placeholder %q shadows a built-in token", ErrInvalidDefinition, name)
		}
	}
	if d.Instructions != nil {
		known := map[string]bool{}
		for _, stage := range d.Workflow.Stages {
			known[strings.TrimSpace(stage.ID)] = true
		}
		for stageID := range d.Instructions.Stages {
			if !known[stageID] {
				return fmt.Errorf("%w: instructions for unknown stage %q", ErrInvalidDefinition, stageID)
			}
		}
	}
	return nil
}

// InstructionScope is the scope the run should use, defaulting to context.
func (d Document) InstructionScope() workflow.InstructionScope {
	if d.Instructions == nil || d.Instructions.Scope == "" {
		return workflow.ScopeContext
	}
	return d.Instructions.Scope
}

// InstructionMap keys the definition's instructions the way the
// orchestrator looks them up for contextID.
func (d Document) InstructionMap(contextID string) map[string]string {
	out := map[string]string{}
	if d.Instructions == nil {
		return out
	}
	scope := d.InstructionScope()
	if scope == workflow.ScopeContext {
		if text := strings.TrimSpace(d.Instructions.Context); text != "" {
			out[workflow.InstructionKey(scope, contextID, "")] = text
		}
		return out
	}
	for _, stage := range d.Workflow.Stages {
		text := d.Instructions.Stages[stage.ID]
		if strings.TrimSpace(text) == "" {
			text = d.Instructions.Context
		}
		if text = strings.TrimSpace(text); text != "" {
			out[workflow.InstructionKey(scope, contextID, stage.ID)] = text
		}
	}
	return out
}

// NamedPlaceholders returns a copy of the definition's placeholders merged
// under overrides.
func (d Document) NamedPlaceholders(overrides map[string]string) map[string]string {
	out := make(map[string]string, len(d.Placeholders)+len(overrides))
	for name, value := range d.Placeholders {
		out[name] = value
	}
	for name, value := range overrides {
		out[name] = value
	}
	return out
}
