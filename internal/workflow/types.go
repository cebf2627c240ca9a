package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoStages        = errors.New("workflow has no stages")
	ErrInvalidWorkflow = errors.New("workflow invalid")
)

type ConnectionMode string

const (
	ConnectionStream      ConnectionMode = "stream"
	ConnectionMultiplexer ConnectionMode = "multiplexer"
)

type RunMode string

const (
	RunAutomatic RunMode = "automatic"
	RunManual    RunMode = "manual"
)

// InstructionScope selects whether custom instructions are looked up per
// context or per context and stage.
type InstructionScope string

const (
	ScopeContext InstructionScope = "context"
	ScopeStage   InstructionScope = "stage"
)

type Stage struct {
	ID             string   `json:"id" yaml:"id" jsonschema:"required"`
	Name           string   `json:"name,omitempty" yaml:"name,omitempty"`
	PromptTemplate string   `json:"prompt" yaml:"prompt" jsonschema:"required"`
	Models         []string `json:"selected_models" yaml:"selected_models" jsonschema:"required,minItems=1"`
}

type Workflow struct {
	ID             string         `json:"id" yaml:"id" jsonschema:"required"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	ConnectionMode ConnectionMode `json:"connection_mode,omitempty" yaml:"connection_mode,omitempty" jsonschema:"enum=stream,enum=multiplexer"`
	RunMode        RunMode        `json:"run_mode,omitempty" yaml:"run_mode,omitempty" jsonschema:"enum=automatic,enum=manual"`
	Stages         []Stage        `json:"stages" yaml:"stages" jsonschema:"required,minItems=1"`
}

// Normalize fills defaulted modes and trims identifiers.
func (w Workflow) Normalize() Workflow {
	w.ID = strings.TrimSpace(w.ID)
	if w.ConnectionMode == "" {
		w.ConnectionMode = ConnectionStream
	}
	if w.RunMode == "" {
		w.RunMode = RunAutomatic
	}
	stages := make([]Stage, len(w.Stages))
	for i, stage := range w.Stages {
		stage.ID = strings.TrimSpace(stage.ID)
		if strings.TrimSpace(stage.Name) == "" {
			stage.Name = stage.ID
		}
		models := make([]string, 0, len(stage.Models))
		seen := map[string]bool{}
		for _, model := range stage.Models {
			model = strings.TrimSpace(model)
			if model == "" || seen[model] {
				continue
			}
			seen[model] = true
			models = append(models, model)
		}
		stage.Models = models
		stages[i] = stage
	}
	w.Stages = stages
	return w
}

func (w Workflow) Validate() error {
	if len(w.Stages) == 0 {
		return ErrNoStages
	}
	switch w.ConnectionMode {
	case "", ConnectionStream, ConnectionMultiplexer:
	default:
		return fmt.Errorf("%w: unknown connection mode %q", ErrInvalidWorkflow, w.ConnectionMode)
	}
	switch w.RunMode {
	case "", RunAutomatic, RunManual:
	default:
		return fmt.Errorf("%w: unknown run mode %q", ErrInvalidWorkflow, w.RunMode)
	}
	seen := map[string]bool{}
	for i, stage := range w.Stages {
		id := strings.TrimSpace(stage.ID)
		if id == "" {
			return fmt.Errorf("%w: stage %d has no id", ErrInvalidWorkflow, i+1)
		}
		if strings.Contains(id, "::") {
			return fmt.Errorf("%w: stage id %q must not contain \"::\"", ErrInvalidWorkflow, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate stage id %q", ErrInvalidWorkflow, id)
		}
		seen[id] = true
		if strings.TrimSpace(stage.PromptTemplate) == "" {
			return fmt.Errorf("%w: stage %q has no prompt", ErrInvalidWorkflow, id)
		}
		hasModel := false
		for _, model := range stage.Models {
			if strings.TrimSpace(model) != "" {
				hasModel = true
				break
			}
		}
		if !hasModel {
			return fmt.Errorf("%w: stage %q selects no models", ErrInvalidWorkflow, id)
		}
	}
	return nil
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// StageResult is the persisted outcome of one stage invocation.
type StageResult struct {
	StageID      string            `json:"stage_id"`
	StageName    string            `json:"stage_name"`
	Status       Status            `json:"status"`
	CombinedText string            `json:"combined"`
	PerModelText map[string]string `json:"by_model"`
	FailedModels []string          `json:"failed_models,omitempty"`
	Cost         float64           `json:"cost,omitempty"`
	MessageID    string            `json:"message_id,omitempty"`
	ReplyID      string            `json:"reply_id,omitempty"`
	Error        string            `json:"error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// setModelText overwrites one model's text. Models outside the stage's set
// are refused.
func (r *StageResult) setModelText(models []string, model, text string) bool {
	allowed := false
	for _, candidate := range models {
		if candidate == model {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	if r.PerModelText == nil {
		r.PerModelText = make(map[string]string)
	}
	r.PerModelText[model] = text
	return true
}

func (r StageResult) clone() StageResult {
	copied := r
	copied.PerModelText = make(map[string]string, len(r.PerModelText))
	for model, text := range r.PerModelText {
		copied.PerModelText[model] = text
	}
	copied.FailedModels = append([]string(nil), r.FailedModels...)
	return copied
}

// Combine renders per-model text in model-set order. One model yields its
// text as is; several are emitted as headed blocks.
func Combine(models []string, perModel map[string]string) string {
	var present []string
	for _, model := range models {
		if text := perModel[model]; strings.TrimSpace(text) != "" {
			present = append(present, model)
		}
	}
	if len(models) == 1 && len(present) == 1 {
		return perModel[present[0]]
	}
	blocks := make([]string, 0, len(present))
	for _, model := range present {
		blocks = append(blocks, "### "+model+"\n"+perModel[model])
	}
	return strings.Join(blocks, "\n\n")
}
