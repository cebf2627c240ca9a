package temporal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	chain "promptchain/internal/workflow"
)

const memoLimitBytes = 2048

// PipelineMemo is the searchable summary attached to a pipeline execution.
type PipelineMemo struct {
	WorkflowID     string      `toml:"workflow_id"`
	WorkflowName   string      `toml:"workflow_name,omitempty"`
	ContextID      string      `toml:"context_id,omitempty"`
	ConnectionMode string      `toml:"connection_mode"`
	RunMode        string      `toml:"run_mode"`
	Stages         []MemoStage `toml:"stages"`
}

type MemoStage struct {
	ID     string   `toml:"id"`
	Models []string `toml:"models"`
}

func NewPipelineMemo(req chain.Request) PipelineMemo {
	definition := req.Workflow.Normalize()
	memo := PipelineMemo{
		WorkflowID:     definition.ID,
		WorkflowName:   definition.Name,
		ContextID:      req.ContextID,
		ConnectionMode: string(definition.ConnectionMode),
		RunMode:        string(definition.RunMode),
		Stages:         make([]MemoStage, 0, len(definition.Stages)),
	}
	for _, stage := range definition.Stages {
		memo.Stages = append(memo.Stages, MemoStage{ID: stage.ID, Models: append([]string(nil), stage.Models...)})
	}
	return memo
}

// SerializeMemo renders memo as TOML, truncated to the memo size limit.
func SerializeMemo(memo PipelineMemo) (string, error) {
	var buffer bytes.Buffer
	if err := toml.NewEncoder(&buffer).Encode(memo); err != nil {
		return "", err
	}
	return truncateMemo(buffer.Bytes()), nil
}

func DeserializeMemo(data string) (PipelineMemo, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return PipelineMemo{}, fmt.Errorf("pipeline memo is empty")
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") && !strings.HasPrefix(trimmed, "[[") {
		return PipelineMemo{}, fmt.Errorf("pipeline memo is not TOML")
	}
	var memo PipelineMemo
	if _, err := toml.Decode(trimmed, &memo); err != nil {
		return PipelineMemo{}, fmt.Errorf("unable to parse pipeline memo: %w", err)
	}
	return memo, nil
}

func truncateMemo(data []byte) string {
	if len(data) <= memoLimitBytes {
		return string(data)
	}
	return string(data[:memoLimitBytes-3]) + "..."
}
