package temporal

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"promptchain/internal/temporal/workflows"
	chain "promptchain/internal/workflow"
)

const memoKey = "pipeline"

// PipelineID names the execution for one workflow run in one context, so a
// second start for the same ticket attaches to the running pipeline.
func PipelineID(req chain.Request) string {
	contextID := strings.TrimSpace(req.ContextID)
	if contextID == "" {
		contextID = uuid.NewString()
	}
	return "promptchain-" + strings.TrimSpace(req.Workflow.ID) + "-" + contextID
}

// StartPipeline starts PipelineWorkflow on taskQueue.
func StartPipeline(ctx context.Context, c WorkflowClient, taskQueue string, request workflows.PipelineRequest) (client.WorkflowRun, error) {
	if c == nil {
		return nil, errors.New("temporal client is required")
	}
	if strings.TrimSpace(taskQueue) == "" {
		taskQueue = workflows.PipelineTaskQueueName
	}
	memo, err := SerializeMemo(NewPipelineMemo(request.Request))
	if err != nil {
		return nil, err
	}
	options := client.StartWorkflowOptions{
		ID:        PipelineID(request.Request),
		TaskQueue: taskQueue,
		Memo:      map[string]interface{}{memoKey: memo},
	}
	return c.ExecuteWorkflow(ctx, options, workflows.PipelineWorkflow, request)
}

func ResumePipeline(ctx context.Context, c WorkflowClient, workflowID string) error {
	return c.SignalWorkflow(ctx, workflowID, "", workflows.ResumeSignalName, workflows.ResumeSignal{})
}

func CancelPipeline(ctx context.Context, c WorkflowClient, workflowID, reason string) error {
	return c.SignalWorkflow(ctx, workflowID, "", workflows.CancelSignalName, workflows.CancelSignal{Reason: reason})
}

func PipelineStatus(ctx context.Context, c WorkflowClient, workflowID string) (workflows.PipelineState, error) {
	value, err := c.QueryWorkflow(ctx, workflowID, "", workflows.StatusQueryName)
	if err != nil {
		return workflows.PipelineState{}, err
	}
	var state workflows.PipelineState
	if err := value.Get(&state); err != nil {
		return workflows.PipelineState{}, err
	}
	return state, nil
}
