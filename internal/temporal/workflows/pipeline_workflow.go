package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	chain "promptchain/internal/workflow"
)

const (
	PipelineTaskQueueName = "promptchain"

	RunStageActivityName = "RunStageActivity"

	ResumeSignalName = "pipeline.resume"
	CancelSignalName = "pipeline.cancel"
	StatusQueryName  = "pipeline.status"

	PipelineStatusRunning   = "running"
	PipelineStatusWaiting   = "waiting"
	PipelineStatusCompleted = "completed"
	PipelineStatusFailed    = "failed"
	PipelineStatusCancelled = "cancelled"

	// NonRetryableStageError marks stage failures a new attempt cannot fix.
	NonRetryableStageError = "StageRejected"

	DefaultStageTimeout          = 15 * time.Minute
	DefaultActivityHeartbeat     = 30 * time.Second
	DefaultActivityRetryAttempts = 3
)

type PipelineRequest struct {
	Request chain.Request
	// StageTimeout bounds one stage attempt; zero uses DefaultStageTimeout.
	StageTimeout time.Duration
}

type StageActivityRequest struct {
	Request chain.Request
	Index   int
}

type PipelineState struct {
	WorkflowID string
	Status     string
	NextStage  int
	Stages     []chain.StageResult
	Error      string
}

type PipelineResult struct {
	Status string
	Stages []chain.StageResult
}

type ResumeSignal struct{}

type CancelSignal struct {
	Reason string
}

// PipelineWorkflow runs every stage of a workflow as one activity each. In
// manual mode it waits for a resume signal between stages; a cancel signal
// ends the run while waiting or interrupts the running stage.
func PipelineWorkflow(ctx workflow.Context, request PipelineRequest) (PipelineResult, error) {
	definition := request.Request.Workflow.Normalize()
	if err := definition.Validate(); err != nil {
		return PipelineResult{Status: PipelineStatusFailed}, temporal.NewNonRetryableApplicationError(err.Error(), NonRetryableStageError, err)
	}
	request.Request.Workflow = definition

	state := PipelineState{
		WorkflowID: definition.ID,
		Status:     PipelineStatusRunning,
	}
	if err := workflow.SetQueryHandler(ctx, StatusQueryName, func() (PipelineState, error) {
		return state, nil
	}); err != nil {
		return PipelineResult{}, err
	}

	resumeChannel := workflow.GetSignalChannel(ctx, ResumeSignalName)
	cancelChannel := workflow.GetSignalChannel(ctx, CancelSignalName)
	logger := workflow.GetLogger(ctx)

	timeout := request.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	activityContext := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    DefaultActivityHeartbeat,
		WaitForCancellation: true,
		RetryPolicy:         stageRetryPolicy(),
	})

	finish := func(status string) PipelineResult {
		state.Status = status
		return PipelineResult{Status: status, Stages: append([]chain.StageResult(nil), state.Stages...)}
	}

	for index, stage := range definition.Stages {
		state.NextStage = index
		if index > 0 && definition.RunMode == chain.RunManual {
			state.Status = PipelineStatusWaiting
			cancelled := false
			selector := workflow.NewSelector(ctx)
			selector.AddReceive(resumeChannel, func(channel workflow.ReceiveChannel, more bool) {
				var signal ResumeSignal
				channel.Receive(ctx, &signal)
			})
			selector.AddReceive(cancelChannel, func(channel workflow.ReceiveChannel, more bool) {
				var signal CancelSignal
				channel.Receive(ctx, &signal)
				logger.Info("pipeline cancelled while waiting", "stage", stage.ID, "reason", signal.Reason)
				cancelled = true
			})
			selector.Select(ctx)
			if cancelled {
				return finish(PipelineStatusCancelled), nil
			}
			state.Status = PipelineStatusRunning
		}

		stageContext, cancelStage := workflow.WithCancel(activityContext)
		future := workflow.ExecuteActivity(stageContext, RunStageActivityName, StageActivityRequest{
			Request: request.Request,
			Index:   index,
		})

		var result chain.StageResult
		var stageErr error
		cancelled := false
		selector := workflow.NewSelector(ctx)
		selector.AddFuture(future, func(f workflow.Future) {
			stageErr = f.Get(ctx, &result)
		})
		selector.AddReceive(cancelChannel, func(channel workflow.ReceiveChannel, more bool) {
			var signal CancelSignal
			channel.Receive(ctx, &signal)
			logger.Info("pipeline cancelled during stage", "stage", stage.ID, "reason", signal.Reason)
			cancelled = true
			cancelStage()
		})
		selector.Select(ctx)
		if cancelled {
			_ = future.Get(ctx, &result)
			return finish(PipelineStatusCancelled), nil
		}
		cancelStage()

		if stageErr != nil {
			state.Error = stageErr.Error()
			logger.Warn("pipeline stage failed", "stage", stage.ID, "error", stageErr)
			return finish(PipelineStatusFailed), fmt.Errorf("stage %s: %w", stage.ID, stageErr)
		}
		state.Stages = append(state.Stages, result)
	}
	state.NextStage = len(definition.Stages)
	return finish(PipelineStatusCompleted), nil
}

func stageRetryPolicy() *temporal.RetryPolicy {
	return &temporal.RetryPolicy{
		InitialInterval:        2 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        30 * time.Second,
		MaximumAttempts:        DefaultActivityRetryAttempts,
		NonRetryableErrorTypes: []string{NonRetryableStageError},
	}
}
