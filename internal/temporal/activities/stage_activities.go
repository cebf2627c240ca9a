package activities

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/temporal/workflows"
	chain "promptchain/internal/workflow"
)

const defaultHeartbeatInterval = 10 * time.Second

// StageRunner executes one stage; *workflow.Orchestrator satisfies it.
type StageRunner interface {
	RunStage(ctx context.Context, req chain.Request, index int) (chain.StageResult, error)
}

type StageActivities struct {
	Runner            StageRunner
	Logger            *logging.Logger
	HeartbeatInterval time.Duration
}

func NewStageActivities(runner StageRunner, logger *logging.Logger) *StageActivities {
	return &StageActivities{Runner: runner, Logger: logger}
}

// RunStageActivity runs one stage while heartbeating. Rejections,
// cancellations and invalid workflows are reported as non-retryable.
func (a *StageActivities) RunStageActivity(ctx context.Context, request workflows.StageActivityRequest) (chain.StageResult, error) {
	if a == nil || a.Runner == nil {
		return chain.StageResult{}, temporal.NewNonRetryableApplicationError("stage runner unavailable", workflows.NonRetryableStageError, nil)
	}
	stop := a.heartbeat(ctx, request.Index)
	defer stop()

	attempt := int32(1)
	if activity.IsActivity(ctx) {
		attempt = activity.GetInfo(ctx).Attempt
	}
	a.Logger.Info("stage activity started", map[string]string{
		"workflow": request.Request.Workflow.ID,
		"context":  request.Request.ContextID,
		"index":    strconv.Itoa(request.Index),
		"attempt":  strconv.Itoa(int(attempt)),
	})

	result, err := a.Runner.RunStage(ctx, request.Request, request.Index)
	if err == nil {
		return result, nil
	}
	if nonRetryable(err) {
		return result, temporal.NewNonRetryableApplicationError(err.Error(), workflows.NonRetryableStageError, err)
	}
	return result, err
}

func (a *StageActivities) heartbeat(ctx context.Context, index int) func() {
	if !activity.IsActivity(ctx) {
		return func() {}
	}
	interval := a.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, index)
			}
		}
	}()
	return func() { close(done) }
}

func nonRetryable(err error) bool {
	if errors.Is(err, chain.ErrInvalidWorkflow) || errors.Is(err, chain.ErrNoStages) {
		return true
	}
	switch ephor.KindOf(err) {
	case ephor.KindBackendRejected, ephor.KindCancelled, ephor.KindProtocolMismatch:
		return true
	}
	return false
}
