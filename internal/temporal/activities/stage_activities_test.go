package activities

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"go.temporal.io/sdk/temporal"

	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/temporal/workflows"
	chain "promptchain/internal/workflow"
)

type fakeRunner struct {
	result chain.StageResult
	err    error
	index  int
}

func (r *fakeRunner) RunStage(ctx context.Context, req chain.Request, index int) (chain.StageResult, error) {
	r.index = index
	return r.result, r.err
}

func newTestActivities(runner StageRunner) (*StageActivities, *logging.History) {
	history := logging.NewHistory(16)
	return NewStageActivities(runner, logging.NewWithOutput(history, logging.LevelDebug, io.Discard)), history
}

func TestRunStageActivityReturnsResult(t *testing.T) {
	runner := &fakeRunner{result: chain.StageResult{StageID: "draft", Status: chain.StatusCompleted}}
	activities, history := newTestActivities(runner)

	result, err := activities.RunStageActivity(context.Background(), workflows.StageActivityRequest{
		Request: chain.Request{ContextID: "ticket-1", Workflow: chain.Workflow{ID: "reply"}},
		Index:   2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StageID != "draft" || runner.index != 2 {
		t.Fatalf("unexpected result %+v index %d", result, runner.index)
	}
	entries := history.List()
	if len(entries) != 1 || entries[0].Context["attempt"] != "1" || entries[0].Context["index"] != "2" {
		t.Fatalf("expected start log entry, got %+v", entries)
	}
}

func TestRunStageActivityMarksNonRetryable(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		nonRetryable bool
	}{
		{name: "rejected", err: ephor.HTTPStatus("stream", 400, "bad model", 0), nonRetryable: true},
		{name: "cancelled", err: ephor.Cancelled("stream", context.Canceled), nonRetryable: true},
		{name: "invalid workflow", err: fmt.Errorf("%w: duplicate stage", chain.ErrInvalidWorkflow), nonRetryable: true},
		{name: "network", err: ephor.NewError(ephor.KindTransientNetwork, "stream", errors.New("reset")), nonRetryable: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			activities, _ := newTestActivities(&fakeRunner{err: tc.err})
			_, err := activities.RunStageActivity(context.Background(), workflows.StageActivityRequest{})
			if err == nil {
				t.Fatal("expected error")
			}
			var appErr *temporal.ApplicationError
			isApp := errors.As(err, &appErr)
			if tc.nonRetryable {
				if !isApp || !appErr.NonRetryable() || appErr.Type() != workflows.NonRetryableStageError {
					t.Fatalf("expected non-retryable application error, got %v", err)
				}
				return
			}
			if isApp {
				t.Fatalf("expected plain error, got %v", err)
			}
		})
	}
}

func TestRunStageActivityWithoutRunner(t *testing.T) {
	activities := &StageActivities{}
	_, err := activities.RunStageActivity(context.Background(), workflows.StageActivityRequest{})
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || !appErr.NonRetryable() {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}
