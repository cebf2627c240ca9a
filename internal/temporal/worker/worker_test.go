package temporalworker

import (
	"context"
	"testing"

	"promptchain/internal/temporal"
	chain "promptchain/internal/workflow"
)

type nopRunner struct{}

func (nopRunner) RunStage(context.Context, chain.Request, int) (chain.StageResult, error) {
	return chain.StageResult{}, nil
}

// fakeClient satisfies temporal.WorkflowClient but not client.Client.
type fakeClient struct {
	temporal.WorkflowClient
}

func TestStartWorkerValidatesInputs(t *testing.T) {
	if err := StartWorker(nil, Options{Runner: nopRunner{}}); err == nil {
		t.Fatal("expected missing client error")
	}
	if err := StartWorker(fakeClient{}, Options{}); err == nil {
		t.Fatal("expected missing runner error")
	}
	err := StartWorker(fakeClient{}, Options{Runner: nopRunner{}})
	if err == nil || err.Error() != "temporal client does not support worker" {
		t.Fatalf("expected unsupported client error, got %v", err)
	}
	StopWorker()
}
