package temporalworker

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"promptchain/internal/logging"
	"promptchain/internal/temporal"
	"promptchain/internal/temporal/activities"
	"promptchain/internal/temporal/workflows"
)

const (
	defaultMaxConcurrentActivities    = 4
	defaultMaxConcurrentWorkflowTasks = 10
	defaultWorkerStopTimeout          = 5 * time.Second
	defaultDeadlockDetectionTimeout   = 10 * time.Second
)

var (
	workerMutex  sync.Mutex
	activeWorker worker.Worker
)

type Options struct {
	TaskQueue string
	Runner    activities.StageRunner
	Logger    *logging.Logger
}

// StartWorker registers the pipeline workflow and its stage activity on the
// task queue. Only one worker runs per process.
func StartWorker(temporalClient temporal.WorkflowClient, options Options) error {
	if temporalClient == nil {
		return errors.New("temporal client is required")
	}
	if options.Runner == nil {
		return errors.New("stage runner is required")
	}
	sdkClient, ok := temporalClient.(client.Client)
	if !ok {
		return errors.New("temporal client does not support worker")
	}
	taskQueue := strings.TrimSpace(options.TaskQueue)
	if taskQueue == "" {
		taskQueue = workflows.PipelineTaskQueueName
	}

	workerMutex.Lock()
	defer workerMutex.Unlock()
	if activeWorker != nil {
		return errors.New("temporal worker already running")
	}

	workerInstance := worker.New(sdkClient, taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     defaultMaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: defaultMaxConcurrentWorkflowTasks,
		MaxConcurrentActivityTaskPollers:       2,
		MaxConcurrentWorkflowTaskPollers:       2,
		WorkerStopTimeout:                      defaultWorkerStopTimeout,
		DeadlockDetectionTimeout:               defaultDeadlockDetectionTimeout,
	})
	workerInstance.RegisterWorkflow(workflows.PipelineWorkflow)
	workerInstance.RegisterActivity(activities.NewStageActivities(options.Runner, options.Logger))

	if err := workerInstance.Start(); err != nil {
		return err
	}
	activeWorker = workerInstance
	options.Logger.Info("temporal worker started", map[string]string{
		"task_queue": taskQueue,
	})
	return nil
}

func StopWorker() {
	workerMutex.Lock()
	workerInstance := activeWorker
	activeWorker = nil
	workerMutex.Unlock()

	if workerInstance != nil {
		workerInstance.Stop()
	}
}
