package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"promptchain/internal/cli"
	"promptchain/internal/config"
	"promptchain/internal/definition"
	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/temporal"
	temporalworker "promptchain/internal/temporal/worker"
	"promptchain/internal/temporal/workflows"
	"promptchain/internal/watcher"
	"promptchain/internal/workflow"
)

const progressMessage = "stage progress"

type runOptions struct {
	common         *commonFlags
	workflowID     string
	file           string
	contextID      string
	transcript     string
	instructions   string
	parent         string
	projectID      string
	channelID      string
	connectionMode string
	manual         bool
	stage          int
	jsonOutput     bool
	progress       bool
	placeholders   cli.KeyValues
}

// recentWarningLimit bounds the hidden warnings printed after a failed run.
const recentWarningLimit = 10

func runWorkflowCommand(ctx context.Context, args []string, cio commandIO) int {
	cio.stderr = &syncWriter{w: cio.stderr}
	fs := flag.NewFlagSet("promptchain run", flag.ContinueOnError)
	fs.SetOutput(cio.stderr)
	opts := runOptions{common: addCommonFlags(fs), placeholders: cli.KeyValues{}}
	fs.StringVar(&opts.workflowID, "workflow", definition.DefaultWorkflowID, "Workflow id in the definitions directory")
	fs.StringVar(&opts.file, "file", "", "Workflow definition file (overrides --workflow)")
	fs.StringVar(&opts.contextID, "context", "", "Context id results are stored under (default: random)")
	fs.StringVar(&opts.transcript, "transcript", "-", "Transcript file, - for stdin")
	fs.StringVar(&opts.instructions, "instructions", "", "Custom instructions prepended to every stage")
	fs.StringVar(&opts.parent, "parent", "", "Parent message id of the first stage")
	fs.StringVar(&opts.projectID, "project", "", "Backend project id")
	fs.StringVar(&opts.channelID, "channel", "", "Backend channel id")
	fs.StringVar(&opts.connectionMode, "mode", "", "Connection mode: stream or multiplexer")
	fs.BoolVar(&opts.manual, "manual", false, "Wait for a line on stdin between stages")
	fs.IntVar(&opts.stage, "stage", 0, "Run only this stage (1-based) against stored results")
	fs.BoolVar(&opts.jsonOutput, "json", false, "Print stage results as JSON")
	fs.BoolVar(&opts.progress, "progress", false, "Print stage progress to stderr")
	fs.Var(opts.placeholders, "set", "Named placeholder KEY=VALUE (repeatable)")
	if ok, code := parseFlags(fs, args, opts.common, printRunHelp, cio.stdout); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fs.Usage()
		return exitUsage
	}

	extra := map[string]any{}
	if opts.manual {
		extra["workflow.run_mode"] = string(workflow.RunManual)
	}
	if strings.TrimSpace(opts.connectionMode) != "" {
		extra["workflow.connection_mode"] = opts.connectionMode
	}
	settings, configPath, err := opts.common.loadSettings(cio.environ, extra)
	if err != nil {
		return exitCodeFor(err, cio.stderr)
	}
	logger := newLogger(settings, cio.stderr)

	doc, err := loadDefinition(opts, settings, logger)
	if err != nil {
		fmt.Fprintln(cio.stderr, err.Error())
		if errors.Is(err, definition.ErrInvalidDefinition) || errors.Is(err, definition.ErrNotFound) {
			return exitInvalid
		}
		return exitFailed
	}
	req := buildRequest(doc, opts, settings)
	if req.Workflow.RunMode == workflow.RunManual && opts.transcript == "-" {
		fmt.Fprintln(cio.stderr, "manual mode reads resume lines from stdin; pass the transcript with --transcript FILE")
		return exitUsage
	}
	if opts.stage < 0 || opts.stage > len(req.Workflow.Stages) {
		fmt.Fprintf(cio.stderr, "--stage must be between 1 and %d\n", len(req.Workflow.Stages))
		return exitUsage
	}
	transcript, err := readTranscript(opts.transcript, cio.stdin)
	if err != nil {
		fmt.Fprintf(cio.stderr, "read transcript: %v\n", err)
		return exitFailed
	}
	req.Transcript = transcript

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := watchShutdownSignals(logger, cancel, cio.signals)
	defer stopSignals()

	rt, err := newRuntime(ctx, settings, logger)
	if err != nil {
		return exitCodeFor(err, cio.stderr)
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("shutdown failed", map[string]string{"error": err.Error()})
		}
	}()
	if closeWatcher := watchSettings(configPath, cio.environ, opts.common.overrides(), rt, logger); closeWatcher != nil {
		defer closeWatcher()
	}

	orchestrator := rt.orchestrator(func(progress workflow.Progress) {
		logger.Debug(progressMessage, map[string]string{
			"stage":    progress.StageID,
			"phase":    string(progress.Phase),
			"model":    progress.Model,
			"found":    strconv.Itoa(progress.Found),
			"expected": strconv.Itoa(progress.Expected),
		})
	})

	stopProgress := func() {}
	if opts.progress {
		stopProgress = printProgress(logger, cio.stderr)
	}

	var results []workflow.StageResult
	var runErr error
	switch {
	case opts.stage > 0:
		var result workflow.StageResult
		result, runErr = orchestrator.RunStage(ctx, req, opts.stage-1)
		results = []workflow.StageResult{result}
	case settings.Temporal.Enabled:
		results, runErr = runOnTemporal(ctx, req, orchestrator, settings, logger, cio.stdin)
	default:
		if req.Workflow.RunMode == workflow.RunManual {
			go resumeOnInput(ctx, cio.stdin, orchestrator.Resume)
		}
		results, runErr = orchestrator.Run(ctx, req)
	}
	stopProgress()

	if err := printResults(cio.stdout, results, opts.jsonOutput); err != nil {
		fmt.Fprintf(cio.stderr, "write results: %v\n", err)
	}
	if opts.common.metrics {
		_ = rt.metrics.WritePrometheus(cio.stderr)
	}
	if runErr != nil {
		fmt.Fprintln(cio.stderr, runErr.Error())
		printHiddenWarnings(cio.stderr, logger)
		if errors.Is(runErr, workflow.ErrInvalidWorkflow) || errors.Is(runErr, workflow.ErrNoStages) {
			return exitInvalid
		}
		return exitFailed
	}
	return exitOK
}

func loadDefinition(opts runOptions, settings config.Settings, logger *logging.Logger) (definition.Document, error) {
	if path := strings.TrimSpace(opts.file); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return definition.Document{}, err
		}
		return definition.Decode(data)
	}
	repo := definition.NewDirectoryRepository(settings.Workflow.DefinitionsDir, logger)
	if repo.Path() == "" {
		if strings.TrimSpace(opts.workflowID) == definition.DefaultWorkflowID {
			return definition.DefaultReply(), nil
		}
		return definition.Document{}, fmt.Errorf("%w: %s (no definitions directory)", definition.ErrNotFound, opts.workflowID)
	}
	return repo.LoadOrDefault(opts.workflowID)
}

// buildRequest applies settings and flags over the definition. Settings
// fill only the modes the definition leaves open; --mode and --manual have
// already been folded into settings and always win.
func buildRequest(doc definition.Document, opts runOptions, settings config.Settings) workflow.Request {
	wf := doc.Workflow
	if wf.ConnectionMode == "" || strings.TrimSpace(opts.connectionMode) != "" {
		wf.ConnectionMode = settings.Workflow.ConnectionMode
	}
	if wf.RunMode == "" || opts.manual {
		wf.RunMode = settings.Workflow.RunMode
	}
	if doc.Instructions == nil {
		doc.Instructions = &definition.Instructions{Scope: settings.Workflow.InstructionsScope}
	}
	if text := strings.TrimSpace(opts.instructions); text != "" {
		instructions := *doc.Instructions
		instructions.Context = text
		doc.Instructions = &instructions
	}

	contextID := strings.TrimSpace(opts.contextID)
	if contextID == "" {
		contextID = uuid.NewString()
	}
	projectID := firstNonEmpty(opts.projectID, settings.Backend.ProjectID)
	channelID := firstNonEmpty(opts.channelID, settings.Backend.ChannelID)
	return workflow.Request{
		Workflow:          wf.Normalize(),
		ContextID:         contextID,
		ProjectID:         projectID,
		ChannelID:         channelID,
		ParentMessageID:   strings.TrimSpace(opts.parent),
		Placeholders:      doc.NamedPlaceholders(opts.placeholders),
		Instructions:      doc.InstructionMap(contextID),
		InstructionsScope: doc.InstructionScope(),
	}
}

// runOnTemporal hands the run to a Temporal pipeline workflow executed by an
// in-process worker, forwarding stdin lines as resume signals.
func runOnTemporal(ctx context.Context, req workflow.Request, runner *workflow.Orchestrator, settings config.Settings, logger *logging.Logger, stdin io.Reader) ([]workflow.StageResult, error) {
	client, err := temporal.NewClient(temporal.ClientConfig{
		HostPort:  settings.Temporal.HostPort,
		Namespace: settings.Temporal.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect temporal: %w", err)
	}
	defer client.Close()

	if err := temporalworker.StartWorker(client, temporalworker.Options{
		TaskQueue: settings.Temporal.TaskQueue,
		Runner:    runner,
		Logger:    logger,
	}); err != nil {
		return nil, err
	}
	defer temporalworker.StopWorker()

	pipeline, err := temporal.StartPipeline(ctx, client, settings.Temporal.TaskQueue, workflows.PipelineRequest{Request: req})
	if err != nil {
		return nil, fmt.Errorf("start pipeline: %w", err)
	}
	workflowID := pipeline.GetID()
	logger.Info("pipeline started", map[string]string{
		"workflow_id": workflowID,
		"run_id":      pipeline.GetRunID(),
	})

	if req.Workflow.RunMode == workflow.RunManual {
		go resumeOnInput(ctx, stdin, func() {
			if err := temporal.ResumePipeline(context.WithoutCancel(ctx), client, workflowID); err != nil {
				logger.Warn("resume pipeline failed", map[string]string{"error": err.Error()})
			}
		})
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
			if err := temporal.CancelPipeline(context.WithoutCancel(ctx), client, workflowID, "interrupted"); err != nil {
				logger.Warn("cancel pipeline failed", map[string]string{"error": err.Error()})
			}
		}
	}()

	var result workflows.PipelineResult
	if err := pipeline.Get(context.WithoutCancel(ctx), &result); err != nil {
		return result.Stages, err
	}
	if result.Status == workflows.PipelineStatusCancelled {
		return result.Stages, ephor.Cancelled("pipeline", context.Canceled)
	}
	return result.Stages, nil
}

// printProgress writes a line per stage progress log entry until the
// returned stop function is called. stop waits for buffered entries.
func printProgress(logger *logging.Logger, out io.Writer) func() {
	entries, cancel := logger.Subscribe()
	if entries == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if entry.Message != progressMessage {
				continue
			}
			line := fmt.Sprintf("[%s] %s", entry.Context["stage"], entry.Context["phase"])
			if model := entry.Context["model"]; model != "" {
				line += " " + model
			}
			if expected := entry.Context["expected"]; expected != "" && expected != "0" {
				line += " " + entry.Context["found"] + "/" + expected
			}
			fmt.Fprintln(out, line)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// printHiddenWarnings replays recent warnings the log level kept off stderr.
func printHiddenWarnings(out io.Writer, logger *logging.Logger) {
	if logger.Enabled(logging.LevelWarning) {
		return
	}
	var hidden []logging.Entry
	for _, entry := range logger.History().Recent(logging.LevelWarning, 0) {
		if entry.Level == logging.LevelWarning {
			hidden = append(hidden, entry)
		}
	}
	if len(hidden) == 0 {
		return
	}
	if len(hidden) > recentWarningLimit {
		hidden = hidden[len(hidden)-recentWarningLimit:]
	}
	fmt.Fprintln(out, "recent warnings:")
	for _, entry := range hidden {
		fmt.Fprintln(out, "  "+entry.String())
	}
}

func resumeOnInput(ctx context.Context, input io.Reader, resume func()) {
	if input == nil {
		return
	}
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		resume()
	}
}

// watchSettings reloads the settings file for the duration of the run and
// pushes rate limit changes into the live limiter.
func watchSettings(path string, environ []string, overrides map[string]any, rt *runtime, logger *logging.Logger) func() {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	settingsWatcher, err := config.NewWatcher(path, environ, overrides, watcher.Options{Logger: logger})
	if err != nil {
		logger.Warn("settings watch unavailable", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		return nil
	}
	settingsWatcher.OnChange(config.ApplyRateLimit(rt.limiter))
	return func() { _ = settingsWatcher.Close() }
}

func readTranscript(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		if stdin == nil {
			return "", nil
		}
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func printResults(out io.Writer, results []workflow.StageResult, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if results == nil {
			results = []workflow.StageResult{}
		}
		return encoder.Encode(results)
	}
	for _, result := range results {
		if result.StageID == "" {
			continue
		}
		if _, err := fmt.Fprintf(out, "== %s (%s)\n", result.StageID, result.Status); err != nil {
			return err
		}
		if len(result.FailedModels) > 0 {
			fmt.Fprintf(out, "missing: %s\n", strings.Join(result.FailedModels, ", "))
		}
		if result.Error != "" {
			fmt.Fprintf(out, "error: %s\n", result.Error)
		}
		if text := strings.TrimSpace(result.CombinedText); text != "" {
			fmt.Fprintln(out, text)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func printRunHelp(out io.Writer) {
	fmt.Fprintln(out, "Usage: promptchain run [options]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Run every stage of a workflow over a transcript and print the stage results")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	writeOption(out, "--workflow ID", "Workflow id (default: reply)")
	writeOption(out, "--file PATH", "Workflow definition file")
	writeOption(out, "--context ID", "Context id results are stored under")
	writeOption(out, "--transcript PATH", "Transcript file, - for stdin (default)")
	writeOption(out, "--set KEY=VALUE", "Named placeholder, repeatable")
	writeOption(out, "--instructions TEXT", "Custom instructions for every stage")
	writeOption(out, "--parent ID", "Parent message id of the first stage")
	writeOption(out, "--project ID", "Backend project id")
	writeOption(out, "--channel ID", "Backend channel id")
	writeOption(out, "--mode MODE", "stream or multiplexer")
	writeOption(out, "--manual", "Wait for a line on stdin between stages")
	writeOption(out, "--stage N", "Run only stage N against stored results")
	writeOption(out, "--json", "Print results as JSON")
	writeOption(out, "--progress", "Print stage progress to stderr")
	printCommonOptions(out)
}
