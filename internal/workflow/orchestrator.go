package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"promptchain/internal/collector"
	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/metrics"
	"promptchain/internal/otel"
	"promptchain/internal/retry"
	"promptchain/internal/stream"
)

// Streamer sends one query and follows its reply over a live connection.
type Streamer interface {
	Send(ctx context.Context, q ephor.Query, onModel stream.ModelFunc) (stream.Result, error)
}

// Chatter posts a query to the multiplexer endpoint.
type Chatter interface {
	Chat(ctx context.Context, q ephor.Query) (ephor.ChatResponse, error)
}

// ReplyCollector gathers replies that only show up in the channel log.
// Forget releases what it remembers about an anchor once the stage is done
// with it.
type ReplyCollector interface {
	Collect(ctx context.Context, req collector.Request, onFound collector.FoundFunc) (collector.Result, error)
	Forget(anchor string)
}

// Progress is reported on every phase change and every model reply.
type Progress struct {
	StageIndex int
	StageID    string
	Phase      Phase
	Model      string
	Found      int
	Expected   int
}

type Options struct {
	Results        *Results
	Streamer       Streamer
	Chatter        Chatter
	Collector      ReplyCollector
	Retry          retry.Policy
	CollectTimeout time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	Progress       func(Progress)
	Now            func() time.Time
}

// Request describes one workflow invocation.
type Request struct {
	Workflow          Workflow
	ContextID         string
	ProjectID         string
	ChannelID         string
	ParentMessageID   string
	Transcript        string
	Placeholders      map[string]string
	Instructions      map[string]string
	InstructionsScope InstructionScope
	PastContext       []ephor.PastMessage
}

// Orchestrator runs the stages of a workflow in order, persisting each
// stage's result before the next one is expanded.
type Orchestrator struct {
	results        *Results
	streamer       Streamer
	chatter        Chatter
	collector      ReplyCollector
	retry          retry.Policy
	collectTimeout time.Duration
	logger         *logging.Logger
	metrics        *metrics.Registry
	progress       func(Progress)
	now            func() time.Time

	resume chan struct{}
}

func New(opts Options) *Orchestrator {
	orchestrator := &Orchestrator{
		results:        opts.Results,
		streamer:       opts.Streamer,
		chatter:        opts.Chatter,
		collector:      opts.Collector,
		retry:          opts.Retry,
		collectTimeout: opts.CollectTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		progress:       opts.Progress,
		now:            opts.Now,
		resume:         make(chan struct{}, 1),
	}
	if orchestrator.results == nil {
		orchestrator.results = NewResults(nil)
	}
	if orchestrator.now == nil {
		orchestrator.now = time.Now
	}
	return orchestrator
}

// Resume releases a manual-mode run waiting between stages. Extra calls
// before the run waits are coalesced.
func (o *Orchestrator) Resume() {
	select {
	case o.resume <- struct{}{}:
	default:
	}
}

// Run executes every stage. In manual mode it waits for Resume between
// stages. It stops at the first stage that fails and returns the results
// persisted so far.
func (o *Orchestrator) Run(ctx context.Context, req Request) ([]StageResult, error) {
	req.Workflow = req.Workflow.Normalize()
	if err := req.Workflow.Validate(); err != nil {
		return nil, err
	}
	results := make([]StageResult, 0, len(req.Workflow.Stages))
	for index := range req.Workflow.Stages {
		if index > 0 && req.Workflow.RunMode == RunManual {
			if err := o.waitResume(ctx, req, index); err != nil {
				return results, err
			}
		}
		parent := ""
		if index == 0 {
			parent = req.ParentMessageID
		}
		result, err := o.runStage(ctx, req, index, parent)
		results = append(results, result)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// RunStage executes a single stage against the results already persisted
// for the earlier stages. The first stage honours req.ParentMessageID as Run
// does.
func (o *Orchestrator) RunStage(ctx context.Context, req Request, index int) (StageResult, error) {
	req.Workflow = req.Workflow.Normalize()
	if err := req.Workflow.Validate(); err != nil {
		return StageResult{}, err
	}
	if index < 0 || index >= len(req.Workflow.Stages) {
		return StageResult{}, fmt.Errorf("%w: stage index %d out of range", ErrInvalidWorkflow, index)
	}
	parent := ""
	if index == 0 {
		parent = req.ParentMessageID
	}
	return o.runStage(ctx, req, index, parent)
}

func (o *Orchestrator) waitResume(ctx context.Context, req Request, index int) error {
	stage := req.Workflow.Stages[index]
	o.logger.Info("waiting for resume", map[string]string{
		"workflow": req.Workflow.ID,
		"stage":    stage.ID,
	})
	o.report(Progress{StageIndex: index, StageID: stage.ID, Phase: PhasePending, Expected: len(stage.Models)})
	select {
	case <-ctx.Done():
		return ephor.Cancelled("resume workflow", ctx.Err())
	case <-o.resume:
		return nil
	}
}

// stageRun is the mutable state of one stage invocation.
type stageRun struct {
	orchestrator *Orchestrator
	index        int
	stage        Stage
	contextID    string
	logger       *logging.Logger

	mu     sync.Mutex
	phase  Phase
	result StageResult
}

func (o *Orchestrator) runStage(ctx context.Context, req Request, index int, parentOverride string) (StageResult, error) {
	stage := req.Workflow.Stages[index]
	ctx, span := otel.StartSpan(ctx, "workflow.stage",
		attribute.String("workflow.id", req.Workflow.ID),
		attribute.String("stage.id", stage.ID),
		attribute.Int("stage.index", index),
		attribute.String("connection.mode", string(req.Workflow.ConnectionMode)),
	)
	result, err := o.executeStage(ctx, req, index, parentOverride)
	span.SetAttributes(attribute.String("stage.status", string(result.Status)))
	otel.EndSpan(span, err)
	return result, err
}

func (o *Orchestrator) executeStage(ctx context.Context, req Request, index int, parentOverride string) (StageResult, error) {
	stage := req.Workflow.Stages[index]
	run := &stageRun{
		orchestrator: o,
		index:        index,
		stage:        stage,
		contextID:    req.ContextID,
		phase:        PhasePending,
		logger: o.logger.With(map[string]string{
			"workflow": req.Workflow.ID,
			"context":  req.ContextID,
			"stage":    stage.ID,
		}),
		result: StageResult{
			StageID:      stage.ID,
			StageName:    stage.Name,
			Status:       StatusRunning,
			PerModelText: map[string]string{},
		},
	}
	o.metrics.IncStageStarted()

	prior, err := o.priorResults(ctx, req, index)
	if err != nil {
		return run.fail(ctx, err)
	}
	prompt := Expand(stage.PromptTemplate, Scope{
		Transcript: req.Transcript,
		Prior:      prior,
		Named:      req.Placeholders,
	})
	prompt = WithInstructions(req.Instructions[InstructionKey(req.InstructionsScope, req.ContextID, stage.ID)], prompt)

	parent := strings.TrimSpace(parentOverride)
	if parent == "" {
		if parent, err = o.results.LastMessage(ctx, req.ChannelID); err != nil {
			return run.fail(ctx, err)
		}
	}
	if parent == "" {
		parent = req.ParentMessageID
	}
	query := ephor.Query{
		Text:            prompt,
		Models:          stage.Models,
		MessageID:       ephor.NewMessageID(),
		ParentMessageID: parent,
		ChannelID:       req.ChannelID,
		ProjectID:       req.ProjectID,
		PastContext:     req.PastContext,
	}

	run.result.MessageID = query.MessageID
	if err := run.advance(PhaseSending); err != nil {
		return run.fail(ctx, err)
	}
	if err := run.persist(ctx); err != nil {
		return run.fail(ctx, err)
	}

	var (
		replyID string
		missing []string
	)
	switch req.Workflow.ConnectionMode {
	case ConnectionMultiplexer:
		replyID, missing, err = run.multiplex(ctx, query, req, o.collectTimeout)
	default:
		replyID, missing, err = run.stream(ctx, query)
	}
	if err != nil {
		return run.fail(ctx, err)
	}
	return run.complete(ctx, req.ChannelID, replyID, missing)
}

func (o *Orchestrator) priorResults(ctx context.Context, req Request, index int) ([]StageResult, error) {
	prior := make([]StageResult, 0, index)
	for _, stage := range req.Workflow.Stages[:index] {
		result, ok, err := o.results.Load(ctx, req.ContextID, stage.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			result = StageResult{StageID: stage.ID, StageName: stage.Name}
		}
		prior = append(prior, result)
	}
	return prior, nil
}

func (o *Orchestrator) report(progress Progress) {
	if o.progress != nil {
		o.progress(progress)
	}
}

func (r *stageRun) stream(ctx context.Context, query ephor.Query) (string, []string, error) {
	o := r.orchestrator
	if o.streamer == nil {
		return "", nil, ephor.Protocol("stream stage", "no stream transport configured")
	}
	if err := r.advance(PhaseStreaming); err != nil {
		return "", nil, err
	}
	result, err := retry.Do(ctx, o.retry, "stream stage", func(ctx context.Context) (stream.Result, error) {
		return o.streamer.Send(ctx, query, func(model, text string) {
			r.modelFound(ctx, model, text)
		})
	})
	if err != nil {
		return "", nil, err
	}
	for _, model := range r.stage.Models {
		if text := result.PerModel[model]; text != "" {
			r.modelFound(ctx, model, text)
		}
	}
	return result.ReplyID, result.Missing, nil
}

func (r *stageRun) multiplex(ctx context.Context, query ephor.Query, req Request, timeout time.Duration) (string, []string, error) {
	o := r.orchestrator
	if o.chatter == nil {
		return "", nil, ephor.Protocol("multiplexer stage", "no multiplexer client configured")
	}
	response, err := retry.Do(ctx, o.retry, "multiplexer stage", func(ctx context.Context) (ephor.ChatResponse, error) {
		return o.chatter.Chat(ctx, query)
	})
	if err != nil {
		return "", nil, err
	}
	if response.Cost != nil {
		r.addCost(*response.Cost)
	}
	if len(r.stage.Models) == 1 && strings.TrimSpace(response.Output) != "" {
		r.modelFound(ctx, r.stage.Models[0], response.Output)
	}
	if err := r.advance(PhaseCollecting); err != nil {
		return "", nil, err
	}
	if missing := r.missing(); len(missing) == 0 || o.collector == nil {
		return "", missing, nil
	}

	defer o.collector.Forget(query.MessageID)
	collected, err := o.collector.Collect(ctx, collector.Request{
		ProjectID:       req.ProjectID,
		ChannelID:       req.ChannelID,
		AnchorMessageID: query.MessageID,
		ExpectedModels:  r.stage.Models,
		Timeout:         timeout,
	}, func(model, text string) {
		r.modelFound(ctx, model, text)
	})
	if err != nil {
		return "", nil, err
	}
	for model, text := range collected.PerModel {
		r.modelFound(ctx, model, text)
	}
	r.addCost(collected.Cost)
	return collected.NewestReplyID, r.missing(), nil
}

// modelFound records a model's text, persists the running result and ticks
// progress the first time the model is seen.
func (r *stageRun) modelFound(ctx context.Context, model, text string) {
	r.mu.Lock()
	previous, seen := r.result.PerModelText[model]
	if seen && previous == text {
		r.mu.Unlock()
		return
	}
	if !r.result.setModelText(r.stage.Models, model, text) {
		r.mu.Unlock()
		r.logger.Warn("ignoring reply for model outside the stage", map[string]string{"model": model})
		return
	}
	r.result.CombinedText = Combine(r.stage.Models, r.result.PerModelText)
	found := len(r.result.PerModelText)
	phase := r.phase
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.logger.Warn("partial result not persisted", map[string]string{"model": model, "error": err.Error()})
	}
	if seen {
		return
	}
	r.logger.Info("model reply stored", map[string]string{
		"model": model,
		"found": strconv.Itoa(found) + "/" + strconv.Itoa(len(r.stage.Models)),
	})
	r.orchestrator.report(Progress{
		StageIndex: r.index,
		StageID:    r.stage.ID,
		Phase:      phase,
		Model:      model,
		Found:      found,
		Expected:   len(r.stage.Models),
	})
}

func (r *stageRun) addCost(cost float64) {
	r.mu.Lock()
	r.result.Cost += cost
	r.mu.Unlock()
}

func (r *stageRun) missing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	for _, model := range r.stage.Models {
		if strings.TrimSpace(r.result.PerModelText[model]) == "" {
			missing = append(missing, model)
		}
	}
	return missing
}

func (r *stageRun) advance(to Phase) error {
	r.mu.Lock()
	if err := r.phase.next(to); err != nil {
		r.mu.Unlock()
		return err
	}
	from := r.phase
	r.phase = to
	found := len(r.result.PerModelText)
	r.mu.Unlock()

	r.logger.Debug("stage phase", map[string]string{"from": string(from), "to": string(to)})
	r.orchestrator.report(Progress{
		StageIndex: r.index,
		StageID:    r.stage.ID,
		Phase:      to,
		Found:      found,
		Expected:   len(r.stage.Models),
	})
	return nil
}

// persist writes a snapshot of the current result. It ignores caller
// cancellation so a cancelled stage can still record its final state.
func (r *stageRun) persist(ctx context.Context) error {
	r.mu.Lock()
	r.result.UpdatedAt = r.orchestrator.now()
	snapshot := r.result.clone()
	r.mu.Unlock()
	return r.orchestrator.results.Save(context.WithoutCancel(ctx), r.contextID, snapshot)
}

func (r *stageRun) complete(ctx context.Context, channelID, replyID string, missing []string) (StageResult, error) {
	o := r.orchestrator
	r.mu.Lock()
	r.result.Status = StatusCompleted
	r.result.ReplyID = replyID
	r.result.FailedModels = append([]string(nil), missing...)
	r.result.CombinedText = Combine(r.stage.Models, r.result.PerModelText)
	found := len(r.result.PerModelText)
	messageID := r.result.MessageID
	r.mu.Unlock()

	if err := r.advance(PhasePersisted); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.persist(ctx); err != nil {
		return r.fail(ctx, err)
	}
	latest := replyID
	if latest == "" {
		latest = messageID
	}
	if err := o.results.SetLastMessage(context.WithoutCancel(ctx), channelID, latest); err != nil {
		r.logger.Warn("last message id not recorded", map[string]string{"error": err.Error()})
	}

	o.metrics.IncStageCompleted()
	o.metrics.AddModels(found, len(missing))
	fields := map[string]string{"found": strconv.Itoa(found)}
	if len(missing) > 0 {
		fields["missing"] = strings.Join(missing, ",")
	}
	r.logger.Info("stage completed", fields)
	_ = r.advance(PhaseDone)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.clone(), nil
}

// fail persists the stage as failed, or cancelled when the error is a
// cancellation, and returns the error for the caller to halt on.
func (r *stageRun) fail(ctx context.Context, cause error) (StageResult, error) {
	o := r.orchestrator
	status, phase := StatusFailed, PhaseFailed
	if ephor.IsCancelled(cause) || errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		status, phase = StatusCancelled, PhaseCancelled
		if !ephor.IsCancelled(cause) {
			cause = ephor.Cancelled("stage "+r.stage.ID, cause)
		}
	}

	r.mu.Lock()
	r.result.Status = status
	r.result.Error = cause.Error()
	r.result.FailedModels = nil
	for _, model := range r.stage.Models {
		if strings.TrimSpace(r.result.PerModelText[model]) == "" {
			r.result.FailedModels = append(r.result.FailedModels, model)
		}
	}
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		r.logger.Error("failed stage not persisted", map[string]string{"error": err.Error()})
	}
	_ = r.advance(phase)

	if status == StatusCancelled {
		o.metrics.IncStageCancelled()
		r.logger.Warn("stage cancelled", map[string]string{"error": cause.Error()})
	} else {
		o.metrics.IncStageFailed()
		r.logger.Error("stage failed", map[string]string{"error": cause.Error()})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.clone(), fmt.Errorf("stage %s: %w", r.stage.ID, cause)
}
