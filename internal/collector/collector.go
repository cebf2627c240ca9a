package collector

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"

	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/metrics"
	"promptchain/internal/otel"
)

const opCollect = "collect replies"

var ErrNoAnchor = errors.New("collector: anchor message id is required")

// Source reads the shared message log of a channel.
type Source interface {
	ChannelMessages(ctx context.Context, projectID, channelID string) ([]ephor.LogEntry, error)
}

type Timing struct {
	PollMin    time.Duration
	PollMax    time.Duration
	PollGrowth float64
	Quiet      time.Duration
	Timeout    time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		PollMin:    250 * time.Millisecond,
		PollMax:    1300 * time.Millisecond,
		PollGrowth: 1.15,
		Quiet:      1400 * time.Millisecond,
		Timeout:    120 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	defaults := DefaultTiming()
	if t.PollMin <= 0 {
		t.PollMin = defaults.PollMin
	}
	if t.PollMax < t.PollMin {
		t.PollMax = t.PollMin
	}
	if t.PollGrowth < 1 {
		t.PollGrowth = defaults.PollGrowth
	}
	if t.Quiet <= 0 {
		t.Quiet = defaults.Quiet
	}
	if t.Timeout <= 0 {
		t.Timeout = defaults.Timeout
	}
	return t
}

type Request struct {
	ProjectID       string
	ChannelID       string
	AnchorMessageID string
	ExpectedModels  []string
	// Timeout overrides the collector default when positive.
	Timeout time.Duration
}

type Reason string

const (
	ReasonAllFound Reason = "all_found"
	ReasonQuiet    Reason = "quiet"
	ReasonTimeout  Reason = "timeout"
)

type Result struct {
	PerModel      map[string]string
	Missing       []string
	NewestReplyID string
	NewestAt      time.Time
	Cost          float64
	Reason        Reason
}

// FoundFunc is called once per model and anchor, the first time its text
// is seen.
type FoundFunc func(model, text string)

type Options struct {
	Source  Source
	Timing  Timing
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Collector correlates asynchronous model replies in a channel log with the
// message that asked for them. It remembers what it reported per anchor, so
// collecting the same anchor again never repeats a callback.
type Collector struct {
	source  Source
	timing  Timing
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	anchors map[string]*anchorState
}

type anchorState struct {
	found    map[string]string
	costs    map[string]float64
	newestID string
	newestAt time.Time
}

func New(opts Options) *Collector {
	collector := &Collector{
		source:  opts.Source,
		timing:  opts.Timing.withDefaults(),
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		anchors: make(map[string]*anchorState),
	}
	if collector.clock == nil {
		collector.clock = clock.New()
	}
	return collector
}

// Collect polls until every expected model replied to the anchor, the log
// goes quiet after some progress, or the timeout elapses. Models that never
// replied are listed in Missing; that is not an error.
func (c *Collector) Collect(ctx context.Context, req Request, onFound FoundFunc) (Result, error) {
	ctx, span := otel.StartSpan(ctx, "collector.collect",
		attribute.String("message.anchor", req.AnchorMessageID),
		attribute.String("models", strings.Join(req.ExpectedModels, ",")),
	)
	result, err := c.collect(ctx, req, onFound)
	if err == nil {
		span.SetAttributes(
			attribute.String("collector.reason", string(result.Reason)),
			attribute.Int("collector.missing", len(result.Missing)),
		)
	}
	otel.EndSpan(span, err)
	return result, err
}

func (c *Collector) collect(ctx context.Context, req Request, onFound FoundFunc) (Result, error) {
	if strings.TrimSpace(req.AnchorMessageID) == "" {
		return Result{}, ErrNoAnchor
	}
	if c.source == nil {
		return Result{}, ephor.Protocol(opCollect, "no message log source configured")
	}
	expected := normalizeModels(req.ExpectedModels)
	logger := c.logger.With(map[string]string{
		"anchor":  req.AnchorMessageID,
		"channel": req.ChannelID,
	})

	state := c.anchor(req.AnchorMessageID)
	if len(expected) > 0 && c.allFound(state, expected) {
		logger.Debug("replies already collected", nil)
		return c.result(state, expected, ReasonAllFound), nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timing.Timeout
	}
	started := c.clock.Now()
	deadline := started.Add(timeout)
	lastProgress := started
	progressed := false
	interval := c.timing.PollMin
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, ephor.Cancelled(opCollect, err)
		}

		entries, err := c.source.ChannelMessages(ctx, req.ProjectID, req.ChannelID)
		c.metrics.IncCollectorPoll()
		wait := interval
		if err != nil {
			if ctx.Err() != nil || ephor.IsCancelled(err) {
				return Result{}, ephor.Cancelled(opCollect, err)
			}
			if ephor.KindOf(err) == ephor.KindBackendRejected {
				return Result{}, err
			}
			failures++
			wait = failureBackoff(failures, ephor.KindOf(err) == ephor.KindRateLimited)
			logger.Warn("message log fetch failed", map[string]string{
				"error":   err.Error(),
				"attempt": strconv.Itoa(failures),
				"wait_ms": strconv.FormatInt(wait.Milliseconds(), 10),
			})
		} else {
			failures = 0
			if c.scan(state, req.AnchorMessageID, expected, entries, onFound, logger) {
				lastProgress = c.clock.Now()
				progressed = true
			}
			if len(expected) > 0 && c.allFound(state, expected) {
				return c.result(state, expected, ReasonAllFound), nil
			}
			interval = nextInterval(interval, c.timing)
		}

		now := c.clock.Now()
		if progressed && now.Sub(lastProgress) >= c.timing.Quiet {
			logger.Info("message log quiet, finishing collection", map[string]string{
				"found": strconv.Itoa(len(state.found)),
			})
			return c.result(state, expected, ReasonQuiet), nil
		}
		if !now.Before(deadline) {
			logger.Warn("reply collection timed out", map[string]string{
				"found": strconv.Itoa(len(state.found)),
			})
			return c.result(state, expected, ReasonTimeout), nil
		}
		if remaining := deadline.Sub(now); wait > remaining {
			wait = remaining
		}

		timer := c.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ephor.Cancelled(opCollect, ctx.Err())
		case <-timer.C:
		}
	}
}

// scan folds one log snapshot into state and reports whether it made
// progress: a new model or a newer matching entry.
func (c *Collector) scan(state *anchorState, anchor string, expected []string, entries []ephor.LogEntry, onFound FoundFunc, logger *logging.Logger) bool {
	expectedSet := make(map[string]bool, len(expected))
	for _, model := range expected {
		expectedSet[model] = true
	}

	var newModels []modelText
	progressed := false

	c.mu.Lock()
	for index, entry := range entries {
		if entry.ParentID() != anchor || isOwnRole(entry.Role()) {
			continue
		}
		entryID := entry.ID()
		if entryID == anchor {
			continue
		}
		costKey := entryID
		if costKey == "" {
			costKey = "#" + strconv.Itoa(index)
		}
		if cost, ok := costOf(entry); ok {
			state.costs[costKey] = cost
		}

		at := entry.Timestamp()
		if at.After(state.newestAt) || (at.Equal(state.newestAt) && entryID > state.newestID) {
			if !at.Equal(state.newestAt) || entryID != state.newestID {
				progressed = true
			}
			state.newestAt = at
			state.newestID = entryID
		}

		for _, reply := range repliesOf(entry) {
			model := reply.model
			if model == "" && len(expected) == 1 {
				model = expected[0]
			}
			if model == "" || (len(expected) > 0 && !expectedSet[model]) {
				continue
			}
			if _, seen := state.found[model]; seen {
				continue
			}
			state.found[model] = reply.text
			newModels = append(newModels, modelText{model: model, text: reply.text})
			progressed = true
		}
	}
	c.mu.Unlock()

	for _, reply := range newModels {
		logger.Info("model reply found", map[string]string{
			"model": reply.model,
			"chars": strconv.Itoa(len(reply.text)),
		})
		if onFound != nil {
			onFound(reply.model, reply.text)
		}
	}
	return progressed
}

func (c *Collector) anchor(id string) *anchorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.anchors[id]
	if !ok {
		state = &anchorState{
			found: make(map[string]string),
			costs: make(map[string]float64),
		}
		c.anchors[id] = state
	}
	return state
}

func (c *Collector) allFound(state *anchorState, expected []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, model := range expected {
		if _, ok := state.found[model]; !ok {
			return false
		}
	}
	return true
}

func (c *Collector) result(state *anchorState, expected []string, reason Reason) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := Result{
		PerModel:      make(map[string]string, len(state.found)),
		NewestReplyID: state.newestID,
		NewestAt:      state.newestAt,
		Reason:        reason,
	}
	for model, text := range state.found {
		result.PerModel[model] = text
	}
	for _, model := range expected {
		if _, ok := state.found[model]; !ok {
			result.Missing = append(result.Missing, model)
		}
	}
	keys := make([]string, 0, len(state.costs))
	for key := range state.costs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result.Cost += state.costs[key]
	}
	return result
}

// Forget drops what the collector remembers about an anchor.
func (c *Collector) Forget(anchor string) {
	c.mu.Lock()
	delete(c.anchors, anchor)
	c.mu.Unlock()
}

func nextInterval(current time.Duration, timing Timing) time.Duration {
	next := time.Duration(float64(current) * timing.PollGrowth)
	if next > timing.PollMax {
		return timing.PollMax
	}
	return next
}

// failureBackoff is min(1500, 300*n) ms, plus one second when rate limited.
func failureBackoff(failures int, rateLimited bool) time.Duration {
	wait := time.Duration(300*failures) * time.Millisecond
	if wait > 1500*time.Millisecond {
		wait = 1500 * time.Millisecond
	}
	if rateLimited {
		wait += time.Second
	}
	return wait
}

func normalizeModels(models []string) []string {
	seen := make(map[string]bool, len(models))
	normalized := make([]string, 0, len(models))
	for _, model := range models {
		model = strings.TrimSpace(model)
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true
		normalized = append(normalized, model)
	}
	return normalized
}
