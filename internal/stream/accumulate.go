package stream

import (
	"sort"
	"strings"
	"time"

	"promptchain/internal/logging"
)

// ModelFunc receives a model's reply text once, as soon as it is final.
type ModelFunc func(model, text string)

// accumulator attributes inner events of one session to the query's models
// and collects their text. Events carrying one of ownIDs are echoes of the
// user's message and are skipped.
type accumulator struct {
	ownIDs       map[string]bool
	expected     []string
	expectedSet  map[string]bool
	tracker      *Tracker
	logger       *logging.Logger
	onModel      ModelFunc

	all          strings.Builder
	text         map[string]*strings.Builder
	modelByReply map[string]string
	replyByModel map[string]string
	finished     map[string]bool
	reported     map[string]bool
}

func newAccumulator(ownIDs []string, models []string, tracker *Tracker, logger *logging.Logger, onModel ModelFunc) *accumulator {
	acc := &accumulator{
		ownIDs:       make(map[string]bool, len(ownIDs)),
		expectedSet:  make(map[string]bool, len(models)),
		tracker:      tracker,
		logger:       logger,
		onModel:      onModel,
		text:         make(map[string]*strings.Builder),
		modelByReply: make(map[string]string),
		replyByModel: make(map[string]string),
		finished:     make(map[string]bool),
		reported:     make(map[string]bool),
	}
	for _, id := range ownIDs {
		if id = strings.TrimSpace(id); id != "" {
			acc.ownIDs[id] = true
		}
	}
	for _, model := range models {
		model = strings.TrimSpace(model)
		if model == "" || acc.expectedSet[model] {
			continue
		}
		acc.expected = append(acc.expected, model)
		acc.expectedSet[model] = true
	}
	return acc
}

// apply folds one inner event into the session state.
func (a *accumulator) apply(ev Event, now time.Time) {
	replyID := MessageIDOf(ev)
	if replyID != "" && a.ownIDs[replyID] {
		return
	}
	model, ok := a.attribute(ev, replyID)
	if !ok {
		return
	}
	if replyID != "" {
		if bound, has := a.replyByModel[model]; has && bound != replyID {
			return
		}
		a.replyByModel[model] = replyID
		a.modelByReply[replyID] = model
	}

	if eta, ok := ExtractETA(ev); ok {
		a.tracker.SetETA(eta)
	}

	terminal := IsTerminalEvent(ev)
	token, _, matched := ExtractToken(ev)
	if !matched && !terminal {
		a.logger.Warn("unrecognised reply shape", map[string]string{
			"model": model,
			"keys":  strings.Join(eventKeys(ev), ","),
		})
	}
	if token != "" {
		builder := a.text[model]
		if builder == nil {
			builder = &strings.Builder{}
			a.text[model] = builder
		}
		builder.WriteString(token)
		a.all.WriteString(token)
		a.tracker.Token(now)
	}

	if terminal {
		a.finished[model] = true
		a.report(model)
		if a.allFinished() {
			a.tracker.MarkTerminal()
		}
	}
}

// attribute picks the model an event belongs to: its explicit tag, then the
// model already bound to its reply id, then the only model, then the first
// model that has no reply bound yet.
func (a *accumulator) attribute(ev Event, replyID string) (string, bool) {
	if tagged := ModelOf(ev); tagged != "" {
		if a.expectedSet[tagged] {
			return tagged, true
		}
		if len(a.expected) != 1 {
			return "", false
		}
	}
	if replyID != "" {
		if model, ok := a.modelByReply[replyID]; ok {
			return model, true
		}
	}
	if len(a.expected) == 1 {
		return a.expected[0], true
	}
	for _, model := range a.expected {
		if _, bound := a.replyByModel[model]; !bound && !a.finished[model] {
			return model, true
		}
	}
	return "", false
}

func (a *accumulator) allFinished() bool {
	if len(a.expected) == 0 {
		return true
	}
	for _, model := range a.expected {
		if !a.finished[model] {
			return false
		}
	}
	return true
}

func (a *accumulator) report(model string) {
	if a.reported[model] {
		return
	}
	text := a.modelText(model)
	if text == "" {
		return
	}
	a.reported[model] = true
	if a.onModel != nil {
		a.onModel(model, text)
	}
}

func (a *accumulator) modelText(model string) string {
	builder := a.text[model]
	if builder == nil {
		return ""
	}
	return builder.String()
}

// result reports every model with text that was not reported yet and lists
// the models that produced nothing.
func (a *accumulator) result(reason Reason) Result {
	result := Result{
		Text:     a.all.String(),
		PerModel: make(map[string]string),
		ReplyIDs: make(map[string]string),
		Reason:   reason,
	}
	for _, model := range a.expected {
		a.report(model)
		if text := a.modelText(model); text != "" {
			result.PerModel[model] = text
		} else {
			result.Missing = append(result.Missing, model)
		}
		if replyID := a.replyByModel[model]; replyID != "" {
			result.ReplyIDs[model] = replyID
		}
	}
	if len(a.expected) > 0 {
		result.ReplyID = a.replyByModel[a.expected[0]]
	}
	if eta, ok := a.tracker.ETA(); ok {
		result.ETA = eta
	}
	return result
}

func eventKeys(ev Event) []string {
	keys := make([]string, 0, len(ev))
	for key := range ev {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
