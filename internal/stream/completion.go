package stream

import "time"

type Reason string

const (
	ReasonTerminal    Reason = "terminal"
	ReasonETA         Reason = "eta"
	ReasonIdle        Reason = "idle"
	ReasonQuietOpen   Reason = "quiet_open"
	ReasonClosed      Reason = "closed"
	ReasonReadError   Reason = "read_error"
	ReasonHardTimeout Reason = "hard_timeout"
)

type Phase string

const (
	PhaseAwaitingFirstToken Phase = "awaiting_first_token"
	PhaseStreaming          Phase = "streaming"
	PhaseQuietCandidate     Phase = "quiet_candidate"
	PhaseDone               Phase = "done"
)

// Timing holds the completion heuristics. The values are tunable defaults,
// not protocol constants.
type Timing struct {
	Grace     time.Duration
	Idle      time.Duration
	QuietOpen time.Duration
	Tick      time.Duration
}

func DefaultSocketTiming() Timing {
	return Timing{
		Grace:     600 * time.Millisecond,
		Idle:      3000 * time.Millisecond,
		QuietOpen: 15000 * time.Millisecond,
		Tick:      200 * time.Millisecond,
	}
}

func DefaultSSETiming() Timing {
	timing := DefaultSocketTiming()
	timing.Idle = 1500 * time.Millisecond
	return timing
}

func (t Timing) withDefaults(fallback Timing) Timing {
	if t.Grace <= 0 {
		t.Grace = fallback.Grace
	}
	if t.Idle <= 0 {
		t.Idle = fallback.Idle
	}
	if t.QuietOpen <= 0 {
		t.QuietOpen = fallback.QuietOpen
	}
	if t.Tick <= 0 {
		t.Tick = fallback.Tick
	}
	return t
}

// Tracker decides when a reply is finished. It holds timestamps only and is
// driven entirely by the caller's clock.
type Tracker struct {
	timing   Timing
	openedAt time.Time
	firstAt  time.Time
	lastAt   time.Time
	eta      time.Duration
	hasETA   bool
	terminal bool
	tokens   int
	reason   Reason
}

func NewTracker(timing Timing, openedAt time.Time) *Tracker {
	return &Tracker{timing: timing, openedAt: openedAt}
}

func (t *Tracker) Token(at time.Time) {
	if t.tokens == 0 {
		t.firstAt = at
	}
	t.lastAt = at
	t.tokens++
}

// SetETA keeps the first estimate only.
func (t *Tracker) SetETA(eta time.Duration) {
	if t.hasETA || eta <= 0 {
		return
	}
	t.eta = eta
	t.hasETA = true
}

func (t *Tracker) MarkTerminal() {
	t.terminal = true
}

func (t *Tracker) Started() bool {
	return t.tokens > 0
}

func (t *Tracker) ETA() (time.Duration, bool) {
	return t.eta, t.hasETA
}

// Check evaluates the completion predicates at now. Once it reports done the
// reason is sticky.
func (t *Tracker) Check(now time.Time) (Reason, bool) {
	if t.reason != "" {
		return t.reason, true
	}
	if reason, done := t.evaluate(now); done {
		t.reason = reason
		return reason, true
	}
	return "", false
}

// Finish forces completion for reasons outside the heuristics (close, errors).
func (t *Tracker) Finish(reason Reason) {
	if t.reason == "" {
		t.reason = reason
	}
}

func (t *Tracker) evaluate(now time.Time) (Reason, bool) {
	if t.terminal {
		return ReasonTerminal, true
	}
	if !t.Started() {
		if now.Sub(t.openedAt) >= t.timing.QuietOpen {
			return ReasonQuietOpen, true
		}
		return "", false
	}
	idle := now.Sub(t.lastAt) >= t.timing.Idle
	if !idle {
		return "", false
	}
	if t.hasETA {
		if now.Sub(t.firstAt) >= t.eta+t.timing.Grace {
			return ReasonETA, true
		}
		return "", false
	}
	return ReasonIdle, true
}

func (t *Tracker) Phase(now time.Time) Phase {
	switch {
	case t.reason != "":
		return PhaseDone
	case !t.Started():
		return PhaseAwaitingFirstToken
	case now.Sub(t.lastAt) >= t.timing.Idle:
		return PhaseQuietCandidate
	default:
		return PhaseStreaming
	}
}
