package workflow

import "fmt"

// Phase is the position of one stage invocation in its lifecycle.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseSending    Phase = "sending"
	PhaseStreaming  Phase = "streaming"
	PhaseCollecting Phase = "collecting"
	PhasePersisted  Phase = "persisted"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

var phaseTransitions = map[Phase][]Phase{
	PhasePending:    {PhaseSending},
	PhaseSending:    {PhaseStreaming, PhaseCollecting},
	PhaseStreaming:  {PhasePersisted},
	PhaseCollecting: {PhasePersisted},
	PhasePersisted:  {PhaseDone},
}

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCancelled
}

// next validates a transition. Failed and Cancelled are reachable from every
// non-terminal phase.
func (p Phase) next(to Phase) error {
	if p.Terminal() {
		return fmt.Errorf("stage already %s", p)
	}
	if to == PhaseFailed || to == PhaseCancelled {
		return nil
	}
	for _, allowed := range phaseTransitions[p] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("stage cannot move from %s to %s", p, to)
}
