package stream

import (
	"testing"
	"time"

	"promptchain/internal/logging"
)

func TestSessionLogsPhaseTransitions(t *testing.T) {
	timing := Timing{Grace: time.Second, Idle: 300 * time.Millisecond, QuietOpen: time.Minute, Tick: 200 * time.Millisecond}
	tracker := NewTracker(timing, at(0))
	tracker.SetETA(5 * time.Second)
	logger := logging.Discard()
	s := &session{timing: timing, tracker: tracker, logger: logger}

	s.observe(at(0))
	tracker.Token(at(100))
	s.observe(at(150))
	s.observe(at(350))
	s.observe(at(450))
	tracker.Finish(ReasonClosed)
	s.observe(at(500))

	var phases []string
	for _, entry := range logger.History().List() {
		if entry.Message == "stream phase changed" {
			phases = append(phases, entry.Context["phase"])
		}
	}
	want := []string{"awaiting_first_token", "streaming", "quiet_candidate", "done"}
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, phases)
		}
	}
}
