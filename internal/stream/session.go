package stream

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"promptchain/internal/logging"
)

// Result is the outcome of one resolved session.
type Result struct {
	// Text is every token of the session in arrival order.
	Text      string
	PerModel  map[string]string
	Missing   []string
	ReplyID   string
	ReplyIDs  map[string]string
	ItemID    string
	Reason    Reason
	ETA       time.Duration
	Mechanism string
}

type frame struct {
	data []byte
	err  error
}

// session runs the single read loop of one query: frames from the reader
// goroutine, the completion tick, the hard timeout and cancellation.
type session struct {
	clock       clock.Clock
	timing      Timing
	hardTimeout time.Duration
	tracker     *Tracker
	logger      *logging.Logger
	phase       Phase
}

// errNoReply marks a hard timeout before any token arrived.
type errNoReply struct{}

func (errNoReply) Error() string { return "no reply before hard timeout" }

// run returns the completion reason. A normal end of stream resolves the
// session; a read error resolves it only when tokens already arrived.
func (s *session) run(ctx context.Context, frames <-chan frame, handle func([]byte)) (Reason, error) {
	ticker := s.clock.Ticker(s.timing.Tick)
	defer ticker.Stop()

	var hard <-chan time.Time
	if s.hardTimeout > 0 {
		timer := s.clock.Timer(s.hardTimeout)
		defer timer.Stop()
		hard = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case next, ok := <-frames:
			if !ok {
				s.tracker.Finish(ReasonClosed)
				return ReasonClosed, nil
			}
			if next.err != nil {
				if !s.tracker.Started() {
					return "", next.err
				}
				s.logger.Warn("stream read failed after tokens, keeping partial reply", map[string]string{
					"error": next.err.Error(),
				})
				s.tracker.Finish(ReasonReadError)
				return ReasonReadError, nil
			}
			handle(next.data)
		case <-ticker.C:
		case <-hard:
			if !s.tracker.Started() {
				return "", errNoReply{}
			}
			s.tracker.Finish(ReasonHardTimeout)
			return ReasonHardTimeout, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		now := s.clock.Now()
		reason, done := s.tracker.Check(now)
		s.observe(now)
		if done {
			return reason, nil
		}
	}
}

// observe logs phase transitions of the tracker at debug level.
func (s *session) observe(now time.Time) {
	phase := s.tracker.Phase(now)
	if phase == s.phase {
		return
	}
	s.phase = phase
	s.logger.Debug("stream phase changed", map[string]string{"phase": string(phase)})
}

// deliver hands one frame to the session loop unless it has stopped.
func deliver(frames chan<- frame, stop <-chan struct{}, next frame) bool {
	select {
	case frames <- next:
		return true
	case <-stop:
		return false
	}
}
