package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"promptchain/internal/ephor"
)

const (
	opSSE          = "event stream"
	maxSSEFrame    = 2 * 1024 * 1024
	sseDoneMarker  = "[DONE]"
	sseDataPrefix  = "data:"
	initialSSEBuff = 64 * 1024
)

// streamSSE consumes a text/event-stream reply body.
func (t *Transport) streamSSE(ctx context.Context, q ephor.Query, body io.ReadCloser, onModel ModelFunc) (Result, error) {
	frames := make(chan frame, 32)
	stop := make(chan struct{})
	defer func() {
		close(stop)
		body.Close()
	}()
	go readEvents(body, frames, stop)

	tracker := NewTracker(t.sseTiming, t.clock.Now())
	acc := newAccumulator([]string{q.MessageID}, q.Models, tracker, t.logger, onModel)
	logger := t.logger.With(map[string]string{"message_id": q.MessageID})

	handle := func(data []byte) {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			if !strings.HasPrefix(line, sseDataPrefix) {
				continue
			}
			raw := strings.TrimSpace(line[len(sseDataPrefix):])
			if raw == "" {
				continue
			}
			if raw == sseDoneMarker {
				tracker.MarkTerminal()
				continue
			}
			var ev map[string]any
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				logger.Warn("event stream data is not json", map[string]string{"error": err.Error()})
				continue
			}
			acc.apply(Event(ev), t.clock.Now())
		}
	}

	s := &session{
		clock:       t.clock,
		timing:      t.sseTiming,
		hardTimeout: t.hardTimeout,
		tracker:     tracker,
		logger:      logger,
	}
	reason, err := s.run(ctx, frames, handle)
	if err != nil {
		return Result{}, sessionError(ctx, opSSE, err)
	}
	result := acc.result(reason)
	result.Mechanism = "sse"
	return result, nil
}

func readEvents(body io.Reader, frames chan<- frame, stop <-chan struct{}) {
	defer close(frames)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, initialSSEBuff), maxSSEFrame)
	scanner.Split(splitEvents)
	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		if !deliver(frames, stop, frame{data: data}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		deliver(frames, stop, frame{err: err})
	}
}

// splitEvents splits on a blank line, accepting LF and CRLF endings.
func splitEvents(data []byte, atEOF bool) (int, []byte, error) {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		next := i + 1
		if next < len(data) && data[next] == '\r' {
			next++
		}
		if next < len(data) && data[next] == '\n' {
			end := i
			if end > 0 && data[end-1] == '\r' {
				end--
			}
			return next + 1, data[:end], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
