package stream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/websocket"

	"promptchain/internal/ephor"
)

const opSocket = "socket stream"

type outerFrame struct {
	Type   string `json:"type"`
	ItemID any    `json:"item_id"`
	Data   any    `json:"data"`
}

// streamSocket consumes the reply over the duplex socket that follows a JSON
// acknowledgment.
func (t *Transport) streamSocket(ctx context.Context, q ephor.Query, ack ephor.Ack, onModel ModelFunc) (Result, error) {
	socketURL, err := t.backend.SocketURL(ctx)
	if err != nil {
		return Result{}, err
	}
	if t.limiter != nil {
		if err := t.limiter.Acquire(ctx, socketURL); err != nil {
			return Result{}, ephor.Cancelled(opSocket, err)
		}
	}

	conn, response, err := t.dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		if response != nil {
			body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
			response.Body.Close()
			if response.StatusCode != http.StatusSwitchingProtocols {
				return Result{}, ephor.HTTPStatus(opSocket, response.StatusCode, string(body), 0)
			}
		}
		return Result{}, socketError(ctx, err)
	}
	defer conn.Close()

	frames := make(chan frame, 32)
	stop := make(chan struct{})
	defer close(stop)
	go readSocket(conn, frames, stop)

	tracker := NewTracker(t.socketTiming, t.clock.Now())
	acc := newAccumulator([]string{q.MessageID, ack.MessageID}, q.Models, tracker, t.logger, onModel)
	logger := t.logger.With(map[string]string{"message_id": q.MessageID})

	itemID := ""
	handle := func(data []byte) {
		var outer outerFrame
		if err := json.Unmarshal(data, &outer); err != nil {
			logger.Warn("socket frame is not json", map[string]string{"error": err.Error()})
			return
		}
		frameItem := toString(outer.ItemID)
		if itemID == "" && frameItem != "" {
			itemID = frameItem
		}
		if itemID != "" && frameItem != "" && frameItem != itemID {
			return
		}
		if IsTerminalFrameType(outer.Type) {
			tracker.MarkTerminal()
			return
		}
		if !isContentFrameType(outer.Type) {
			return
		}
		inner, ok := decodeData(outer.Data)
		if !ok {
			logger.Warn("socket chunk data is not json", map[string]string{"type": outer.Type})
			return
		}
		acc.apply(inner, t.clock.Now())
	}

	s := &session{
		clock:       t.clock,
		timing:      t.socketTiming,
		hardTimeout: t.hardTimeout,
		tracker:     tracker,
		logger:      logger,
	}
	reason, err := s.run(ctx, frames, handle)
	if err != nil {
		return Result{}, sessionError(ctx, opSocket, err)
	}

	result := acc.result(reason)
	result.ItemID = itemID
	if result.ItemID == "" {
		result.ItemID = ack.ItemID
	}
	result.Mechanism = "socket"
	return result, nil
}

func readSocket(conn *websocket.Conn, frames chan<- frame, stop <-chan struct{}) {
	defer close(frames)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return
			}
			deliver(frames, stop, frame{err: err})
			return
		}
		if !deliver(frames, stop, frame{data: data}) {
			return
		}
	}
}

func socketError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ephor.Cancelled(opSocket, ctx.Err())
	}
	return ephor.NewError(ephor.KindTransientNetwork, opSocket, err)
}

func sessionError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ephor.Cancelled(op, ctx.Err())
	}
	if _, ok := err.(errNoReply); ok {
		return ephor.NewError(ephor.KindTimeout, op, err)
	}
	return ephor.NewError(ephor.KindTransientNetwork, op, err)
}
