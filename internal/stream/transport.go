package stream

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/metrics"
	"promptchain/internal/otel"
	"promptchain/internal/ratelimit"
)

const DefaultHardTimeout = 180 * time.Second

// Backend is the part of the API client a stream needs.
type Backend interface {
	Interact(ctx context.Context, q ephor.Query) (*ephor.InteractResult, error)
	SocketURL(ctx context.Context) (string, error)
}

type Options struct {
	Backend      Backend
	Limiter      *ratelimit.Limiter
	Dialer       *websocket.Dialer
	SocketTiming Timing
	SSETiming    Timing
	HardTimeout  time.Duration
	Clock        clock.Clock
	Logger       *logging.Logger
	Metrics      *metrics.Registry
}

// Transport sends one query and consumes its reply over whichever mechanism
// the backend answers with.
type Transport struct {
	backend      Backend
	limiter      *ratelimit.Limiter
	dialer       *websocket.Dialer
	socketTiming Timing
	sseTiming    Timing
	hardTimeout  time.Duration
	clock        clock.Clock
	logger       *logging.Logger
	metrics      *metrics.Registry
}

func New(opts Options) *Transport {
	transport := &Transport{
		backend:      opts.Backend,
		limiter:      opts.Limiter,
		dialer:       opts.Dialer,
		socketTiming: opts.SocketTiming.withDefaults(DefaultSocketTiming()),
		sseTiming:    opts.SSETiming.withDefaults(DefaultSSETiming()),
		hardTimeout:  opts.HardTimeout,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	if transport.dialer == nil {
		transport.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		}
	}
	if transport.hardTimeout <= 0 {
		transport.hardTimeout = DefaultHardTimeout
	}
	if transport.clock == nil {
		transport.clock = clock.New()
	}
	return transport
}

// Send posts q and returns once the reply is judged complete. onModel is
// called at most once per model, as soon as that model's text is final.
func (t *Transport) Send(ctx context.Context, q ephor.Query, onModel ModelFunc) (Result, error) {
	ctx, span := otel.StartSpan(ctx, "stream.send",
		attribute.String("message.id", q.MessageID),
		attribute.String("models", strings.Join(q.Models, ",")),
	)
	result, err := t.send(ctx, q, onModel)
	if err == nil {
		span.SetAttributes(
			attribute.String("stream.mechanism", result.Mechanism),
			attribute.String("stream.reason", string(result.Reason)),
			attribute.Int("stream.missing", len(result.Missing)),
		)
	}
	otel.EndSpan(span, err)
	return result, err
}

func (t *Transport) send(ctx context.Context, q ephor.Query, onModel ModelFunc) (Result, error) {
	if t.backend == nil {
		return Result{}, ephor.Protocol("stream", "no backend configured")
	}
	interact, err := t.backend.Interact(ctx, q)
	if err != nil {
		return Result{}, err
	}

	var result Result
	switch {
	case interact.Stream != nil:
		result, err = t.streamSSE(ctx, q, interact.Stream, onModel)
	case interact.Ack != nil:
		result, err = t.streamSocket(ctx, q, *interact.Ack, onModel)
	default:
		return Result{}, ephor.Protocol("stream", "empty interact response")
	}
	if err != nil {
		return Result{}, err
	}

	t.metrics.RecordCompletion(string(result.Reason))
	otel.RecordSpanEvent(ctx, "stream.resolved",
		attribute.String("stream.reason", string(result.Reason)),
		attribute.Int("stream.models", len(result.PerModel)),
	)
	t.logger.Info("stream resolved", map[string]string{
		"message_id": q.MessageID,
		"mechanism":  result.Mechanism,
		"reason":     string(result.Reason),
		"models":     strconv.Itoa(len(result.PerModel)),
		"missing":    strings.Join(result.Missing, ","),
	})
	return result, nil
}
