package ratelimit

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"promptchain/internal/logging"
	"promptchain/internal/metrics"
)

const (
	DefaultMaxCalls = 12
	DefaultWindow   = 4000 * time.Millisecond

	globalKey = "global"
	minWait   = 5 * time.Millisecond
)

type Config struct {
	MaxCalls int
	Window   time.Duration
}

func DefaultConfig() Config {
	return Config{MaxCalls: DefaultMaxCalls, Window: DefaultWindow}
}

func (c Config) normalized() Config {
	if c.MaxCalls <= 0 {
		c.MaxCalls = DefaultMaxCalls
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Limiter admits at most MaxCalls calls per destination origin within any
// rolling Window. Waiters sleep outside the lock and re-check on wake.
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	config  Config
	buckets map[string][]time.Time
	changed chan struct{}

	logger  *logging.Logger
	metrics *metrics.Registry

	onAdmit func(key string, at time.Time)
}

type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

func WithMetrics(registry *metrics.Registry) Option {
	return func(l *Limiter) { l.metrics = registry }
}

func New(config Config, opts ...Option) *Limiter {
	limiter := &Limiter{
		clock:   clock.New(),
		config:  config.normalized(),
		buckets: make(map[string][]time.Time),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config
}

// SetConfig replaces the global limits. Existing buckets are judged against
// the new limits on the next check and blocked waiters wake immediately.
func (l *Limiter) SetConfig(config Config) {
	config = config.normalized()
	l.mu.Lock()
	previous := l.config
	l.config = config
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	if previous != config {
		l.logger.Info("rate limit updated", map[string]string{
			"max_calls": strconv.Itoa(config.MaxCalls),
			"window":    config.Window.String(),
		})
	}
}

// Acquire blocks until a call to destination is admitted or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, destination string) error {
	key := Key(destination)
	started := l.clock.Now()
	throttled := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, changed, ok := l.reserve(key)
		if ok {
			if throttled {
				waited := l.clock.Since(started)
				l.metrics.RecordThrottle(waited)
				l.logger.Warn("throttle released", map[string]string{
					"origin": key,
					"waited": waited.String(),
				})
			}
			return nil
		}
		if !throttled {
			throttled = true
			l.logger.Debug("throttle", map[string]string{
				"origin": key,
				"wait":   wait.String(),
			})
		}

		timer := l.clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// reserve admits the call if the bucket has room, otherwise reports how long
// until the oldest admission leaves the window.
func (l *Limiter) reserve(key string) (time.Duration, <-chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	config := l.config
	stamps := prune(l.buckets[key], now, config.Window)
	if len(stamps) < config.MaxCalls {
		l.buckets[key] = append(stamps, now)
		if l.onAdmit != nil {
			l.onAdmit(key, now)
		}
		return 0, nil, true
	}
	l.buckets[key] = stamps

	wait := config.Window - now.Sub(stamps[0])
	if wait < minWait {
		wait = minWait
	}
	return wait, l.changed, false
}

func prune(stamps []time.Time, now time.Time, window time.Duration) []time.Time {
	drop := 0
	for drop < len(stamps) && now.Sub(stamps[drop]) >= window {
		drop++
	}
	if drop == 0 {
		return stamps
	}
	kept := make([]time.Time, len(stamps)-drop)
	copy(kept, stamps[drop:])
	return kept
}

// Key maps a destination URL to its bucket: scheme and host, with socket
// schemes folded onto their HTTP equivalents so one backend shares a ceiling.
func Key(destination string) string {
	parsed, err := url.Parse(strings.TrimSpace(destination))
	if err != nil || parsed.Host == "" {
		return globalKey
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + strings.ToLower(parsed.Host)
}
