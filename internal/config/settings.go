package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"promptchain/internal/collector"
	"promptchain/internal/logging"
	"promptchain/internal/ratelimit"
	"promptchain/internal/retry"
	"promptchain/internal/store"
	"promptchain/internal/stream"
	"promptchain/internal/workflow"
)

// EnvPrefix marks environment overrides: PROMPTCHAIN_STREAM_IDLE_MS_SSE sets
// stream.idle_ms_sse.
const EnvPrefix = "PROMPTCHAIN_"

//go:embed defaults.toml
var defaultsPayload []byte

var ErrInvalidSettings = errors.New("settings invalid")

type Settings struct {
	Backend   BackendSettings
	Auth      AuthSettings
	RateLimit RateLimitSettings
	Stream    StreamSettings
	Collector CollectorSettings
	Retry     RetrySettings
	Workflow  WorkflowSettings
	Store     StoreSettings
	Temporal  TemporalSettings
	OTel      OTelSettings
	Log       LogSettings
}

type BackendSettings struct {
	APIBase   string
	APIKey    string
	ProjectID string
	ChannelID string
}

type AuthSettings struct {
	Token        string
	TokenCommand string
}

type RateLimitSettings struct {
	MaxCalls int
	Window   time.Duration
}

type StreamSettings struct {
	Grace       time.Duration
	IdleSocket  time.Duration
	IdleSSE     time.Duration
	QuietOpen   time.Duration
	Tick        time.Duration
	HardTimeout time.Duration
}

type CollectorSettings struct {
	Quiet   time.Duration
	Timeout time.Duration
	PollMin time.Duration
	PollMax time.Duration
}

type RetrySettings struct {
	MaxRetries  int
	Base        time.Duration
	Max         time.Duration
	Jitter      time.Duration
	CallTimeout time.Duration
}

type WorkflowSettings struct {
	ConnectionMode    workflow.ConnectionMode
	RunMode           workflow.RunMode
	InstructionsScope workflow.InstructionScope
	DefinitionsDir    string
}

type StoreSettings struct {
	Driver string
	Path   string
}

type TemporalSettings struct {
	Enabled   bool
	HostPort  string
	Namespace string
	TaskQueue string
}

type OTelSettings struct {
	Enabled  bool
	Endpoint string
}

type LogSettings struct {
	Level logging.Level
}

// Defaults returns the embedded defaults.
func Defaults() Settings {
	settings, err := Load("", nil, nil)
	if err != nil {
		panic(fmt.Sprintf("embedded defaults invalid: %v", err))
	}
	return settings
}

// Load layers the embedded defaults, the TOML file at path (a missing file
// is not an error), PROMPTCHAIN_* entries of env and finally overrides.
func Load(path string, env []string, overrides map[string]any) (Settings, error) {
	defaults, err := flatten(defaultsPayload)
	if err != nil {
		return Settings{}, err
	}
	merged := values{}
	for key, value := range defaults {
		merged[key] = value
	}

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, err
			}
		} else {
			fileValues, err := flatten(payload)
			if err != nil {
				return Settings{}, fmt.Errorf("%w: %s: %v", ErrInvalidSettings, path, err)
			}
			for key, value := range fileValues {
				merged[key] = value
			}
		}
	}
	for key, value := range envOverrides(env) {
		merged[key] = value
	}
	for key, value := range overrides {
		if normalized := normalizeKey(key); normalized != "" {
			merged[normalized] = value
		}
	}

	settings := build(merged)
	fallback := build(values(defaults))
	settings = normalize(settings, fallback)
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func envOverrides(env []string) map[string]any {
	out := map[string]any{}
	for _, entry := range env {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		section, key, ok := strings.Cut(strings.TrimPrefix(name, EnvPrefix), "_")
		if !ok || section == "" || key == "" {
			continue
		}
		out[normalizeKey(section+"."+key)] = value
	}
	return out
}

func build(v values) Settings {
	ms := func(key string) time.Duration {
		return time.Duration(v.intValue(key, 0)) * time.Millisecond
	}
	level, _ := logging.ParseLevel(v.stringValue("log.level", ""))
	return Settings{
		Backend: BackendSettings{
			APIBase:   v.stringValue("backend.api-base", ""),
			APIKey:    v.stringValue("backend.api-key", ""),
			ProjectID: v.stringValue("backend.project-id", ""),
			ChannelID: v.stringValue("backend.channel-id", ""),
		},
		Auth: AuthSettings{
			Token:        v.stringValue("auth.token", ""),
			TokenCommand: v.stringValue("auth.token-command", ""),
		},
		RateLimit: RateLimitSettings{
			MaxCalls: int(v.intValue("ratelimit.max-calls", 0)),
			Window:   ms("ratelimit.window-ms"),
		},
		Stream: StreamSettings{
			Grace:       ms("stream.grace-ms"),
			IdleSocket:  ms("stream.idle-ms-socket"),
			IdleSSE:     ms("stream.idle-ms-sse"),
			QuietOpen:   ms("stream.quiet-open-ms"),
			Tick:        ms("stream.tick-ms"),
			HardTimeout: ms("stream.hard-timeout-ms"),
		},
		Collector: CollectorSettings{
			Quiet:   ms("collector.quiet-ms"),
			Timeout: ms("collector.timeout-ms"),
			PollMin: ms("collector.poll-min-ms"),
			PollMax: ms("collector.poll-max-ms"),
		},
		Retry: RetrySettings{
			MaxRetries:  int(v.intValue("retry.max-retries", -1)),
			Base:        ms("retry.base-ms"),
			Max:         ms("retry.max-ms"),
			Jitter:      ms("retry.jitter-ms"),
			CallTimeout: ms("retry.call-timeout-ms"),
		},
		Workflow: WorkflowSettings{
			ConnectionMode:    workflow.ConnectionMode(strings.ToLower(v.stringValue("workflow.connection-mode", ""))),
			RunMode:           workflow.RunMode(strings.ToLower(v.stringValue("workflow.run-mode", ""))),
			InstructionsScope: workflow.InstructionScope(strings.ToLower(v.stringValue("workflow.instructions-scope", ""))),
			DefinitionsDir:    v.stringValue("workflow.definitions-dir", ""),
		},
		Store: StoreSettings{
			Driver: strings.ToLower(v.stringValue("store.driver", "")),
			Path:   v.stringValue("store.path", ""),
		},
		Temporal: TemporalSettings{
			Enabled:   v.boolValue("temporal.enabled", false),
			HostPort:  v.stringValue("temporal.host-port", ""),
			Namespace: v.stringValue("temporal.namespace", ""),
			TaskQueue: v.stringValue("temporal.task-queue", ""),
		},
		OTel: OTelSettings{
			Enabled:  v.boolValue("otel.enabled", false),
			Endpoint: v.stringValue("otel.endpoint", ""),
		},
		Log: LogSettings{Level: level},
	}
}

// normalize replaces unusable numbers and empty enumerations with defaults.
func normalize(s, defaults Settings) Settings {
	positive := func(value *time.Duration, fallback time.Duration) {
		if *value <= 0 {
			*value = fallback
		}
	}
	if s.Backend.APIBase == "" {
		s.Backend.APIBase = defaults.Backend.APIBase
	}
	if s.RateLimit.MaxCalls <= 0 {
		s.RateLimit.MaxCalls = defaults.RateLimit.MaxCalls
	}
	positive(&s.RateLimit.Window, defaults.RateLimit.Window)
	positive(&s.Stream.Grace, defaults.Stream.Grace)
	positive(&s.Stream.IdleSocket, defaults.Stream.IdleSocket)
	positive(&s.Stream.IdleSSE, defaults.Stream.IdleSSE)
	positive(&s.Stream.QuietOpen, defaults.Stream.QuietOpen)
	positive(&s.Stream.Tick, defaults.Stream.Tick)
	positive(&s.Stream.HardTimeout, defaults.Stream.HardTimeout)
	positive(&s.Collector.Quiet, defaults.Collector.Quiet)
	positive(&s.Collector.Timeout, defaults.Collector.Timeout)
	positive(&s.Collector.PollMin, defaults.Collector.PollMin)
	positive(&s.Collector.PollMax, defaults.Collector.PollMax)
	if s.Retry.MaxRetries < 0 {
		s.Retry.MaxRetries = defaults.Retry.MaxRetries
	}
	positive(&s.Retry.Base, defaults.Retry.Base)
	positive(&s.Retry.Max, defaults.Retry.Max)
	if s.Retry.Jitter < 0 {
		s.Retry.Jitter = defaults.Retry.Jitter
	}
	positive(&s.Retry.CallTimeout, defaults.Retry.CallTimeout)
	if s.Workflow.ConnectionMode == "" {
		s.Workflow.ConnectionMode = defaults.Workflow.ConnectionMode
	}
	if s.Workflow.RunMode == "" {
		s.Workflow.RunMode = defaults.Workflow.RunMode
	}
	if s.Workflow.InstructionsScope == "" {
		s.Workflow.InstructionsScope = defaults.Workflow.InstructionsScope
	}
	if s.Store.Driver == "" {
		s.Store.Driver = defaults.Store.Driver
	}
	if s.Temporal.HostPort == "" {
		s.Temporal.HostPort = defaults.Temporal.HostPort
	}
	if s.Temporal.Namespace == "" {
		s.Temporal.Namespace = defaults.Temporal.Namespace
	}
	if s.Temporal.TaskQueue == "" {
		s.Temporal.TaskQueue = defaults.Temporal.TaskQueue
	}
	if s.Log.Level == "" {
		s.Log.Level = logging.LevelInfo
	}
	return s
}

// Validate rejects enumerations no component understands.
func (s Settings) Validate() error {
	switch s.Workflow.ConnectionMode {
	case workflow.ConnectionStream, workflow.ConnectionMultiplexer:
	default:
		return fmt.Errorf("%w: workflow.connection_mode %q", ErrInvalidSettings, s.Workflow.ConnectionMode)
	}
	switch s.Workflow.RunMode {
	case workflow.RunAutomatic, workflow.RunManual:
	default:
		return fmt.Errorf("%w: workflow.run_mode %q", ErrInvalidSettings, s.Workflow.RunMode)
	}
	switch s.Workflow.InstructionsScope {
	case workflow.ScopeContext, workflow.ScopeStage:
	default:
		return fmt.Errorf("%w: workflow.instructions_scope %q", ErrInvalidSettings, s.Workflow.InstructionsScope)
	}
	switch s.Store.Driver {
	case store.DriverMemory, store.DriverFile, store.DriverSQLite:
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalidSettings, s.Store.Driver)
	}
	if s.Retry.Max < s.Retry.Base {
		return fmt.Errorf("%w: retry.max_ms below retry.base_ms", ErrInvalidSettings)
	}
	if s.Collector.PollMax < s.Collector.PollMin {
		return fmt.Errorf("%w: collector.poll_max_ms below collector.poll_min_ms", ErrInvalidSettings)
	}
	return nil
}

func (r RateLimitSettings) Config() ratelimit.Config {
	return ratelimit.Config{MaxCalls: r.MaxCalls, Window: r.Window}
}

func (s StreamSettings) SocketTiming() stream.Timing {
	return stream.Timing{Grace: s.Grace, Idle: s.IdleSocket, QuietOpen: s.QuietOpen, Tick: s.Tick}
}

func (s StreamSettings) SSETiming() stream.Timing {
	return stream.Timing{Grace: s.Grace, Idle: s.IdleSSE, QuietOpen: s.QuietOpen, Tick: s.Tick}
}

func (c CollectorSettings) Timing() collector.Timing {
	timing := collector.DefaultTiming()
	timing.Quiet = c.Quiet
	timing.Timeout = c.Timeout
	timing.PollMin = c.PollMin
	timing.PollMax = c.PollMax
	return timing
}

func (r RetrySettings) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = r.MaxRetries
	policy.BaseDelay = r.Base
	policy.MaxDelay = r.Max
	policy.Jitter = r.Jitter
	policy.CallTimeout = r.CallTimeout
	return policy
}
