package main

import (
	"context"
	"errors"
	"strings"

	"promptchain/internal/auth"
	"promptchain/internal/collector"
	"promptchain/internal/config"
	"promptchain/internal/ephor"
	"promptchain/internal/logging"
	"promptchain/internal/metrics"
	"promptchain/internal/otel"
	"promptchain/internal/ratelimit"
	"promptchain/internal/store"
	"promptchain/internal/stream"
	"promptchain/internal/version"
	"promptchain/internal/workflow"
)

// runtime owns the long-lived components of one command invocation.
type runtime struct {
	settings  config.Settings
	logger    *logging.Logger
	metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
	client    *ephor.Client
	transport *stream.Transport
	collector *collector.Collector
	results   *workflow.Results

	closers []func(context.Context) error
}

func newRuntime(ctx context.Context, settings config.Settings, logger *logging.Logger) (*runtime, error) {
	rt := &runtime{
		settings: settings,
		logger:   logger,
		metrics:  &metrics.Registry{},
	}

	shutdownOTel, err := otel.SetupSDK(ctx, otel.SDKOptions{
		Enabled:        settings.OTel.Enabled,
		HTTPEndpoint:   settings.OTel.Endpoint,
		ServiceVersion: version.Version,
	})
	if err != nil {
		logger.Warn("otel setup failed", map[string]string{"error": err.Error()})
	} else {
		rt.closers = append(rt.closers, shutdownOTel)
	}

	rt.limiter = ratelimit.New(settings.RateLimit.Config(),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(rt.metrics),
	)

	client, err := ephor.NewClient(ephor.ClientOptions{
		BaseURL:    settings.Backend.APIBase,
		APIKey:     settings.Backend.APIKey,
		Tokens:     tokenSource(settings.Auth, logger),
		HTTPClient: ratelimit.NewClient(rt.limiter, nil),
		Logger:     logger,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.client = client

	rt.transport = stream.New(stream.Options{
		Backend:      client,
		Limiter:      rt.limiter,
		SocketTiming: settings.Stream.SocketTiming(),
		SSETiming:    settings.Stream.SSETiming(),
		HardTimeout:  settings.Stream.HardTimeout,
		Logger:       logger,
		Metrics:      rt.metrics,
	})
	rt.collector = collector.New(collector.Options{
		Source:  client,
		Timing:  settings.Collector.Timing(),
		Logger:  logger,
		Metrics: rt.metrics,
	})

	kv, closeStore, err := store.Open(settings.Store.Driver, settings.Store.Path, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.closers = append(rt.closers, func(context.Context) error { return closeStore() })
	rt.results = workflow.NewResults(kv)
	return rt, nil
}

func (rt *runtime) orchestrator(progress func(workflow.Progress)) *workflow.Orchestrator {
	policy := rt.settings.Retry.Policy()
	policy.Logger = rt.logger
	policy.Metrics = rt.metrics
	return workflow.New(workflow.Options{
		Results:        rt.results,
		Streamer:       rt.transport,
		Chatter:        rt.client,
		Collector:      rt.collector,
		Retry:          policy,
		CollectTimeout: rt.settings.Collector.Timeout,
		Logger:         rt.logger,
		Metrics:        rt.metrics,
		Progress:       progress,
	})
}

// Close runs the registered closers in reverse order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// tokenSource prefers the token command over a static token. Without either
// only the multiplexer mode can authenticate.
func tokenSource(settings config.AuthSettings, logger *logging.Logger) ephor.TokenSource {
	if fields := strings.Fields(settings.TokenCommand); len(fields) > 0 {
		return auth.NewCache(auth.CommandFetcher{Command: fields[0], Args: fields[1:]}, auth.WithLogger(logger))
	}
	if strings.TrimSpace(settings.Token) != "" {
		return auth.NewCache(auth.StaticFetcher{Value: settings.Token}, auth.WithLogger(logger))
	}
	return nil
}
