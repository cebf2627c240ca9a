package config

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"promptchain/internal/logging"
	"promptchain/internal/ratelimit"
	"promptchain/internal/watcher"
)

// Watcher reloads the settings file when it changes and hands the new
// settings to registered listeners. An unreadable or invalid file keeps the
// previous settings.
type Watcher struct {
	path      string
	env       []string
	overrides map[string]any
	logger    *logging.Logger

	files  *watcher.Watcher
	handle watcher.Handle

	mu        sync.Mutex
	current   Settings
	listeners []func(Settings)
}

func NewWatcher(path string, env []string, overrides map[string]any, options watcher.Options) (*Watcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("settings path required")
	}
	current, err := Load(path, env, overrides)
	if err != nil {
		return nil, err
	}
	files, err := watcher.NewWithOptions(options)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:      path,
		env:       env,
		overrides: overrides,
		logger:    options.Logger,
		files:     files,
		current:   current,
	}
	handle, err := files.Watch(path, w.reload)
	if err != nil {
		_ = files.Close()
		return nil, err
	}
	w.handle = handle
	return w, nil
}

func (w *Watcher) Current() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// OnChange registers fn for every successful reload.
func (w *Watcher) OnChange(fn func(Settings)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	if w.handle != nil {
		_ = w.handle.Close()
	}
	if w.logger != nil {
		delivered, coalesced := w.files.Stats()
		w.logger.Debug("settings watcher closed", map[string]string{
			"path":      w.path,
			"delivered": strconv.FormatUint(delivered, 10),
			"coalesced": strconv.FormatUint(coalesced, 10),
		})
	}
	return w.files.Close()
}

func (w *Watcher) reload(event watcher.Event) {
	settings, err := Load(w.path, w.env, w.overrides)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("settings reload failed", map[string]string{
				"path":  w.path,
				"op":    event.Op.String(),
				"error": err.Error(),
			})
		}
		return
	}
	w.mu.Lock()
	w.current = settings
	listeners := append([]func(Settings){}, w.listeners...)
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Info("settings reloaded", map[string]string{"path": w.path})
	}
	for _, listener := range listeners {
		listener(settings)
	}
}

// ApplyRateLimit pushes rate-limit changes into a live limiter.
func ApplyRateLimit(limiter *ratelimit.Limiter) func(Settings) {
	return func(settings Settings) {
		if limiter == nil {
			return
		}
		next := settings.RateLimit.Config()
		if limiter.Config() == next {
			return
		}
		limiter.SetConfig(next)
	}
}
