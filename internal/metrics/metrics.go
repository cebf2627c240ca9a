package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	stagesStarted   atomic.Int64
	stagesCompleted atomic.Int64
	stagesFailed    atomic.Int64
	stagesCancelled atomic.Int64
	modelsFound     atomic.Int64
	modelsMissing   atomic.Int64
	retries         atomic.Int64
	throttleWaits   atomic.Int64
	throttleNanos   atomic.Int64
	collectorPolls  atomic.Int64
	completions     sync.Map
}

var Default = &Registry{}

func (r *Registry) IncStageStarted() {
	if r == nil {
		return
	}
	r.stagesStarted.Add(1)
}

func (r *Registry) IncStageCompleted() {
	if r == nil {
		return
	}
	r.stagesCompleted.Add(1)
}

func (r *Registry) IncStageFailed() {
	if r == nil {
		return
	}
	r.stagesFailed.Add(1)
}

func (r *Registry) IncStageCancelled() {
	if r == nil {
		return
	}
	r.stagesCancelled.Add(1)
}

func (r *Registry) AddModels(found, missing int) {
	if r == nil {
		return
	}
	r.modelsFound.Add(int64(found))
	r.modelsMissing.Add(int64(missing))
}

func (r *Registry) IncRetry() {
	if r == nil {
		return
	}
	r.retries.Add(1)
}

func (r *Registry) RecordThrottle(wait time.Duration) {
	if r == nil {
		return
	}
	r.throttleWaits.Add(1)
	r.throttleNanos.Add(wait.Nanoseconds())
}

func (r *Registry) IncCollectorPoll() {
	if r == nil {
		return
	}
	r.collectorPolls.Add(1)
}

// RecordCompletion counts stream sessions by the reason they resolved.
func (r *Registry) RecordCompletion(reason string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unknown"
	}
	value, _ := r.completions.LoadOrStore(reason, new(atomic.Int64))
	value.(*atomic.Int64).Add(1)
}

func (r *Registry) Retries() int64 {
	if r == nil {
		return 0
	}
	return r.retries.Load()
}

func (r *Registry) CollectorPolls() int64 {
	if r == nil {
		return 0
	}
	return r.collectorPolls.Load()
}

func (r *Registry) ThrottleWaits() int64 {
	if r == nil {
		return 0
	}
	return r.throttleWaits.Load()
}

func (r *Registry) Completions(reason string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.completions.Load(reason)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "promptchain_stages_started_total", "Stages started", r.stagesStarted.Load())
	writeCounter(writer, "promptchain_stages_completed_total", "Stages persisted as completed", r.stagesCompleted.Load())
	writeCounter(writer, "promptchain_stages_failed_total", "Stages persisted as failed", r.stagesFailed.Load())
	writeCounter(writer, "promptchain_stages_cancelled_total", "Stages cancelled", r.stagesCancelled.Load())
	writeCounter(writer, "promptchain_models_found_total", "Model replies received", r.modelsFound.Load())
	writeCounter(writer, "promptchain_models_missing_total", "Model replies never received", r.modelsMissing.Load())
	writeCounter(writer, "promptchain_retries_total", "Network call retries", r.retries.Load())
	writeCounter(writer, "promptchain_throttle_waits_total", "Rate limiter waits", r.throttleWaits.Load())
	writeHelp(writer, "promptchain_throttle_wait_seconds_total", "Time spent waiting on the rate limiter")
	fmt.Fprintln(writer, "# TYPE promptchain_throttle_wait_seconds_total counter")
	fmt.Fprintf(writer, "promptchain_throttle_wait_seconds_total %.6f\n", float64(r.throttleNanos.Load())/float64(time.Second))
	writeCounter(writer, "promptchain_collector_polls_total", "Message log polls", r.collectorPolls.Load())

	var reasons []string
	r.completions.Range(func(key, _ any) bool {
		reasons = append(reasons, key.(string))
		return true
	})
	sort.Strings(reasons)
	writeHelp(writer, "promptchain_stream_completions_total", "Stream sessions by completion reason")
	fmt.Fprintln(writer, "# TYPE promptchain_stream_completions_total counter")
	for _, reason := range reasons {
		fmt.Fprintf(writer, "promptchain_stream_completions_total{reason=%s} %d\n", formatLabel(reason), r.Completions(reason))
	}
	return nil
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
