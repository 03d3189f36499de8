// Package metrics turns job orchestration events into StatsD metrics with a
// fixed tag vocabulary.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-jobs/internal/observability/errors"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
	ResultRetry   = "retry"
	ResultSkipped = "skipped"
)

// Lifecycle transitions reported by the worker pool and orchestrator.
const (
	TransitionCreated   = "created"
	TransitionDeduped   = "deduped"
	TransitionStarted   = "started"
	TransitionCompleted = "completed"
	TransitionFailed    = "failed"
	TransitionCancelled = "cancelled"
	TransitionStalled   = "stalled"
	TransitionSynced    = "synced"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// QueueMetric describes one call into the execution engine.
type QueueMetric struct {
	Queue     string
	Operation string
	Result    string
	Duration  time.Duration
	Err       error
}

// EmitQueueOperation emits a counter and timing for an engine operation.
func EmitQueueOperation(sink statsd.Sink, in QueueMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"queue":     in.Queue,
		"operation": in.Operation,
		"result":    in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("queue.operation", 1, tags)
	if in.Duration > 0 {
		sink.Timing("queue.operation_duration", in.Duration, CloneTags(tags))
	}
}

// SweepMetric summarises one retention sweep of a queue.
type SweepMetric struct {
	Queue     string
	Completed int64
	Failed    int64
	Err       error
}

// EmitSweep emits the outcome of pruning one queue.
func EmitSweep(sink statsd.Sink, in SweepMetric) {
	if sink == nil {
		return
	}

	result := ResultSuccess
	switch {
	case in.Err != nil:
		result = ResultError
	case in.Completed+in.Failed == 0:
		result = ResultNoop
	}

	tags := map[string]string{"queue": in.Queue, "result": result}
	addErrorClass(tags, result, in.Err)
	sink.Count("reaper.sweep", 1, tags)

	if in.Err == nil && in.Completed > 0 {
		sink.Count("reaper.items_pruned", in.Completed, map[string]string{"queue": in.Queue, "state": "completed"})
	}
	if in.Err == nil && in.Failed > 0 {
		sink.Count("reaper.items_pruned", in.Failed, map[string]string{"queue": in.Queue, "state": "failed"})
	}
}

// ResultFor maps an error to ResultSuccess or ResultError.
func ResultFor(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

func addErrorClass(tags map[string]string, result string, err error) {
	if err == nil || result != ResultError {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
