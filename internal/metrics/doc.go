// Package metrics provides the observability hooks for the generation
// pipeline and the job queue.
//
// The Recorder interface is injected into the coordinator, the generator and
// the scheduler. NoopRecorder is the default so components never nil-check
// their recorder; when the Prometheus registry is configured, PrometheusRecorder
// is injected instead and the same call sites start emitting stage durations,
// job outcomes, section results, retry counters and queue depth.
//
//	coord := pipeline.NewCoordinator(st, blobs, exec, asm, ren, rec,
//	    pipeline.WithMetrics(metrics.NewPrometheusRecorder(registry)))
//
// Tests verify emission by injecting a PrometheusRecorder over a private
// registry and gathering it.
package metrics
