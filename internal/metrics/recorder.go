package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess  ResultLabel = "success"
	ResultFailed   ResultLabel = "failed"
	ResultReused   ResultLabel = "reused"
	ResultCanceled ResultLabel = "canceled"
)

// Recorder defines observability hooks for pipeline and job metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe for nil receivers when using the NoopRecorder (allowing
// optional injection).
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObserveJobDuration(jobType string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	IncJobOutcome(jobType, outcome string) // outcome: completed|failed
	IncSectionResult(result string)        // validated or the failure error code
	IncGenerationRetry()
	IncRetryExhausted()
	SetQueueDepth(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) ObserveJobDuration(string, time.Duration)   {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) IncJobOutcome(string, string)               {}
func (NoopRecorder) IncSectionResult(string)                    {}
func (NoopRecorder) IncGenerationRetry()                        {}
func (NoopRecorder) IncRetryExhausted()                         {}
func (NoopRecorder) SetQueueDepth(int)                          {}
