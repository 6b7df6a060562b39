package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	stageDuration    *prom.HistogramVec
	jobDuration      *prom.HistogramVec
	stageResults     *prom.CounterVec
	jobOutcomes      *prom.CounterVec
	sectionResults   *prom.CounterVec
	retries          prom.Counter
	retriesExhausted prom.Counter
	queueDepth       prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "docgen",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.jobDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "docgen",
			Name:      "job_duration_seconds",
			Help:      "Total job duration by job type",
			Buckets:   prom.DefBuckets,
		}, []string{"job_type"})
		pr.stageResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docgen",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"})
		pr.jobOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docgen",
			Name:      "job_outcomes_total",
			Help:      "Job outcomes by type and final status",
		}, []string{"job_type", "outcome"})
		pr.sectionResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "docgen",
			Name:      "section_results_total",
			Help:      "Per-section generation outcomes",
		}, []string{"result"})
		pr.retries = prom.NewCounter(prom.CounterOpts{
			Namespace: "docgen",
			Name:      "generation_retries_total",
			Help:      "Total section generation retries (retryable failures)",
		})
		pr.retriesExhausted = prom.NewCounter(prom.CounterOpts{
			Namespace: "docgen",
			Name:      "generation_retry_exhausted_total",
			Help:      "Count of sections where retries were exhausted",
		})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "docgen",
			Name:      "job_queue_depth",
			Help:      "Pending jobs observed at the last scheduler poll",
		})
		reg.MustRegister(pr.stageDuration, pr.jobDuration, pr.stageResults,
			pr.jobOutcomes, pr.sectionResults, pr.retries, pr.retriesExhausted, pr.queueDepth)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveJobDuration(jobType string, d time.Duration) {
	if p == nil || p.jobDuration == nil {
		return
	}
	p.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	if p == nil || p.stageResults == nil {
		return
	}
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) IncJobOutcome(jobType, outcome string) {
	if p == nil || p.jobOutcomes == nil {
		return
	}
	p.jobOutcomes.WithLabelValues(jobType, outcome).Inc()
}

func (p *PrometheusRecorder) IncSectionResult(result string) {
	if p == nil || p.sectionResults == nil {
		return
	}
	p.sectionResults.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) IncGenerationRetry() {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted() {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}
