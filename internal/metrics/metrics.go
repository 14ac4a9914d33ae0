// Package metrics records Prometheus counters and histograms for pipeline
// launches, preemptions, procedure restarts, and stage durations.
package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder is the interface the core calls into. Every PrometheusRecorder
// method is nil-receiver-safe, so a nil *PrometheusRecorder can be called
// directly; a nil Recorder interface value cannot, and the core checks for
// it before each call.
type Recorder interface {
	IncPipelineLaunched(pipeline, branch string)
	IncPipelinePreempted(pipeline, branch string)
	IncPipelineResult(pipeline, result string)
	IncProcedureRestart(procedure string)
	ObserveStageDuration(pipeline, stage string, d time.Duration)
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once sync.Once

	pipelineLaunched  *prom.CounterVec
	pipelinePreempted *prom.CounterVec
	pipelineResults   *prom.CounterVec
	procedureRestarts *prom.CounterVec
	stageDuration     *prom.HistogramVec
}

// NewPrometheusRecorder constructs and registers Influo's metrics against
// reg (a nil registry allocates a private one, mainly useful in tests).
// Each call registers a fresh set of collectors, so calling it twice with
// the same registry panics on duplicate registration.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.pipelineLaunched = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "influo",
			Name:      "pipeline_launched_total",
			Help:      "Pipeline launches by pipeline and branch",
		}, []string{"pipeline", "branch"})
		pr.pipelinePreempted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "influo",
			Name:      "pipeline_preempted_total",
			Help:      "Pipeline preemptions (a still-running task killed for a newer commit)",
		}, []string{"pipeline", "branch"})
		pr.pipelineResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "influo",
			Name:      "pipeline_results_total",
			Help:      "Pipeline outcomes by pipeline and result (success|workspace_failed|failed|cancelled)",
		}, []string{"pipeline", "result"})
		pr.procedureRestarts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "influo",
			Name:      "procedure_restarts_total",
			Help:      "Procedure command restarts by procedure",
		}, []string{"procedure"})
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "influo",
			Name:      "stage_duration_seconds",
			Help:      "Duration of a pipeline stage from first procedure spawn to last completion",
			Buckets:   prom.DefBuckets,
		}, []string{"pipeline", "stage"})

		reg.MustRegister(pr.pipelineLaunched, pr.pipelinePreempted, pr.pipelineResults, pr.procedureRestarts, pr.stageDuration)
	})
	return pr
}

func (p *PrometheusRecorder) IncPipelineLaunched(pipeline, branch string) {
	if p == nil || p.pipelineLaunched == nil {
		return
	}
	p.pipelineLaunched.WithLabelValues(pipeline, branch).Inc()
}

func (p *PrometheusRecorder) IncPipelinePreempted(pipeline, branch string) {
	if p == nil || p.pipelinePreempted == nil {
		return
	}
	p.pipelinePreempted.WithLabelValues(pipeline, branch).Inc()
}

func (p *PrometheusRecorder) IncPipelineResult(pipeline, result string) {
	if p == nil || p.pipelineResults == nil {
		return
	}
	p.pipelineResults.WithLabelValues(pipeline, result).Inc()
}

func (p *PrometheusRecorder) IncProcedureRestart(procedure string) {
	if p == nil || p.procedureRestarts == nil {
		return
	}
	p.procedureRestarts.WithLabelValues(procedure).Inc()
}

func (p *PrometheusRecorder) ObserveStageDuration(pipeline, stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}
