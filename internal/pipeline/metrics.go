package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	runsStarted         prometheus.Counter
	runsFinished        *prometheus.CounterVec
	steps               *prometheus.CounterVec
	stepDuration        *prometheus.HistogramVec
	generationRetries   prometheus.Counter
	isolationViolations prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_runs_started_total",
			Help: "Pipeline runs started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_runs_finished_total",
			Help: "Pipeline runs that reached a terminal state, by state.",
		}, []string{"state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_steps_total",
			Help: "Executed steps, by step type and outcome.",
		}, []string{"step_type", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyforge_step_duration_seconds",
			Help:    "Step execution time, by step type.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"step_type"}),
		generationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_generation_retries_total",
			Help: "Generation calls retried after a transient failure.",
		}),
		isolationViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_context_isolation_violations_total",
			Help: "Story-level context reads rejected for reaching isolated content.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runsStarted, m.runsFinished, m.steps, m.stepDuration, m.generationRetries, m.isolationViolations)
	}
	return m
}
