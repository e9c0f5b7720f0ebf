// Package metrics exports stepflow run and step metrics to Prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deepnoodle-ai/stepflow"
)

// Observer records lifecycle events as Prometheus metrics. Register it
// in RunOptions.Observers (or DurableOptions.Observers) and expose the
// registry via promhttp.
//
// Metrics, all namespaced "stepflow":
//   - runs_total (counter, label outcome: completed|failed|cancelled)
//   - steps_total (counter, label status: success|failure)
//   - step_duration_seconds (histogram, label status)
//   - step_retries_total (counter)
//   - persist_total (counter, label status: success|error)
//   - compensation_failures_total (counter)
type Observer struct {
	runs                 *prometheus.CounterVec
	steps                *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	stepRetries          prometheus.Counter
	persist              *prometheus.CounterVec
	compensationFailures prometheus.Counter
}

// NewObserver creates and registers the stepflow metrics with registry.
// A nil registry uses prometheus.DefaultRegisterer.
func NewObserver(registry prometheus.Registerer) *Observer {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Observer{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "runs_total",
			Help:      "Workflow runs by terminal outcome",
		}, []string{"outcome"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "steps_total",
			Help:      "Step executions by status",
		}, []string{"status"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepflow",
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		stepRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "step_retries_total",
			Help:      "Cumulative retry attempts beyond each step's first invocation",
		}),
		persist: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "persist_total",
			Help:      "Checkpoint persistence attempts by status",
		}, []string{"status"}),
		compensationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepflow",
			Name:      "compensation_failures_total",
			Help:      "Saga compensations that themselves failed",
		}),
	}
}

var _ stepflow.Observer = (*Observer)(nil)

func (o *Observer) HandleEvent(ctx context.Context, event *stepflow.Event) {
	switch event.Type {
	case stepflow.EventStepSuccess:
		o.steps.WithLabelValues("success").Inc()
		o.stepDuration.WithLabelValues("success").Observe(event.Duration.Seconds())
		o.countRetries(event)
	case stepflow.EventStepFailure:
		o.steps.WithLabelValues("failure").Inc()
		o.stepDuration.WithLabelValues("failure").Observe(event.Duration.Seconds())
		o.countRetries(event)
	case stepflow.EventWorkflowDone:
		if event.Err != nil {
			o.runs.WithLabelValues("failed").Inc()
		} else {
			o.runs.WithLabelValues("completed").Inc()
		}
	case stepflow.EventWorkflowCancelled:
		o.runs.WithLabelValues("cancelled").Inc()
	case stepflow.EventPersistSuccess:
		o.persist.WithLabelValues("success").Inc()
	case stepflow.EventPersistError:
		o.persist.WithLabelValues("error").Inc()
	case stepflow.EventCompensationError:
		o.compensationFailures.Inc()
	}
}

func (o *Observer) countRetries(event *stepflow.Event) {
	if event.Attempts > 1 {
		o.stepRetries.Add(float64(event.Attempts - 1))
	}
}
