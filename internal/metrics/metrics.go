// Package metrics collects optimizer progress as Prometheus metrics and
// writes them in the node_exporter textfile format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	probreco "github.com/palexbg/ProbReco"
)

const namespace = "probreco"

// Recorder holds the metrics of one CLI run on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	iterations  prometheus.Counter
	evaluations prometheus.Gauge
	skipped     prometheus.Gauge
	objective   prometheus.Gauge
	best        prometheus.Gauge
	score       *prometheus.GaugeVec
	converged   prometheus.Gauge
	duration    prometheus.Gauge
}

// New creates a recorder whose metrics carry the run id and command as
// constant labels.
func New(runID, command string) *Recorder {
	labels := prometheus.Labels{"run_id": runID, "command": command}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "optimizer_iterations_total",
			Help:        "Optimizer iterations completed.",
			ConstLabels: labels,
		}),
		evaluations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "score_evaluations",
			Help:        "Total score evaluations made.",
			ConstLabels: labels,
		}),
		skipped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "skipped_periods",
			Help:        "Periods skipped as degenerate across all evaluations.",
			ConstLabels: labels,
		}),
		objective: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "optimizer_objective",
			Help:        "Objective of the latest iteration.",
			ConstLabels: labels,
		}),
		best: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "optimizer_best_objective",
			Help:        "Lowest objective seen so far.",
			ConstLabels: labels,
		}),
		score: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "total_score",
			Help:        "Total score of a reconciliation at the evaluation seed.",
			ConstLabels: labels,
		}, []string{"reconciliation"}),
		converged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "optimizer_converged",
			Help:        "1 if the optimizer met its convergence rule, 0 if it hit the iteration cap.",
			ConstLabels: labels,
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "run_duration_seconds",
			Help:        "Wall time of the run.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(
		r.iterations, r.evaluations, r.skipped,
		r.objective, r.best, r.score, r.converged, r.duration,
	)
	return r
}

// Observe records one optimizer iteration. It has the signature of
// probreco.OptimizeOptions.Observer.
func (r *Recorder) Observe(s probreco.IterationStats) {
	r.iterations.Inc()
	r.objective.Set(s.Objective)
	r.best.Set(s.Best)
	r.evaluations.Set(float64(s.Evaluations))
	r.skipped.Set(float64(s.Skipped))
}

// Score records the total score of a named reconciliation, e.g. "optimized"
// or "bottomup".
func (r *Recorder) Score(name string, score float64) {
	r.score.WithLabelValues(name).Set(score)
}

// Finish records the outcome of an optimization.
func (r *Recorder) Finish(res *probreco.Result, elapsed time.Duration) {
	r.duration.Set(elapsed.Seconds())
	if res == nil {
		return
	}
	r.evaluations.Set(float64(res.Evaluations))
	r.Score("optimized", res.Score)
	if res.Status == probreco.Converged {
		r.converged.Set(1)
	} else {
		r.converged.Set(0)
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// WriteTextfile atomically writes all metrics to path.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
