// Package metrics registers the Prometheus collectors a vdnn runtime
// exposes: peak-bytes gauge, offload/prefetch counters, step-duration
// histogram, and the planner's chosen-tier gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the executor and planner report against,
// registered on a caller-supplied *prometheus.Registry so a hosting
// process can expose them alongside its own metrics rather than forcing
// the global default registry.
type Collectors struct {
	PeakBytes     prometheus.Gauge
	PlannerTier   prometheus.Gauge
	OffloadTotal  prometheus.Counter
	PrefetchTotal prometheus.Counter
	StepDuration  prometheus.Histogram
	FatalTotal    *prometheus.CounterVec
}

// New constructs and registers the collector set on reg.
func New(reg *prometheus.Registry) *Collectors {
	c := &Collectors{
		PeakBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdnn",
			Name:      "peak_device_bytes",
			Help:      "Peak device-memory footprint the current plan was sized to.",
		}),
		PlannerTier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vdnn",
			Name:      "planner_tier",
			Help:      "Priority-table row (1-8) of the currently active plan, or 0 for a fixed-policy plan.",
		}),
		OffloadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vdnn",
			Name:      "offload_total",
			Help:      "Number of forward activation offloads issued.",
		}),
		PrefetchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vdnn",
			Name:      "prefetch_total",
			Help:      "Number of backward activation prefetches issued.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vdnn",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of one forward(+backward) step.",
			Buckets:   prometheus.DefBuckets,
		}),
		FatalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vdnn",
			Name:      "fatal_total",
			Help:      "Fatal primitive/copy errors by layer index.",
		}, []string{"layer", "op"}),
	}

	reg.MustRegister(c.PeakBytes, c.PlannerTier, c.OffloadTotal, c.PrefetchTotal, c.StepDuration, c.FatalTotal)
	return c
}
