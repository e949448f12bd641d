package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	live     prometheus.Gauge
	queued   prometheus.Gauge
	outcomes *prometheus.CounterVec
	killed   prometheus.Counter
	duration prometheus.Histogram
}

// newMetrics registers the pool's collectors with reg. A nil reg leaves
// them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		live: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mastodont",
			Subsystem: "delivery",
			Name:      "live_units",
			Help:      "Delivery units in the live set, running or awaiting reaping",
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mastodont",
			Subsystem: "delivery",
			Name:      "queued_units",
			Help:      "Delivery tasks waiting for a free slot",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mastodont",
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Finished deliveries by result",
		}, []string{"result"}),
		killed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mastodont",
			Subsystem: "delivery",
			Name:      "killed_total",
			Help:      "Delivery units cancelled for exceeding the timeout or by request",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mastodont",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time from unit start to finish",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
