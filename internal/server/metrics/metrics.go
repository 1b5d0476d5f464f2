// Package metrics provides Prometheus metrics for the file lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Lifecycle holds the counters updated by uploads, fetches and reclamation.
// All methods are safe to call on a nil *Lifecycle.
type Lifecycle struct {
	Uploads           prometheus.Counter
	UploadedBytes     prometheus.Counter
	AdmissionRejected *prometheus.CounterVec // labels: reason
	Fetches           *prometheus.CounterVec // labels: outcome
	Reclaims          *prometheus.CounterVec // labels: trigger, result
	Sweeps            prometheus.Counter
	SweepDuration     prometheus.Histogram
	ConsistencyErrors prometheus.Counter
}

// New registers the lifecycle metrics with reg.
func New(reg prometheus.Registerer) *Lifecycle {
	f := promauto.With(reg)
	return &Lifecycle{
		Uploads: f.NewCounter(prometheus.CounterOpts{
			Name: "dropit_uploads_total",
			Help: "Total uploads accepted",
		}),
		UploadedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "dropit_uploaded_bytes_total",
			Help: "Total bytes accepted by uploads",
		}),
		AdmissionRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dropit_admission_rejected_total",
			Help: "Uploads rejected by quota admission",
		}, []string{"reason"}),
		Fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dropit_fetches_total",
			Help: "Accounted downloads by outcome",
		}, []string{"outcome"}),
		Reclaims: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dropit_reclaims_total",
			Help: "Reclaim attempts by trigger and result",
		}, []string{"trigger", "result"}),
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "dropit_sweeps_total",
			Help: "Completed retention sweep ticks",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dropit_sweep_duration_seconds",
			Help:    "Duration of retention sweep ticks",
			Buckets: prometheus.DefBuckets,
		}),
		ConsistencyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "dropit_internal_consistency_errors_total",
			Help: "Impossible states observed by the lifecycle engine",
		}),
	}
}

func (m *Lifecycle) Uploaded(size int64) {
	if m == nil {
		return
	}
	m.Uploads.Inc()
	m.UploadedBytes.Add(float64(size))
}

func (m *Lifecycle) Rejected(reason string) {
	if m == nil {
		return
	}
	m.AdmissionRejected.WithLabelValues(reason).Inc()
}

func (m *Lifecycle) Fetched(outcome string) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(outcome).Inc()
}

func (m *Lifecycle) Reclaimed(trigger, result string) {
	if m == nil {
		return
	}
	m.Reclaims.WithLabelValues(trigger, result).Inc()
}

func (m *Lifecycle) Swept(d time.Duration) {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
	m.SweepDuration.Observe(d.Seconds())
}

func (m *Lifecycle) Inconsistent() {
	if m == nil {
		return
	}
	m.ConsistencyErrors.Inc()
}
