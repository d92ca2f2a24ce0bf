package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Pipeline.
type Metrics struct {
	files          prometheus.Counter
	chunks         prometheus.Counter
	enriched       prometheus.Counter
	written        prometheus.Counter
	failures       *prometheus.CounterVec
	enrichDuration prometheus.Histogram
	writeDuration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	m := &Metrics{
		files:    prometheus.NewCounter(prometheus.CounterOpts{Name: "repocontext_files_total", Help: "Source files read"}),
		chunks:   prometheus.NewCounter(prometheus.CounterOpts{Name: "repocontext_chunks_total", Help: "Chunks attempted"}),
		enriched: prometheus.NewCounter(prometheus.CounterOpts{Name: "repocontext_chunks_enriched_total", Help: "Chunks given a context"}),
		written:  prometheus.NewCounter(prometheus.CounterOpts{Name: "repocontext_records_written_total", Help: "Records upserted"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "repocontext_failures_total", Help: "Per-file and per-chunk failures"}, []string{"kind"}),
		enrichDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "repocontext_enrich_seconds", Help: "Enrichment call duration", Buckets: buckets,
		}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "repocontext_write_seconds", Help: "Record write duration", Buckets: buckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.files, m.chunks, m.enriched, m.written, m.failures, m.enrichDuration, m.writeDuration)
	}
	return m
}

func (m *Metrics) observe(o Outcome) {
	if o.Failure != nil {
		m.failures.WithLabelValues(string(o.Failure.Kind)).Inc()
		if o.Failure.Chunk < 0 {
			return
		}
	}
	m.chunks.Inc()
	if o.Enriched {
		m.enriched.Inc()
	}
	if o.Written {
		m.written.Inc()
	}
}
