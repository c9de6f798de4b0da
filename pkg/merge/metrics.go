package merge

import (
	"github.com/prometheus/client_golang/prometheus"
)

type sessionMetrics struct {
	registry    *prometheus.Registry
	databases   *prometheus.CounterVec
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
}

func newSessionMetrics() *sessionMetrics {
	m := &sessionMetrics{
		registry: prometheus.NewRegistry(),
		databases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "omnistat_merge_databases_total",
			Help: "Candidate databases handled by the merge session, by result",
		}, []string{"result"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omnistat_merge_session_duration_seconds",
			Help: "Wall-clock duration of the merge session",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "omnistat_merge_last_success_timestamp_seconds",
			Help: "Unix time of the last merge session that stopped its target cleanly",
		}),
	}
	m.registry.MustRegister(m.databases, m.duration, m.lastSuccess)
	for _, result := range []string{"merged", "skipped", "failed"} {
		m.databases.WithLabelValues(result)
	}
	return m
}

func (m *sessionMetrics) observe(report *Report, succeeded bool) {
	m.databases.WithLabelValues("merged").Add(float64(report.Merged()))
	m.databases.WithLabelValues("skipped").Add(float64(report.Count(SourceSkipped)))
	m.databases.WithLabelValues("failed").Add(float64(report.Count(SourceFailed)))
	m.duration.Set(report.Duration.Seconds())
	if succeeded {
		m.lastSuccess.SetToCurrentTime()
	}
}

// writeTextfile writes the session metrics in the text exposition format,
// for pickup by a node exporter textfile collector.
func (m *sessionMetrics) writeTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Registry exposes the session metrics for tests and embedding servers.
func (c *Coordinator) Registry() *prometheus.Registry {
	return c.metrics.registry
}
