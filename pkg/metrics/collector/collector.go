package collector

import (
	"github.com/omnistat/omnistat/pkg/index"
	"github.com/prometheus/client_golang/prometheus"
)

// ResultSource returns the latest job index scan, or nil before the first.
type ResultSource interface {
	Result() *index.Result
}

// jobIndexCollector implements the Collector interface.
type jobIndexCollector struct {
	source ResultSource
}

func NewJobIndexCollector(source ResultSource) prometheus.Collector {
	return &jobIndexCollector{source: source}
}

// Descriptors used by the jobIndexCollector below.
var (
	indexJobs = prometheus.NewDesc(
		"omnistat_index_jobs",
		"Jobs found by the latest database scan",
		nil, nil,
	)
	indexQueries = prometheus.NewDesc(
		"omnistat_index_scan_queries",
		"Range queries issued by the latest database scan, by result",
		[]string{"result"}, nil,
	)
	indexScanDuration = prometheus.NewDesc(
		"omnistat_index_scan_duration_seconds",
		"Duration of the latest database scan",
		nil, nil,
	)
	indexLastScan = prometheus.NewDesc(
		"omnistat_index_last_scan_timestamp_seconds",
		"Unix time the latest database scan finished",
		nil, nil,
	)
)

func (c *jobIndexCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- indexJobs
	ch <- indexQueries
	ch <- indexScanDuration
	ch <- indexLastScan
}

func (c *jobIndexCollector) Collect(ch chan<- prometheus.Metric) {
	result := c.source.Result()
	if result == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(indexJobs, prometheus.GaugeValue, float64(len(result.Jobs)))
	ch <- prometheus.MustNewConstMetric(indexQueries, prometheus.GaugeValue, float64(result.Queries-result.Failed), "success")
	ch <- prometheus.MustNewConstMetric(indexQueries, prometheus.GaugeValue, float64(result.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(indexScanDuration, prometheus.GaugeValue, result.Duration.Seconds())
	ch <- prometheus.MustNewConstMetric(indexLastScan, prometheus.GaugeValue, float64(result.Finished.Unix()))
}
