package collector

import (
	"github.com/omnistat/omnistat/pkg/version"
	"github.com/prometheus/client_golang/prometheus"
)

func NewBuildInfoCollector(component string) prometheus.Collector {
	info := version.Get()
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "omnistat_build_info",
		Help: "Omnistat component build version information",
		ConstLabels: map[string]string{
			"component": component,
			"version":   info.Version,
			"branch":    info.GitBranch,
			"commit":    info.GitCommit,
			"platform":  info.Platform,
			"date":      info.BuildDate,
		},
	}, func() float64 {
		return 1
	})
}
