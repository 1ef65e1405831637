// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "managedcollection_store"

var (
	retainedVersionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "retained_versions"),
		"Number of versions whose storage has not been reclaimed.",
		nil, nil,
	)
	pinnedVersionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "pinned_versions"),
		"Number of distinct versions currently pinned.",
		nil, nil,
	)
	latestVersionDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "latest_version"),
		"The most recently committed version.",
		nil, nil,
	)
)

// Describe is part of the prometheus.Collector interface.
func (s *MemoryStore) Describe(ch chan<- *prometheus.Desc) {
	ch <- retainedVersionsDesc
	ch <- pinnedVersionsDesc
	ch <- latestVersionDesc
}

// Collect is part of the prometheus.Collector interface.
func (s *MemoryStore) Collect(ch chan<- prometheus.Metric) {
	s.mu.Lock()
	retained, pinned, latest := len(s.versions), len(s.pins), s.latest
	s.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(retainedVersionsDesc, prometheus.GaugeValue, float64(retained))
	ch <- prometheus.MustNewConstMetric(pinnedVersionsDesc, prometheus.GaugeValue, float64(pinned))
	ch <- prometheus.MustNewConstMetric(latestVersionDesc, prometheus.GaugeValue, float64(latest))
}
