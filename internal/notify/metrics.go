// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "managedcollection_notify"

var (
	deliveriesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "deliveries_total"),
		"Number of notifications delivered to callbacks.",
		nil, nil,
	)
	coalescedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "coalesced_total"),
		"Number of committed versions folded into a later pending notification.",
		nil, nil,
	)
	failuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "delivery_errors_total"),
		"Number of deliveries that failed to materialise.",
		nil, nil,
	)
	tokensDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "tokens"),
		"Number of registered notification tokens.",
		nil, nil,
	)
)

// Describe is part of the prometheus.Collector interface.
func (s *Scheduler) Describe(ch chan<- *prometheus.Desc) {
	ch <- deliveriesDesc
	ch <- coalescedDesc
	ch <- failuresDesc
	ch <- tokensDesc
}

// Collect is part of the prometheus.Collector interface.
func (s *Scheduler) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(deliveriesDesc, prometheus.CounterValue, float64(s.deliveries.Load()))
	ch <- prometheus.MustNewConstMetric(coalescedDesc, prometheus.CounterValue, float64(s.coalesced.Load()))
	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(s.failures.Load()))
	ch <- prometheus.MustNewConstMetric(tokensDesc, prometheus.GaugeValue, float64(s.tokens.Load()))
}
