// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package keypool

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// poolMetrics holds the Prometheus instruments shared by all pools.
// Registered once with the default registry; each pool selects its
// series through the provider label.
type poolMetrics struct {
	healthyKeys     *prometheus.GaugeVec
	rateLimitedKeys *prometheus.GaugeVec
	blacklistedKeys *prometheus.GaugeVec
	acquisitions    *prometheus.CounterVec
	blacklistAlerts *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *poolMetrics
)

func getMetrics() *poolMetrics {
	metricsOnce.Do(func() {
		metrics = &poolMetrics{
			healthyKeys: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "qbit_keypool_healthy_keys",
				Help: "Number of credentials currently in the active state.",
			}, []string{"provider"}),
			rateLimitedKeys: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "qbit_keypool_rate_limited_keys",
				Help: "Number of credentials currently in the rate_limited state.",
			}, []string{"provider"}),
			blacklistedKeys: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "qbit_keypool_blacklisted_keys",
				Help: "Number of credentials permanently removed from rotation.",
			}, []string{"provider"}),
			acquisitions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "qbit_keypool_acquisitions_total",
				Help: "Credential acquisition attempts by result.",
			}, []string{"provider", "result"}),
			blacklistAlerts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "qbit_keypool_blacklist_alerts_total",
				Help: "Alerts raised when a credential is blacklisted.",
			}, []string{"provider"}),
		}
	})
	return metrics
}
