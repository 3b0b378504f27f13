// Copyright The ScyllaDB Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package discovery

import "github.com/prometheus/client_golang/prometheus"

type refresherMetrics struct {
	refreshesTotal        prometheus.Counter
	refreshFailuresTotal  prometheus.Counter
	refreshDuration       prometheus.Summary
	discoveredNodes       prometheus.Gauge
	capabilityProbesTotal prometheus.Counter
}

func newRefresherMetrics(reg prometheus.Registerer) *refresherMetrics {
	m := &refresherMetrics{
		refreshesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "alternator_lb_node_refreshes_total",
				Help: "Total number of membership refresh attempts.",
			},
		),
		refreshFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "alternator_lb_node_refresh_failures_total",
				Help: "Total number of membership refresh attempts that failed.",
			},
		),
		refreshDuration: prometheus.NewSummary(
			prometheus.SummaryOpts{
				Name:       "alternator_lb_node_refresh_duration_seconds",
				Help:       "Duration of membership refreshes.",
				Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			},
		),
		discoveredNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alternator_lb_discovered_nodes",
				Help: "Number of live nodes in the current snapshot.",
			},
		),
		capabilityProbesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "alternator_lb_capability_probes_total",
				Help: "Total number of topology capability probes issued.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.refreshesTotal,
			m.refreshFailuresTotal,
			m.refreshDuration,
			m.discoveredNodes,
			m.capabilityProbesTotal,
		)
	}
	return m
}
