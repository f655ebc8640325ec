// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fuse

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "fuse"

type metricDesc struct {
	desc  *prometheus.Desc
	typ   prometheus.ValueType
	value func(*Stats) float64
}

// Collector exports session statistics to Prometheus.
type Collector struct {
	s     *Session
	descs []metricDesc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for s. Every metric carries the session
// id and volume name as constant labels.
func NewCollector(s *Session) *Collector {
	labels := prometheus.Labels{
		"session": s.ID(),
		"volume":  s.VolumeName(),
	}
	def := func(name, help string, typ prometheus.ValueType, value func(*Stats) float64) metricDesc {
		return metricDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "session", name), help, nil, labels),
			typ:   typ,
			value: value,
		}
	}
	return &Collector{
		s: s,
		descs: []metricDesc{
			def("up", "1 while the session is alive.", prometheus.GaugeValue, func(st *Stats) float64 {
				if st.State == StateDead {
					return 0
				}
				return 1
			}),
			def("tickets", "Tickets owned by the session.", prometheus.GaugeValue, func(st *Stats) float64 { return float64(st.Tickets) }),
			def("free_tickets", "Tickets on the free list.", prometheus.GaugeValue, func(st *Stats) float64 { return float64(st.FreeTickets) }),
			def("destroyed_tickets_total", "Tickets destroyed instead of recycled.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.DestroyedTickets) }),
			def("pending_requests", "Requests waiting to be read by the daemon.", prometheus.GaugeValue, func(st *Stats) float64 { return float64(st.Pending) }),
			def("awaiting_replies", "Requests waiting for a reply.", prometheus.GaugeValue, func(st *Stats) float64 { return float64(st.Awaiting) }),
			def("buffers", "Outstanding request and reply buffers.", prometheus.GaugeValue, func(st *Stats) float64 { return float64(st.Buffers) }),
			def("requests_total", "Requests queued for the daemon.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.Requests) }),
			def("replies_total", "Replies received from the daemon.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.Replies) }),
			def("unmatched_replies_total", "Replies that matched no outstanding request.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.UnmatchedReplies) }),
			def("interrupts_total", "Requests abandoned by their caller.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.Interrupts) }),
			def("timeouts_total", "Daemon timeouts.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.Timeouts) }),
			def("forgets_total", "Forget messages sent.", prometheus.CounterValue, func(st *Stats) float64 { return float64(st.Forgets) }),
			def("nodes", "Nodes in the node table.", prometheus.GaugeValue, func(st *Stats) float64 { return float64(st.Nodes) }),
		},
	}
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.descs {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.s.Stats()
	for _, m := range c.descs {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.value(&st))
	}
}
