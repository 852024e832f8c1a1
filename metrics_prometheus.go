// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func() int64
}

func newCounterDesc(name, help string, kind prometheus.ValueType, labels prometheus.Labels, c *Counter) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(name, help, nil, labels),
		kind:  kind,
		value: c.Value,
	}
}

// channelCollector exports a channel's Metrics.
type channelCollector struct {
	m        *Metrics
	counters []counterDesc
	funcReqs *prometheus.Desc
	funcErrs *prometheus.Desc
	latency  *prometheus.Desc
}

// NewChannelCollector returns a prometheus.Collector for m. name is attached as
// the "channel" label.
func NewChannelCollector(name string, m *Metrics) prometheus.Collector {
	labels := prometheus.Labels{"channel": name}
	c := &channelCollector{
		m: m,
		counters: []counterDesc{
			newCounterDesc("modbus_client_requests_total", "Requests sent on the wire", prometheus.CounterValue, labels, &m.RequestsTotal),
			newCounterDesc("modbus_client_requests_failed_total", "Requests that completed with an error", prometheus.CounterValue, labels, &m.RequestsErrors),
			newCounterDesc("modbus_client_timeouts_total", "Requests without a reply in time", prometheus.CounterValue, labels, &m.Timeouts),
			newCounterDesc("modbus_client_exceptions_total", "Exception replies received", prometheus.CounterValue, labels, &m.Exceptions),
			newCounterDesc("modbus_client_connect_attempts_total", "Connection attempts", prometheus.CounterValue, labels, &m.ConnectAttempts),
			newCounterDesc("modbus_client_connect_failures_total", "Failed connection attempts", prometheus.CounterValue, labels, &m.ConnectFailures),
			newCounterDesc("modbus_client_connected", "1 while a session is up", prometheus.GaugeValue, labels, &m.Connected),
		},
		funcReqs: prometheus.NewDesc("modbus_client_function_requests_total", "Requests per function code", []string{"function"}, labels),
		funcErrs: prometheus.NewDesc("modbus_client_function_errors_total", "Failed requests per function code", []string{"function"}, labels),
		latency:  prometheus.NewDesc("modbus_client_request_duration_seconds", "Round trip of successful requests", nil, labels),
	}
	return c
}

func (c *channelCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.funcReqs
	ch <- c.funcErrs
	ch <- c.latency
}

func (c *channelCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, cd.kind, float64(cd.value()))
	}
	count, sum, buckets := c.m.Latency.cumulative()
	ch <- prometheus.MustNewConstHistogram(c.latency, count, sum, buckets)
	c.m.rangeFunctions(func(fc FunctionCode, fm *FunctionMetrics) {
		ch <- prometheus.MustNewConstMetric(c.funcReqs, prometheus.CounterValue, float64(fm.Requests.Value()), fc.String())
		ch <- prometheus.MustNewConstMetric(c.funcErrs, prometheus.CounterValue, float64(fm.Errors.Value()), fc.String())
	})
}

// serverCollector exports ServerMetrics.
type serverCollector struct {
	counters []counterDesc
}

// NewServerCollector returns a prometheus.Collector for m.
func NewServerCollector(m *ServerMetrics) prometheus.Collector {
	return &serverCollector{
		counters: []counterDesc{
			newCounterDesc("modbus_server_requests_total", "Requests received", prometheus.CounterValue, nil, &m.RequestsTotal),
			newCounterDesc("modbus_server_requests_failed_total", "Replies that could not be sent", prometheus.CounterValue, nil, &m.RequestsErrors),
			newCounterDesc("modbus_server_exceptions_total", "Exception replies sent", prometheus.CounterValue, nil, &m.Exceptions),
			newCounterDesc("modbus_server_dropped_total", "Requests for units without a handler", prometheus.CounterValue, nil, &m.Dropped),
			newCounterDesc("modbus_server_sessions", "Open sessions", prometheus.GaugeValue, nil, &m.ActiveConns),
			newCounterDesc("modbus_server_sessions_total", "Accepted sessions", prometheus.CounterValue, nil, &m.TotalConns),
			newCounterDesc("modbus_server_rejected_total", "Rejected connections", prometheus.CounterValue, nil, &m.RejectedConns),
		},
	}
}

func (c *serverCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
}

func (c *serverCollector) Collect(ch chan<- prometheus.Metric) {
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, cd.kind, float64(cd.value()))
	}
}
