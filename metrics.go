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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counter is an atomic counter safe for concurrent use.
type Counter struct {
	v atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) { c.v.Add(delta) }

// Value returns the current value.
func (c *Counter) Value() int64 { return c.v.Load() }

// Reset sets the counter back to zero.
func (c *Counter) Reset() { c.v.Store(0) }

// latencyBuckets are the histogram upper bounds. The last bucket also counts
// every slower observation.
var latencyBuckets = []struct {
	bound time.Duration
	label string
}{
	{time.Millisecond, "1ms"},
	{5 * time.Millisecond, "5ms"},
	{10 * time.Millisecond, "10ms"},
	{25 * time.Millisecond, "25ms"},
	{50 * time.Millisecond, "50ms"},
	{100 * time.Millisecond, "100ms"},
	{250 * time.Millisecond, "250ms"},
	{500 * time.Millisecond, "500ms"},
	{time.Second, "1s"},
	{5 * time.Second, "5s+"},
}

// LatencyHistogram records request round trip times.
type LatencyHistogram struct {
	mu       sync.Mutex
	counts   []int64
	n        int64
	total    time.Duration
	min, max time.Duration
}

// NewLatencyHistogram returns an empty histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{counts: make([]int64, len(latencyBuckets))}
}

// Observe records one round trip.
func (h *LatencyHistogram) Observe(d time.Duration) {
	last := len(latencyBuckets) - 1
	i := sort.Search(last, func(i int) bool { return d <= latencyBuckets[i].bound })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.n++
	h.total += d
	h.counts[i]++
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Stats returns a snapshot with durations in milliseconds.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.n,
		Sum:     millis(h.total),
		Buckets: make(map[string]int64, len(latencyBuckets)),
	}
	for i, b := range latencyBuckets {
		stats.Buckets[b.label] = h.counts[i]
	}
	if h.n > 0 {
		stats.Avg = stats.Sum / float64(h.n)
		stats.Min = millis(h.min)
		stats.Max = millis(h.max)
	}
	return stats
}

// cumulative returns the observation count, the sum in seconds and cumulative
// bucket counts keyed by upper bound in seconds. The overflow bucket is left
// to the implicit +Inf bucket.
func (h *LatencyHistogram) cumulative() (uint64, float64, map[float64]uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	buckets := make(map[float64]uint64, len(latencyBuckets)-1)
	var acc uint64
	for i, b := range latencyBuckets[:len(latencyBuckets)-1] {
		acc += uint64(h.counts[i])
		buckets[b.bound.Seconds()] = acc
	}
	return uint64(h.n), h.total.Seconds(), buckets
}

// Reset clears every observation.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.counts)
	h.n, h.total, h.min, h.max = 0, 0, 0, 0
}

// LatencyStats is a point-in-time view of a LatencyHistogram.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// Metrics holds the counters of one client channel.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Timeouts        Counter
	Exceptions      Counter
	ConnectAttempts Counter
	ConnectFailures Counter
	Sessions        Counter
	Connected       Counter
	Latency         *LatencyHistogram

	// Per-function code metrics
	funcMetrics sync.Map // FunctionCode -> *FunctionMetrics
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if val, ok := m.funcMetrics.Load(fc); ok {
		return val.(*FunctionMetrics)
	}

	fm := &FunctionMetrics{
		Latency: NewLatencyHistogram(),
	}
	actual, _ := m.funcMetrics.LoadOrStore(fc, fm)
	return actual.(*FunctionMetrics)
}

// observe records the outcome of one request that reached the wire.
func (m *Metrics) observe(fc FunctionCode, d time.Duration, err error) {
	fm := m.ForFunction(fc)
	fm.Requests.Add(1)
	m.RequestsTotal.Add(1)
	switch {
	case err == nil:
		m.RequestsSuccess.Add(1)
		m.Latency.Observe(d)
		fm.Latency.Observe(d)
		return
	case errors.Is(err, ErrResponseTimeout):
		m.Timeouts.Add(1)
	case isModbusError(err):
		m.Exceptions.Add(1)
	}
	m.RequestsErrors.Add(1)
	fm.Errors.Add(1)
}

func isModbusError(err error) bool {
	var modbusErr *ModbusError
	return errors.As(err, &modbusErr)
}

// Collect returns all metrics as a map.
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"timeouts":         m.Timeouts.Value(),
		"exceptions":       m.Exceptions.Value(),
		"connect_attempts": m.ConnectAttempts.Value(),
		"connect_failures": m.ConnectFailures.Value(),
		"sessions":         m.Sessions.Value(),
		"connected":        m.Connected.Value(),
		"latency":          m.Latency.Stats(),
	}

	funcStats := make(map[string]interface{})
	m.rangeFunctions(func(fc FunctionCode, fm *FunctionMetrics) {
		funcStats[fc.String()] = map[string]interface{}{
			"requests": fm.Requests.Value(),
			"errors":   fm.Errors.Value(),
			"latency":  fm.Latency.Stats(),
		}
	})
	if len(funcStats) > 0 {
		result["functions"] = funcStats
	}

	return result
}

func (m *Metrics) rangeFunctions(fn func(FunctionCode, *FunctionMetrics)) {
	m.funcMetrics.Range(func(key, value interface{}) bool {
		fn(key.(FunctionCode), value.(*FunctionMetrics))
		return true
	})
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Timeouts.Reset()
	m.Exceptions.Reset()
	m.ConnectAttempts.Reset()
	m.ConnectFailures.Reset()
	m.Sessions.Reset()
	m.Latency.Reset()

	m.rangeFunctions(func(_ FunctionCode, fm *FunctionMetrics) {
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Latency.Reset()
	})
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Exceptions      Counter
	Dropped         Counter
	ActiveConns     Counter
	TotalConns      Counter
	RejectedConns   Counter
}

// Collect returns all server metrics as a map.
func (m *ServerMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"exceptions":       m.Exceptions.Value(),
		"dropped":          m.Dropped.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
		"rejected_conns":   m.RejectedConns.Value(),
	}
}

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	}
	if fc.IsCustom() {
		return fmt.Sprintf("Custom(%d)", uint8(fc))
	}
	return fmt.Sprintf("Function(0x%02X)", uint8(fc))
}
