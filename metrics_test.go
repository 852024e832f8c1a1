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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	var c Counter
	c.Add(5)
	c.Add(-2)
	assert.Equal(t, int64(3), c.Value())
	c.Reset()
	assert.Zero(t, c.Value())
}

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()
	for _, d := range []time.Duration{
		500 * time.Microsecond,
		2 * time.Millisecond,
		10 * time.Millisecond,
		100 * time.Millisecond,
		7 * time.Second,
	} {
		h.Observe(d)
	}

	stats := h.Stats()
	assert.Equal(t, int64(5), stats.Count)
	assert.InDelta(t, 0.5, stats.Min, 0.01)
	assert.InDelta(t, 7000, stats.Max, 0.01)
	assert.Equal(t, int64(1), stats.Buckets["1ms"])
	assert.Equal(t, int64(1), stats.Buckets["5ms"])
	assert.Equal(t, int64(1), stats.Buckets["5s+"])

	count, sum, buckets := h.cumulative()
	assert.Equal(t, uint64(5), count)
	assert.InDelta(t, 7.1125, sum, 0.0001)
	assert.Len(t, buckets, 9)
	assert.Equal(t, uint64(1), buckets[0.001])
	assert.Equal(t, uint64(3), buckets[0.01])
	assert.Equal(t, uint64(4), buckets[1])

	h.Reset()
	assert.Zero(t, h.Stats().Count)
	assert.Zero(t, h.Stats().Sum)
}

func TestMetricsObserve(t *testing.T) {
	m := NewMetrics()
	m.observe(FuncReadHoldingRegisters, 2*time.Millisecond, nil)
	m.observe(FuncReadHoldingRegisters, time.Second, ErrResponseTimeout)
	m.observe(FuncWriteSingleCoil, time.Millisecond, NewModbusError(FuncWriteSingleCoil, ExceptionIllegalDataValue))
	m.observe(FunctionCode(65), time.Millisecond, ErrInvalidResponse)

	assert.Equal(t, int64(4), m.RequestsTotal.Value())
	assert.Equal(t, int64(1), m.RequestsSuccess.Value())
	assert.Equal(t, int64(3), m.RequestsErrors.Value())
	assert.Equal(t, int64(1), m.Timeouts.Value())
	assert.Equal(t, int64(1), m.Exceptions.Value())
	assert.Equal(t, int64(1), m.Latency.Stats().Count, "only successes feed latency")

	fm := m.ForFunction(FuncReadHoldingRegisters)
	assert.Equal(t, int64(2), fm.Requests.Value())
	assert.Equal(t, int64(1), fm.Errors.Value())
	assert.Same(t, fm, m.ForFunction(FuncReadHoldingRegisters))

	collected := m.Collect()
	assert.Equal(t, int64(4), collected["requests_total"])
	funcs, ok := collected["functions"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, funcs, "ReadHoldingRegisters")
	assert.Contains(t, funcs, "Custom(65)")
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.observe(FuncReadCoils, 5*time.Millisecond, nil)
	m.Sessions.Add(2)
	m.Connected.Add(1)

	m.Reset()
	assert.Zero(t, m.RequestsTotal.Value())
	assert.Zero(t, m.Sessions.Value())
	assert.Zero(t, m.Latency.Stats().Count)
	assert.Zero(t, m.ForFunction(FuncReadCoils).Requests.Value())
	assert.Equal(t, int64(1), m.Connected.Value(), "connection state survives a reset")
}

func TestFunctionCodeString(t *testing.T) {
	assert.Equal(t, "ReadCoils", FuncReadCoils.String())
	assert.Equal(t, "WriteMultipleRegisters", FuncWriteMultipleRegisters.String())
	assert.Equal(t, "Custom(100)", FunctionCode(100).String())
	assert.Equal(t, "Function(0x2B)", FunctionCode(0x2B).String())
}

func TestServerMetricsCollect(t *testing.T) {
	m := &ServerMetrics{}
	m.RequestsTotal.Add(4)
	m.Exceptions.Add(1)
	m.RejectedConns.Add(2)

	stats := m.Collect()
	assert.Len(t, stats, 8)
	assert.Equal(t, int64(4), stats["requests_total"])
	assert.Equal(t, int64(1), stats["exceptions"])
	assert.Equal(t, int64(2), stats["rejected_conns"])
	assert.Equal(t, int64(0), stats["dropped"])
}
