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
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDispatchReadHoldingRegisters(t *testing.T) {
	h := NewMemoryHandler(16)
	require.NoError(t, h.HoldingRegisters.SetRange(2, []uint16{0x1234, 0x5678}))
	handlers, _ := SingleHandler(1, h)

	reply, result := handlers.dispatch(1, []byte{0x03, 0x00, 0x02, 0x00, 0x02}, false)
	require.Equal(t, dispatchReply, result)
	assert.Equal(t, []byte{0x03, 0x04, 0x12, 0x34, 0x56, 0x78}, reply)
}

func TestDispatchExceptions(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(16))

	tests := []struct {
		name string
		pdu  []byte
		want []byte
	}{
		{"address out of bank", []byte{0x01, 0x00, 0x0F, 0x00, 0x02}, []byte{0x81, 0x02}},
		{"zero quantity", []byte{0x03, 0x00, 0x00, 0x00, 0x00}, []byte{0x83, 0x03}},
		{"quantity over limit", []byte{0x04, 0x00, 0x00, 0x00, 0x7E}, []byte{0x84, 0x03}},
		{"range overflow", []byte{0x02, 0xFF, 0xFF, 0x00, 0x02}, []byte{0x82, 0x02}},
		{"short request", []byte{0x03, 0x00}, []byte{0x83, 0x03}},
		{"trailing bytes", []byte{0x03, 0x00, 0x00, 0x00, 0x01, 0x00}, []byte{0x83, 0x03}},
		{"bad coil value", []byte{0x05, 0x00, 0x01, 0x12, 0x34}, []byte{0x85, 0x03}},
		{"coil byte count mismatch", []byte{0x0F, 0x00, 0x00, 0x00, 0x09, 0x01, 0xFF}, []byte{0x8F, 0x03}},
		{"register byte count mismatch", []byte{0x10, 0x00, 0x00, 0x00, 0x02, 0x02, 0x00, 0x01}, []byte{0x90, 0x03}},
		{"write beyond bank", []byte{0x06, 0x00, 0x10, 0x00, 0x01}, []byte{0x86, 0x02}},
		{"odd mutable payload", []byte{0x29, 0x00}, []byte{0xA9, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, result := handlers.dispatch(1, tt.pdu, false)
			require.Equal(t, dispatchReply, result)
			assert.Equal(t, tt.want, reply)
		})
	}
}

type failingHandler struct {
	UnimplementedHandler
}

func (failingHandler) ReadCoil(uint16) (bool, error) {
	return false, errors.New("sensor offline")
}

func (failingHandler) ReadHoldingRegister(uint16) (uint16, error) {
	return 0, NewModbusError(FuncReadHoldingRegisters, ExceptionGatewayTargetDeviceFailedToRespond)
}

func TestDispatchHandlerErrors(t *testing.T) {
	handlers, _ := SingleHandler(1, failingHandler{})

	reply, _ := handlers.dispatch(1, []byte{0x01, 0x00, 0x00, 0x00, 0x01}, false)
	assert.Equal(t, []byte{0x81, byte(ExceptionServerDeviceFailure)}, reply)

	reply, _ = handlers.dispatch(1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}, false)
	assert.Equal(t, []byte{0x83, byte(ExceptionGatewayTargetDeviceFailedToRespond)}, reply)

	reply, _ = handlers.dispatch(1, []byte{0x06, 0x00, 0x00, 0x00, 0x01}, false)
	assert.Equal(t, []byte{0x86, byte(ExceptionIllegalFunction)}, reply)

	reply, _ = handlers.dispatch(1, []byte{0x41, 0x00, 0x00}, false)
	assert.Equal(t, []byte{0xC1, byte(ExceptionIllegalFunction)}, reply)
}

func TestDispatchWrites(t *testing.T) {
	h := NewMemoryHandler(32)
	handlers, _ := SingleHandler(1, h)

	reply, _ := handlers.dispatch(1, []byte{0x05, 0x00, 0x03, 0xFF, 0x00}, false)
	assert.Equal(t, []byte{0x05, 0x00, 0x03, 0xFF, 0x00}, reply)
	v, _ := h.Coils.Get(3)
	assert.True(t, v)

	reply, _ = handlers.dispatch(1, []byte{0x0F, 0x00, 0x08, 0x00, 0x0A, 0x02, 0x05, 0x02}, false)
	assert.Equal(t, []byte{0x0F, 0x00, 0x08, 0x00, 0x0A}, reply)
	for addr, want := range map[uint16]bool{8: true, 9: false, 10: true, 16: false, 17: true} {
		got, err := h.Coils.Get(addr)
		require.NoError(t, err)
		assert.Equal(t, want, got, "coil %d", addr)
	}

	reply, _ = handlers.dispatch(1, []byte{0x10, 0x00, 0x1E, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02}, false)
	assert.Equal(t, []byte{0x10, 0x00, 0x1E, 0x00, 0x02}, reply)
	r, _ := h.HoldingRegisters.Get(31)
	assert.Equal(t, uint16(2), r)

	// nothing is written when the range runs past the bank
	reply, _ = handlers.dispatch(1, []byte{0x10, 0x00, 0x1F, 0x00, 0x02, 0x04, 0x00, 0x09, 0x00, 0x09}, false)
	assert.Equal(t, []byte{0x90, 0x02}, reply)
	r, _ = h.HoldingRegisters.Get(31)
	assert.Equal(t, uint16(2), r)
}

func TestDispatchCustomFunctionCode(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(1))

	reply, _ := handlers.dispatch(1, []byte{0x45, 0x01, 0x02, 0xAB, 0xCD}, false)
	assert.Equal(t, []byte{0x45, 0x01, 0x02, 0xAB, 0xCD, 0x00, 0x00}, reply)
}

// shortReplyHandler answers custom codes with fewer words than it announces.
type shortReplyHandler struct {
	*MemoryHandler
}

func (shortReplyHandler) ProcessCustomFunctionCode(v CustomFunctionCode) (CustomFunctionCode, error) {
	v.Data = nil
	return v, nil
}

func TestDispatchCustomWordCount(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(1))
	reply, _ := handlers.dispatch(1, []byte{0x45, 0x02, 0x01, 0xAB, 0xCD}, false)
	assert.Equal(t, []byte{0xC5, 0x03}, reply)

	handlers, _ = SingleHandler(1, shortReplyHandler{NewMemoryHandler(1)})
	reply, _ = handlers.dispatch(1, []byte{0x45, 0x01, 0x01, 0xAB, 0xCD}, false)
	assert.Equal(t, []byte{0xC5, 0x04}, reply)
}

func TestDispatchUnitRouting(t *testing.T) {
	a, b := NewMemoryHandler(4), NewMemoryHandler(4)
	handlers, cellA := SingleHandler(1, a)
	require.NoError(t, handlers.Add(2, cellA))
	require.NoError(t, handlers.Add(3, NewHandlerCell(b)))
	assert.Error(t, handlers.Add(3, NewHandlerCell(b)))
	assert.ErrorIs(t, handlers.Add(BroadcastUnitID, NewHandlerCell(b)), ErrInvalidRange)

	_, result := handlers.dispatch(9, []byte{0x01, 0x00, 0x00, 0x00, 0x01}, false)
	assert.Equal(t, dispatchUnknownUnit, result)

	handlers.dispatch(2, []byte{0x06, 0x00, 0x00, 0x00, 0x2A}, false)
	v, _ := a.HoldingRegisters.Get(0)
	assert.Equal(t, uint16(42), v)
	v, _ = b.HoldingRegisters.Get(0)
	assert.Zero(t, v)

	handlers.SetFallback(NewHandlerCell(b))
	_, result = handlers.dispatch(9, []byte{0x01, 0x00, 0x00, 0x00, 0x01}, false)
	assert.Equal(t, dispatchReply, result)
}

func TestDispatchBroadcast(t *testing.T) {
	a, b := NewMemoryHandler(4), NewMemoryHandler(4)
	handlers, cellA := SingleHandler(1, a)
	require.NoError(t, handlers.Add(2, cellA))
	require.NoError(t, handlers.Add(3, NewHandlerCell(b)))

	reply, result := handlers.dispatch(BroadcastUnitID, []byte{0x06, 0x00, 0x01, 0x00, 0x07}, true)
	assert.Equal(t, dispatchNoReply, result)
	assert.Nil(t, reply)
	va, _ := a.HoldingRegisters.Get(1)
	vb, _ := b.HoldingRegisters.Get(1)
	assert.Equal(t, uint16(7), va)
	assert.Equal(t, uint16(7), vb)

	_, result = handlers.dispatch(BroadcastUnitID, []byte{0x03, 0x00, 0x01, 0x00, 0x01}, true)
	assert.Equal(t, dispatchNoReply, result)

	_, result = handlers.dispatch(BroadcastUnitID, []byte{0x06, 0x00, 0x01, 0x00, 0x08}, false)
	assert.Equal(t, dispatchUnknownUnit, result)
	va, _ = a.HoldingRegisters.Get(1)
	assert.Equal(t, uint16(7), va)
}

// startServer serves handlers on a loopback port and returns its address.
func startServer(t *testing.T, handlers *ServerHandlerMap, opts ...ServerOption) (*Server, string) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewServer(handlers, opts...)
	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()
	t.Cleanup(func() {
		s.Close()
		assert.ErrorIs(t, <-done, ErrServerClosed)
	})
	return s, l.Addr().String()
}

func TestServerWithChannel(t *testing.T) {
	h := NewMemoryHandler(100)
	require.NoError(t, h.InputRegisters.Set(5, 0xAB))
	handlers, _ := SingleHandler(1, h)
	srv, addr := startServer(t, handlers)

	ch := SpawnTCPChannel(addr)
	defer ch.Close()
	ctx := context.Background()
	require.NoError(t, ch.Enable(ctx))

	_, err := ch.WriteSingleCoil(ctx, unit1, NewIndexed(10, true))
	require.NoError(t, err)
	coils, err := ch.ReadCoils(ctx, unit1, mustRange(t, 9, 3))
	require.NoError(t, err)
	assert.Equal(t, []Indexed[bool]{{9, false}, {10, true}, {11, false}}, coils)

	w, err := NewWriteMultiple[uint16](20, []uint16{1, 2, 3})
	require.NoError(t, err)
	_, err = ch.WriteMultipleRegisters(ctx, unit1, w)
	require.NoError(t, err)
	regs, err := ch.ReadHoldingRegisters(ctx, unit1, w.Range)
	require.NoError(t, err)
	assert.Equal(t, w.Indexed(), regs)

	inputs, err := ch.ReadInputRegisters(ctx, unit1, mustRange(t, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, uint16(0xAB), inputs[0].Value)

	_, err = ch.ReadHoldingRegisters(ctx, unit1, mustRange(t, 99, 2))
	assert.True(t, IsIllegalDataAddress(err))

	// unknown units get no answer
	_, err = ch.ReadCoils(ctx, RequestParam{UnitID: 7, Timeout: 100 * time.Millisecond}, mustRange(t, 0, 1))
	assert.ErrorIs(t, err, ErrResponseTimeout)

	assert.Equal(t, 1, srv.ActiveConnections())
	assert.Equal(t, int64(1), srv.Metrics().Dropped.Value())
	assert.Equal(t, int64(1), srv.Metrics().Exceptions.Value())
}

func TestServerAddressFilter(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(1))
	srv, addr := startServer(t, handlers, WithAddressFilter(AllowAddresses(net.ParseIP("192.0.2.1"))))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(1), srv.Metrics().RejectedConns.Value())
}

func TestServerMaxConnections(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(1))
	srv, addr := startServer(t, handlers, WithMaxConnections(1))

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = second.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerClosesOnBadFrame(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(1))
	_, addr := startServer(t, handlers)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	// protocol id 1
	_, err = conn.Write([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03})
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerIdleTimeout(t *testing.T) {
	handlers, _ := SingleHandler(1, NewMemoryHandler(1))
	srv, addr := startServer(t, handlers, WithReadTimeout(50*time.Millisecond))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerSetDecodeLevel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handlers, _ := SingleHandler(1, NewMemoryHandler(4))
	srv, addr := startServer(t, handlers, WithServerLogger(zap.New(core)))

	ch := SpawnTCPChannel(addr)
	defer ch.Close()
	ctx := context.Background()
	require.NoError(t, ch.Enable(ctx))

	_, err := ch.ReadCoils(ctx, unit1, mustRange(t, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessage("PDU RX").Len())

	srv.SetDecodeLevel(DecodeHeaders())
	assert.Equal(t, DecodeHeaders(), srv.DecodeLevel())
	_, err = ch.ReadCoils(ctx, unit1, mustRange(t, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("PDU RX").Len())
	assert.Equal(t, 1, logs.FilterMessage("PDU TX").Len())
}

func TestServerCloseIsIdempotent(t *testing.T) {
	s := NewServer(NewHandlerMap())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Nil(t, s.Addr())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Serve(l), ErrServerClosed)
}
