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

package modbus_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	goburrow "github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/edgeo-scada/modbus-channel"
)

// freeAddr reserves a loopback port for servers that cannot report their own.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestGoburrowClientAgainstServer(t *testing.T) {
	h := modbus.NewMemoryHandler(64)
	require.NoError(t, h.HoldingRegisters.SetRange(0, []uint16{12345, 54321}))
	handlers, _ := modbus.SingleHandler(1, h)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := modbus.NewServer(handlers)
	go srv.Serve(l)
	defer srv.Close()

	handler := goburrow.NewTCPClientHandler(l.Addr().String())
	handler.Timeout = time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := goburrow.NewClient(handler)

	results, err := client.ReadHoldingRegisters(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x39, 0xD4, 0x31}, results)

	_, err = client.WriteSingleCoil(3, 0xFF00)
	require.NoError(t, err)
	coil, err := h.ReadCoil(3)
	require.NoError(t, err)
	assert.True(t, coil)

	_, err = client.WriteMultipleRegisters(10, 2, []byte{0x00, 0x01, 0x00, 0x02})
	require.NoError(t, err)
	v, _ := h.HoldingRegisters.Get(11)
	assert.Equal(t, uint16(2), v)

	_, err = client.ReadInputRegisters(60, 10)
	var mbErr *goburrow.ModbusError
	require.True(t, errors.As(err, &mbErr))
	assert.Equal(t, byte(modbus.ExceptionIllegalDataAddress), mbErr.ExceptionCode)
}

func TestChannelAgainstMBServer(t *testing.T) {
	addr := freeAddr(t)
	sim := mbserver.NewServer()
	sim.HoldingRegisters[0] = 12345
	sim.HoldingRegisters[1] = 54321
	sim.Coils[1] = 1
	require.NoError(t, sim.ListenTCP(addr))
	defer sim.Close()

	ch := modbus.SpawnTCPChannel(addr)
	defer ch.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Enable(ctx))

	param := modbus.RequestParam{UnitID: 1, Timeout: time.Second}

	rng, err := modbus.NewAddressRange(0, 2)
	require.NoError(t, err)
	regs, err := ch.ReadHoldingRegisters(ctx, param, rng)
	require.NoError(t, err)
	assert.Equal(t, []modbus.Indexed[uint16]{{Index: 0, Value: 12345}, {Index: 1, Value: 54321}}, regs)

	coils, err := ch.ReadCoils(ctx, param, rng)
	require.NoError(t, err)
	assert.Equal(t, []modbus.Indexed[bool]{{Index: 0, Value: false}, {Index: 1, Value: true}}, coils)

	w, err := modbus.NewWriteMultiple[uint16](100, []uint16{7, 8, 9})
	require.NoError(t, err)
	written, err := ch.WriteMultipleRegisters(ctx, param, w)
	require.NoError(t, err)
	assert.Equal(t, w.Range, written)

	rng, err = modbus.NewAddressRange(100, 3)
	require.NoError(t, err)
	regs, err = ch.ReadHoldingRegisters(ctx, param, rng)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), regs[2].Value)

	_, err = ch.WriteSingleRegister(ctx, param, modbus.NewIndexed[uint16](5, 0xBEEF))
	require.NoError(t, err)
}
