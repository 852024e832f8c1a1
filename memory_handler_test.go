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
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/modbus-channel/internal/store"
)

func TestMemoryHandlerBanks(t *testing.T) {
	h := NewMemoryHandler(10)
	assert.Equal(t, 10, h.Coils.Len())
	assert.Equal(t, 10, h.InputRegisters.Len())

	require.NoError(t, h.WriteSingleCoil(NewIndexed(9, true)))
	v, err := h.ReadCoil(9)
	require.NoError(t, err)
	assert.True(t, v)

	require.NoError(t, h.WriteSingleRegister(NewIndexed[uint16](0, 0xFFFF)))
	r, err := h.ReadHoldingRegister(0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), r)

	_, err = h.ReadDiscreteInput(10)
	assert.ErrorIs(t, err, ExceptionIllegalDataAddress)
	assert.ErrorIs(t, h.DiscreteInputs.Set(10, true), ExceptionIllegalDataAddress)

	require.NoError(t, h.InputRegisters.Set(3, 42))
	r, err = h.ReadInputRegister(3)
	require.NoError(t, err)
	assert.Equal(t, uint16(42), r)
}

func TestMemoryHandlerWriteMultipleIsAtomic(t *testing.T) {
	h := NewMemoryHandler(4)
	w := WriteMultiple[bool]{Range: AddressRange{Start: 2, Count: 3}, Values: []bool{true, true, true}}
	assert.ErrorIs(t, h.WriteMultipleCoils(w), ExceptionIllegalDataAddress)
	v, _ := h.ReadCoil(2)
	assert.False(t, v)
}

func TestMemoryHandlerFromBuffer(t *testing.T) {
	_, err := NewMemoryHandlerFrom(make([]byte, 5), 1)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewMemoryHandlerFrom(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	buf := make([]byte, MemoryLayoutSize(2))
	h, err := NewMemoryHandlerFrom(buf, 2)
	require.NoError(t, err)
	require.NoError(t, h.Coils.Set(1, true))
	require.NoError(t, h.DiscreteInputs.Set(0, true))
	require.NoError(t, h.HoldingRegisters.Set(1, 0x0102))
	require.NoError(t, h.InputRegisters.Set(0, 0x0304))
	assert.Equal(t, []byte{0, 1, 1, 0, 0, 0, 0x01, 0x02, 0x03, 0x04, 0, 0}, buf)
}

func TestMemoryHandlerOnMappedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banks.dat")
	f, err := store.Open(path, MemoryLayoutSize(16))
	require.NoError(t, err)
	h, err := NewMemoryHandlerFrom(f.Bytes(), 16)
	require.NoError(t, err)
	require.NoError(t, h.HoldingRegisters.Set(7, 1234))
	require.NoError(t, f.Close())

	f, err = store.Open(path, MemoryLayoutSize(16))
	require.NoError(t, err)
	defer f.Close()
	h, err = NewMemoryHandlerFrom(f.Bytes(), 16)
	require.NoError(t, err)
	v, err := h.ReadHoldingRegister(7)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), v)
}

func TestBanksConcurrentAccess(t *testing.T) {
	h := NewMemoryHandler(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.HoldingRegisters.Set(uint16(i), uint16(j))
				h.Coils.Get(uint16(i))
			}
		}(i)
	}
	wg.Wait()
	v, _ := h.HoldingRegisters.Get(3)
	assert.Equal(t, uint16(99), v)
}

func TestAddressFilter(t *testing.T) {
	all := AnyAddress()
	assert.True(t, all.Allows(&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 1}))

	f := AllowAddresses(net.ParseIP("192.168.0.10"), net.ParseIP("::1"))
	assert.True(t, f.Allows(&net.TCPAddr{IP: net.ParseIP("192.168.0.10"), Port: 5020}))
	assert.True(t, f.Allows(&net.TCPAddr{IP: net.ParseIP("::ffff:192.168.0.10"), Port: 5020}))
	assert.True(t, f.Allows(&net.TCPAddr{IP: net.IPv6loopback, Port: 1}))
	assert.False(t, f.Allows(&net.TCPAddr{IP: net.ParseIP("192.168.0.11"), Port: 5020}))
	assert.False(t, f.Allows(&net.UnixAddr{Name: "/tmp/sock", Net: "unix"}))

	parsed, err := ParseAddressFilter([]string{"127.0.0.1"})
	require.NoError(t, err)
	assert.True(t, parsed.Allows(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}))
	_, err = ParseAddressFilter([]string{"not-an-ip"})
	assert.Error(t, err)
	parsed, err = ParseAddressFilter(nil)
	require.NoError(t, err)
	assert.True(t, parsed.Allows(&net.TCPAddr{IP: net.IPv4(1, 2, 3, 4)}))
}

func TestBankUpdate(t *testing.T) {
	h := NewMemoryHandler(3)
	require.NoError(t, h.Coils.Set(1, true))
	h.Coils.Update(func(_ uint16, v bool) bool { return !v })
	for addr, want := range []bool{true, false, true} {
		v, _ := h.Coils.Get(uint16(addr))
		assert.Equal(t, want, v, "coil %d", addr)
	}

	require.NoError(t, h.InputRegisters.Set(2, 0xFFFF))
	h.InputRegisters.Update(func(_ uint16, v uint16) uint16 { return v + 1 })
	for addr, want := range []uint16{1, 1, 0} {
		v, _ := h.InputRegisters.Get(uint16(addr))
		assert.Equal(t, want, v, "register %d", addr)
	}
}
