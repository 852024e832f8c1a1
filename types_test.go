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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddressRange(t *testing.T) {
	r, err := NewAddressRange(0xFFFF, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), r.Last())

	r, err = NewAddressRange(0, 0xFFFF)
	require.NoError(t, err)
	assert.Equal(t, "0..65534", r.String())

	_, err = NewAddressRange(10, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewAddressRange(0xFFFF, 2)
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestNewRequestParam(t *testing.T) {
	assert.Equal(t, RequestParam{UnitID: 7, Timeout: 250 * time.Millisecond}, NewRequestParam(7, 250*time.Millisecond))
}

func TestAddressRangeLimits(t *testing.T) {
	assert.NoError(t, AddressRange{Start: 0, Count: MaxQuantityCoils}.validate(MaxQuantityCoils))
	assert.ErrorIs(t, AddressRange{Start: 0, Count: MaxQuantityCoils + 1}.validate(MaxQuantityCoils), ErrInvalidQuantity)
	assert.NoError(t, AddressRange{Start: 0, Count: MaxQuantityRegisters}.validate(MaxQuantityRegisters))
	assert.ErrorIs(t, AddressRange{Start: 0, Count: MaxQuantityRegisters + 1}.validate(MaxQuantityRegisters), ErrInvalidQuantity)
	assert.ErrorIs(t, AddressRange{Start: 1, Count: 0}.validate(MaxQuantityRegisters), ErrInvalidRange)
}

func TestWriteMultiple(t *testing.T) {
	w, err := NewWriteMultiple[uint16](100, []uint16{7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, AddressRange{Start: 100, Count: 3}, w.Range)
	assert.Equal(t, []Indexed[uint16]{{100, 7}, {101, 8}, {102, 9}}, w.Indexed())

	_, err = NewWriteMultiple[bool](0, nil)
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = NewWriteMultiple(0xFFFF, []bool{true, false})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestFunctionCodeClasses(t *testing.T) {
	for _, fc := range []FunctionCode{FuncReadCoils, FuncWriteSingleRegister, FuncWriteMultipleRegisters} {
		assert.True(t, fc.IsStandard(), fc.String())
		assert.False(t, fc.IsCustom(), fc.String())
	}
	for _, code := range []uint8{65, 72, 100, 110} {
		assert.True(t, FunctionCode(code).IsCustom(), "code %d", code)
	}
	for _, code := range []uint8{64, 73, 99, 111, 0x07} {
		assert.False(t, FunctionCode(code).IsCustom(), "code %d", code)
	}
	assert.Equal(t, "ReadHoldingRegisters", FuncReadHoldingRegisters.String())
}

func TestClientStateString(t *testing.T) {
	assert.Equal(t, "connected", ClientState{State: StateConnected}.String())
	s := ClientState{State: StateWaitAfterFailedConnect, Delay: 2 * time.Second}.String()
	assert.Contains(t, s, "2s")
}

func TestParseDecodeLevel(t *testing.T) {
	tests := map[string]DecodeLevel{
		"nothing": DecodeNothing(),
		"":        DecodeNothing(),
		"Headers": DecodeHeaders(),
		" data ":  DecodeData(),
	}
	for in, want := range tests {
		got, err := ParseDecodeLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, want.String(), got.String())
	}
	_, err := ParseDecodeLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "app=1 frame=0 phys=0", DecodeLevel{App: AppFunctionCode}.String())
}

func TestExceptionErrors(t *testing.T) {
	err := fmt.Errorf("read: %w", NewModbusError(FuncReadCoils, ExceptionIllegalDataAddress))
	assert.True(t, IsIllegalDataAddress(err))
	assert.False(t, IsIllegalFunction(err))
	assert.ErrorIs(t, err, ExceptionIllegalDataAddress)

	var me *ModbusError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, FuncReadCoils, me.FunctionCode)

	assert.True(t, IsIllegalDataValue(ExceptionIllegalDataValue))
	assert.Equal(t, ExceptionIllegalDataValue, exceptionFor(fmt.Errorf("wrapped: %w", ExceptionIllegalDataValue)))
	assert.Equal(t, ExceptionServerDeviceBusy, exceptionFor(NewModbusError(FuncReadCoils, ExceptionServerDeviceBusy)))
	assert.Equal(t, ExceptionServerDeviceFailure, exceptionFor(errors.New("boom")))

	assert.ErrorIs(t, ErrBadCRC, ErrBadFrame)
	ioErr := &IOError{Err: errors.New("reset")}
	assert.Contains(t, ioErr.Error(), "reset")
}
