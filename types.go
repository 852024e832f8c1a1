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

// Package modbus provides a Modbus client channel and server dispatcher
// over TCP, TLS and serial RTU.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// BroadcastUnitID addresses every device on a serial line. Broadcasts are never answered.
const BroadcastUnitID UnitID = 0

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Standard Modbus function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadDiscreteInputs     FunctionCode = 0x02
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleCoils     FunctionCode = 0x0F
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// exceptionBit is set in the function code of an exception response.
const exceptionBit = 0x80

// IsStandard reports whether fc is one of the eight data access function codes.
func (fc FunctionCode) IsStandard() bool {
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters,
		FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return true
	}
	return false
}

// IsCustom reports whether fc is in one of the user-defined ranges (65-72, 100-110).
func (fc FunctionCode) IsCustom() bool {
	return (fc >= 65 && fc <= 72) || (fc >= 100 && fc <= 110)
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxPDUSize is the largest PDU allowed on any transport.
	MaxPDUSize = 253

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultTimeout is the default response timeout.
	DefaultTimeout = time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultTLSPort is the default Modbus TLS port.
	DefaultTLSPort = 802
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// AddressRange is a validated block of consecutive addresses.
type AddressRange struct {
	Start uint16
	Count uint16
}

// NewAddressRange validates that count is non-zero and the last address fits in 16 bits.
func NewAddressRange(start, count uint16) (AddressRange, error) {
	if count == 0 {
		return AddressRange{}, fmt.Errorf("%w: count is zero", ErrInvalidRange)
	}
	if uint32(start)+uint32(count)-1 > 0xFFFF {
		return AddressRange{}, fmt.Errorf("%w: start %d count %d overflows", ErrInvalidRange, start, count)
	}
	return AddressRange{Start: start, Count: count}, nil
}

// Last returns the last address in the range.
func (r AddressRange) Last() uint16 {
	return r.Start + r.Count - 1
}

// String returns "start..last".
func (r AddressRange) String() string {
	return fmt.Sprintf("%d..%d", r.Start, r.Last())
}

// validate re-checks a range built without NewAddressRange and applies the per-function limit.
func (r AddressRange) validate(max uint16) error {
	if _, err := NewAddressRange(r.Start, r.Count); err != nil {
		return err
	}
	if r.Count > max {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidQuantity, r.Count, max)
	}
	return nil
}

// Indexed pairs a value with its address.
type Indexed[T any] struct {
	Index uint16
	Value T
}

// NewIndexed creates an Indexed value.
func NewIndexed[T any](index uint16, value T) Indexed[T] {
	return Indexed[T]{Index: index, Value: value}
}

// WriteMultiple is a range of consecutive values to write.
type WriteMultiple[T any] struct {
	Range  AddressRange
	Values []T
}

// NewWriteMultiple builds a WriteMultiple starting at start. It fails if values is empty
// or runs past address 0xFFFF.
func NewWriteMultiple[T any](start uint16, values []T) (WriteMultiple[T], error) {
	if len(values) > 0xFFFF {
		return WriteMultiple[T]{}, fmt.Errorf("%w: %d values", ErrInvalidRange, len(values))
	}
	r, err := NewAddressRange(start, uint16(len(values)))
	if err != nil {
		return WriteMultiple[T]{}, err
	}
	return WriteMultiple[T]{Range: r, Values: values}, nil
}

// Indexed returns the values paired with their addresses.
func (w WriteMultiple[T]) Indexed() []Indexed[T] {
	out := make([]Indexed[T], len(w.Values))
	for i, v := range w.Values {
		out[i] = Indexed[T]{Index: w.Range.Start + uint16(i), Value: v}
	}
	return out
}

// CustomFunctionCode is a request or reply for a user-defined function code.
// On the wire it is fc, ByteCountIn, ByteCountOut, then Data as big-endian words.
type CustomFunctionCode struct {
	Code         FunctionCode
	ByteCountIn  uint8
	ByteCountOut uint8
	Data         []uint16
}

// MutableFunctionCode carries any function code with a raw register payload.
type MutableFunctionCode struct {
	Code FunctionCode
	Data []uint16
}

// RequestParam addresses one request.
type RequestParam struct {
	UnitID  UnitID
	Timeout time.Duration
}

// NewRequestParam creates request parameters.
func NewRequestParam(unitID UnitID, timeout time.Duration) RequestParam {
	return RequestParam{UnitID: unitID, Timeout: timeout}
}

// ConnectionState represents the state of a client channel.
type ConnectionState int

const (
	StateDisabled ConnectionState = iota
	StateConnecting
	StateConnected
	StateWaitAfterFailedConnect
	StateWaitAfterDisconnect
	StateShutdown
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWaitAfterFailedConnect:
		return "wait after failed connect"
	case StateWaitAfterDisconnect:
		return "wait after disconnect"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// ClientState is reported to a channel listener on every transition.
// Delay is set for the two waiting states.
type ClientState struct {
	State ConnectionState
	Delay time.Duration
}

func (c ClientState) String() string {
	if c.Delay > 0 {
		return fmt.Sprintf("%s (%s)", c.State, c.Delay)
	}
	return c.State.String()
}
