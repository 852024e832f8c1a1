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
)

// ExceptionCode represents a Modbus exception code.
//
// ExceptionCode implements error so request handlers can return it directly.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// Error implements the error interface.
func (e ExceptionCode) Error() string {
	return "modbus: " + e.String()
}

// ModbusError is an exception response received from a remote device.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is reports whether target is a ModbusError or ExceptionCode with the same code.
func (e *ModbusError) Is(target error) bool {
	switch t := target.(type) {
	case *ModbusError:
		return e.ExceptionCode == t.ExceptionCode
	case ExceptionCode:
		return e.ExceptionCode == t
	}
	return false
}

// Channel errors.
var (
	// ErrChannelDisabled is returned for requests made while the channel is disabled.
	ErrChannelDisabled = errors.New("modbus: channel disabled")

	// ErrNoConnection is returned while the channel waits to reconnect.
	ErrNoConnection = errors.New("modbus: no connection")

	// ErrShutdown is returned once the channel task has terminated.
	ErrShutdown = errors.New("modbus: channel shut down")

	// ErrResponseTimeout indicates no reply arrived within the request timeout.
	ErrResponseTimeout = errors.New("modbus: response timeout")
)

// Protocol errors.
var (
	// ErrBadFrame indicates a frame that cannot be decoded.
	ErrBadFrame = errors.New("modbus: bad frame")

	// ErrBadCRC indicates a CRC validation failure (RTU mode).
	ErrBadCRC = fmt.Errorf("%w: crc mismatch", ErrBadFrame)

	// ErrInvalidResponse indicates the reply does not match the request.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrInsufficientBytes indicates a PDU ended before all fields were read.
	ErrInsufficientBytes = errors.New("modbus: insufficient bytes")

	// ErrTrailingBytes indicates bytes left over after a PDU was parsed.
	ErrTrailingBytes = errors.New("modbus: trailing bytes")
)

// Validation errors.
var (
	// ErrInvalidRange indicates an address range that is empty or overflows 0xFFFF.
	ErrInvalidRange = errors.New("modbus: invalid address range")

	// ErrInvalidQuantity indicates a quantity over the function's limit.
	ErrInvalidQuantity = errors.New("modbus: invalid quantity")

	// ErrInvalidFunctionCode indicates a function code not allowed for the operation.
	ErrInvalidFunctionCode = errors.New("modbus: invalid function code")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("modbus: server closed")
)

// IOError wraps an error raised by the physical layer.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return "modbus: i/o error: " + e.Err.Error()
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	var ec ExceptionCode
	if errors.As(err, &ec) {
		return ec == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}

// exceptionFor maps a handler error to the exception code sent on the wire.
func exceptionFor(err error) ExceptionCode {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode
	}
	var ec ExceptionCode
	if errors.As(err, &ec) {
		return ec
	}
	return ExceptionServerDeviceFailure
}
