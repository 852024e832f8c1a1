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

// RequestHandler serves the data model of one or more units. The server calls it
// with the owning HandlerCell locked, so methods never run concurrently for the
// same cell.
//
// Returning an ExceptionCode or a *ModbusError sends that exception; any other
// error is reported as ExceptionServerDeviceFailure.
type RequestHandler interface {
	ReadCoil(address uint16) (bool, error)
	ReadDiscreteInput(address uint16) (bool, error)
	ReadHoldingRegister(address uint16) (uint16, error)
	ReadInputRegister(address uint16) (uint16, error)

	WriteSingleCoil(v Indexed[bool]) error
	WriteSingleRegister(v Indexed[uint16]) error
	WriteMultipleCoils(w WriteMultiple[bool]) error
	WriteMultipleRegisters(w WriteMultiple[uint16]) error

	// ProcessCustomFunctionCode handles codes 65-72 and 100-110.
	ProcessCustomFunctionCode(v CustomFunctionCode) (CustomFunctionCode, error)
	// ProcessMutableFunctionCode handles every other non-standard code.
	ProcessMutableFunctionCode(v MutableFunctionCode) (MutableFunctionCode, error)
}

// UnimplementedHandler answers every request with ExceptionIllegalFunction.
// Embed it to implement only part of RequestHandler.
type UnimplementedHandler struct{}

func (UnimplementedHandler) ReadCoil(uint16) (bool, error) {
	return false, ExceptionIllegalFunction
}

func (UnimplementedHandler) ReadDiscreteInput(uint16) (bool, error) {
	return false, ExceptionIllegalFunction
}

func (UnimplementedHandler) ReadHoldingRegister(uint16) (uint16, error) {
	return 0, ExceptionIllegalFunction
}

func (UnimplementedHandler) ReadInputRegister(uint16) (uint16, error) {
	return 0, ExceptionIllegalFunction
}

func (UnimplementedHandler) WriteSingleCoil(Indexed[bool]) error {
	return ExceptionIllegalFunction
}

func (UnimplementedHandler) WriteSingleRegister(Indexed[uint16]) error {
	return ExceptionIllegalFunction
}

func (UnimplementedHandler) WriteMultipleCoils(WriteMultiple[bool]) error {
	return ExceptionIllegalFunction
}

func (UnimplementedHandler) WriteMultipleRegisters(WriteMultiple[uint16]) error {
	return ExceptionIllegalFunction
}

func (UnimplementedHandler) ProcessCustomFunctionCode(CustomFunctionCode) (CustomFunctionCode, error) {
	return CustomFunctionCode{}, ExceptionIllegalFunction
}

func (UnimplementedHandler) ProcessMutableFunctionCode(MutableFunctionCode) (MutableFunctionCode, error) {
	return MutableFunctionCode{}, ExceptionIllegalFunction
}
