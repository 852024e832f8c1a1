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
	"fmt"

	"go.uber.org/zap"
)

// operation is the PDU body of one client request. The function code byte is
// written and checked by the caller; Serialize and Parse only see the payload.
type operation interface {
	FunctionCode() FunctionCode
	Serialize(w *WriteCursor) error
	Parse(r *ReadCursor) error
	txFields(values bool) []zap.Field
	rxFields(values bool) []zap.Field
}

// echoer is implemented by operations whose reply may be compared with the request.
type echoer interface {
	checkEcho() error
}

// broadcaster is implemented by write operations that may be sent to unit 0.
// A broadcast is never answered, so the result is assumed to echo the request.
type broadcaster interface {
	assumeEcho()
}

// encodePDU writes fc followed by the operation payload.
func encodePDU(op operation) ([]byte, error) {
	w := NewWriteCursor()
	if err := w.WriteU8(uint8(op.FunctionCode())); err != nil {
		return nil, err
	}
	if err := op.Serialize(w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// decodeReply checks the function code of pdu against op and parses the rest.
// Exceptions are returned as *ModbusError.
func decodeReply(op operation, pdu []byte) error {
	r := NewReadCursor(pdu)
	b, err := r.ReadU8()
	if err != nil {
		return fmt.Errorf("%w: empty reply", ErrInvalidResponse)
	}
	fc := op.FunctionCode()
	if b == uint8(fc)|exceptionBit {
		ec, err := r.ReadU8()
		if err != nil {
			return fmt.Errorf("%w: exception without code", ErrInvalidResponse)
		}
		if err := r.ExpectEmpty(); err != nil {
			return err
		}
		return NewModbusError(fc, ExceptionCode(ec))
	}
	if b != uint8(fc) {
		return fmt.Errorf("%w: function code 0x%02X, expected 0x%02X", ErrInvalidResponse, b, uint8(fc))
	}
	if err := op.Parse(r); err != nil {
		return err
	}
	return r.ExpectEmpty()
}

func writeRange(w *WriteCursor, r AddressRange) error {
	if err := w.WriteU16(r.Start); err != nil {
		return err
	}
	return w.WriteU16(r.Count)
}

func readRange(r *ReadCursor) (AddressRange, error) {
	start, err := r.ReadU16()
	if err != nil {
		return AddressRange{}, err
	}
	count, err := r.ReadU16()
	if err != nil {
		return AddressRange{}, err
	}
	return NewAddressRange(start, count)
}

func coilValue(v bool) uint16 {
	if v {
		return CoilOn
	}
	return CoilOff
}

func parseCoilValue(v uint16) (bool, error) {
	switch v {
	case CoilOn:
		return true, nil
	case CoilOff:
		return false, nil
	}
	return false, fmt.Errorf("%w: coil value 0x%04X", ErrInvalidResponse, v)
}

func packBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackBits(data []byte, count uint16) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}

func bitByteCount(count uint16) int {
	return (int(count) + 7) / 8
}

func writeWords(w *WriteCursor, values []uint16) error {
	for _, v := range values {
		if err := w.WriteU16(v); err != nil {
			return err
		}
	}
	return nil
}

// readWords consumes all remaining bytes as big-endian words.
func readWords(r *ReadCursor) ([]uint16, error) {
	if r.Remaining()%2 != 0 {
		return nil, fmt.Errorf("%w: odd payload length %d", ErrInvalidResponse, r.Remaining())
	}
	out := make([]uint16, r.Remaining()/2)
	for i := range out {
		v, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func equalWords(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// readBitsOp implements FC01 and FC02.
type readBitsOp struct {
	fc     FunctionCode
	rng    AddressRange
	result []Indexed[bool]
}

func (o *readBitsOp) FunctionCode() FunctionCode { return o.fc }

func (o *readBitsOp) Serialize(w *WriteCursor) error {
	return writeRange(w, o.rng)
}

func (o *readBitsOp) Parse(r *ReadCursor) error {
	n, err := r.ReadU8()
	if err != nil {
		return err
	}
	if int(n) != bitByteCount(o.rng.Count) {
		return fmt.Errorf("%w: byte count %d for %d bits", ErrInvalidResponse, n, o.rng.Count)
	}
	data, err := r.ReadBytes(int(n))
	if err != nil {
		return err
	}
	bits := unpackBits(data, o.rng.Count)
	o.result = make([]Indexed[bool], len(bits))
	for i, b := range bits {
		o.result[i] = Indexed[bool]{Index: o.rng.Start + uint16(i), Value: b}
	}
	return nil
}

func (o *readBitsOp) txFields(bool) []zap.Field {
	return []zap.Field{zap.Stringer("range", o.rng)}
}

func (o *readBitsOp) rxFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Stringer("range", o.rng)}
	if values {
		fields = append(fields, zap.Any("values", o.result))
	}
	return fields
}

// readRegistersOp implements FC03 and FC04.
type readRegistersOp struct {
	fc     FunctionCode
	rng    AddressRange
	result []Indexed[uint16]
}

func (o *readRegistersOp) FunctionCode() FunctionCode { return o.fc }

func (o *readRegistersOp) Serialize(w *WriteCursor) error {
	return writeRange(w, o.rng)
}

func (o *readRegistersOp) Parse(r *ReadCursor) error {
	n, err := r.ReadU8()
	if err != nil {
		return err
	}
	if int(n) != 2*int(o.rng.Count) {
		return fmt.Errorf("%w: byte count %d for %d registers", ErrInvalidResponse, n, o.rng.Count)
	}
	o.result = make([]Indexed[uint16], o.rng.Count)
	for i := range o.result {
		v, err := r.ReadU16()
		if err != nil {
			return err
		}
		o.result[i] = Indexed[uint16]{Index: o.rng.Start + uint16(i), Value: v}
	}
	return nil
}

func (o *readRegistersOp) txFields(bool) []zap.Field {
	return []zap.Field{zap.Stringer("range", o.rng)}
}

func (o *readRegistersOp) rxFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Stringer("range", o.rng)}
	if values {
		fields = append(fields, zap.Any("values", o.result))
	}
	return fields
}

// writeSingleCoilOp implements FC05. The reply must echo the request.
type writeSingleCoilOp struct {
	req    Indexed[bool]
	result Indexed[bool]
}

func (o *writeSingleCoilOp) FunctionCode() FunctionCode { return FuncWriteSingleCoil }

func (o *writeSingleCoilOp) Serialize(w *WriteCursor) error {
	if err := w.WriteU16(o.req.Index); err != nil {
		return err
	}
	return w.WriteU16(coilValue(o.req.Value))
}

func (o *writeSingleCoilOp) Parse(r *ReadCursor) error {
	addr, err := r.ReadU16()
	if err != nil {
		return err
	}
	raw, err := r.ReadU16()
	if err != nil {
		return err
	}
	v, err := parseCoilValue(raw)
	if err != nil {
		return err
	}
	o.result = Indexed[bool]{Index: addr, Value: v}
	if o.result != o.req {
		return fmt.Errorf("%w: reply does not echo request", ErrInvalidResponse)
	}
	return nil
}

func (o *writeSingleCoilOp) assumeEcho() { o.result = o.req }

func (o *writeSingleCoilOp) txFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Uint16("index", o.req.Index)}
	if values {
		fields = append(fields, zap.Bool("value", o.req.Value))
	}
	return fields
}

func (o *writeSingleCoilOp) rxFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Uint16("index", o.result.Index)}
	if values {
		fields = append(fields, zap.Bool("value", o.result.Value))
	}
	return fields
}

// writeSingleRegisterOp implements FC06. The reply must echo the request.
type writeSingleRegisterOp struct {
	req    Indexed[uint16]
	result Indexed[uint16]
}

func (o *writeSingleRegisterOp) FunctionCode() FunctionCode { return FuncWriteSingleRegister }

func (o *writeSingleRegisterOp) Serialize(w *WriteCursor) error {
	if err := w.WriteU16(o.req.Index); err != nil {
		return err
	}
	return w.WriteU16(o.req.Value)
}

func (o *writeSingleRegisterOp) Parse(r *ReadCursor) error {
	addr, err := r.ReadU16()
	if err != nil {
		return err
	}
	v, err := r.ReadU16()
	if err != nil {
		return err
	}
	o.result = Indexed[uint16]{Index: addr, Value: v}
	if o.result != o.req {
		return fmt.Errorf("%w: reply does not echo request", ErrInvalidResponse)
	}
	return nil
}

func (o *writeSingleRegisterOp) assumeEcho() { o.result = o.req }

func (o *writeSingleRegisterOp) txFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Uint16("index", o.req.Index)}
	if values {
		fields = append(fields, zap.Uint16("value", o.req.Value))
	}
	return fields
}

func (o *writeSingleRegisterOp) rxFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Uint16("index", o.result.Index)}
	if values {
		fields = append(fields, zap.Uint16("value", o.result.Value))
	}
	return fields
}

// writeMultipleCoilsOp implements FC15. The reply echoes the range.
type writeMultipleCoilsOp struct {
	req    WriteMultiple[bool]
	result AddressRange
}

func (o *writeMultipleCoilsOp) FunctionCode() FunctionCode { return FuncWriteMultipleCoils }

func (o *writeMultipleCoilsOp) Serialize(w *WriteCursor) error {
	if err := writeRange(w, o.req.Range); err != nil {
		return err
	}
	packed := packBits(o.req.Values)
	if err := w.WriteU8(uint8(len(packed))); err != nil {
		return err
	}
	return w.WriteBytes(packed)
}

func (o *writeMultipleCoilsOp) Parse(r *ReadCursor) error {
	rng, err := readRange(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	o.result = rng
	if rng != o.req.Range {
		return fmt.Errorf("%w: range %s, expected %s", ErrInvalidResponse, rng, o.req.Range)
	}
	return nil
}

func (o *writeMultipleCoilsOp) assumeEcho() { o.result = o.req.Range }

func (o *writeMultipleCoilsOp) txFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Stringer("range", o.req.Range)}
	if values {
		fields = append(fields, zap.Bools("values", o.req.Values))
	}
	return fields
}

func (o *writeMultipleCoilsOp) rxFields(bool) []zap.Field {
	return []zap.Field{zap.Stringer("range", o.result)}
}

// writeMultipleRegistersOp implements FC16. The reply echoes the range.
type writeMultipleRegistersOp struct {
	req    WriteMultiple[uint16]
	result AddressRange
}

func (o *writeMultipleRegistersOp) FunctionCode() FunctionCode { return FuncWriteMultipleRegisters }

func (o *writeMultipleRegistersOp) Serialize(w *WriteCursor) error {
	if err := writeRange(w, o.req.Range); err != nil {
		return err
	}
	if err := w.WriteU8(uint8(2 * len(o.req.Values))); err != nil {
		return err
	}
	return writeWords(w, o.req.Values)
}

func (o *writeMultipleRegistersOp) Parse(r *ReadCursor) error {
	rng, err := readRange(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	o.result = rng
	if rng != o.req.Range {
		return fmt.Errorf("%w: range %s, expected %s", ErrInvalidResponse, rng, o.req.Range)
	}
	return nil
}

func (o *writeMultipleRegistersOp) assumeEcho() { o.result = o.req.Range }

func (o *writeMultipleRegistersOp) txFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Stringer("range", o.req.Range)}
	if values {
		fields = append(fields, zap.Uint16s("values", o.req.Values))
	}
	return fields
}

func (o *writeMultipleRegistersOp) rxFields(bool) []zap.Field {
	return []zap.Field{zap.Stringer("range", o.result)}
}

// customOp carries a user-defined function code.
type customOp struct {
	req    CustomFunctionCode
	result CustomFunctionCode
}

func (o *customOp) FunctionCode() FunctionCode { return o.req.Code }

func (o *customOp) Serialize(w *WriteCursor) error {
	return serializeCustom(w, o.req)
}

func (o *customOp) Parse(r *ReadCursor) error {
	v, err := parseCustom(o.req.Code, r)
	if err != nil {
		return err
	}
	if len(v.Data) != int(v.ByteCountOut) {
		return fmt.Errorf("%w: %d reply words for byte count out %d", ErrInvalidResponse, len(v.Data), v.ByteCountOut)
	}
	o.result = v
	return nil
}

func (o *customOp) checkEcho() error {
	if o.result.ByteCountIn != o.req.ByteCountIn || o.result.ByteCountOut != o.req.ByteCountOut ||
		!equalWords(o.result.Data, o.req.Data) {
		return fmt.Errorf("%w: reply does not echo request", ErrInvalidResponse)
	}
	return nil
}

func (o *customOp) txFields(values bool) []zap.Field {
	return customFields(o.req, values)
}

func (o *customOp) rxFields(values bool) []zap.Field {
	return customFields(o.result, values)
}

func serializeCustom(w *WriteCursor, v CustomFunctionCode) error {
	if err := w.WriteU8(v.ByteCountIn); err != nil {
		return err
	}
	if err := w.WriteU8(v.ByteCountOut); err != nil {
		return err
	}
	return writeWords(w, v.Data)
}

func parseCustom(fc FunctionCode, r *ReadCursor) (CustomFunctionCode, error) {
	in, err := r.ReadU8()
	if err != nil {
		return CustomFunctionCode{}, err
	}
	out, err := r.ReadU8()
	if err != nil {
		return CustomFunctionCode{}, err
	}
	data, err := readWords(r)
	if err != nil {
		return CustomFunctionCode{}, err
	}
	return CustomFunctionCode{Code: fc, ByteCountIn: in, ByteCountOut: out, Data: data}, nil
}

func customFields(v CustomFunctionCode, values bool) []zap.Field {
	fields := []zap.Field{zap.Uint8("in", v.ByteCountIn), zap.Uint8("out", v.ByteCountOut)}
	if values {
		fields = append(fields, zap.Uint16s("data", v.Data))
	}
	return fields
}

// mutableOp carries any function code with a register payload.
type mutableOp struct {
	req    MutableFunctionCode
	result MutableFunctionCode
}

func (o *mutableOp) FunctionCode() FunctionCode { return o.req.Code }

func (o *mutableOp) Serialize(w *WriteCursor) error {
	return writeWords(w, o.req.Data)
}

func (o *mutableOp) Parse(r *ReadCursor) error {
	data, err := readWords(r)
	if err != nil {
		return err
	}
	o.result = MutableFunctionCode{Code: o.req.Code, Data: data}
	return nil
}

func (o *mutableOp) checkEcho() error {
	if !equalWords(o.result.Data, o.req.Data) {
		return fmt.Errorf("%w: reply does not echo request", ErrInvalidResponse)
	}
	return nil
}

func (o *mutableOp) txFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Int("words", len(o.req.Data))}
	if values {
		fields = append(fields, zap.Uint16s("data", o.req.Data))
	}
	return fields
}

func (o *mutableOp) rxFields(values bool) []zap.Field {
	fields := []zap.Field{zap.Int("words", len(o.result.Data))}
	if values {
		fields = append(fields, zap.Uint16s("data", o.result.Data))
	}
	return fields
}
