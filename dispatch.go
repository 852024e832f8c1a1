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
	"sync"
)

// HandlerCell is a RequestHandler guarded by a mutex. One cell may serve several
// unit ids.
type HandlerCell struct {
	mu sync.Mutex
	h  RequestHandler
}

// NewHandlerCell wraps h.
func NewHandlerCell(h RequestHandler) *HandlerCell {
	return &HandlerCell{h: h}
}

// With runs fn with the cell locked.
func (c *HandlerCell) With(fn func(RequestHandler)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.h)
}

// ServerHandlerMap routes unit ids to handler cells. It must not be modified
// once a server uses it.
type ServerHandlerMap struct {
	units    map[UnitID]*HandlerCell
	fallback *HandlerCell
}

// NewHandlerMap returns an empty map.
func NewHandlerMap() *ServerHandlerMap {
	return &ServerHandlerMap{units: make(map[UnitID]*HandlerCell)}
}

// SingleHandler maps one unit id to h and returns the map and the cell.
func SingleHandler(unit UnitID, h RequestHandler) (*ServerHandlerMap, *HandlerCell) {
	m := NewHandlerMap()
	cell := NewHandlerCell(h)
	m.units[unit] = cell
	return m, cell
}

// Add maps unit to cell. Unit 0 is reserved for broadcast.
func (m *ServerHandlerMap) Add(unit UnitID, cell *HandlerCell) error {
	if unit == BroadcastUnitID {
		return fmt.Errorf("%w: unit 0 is reserved for broadcast", ErrInvalidRange)
	}
	if _, exists := m.units[unit]; exists {
		return fmt.Errorf("modbus: unit %d already has a handler", unit)
	}
	m.units[unit] = cell
	return nil
}

// SetFallback serves every unit id without its own handler from cell.
func (m *ServerHandlerMap) SetFallback(cell *HandlerCell) {
	m.fallback = cell
}

// Get returns the cell serving unit.
func (m *ServerHandlerMap) Get(unit UnitID) (*HandlerCell, bool) {
	if c, ok := m.units[unit]; ok {
		return c, true
	}
	if m.fallback != nil && unit != BroadcastUnitID {
		return m.fallback, true
	}
	return nil, false
}

// distinct returns every cell once.
func (m *ServerHandlerMap) distinct() []*HandlerCell {
	seen := make(map[*HandlerCell]struct{})
	var out []*HandlerCell
	add := func(c *HandlerCell) {
		if _, ok := seen[c]; !ok && c != nil {
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	for _, c := range m.units {
		add(c)
	}
	add(m.fallback)
	return out
}

// dispatchResult is the outcome of one received request.
type dispatchResult int

const (
	dispatchReply dispatchResult = iota
	dispatchNoReply
	dispatchUnknownUnit
)

// dispatch executes pdu for unit and returns the reply PDU. Broadcasts are only
// honored when allowed, and are never answered.
func (m *ServerHandlerMap) dispatch(unit UnitID, pdu []byte, allowBroadcast bool) ([]byte, dispatchResult) {
	if unit == BroadcastUnitID && allowBroadcast {
		req, err := parseRequest(pdu)
		if err != nil || !req.isWrite() {
			return nil, dispatchNoReply
		}
		for _, c := range m.distinct() {
			c.mu.Lock()
			req.execute(c.h)
			c.mu.Unlock()
		}
		return nil, dispatchNoReply
	}

	cell, ok := m.Get(unit)
	if !ok {
		return nil, dispatchUnknownUnit
	}

	fc := FunctionCode(pdu[0])
	req, err := parseRequest(pdu)
	if err != nil {
		return exceptionPDU(fc, exceptionFor(err)), dispatchReply
	}

	cell.mu.Lock()
	reply, err := req.execute(cell.h)
	cell.mu.Unlock()
	if err != nil {
		return exceptionPDU(fc, exceptionFor(err)), dispatchReply
	}
	return reply, dispatchReply
}

func exceptionPDU(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | exceptionBit, byte(ec)}
}

// serverRequest is a decoded request PDU. Only the fields of its function code are set.
type serverRequest struct {
	fc      FunctionCode
	rng     AddressRange
	coil    Indexed[bool]
	reg     Indexed[uint16]
	coils   WriteMultiple[bool]
	regs    WriteMultiple[uint16]
	custom  CustomFunctionCode
	mutable MutableFunctionCode
}

// parseRequest decodes pdu. Errors are exception codes.
func parseRequest(pdu []byte) (*serverRequest, error) {
	r := NewReadCursor(pdu)
	b, err := r.ReadU8()
	if err != nil || b&exceptionBit != 0 {
		return nil, ExceptionIllegalFunction
	}
	req := &serverRequest{fc: FunctionCode(b)}

	switch req.fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		err = req.parseRange(r, MaxQuantityCoils)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		err = req.parseRange(r, MaxQuantityRegisters)
	case FuncWriteSingleCoil:
		var addr, raw uint16
		if addr, err = r.ReadU16(); err == nil {
			raw, err = r.ReadU16()
		}
		if err == nil {
			var v bool
			if v, err = parseCoilValue(raw); err == nil {
				req.coil = Indexed[bool]{Index: addr, Value: v}
			}
		}
	case FuncWriteSingleRegister:
		var addr, v uint16
		if addr, err = r.ReadU16(); err == nil {
			v, err = r.ReadU16()
		}
		req.reg = Indexed[uint16]{Index: addr, Value: v}
	case FuncWriteMultipleCoils:
		err = req.parseWriteCoils(r)
	case FuncWriteMultipleRegisters:
		err = req.parseWriteRegisters(r)
	default:
		if req.fc.IsCustom() {
			req.custom, err = parseCustom(req.fc, r)
			if err == nil && len(req.custom.Data) != int(req.custom.ByteCountIn) {
				err = ExceptionIllegalDataValue
			}
		} else {
			var data []uint16
			if data, err = readWords(r); err == nil {
				req.mutable = MutableFunctionCode{Code: req.fc, Data: data}
			}
		}
	}
	if err == nil {
		err = r.ExpectEmpty()
	}
	if err != nil {
		if ec, ok := err.(ExceptionCode); ok {
			return nil, ec
		}
		return nil, ExceptionIllegalDataValue
	}
	return req, nil
}

func (req *serverRequest) parseRange(r *ReadCursor, max uint16) error {
	start, err := r.ReadU16()
	if err != nil {
		return err
	}
	count, err := r.ReadU16()
	if err != nil {
		return err
	}
	if count == 0 || count > max {
		return ExceptionIllegalDataValue
	}
	rng, err := NewAddressRange(start, count)
	if err != nil {
		return ExceptionIllegalDataAddress
	}
	req.rng = rng
	return nil
}

func (req *serverRequest) parseWriteHeader(r *ReadCursor, max uint16) (int, error) {
	if err := req.parseRange(r, max); err != nil {
		return 0, err
	}
	n, err := r.ReadU8()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (req *serverRequest) parseWriteCoils(r *ReadCursor) error {
	n, err := req.parseWriteHeader(r, MaxQuantityWriteCoils)
	if err != nil {
		return err
	}
	if n != bitByteCount(req.rng.Count) {
		return ExceptionIllegalDataValue
	}
	data, err := r.ReadBytes(n)
	if err != nil {
		return err
	}
	req.coils = WriteMultiple[bool]{Range: req.rng, Values: unpackBits(data, req.rng.Count)}
	return nil
}

func (req *serverRequest) parseWriteRegisters(r *ReadCursor) error {
	n, err := req.parseWriteHeader(r, MaxQuantityWriteRegisters)
	if err != nil {
		return err
	}
	if n != 2*int(req.rng.Count) {
		return ExceptionIllegalDataValue
	}
	values := make([]uint16, req.rng.Count)
	for i := range values {
		if values[i], err = r.ReadU16(); err != nil {
			return err
		}
	}
	req.regs = WriteMultiple[uint16]{Range: req.rng, Values: values}
	return nil
}

func (req *serverRequest) isWrite() bool {
	switch req.fc {
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return true
	}
	return false
}

// execute runs the request on h and encodes the reply PDU.
func (req *serverRequest) execute(h RequestHandler) ([]byte, error) {
	w := NewWriteCursor()
	if err := w.WriteU8(uint8(req.fc)); err != nil {
		return nil, err
	}

	var err error
	switch req.fc {
	case FuncReadCoils:
		err = writeBits(w, req.rng, h.ReadCoil)
	case FuncReadDiscreteInputs:
		err = writeBits(w, req.rng, h.ReadDiscreteInput)
	case FuncReadHoldingRegisters:
		err = writeRegisters(w, req.rng, h.ReadHoldingRegister)
	case FuncReadInputRegisters:
		err = writeRegisters(w, req.rng, h.ReadInputRegister)
	case FuncWriteSingleCoil:
		if err = h.WriteSingleCoil(req.coil); err == nil {
			w.WriteU16(req.coil.Index)
			err = w.WriteU16(coilValue(req.coil.Value))
		}
	case FuncWriteSingleRegister:
		if err = h.WriteSingleRegister(req.reg); err == nil {
			w.WriteU16(req.reg.Index)
			err = w.WriteU16(req.reg.Value)
		}
	case FuncWriteMultipleCoils:
		if err = h.WriteMultipleCoils(req.coils); err == nil {
			err = writeRange(w, req.rng)
		}
	case FuncWriteMultipleRegisters:
		if err = h.WriteMultipleRegisters(req.regs); err == nil {
			err = writeRange(w, req.rng)
		}
	default:
		if req.fc.IsCustom() {
			var reply CustomFunctionCode
			if reply, err = h.ProcessCustomFunctionCode(req.custom); err == nil {
				if len(reply.Data) != int(reply.ByteCountOut) {
					return nil, ExceptionServerDeviceFailure
				}
				err = serializeCustom(w, reply)
			}
		} else {
			var reply MutableFunctionCode
			if reply, err = h.ProcessMutableFunctionCode(req.mutable); err == nil {
				err = writeWords(w, reply.Data)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func writeBits(w *WriteCursor, rng AddressRange, read func(uint16) (bool, error)) error {
	values := make([]bool, rng.Count)
	for i := range values {
		v, err := read(rng.Start + uint16(i))
		if err != nil {
			return err
		}
		values[i] = v
	}
	packed := packBits(values)
	if err := w.WriteU8(uint8(len(packed))); err != nil {
		return err
	}
	return w.WriteBytes(packed)
}

func writeRegisters(w *WriteCursor, rng AddressRange, read func(uint16) (uint16, error)) error {
	if err := w.WriteU8(uint8(2 * rng.Count)); err != nil {
		return err
	}
	for i := uint16(0); i < rng.Count; i++ {
		v, err := read(rng.Start + i)
		if err != nil {
			return err
		}
		if err := w.WriteU16(v); err != nil {
			return err
		}
	}
	return nil
}
