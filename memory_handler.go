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
	"encoding/binary"
	"fmt"
	"sync"
)

// BitBank is a table of coils or discrete inputs. Each bank has its own lock so
// unrelated tables never contend.
type BitBank struct {
	mu   sync.RWMutex
	bits []byte // one byte per point, 0 or 1
}

func newBitBank(buf []byte) *BitBank {
	return &BitBank{bits: buf}
}

// Len returns the number of points.
func (b *BitBank) Len() int {
	return len(b.bits)
}

// Get returns the value at addr.
func (b *BitBank) Get(addr uint16) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if int(addr) >= len(b.bits) {
		return false, ExceptionIllegalDataAddress
	}
	return b.bits[addr] != 0, nil
}

// Set stores v at addr.
func (b *BitBank) Set(addr uint16, v bool) error {
	return b.SetRange(addr, []bool{v})
}

// SetRange stores values from start. Nothing is written if any address is out of range.
func (b *BitBank) SetRange(start uint16, values []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(start)+len(values) > len(b.bits) {
		return ExceptionIllegalDataAddress
	}
	for i, v := range values {
		if v {
			b.bits[int(start)+i] = 1
		} else {
			b.bits[int(start)+i] = 0
		}
	}
	return nil
}

// Update replaces every point with fn(addr, value) under one lock.
func (b *BitBank) Update(fn func(addr uint16, v bool) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, v := range b.bits {
		if fn(uint16(i), v != 0) {
			b.bits[i] = 1
		} else {
			b.bits[i] = 0
		}
	}
}

// RegisterBank is a table of holding or input registers.
type RegisterBank struct {
	mu   sync.RWMutex
	regs []byte // big-endian words
}

func newRegisterBank(buf []byte) *RegisterBank {
	return &RegisterBank{regs: buf}
}

// Len returns the number of registers.
func (r *RegisterBank) Len() int {
	return len(r.regs) / 2
}

// Get returns the register at addr.
func (r *RegisterBank) Get(addr uint16) (uint16, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(addr) >= r.Len() {
		return 0, ExceptionIllegalDataAddress
	}
	return binary.BigEndian.Uint16(r.regs[2*int(addr):]), nil
}

// Set stores v at addr.
func (r *RegisterBank) Set(addr uint16, v uint16) error {
	return r.SetRange(addr, []uint16{v})
}

// SetRange stores values from start. Nothing is written if any address is out of range.
func (r *RegisterBank) SetRange(start uint16, values []uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(start)+len(values) > r.Len() {
		return ExceptionIllegalDataAddress
	}
	for i, v := range values {
		binary.BigEndian.PutUint16(r.regs[2*(int(start)+i):], v)
	}
	return nil
}

// Update replaces every register with fn(addr, value) under one lock.
func (r *RegisterBank) Update(fn func(addr uint16, v uint16) uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < len(r.regs)/2; i++ {
		p := r.regs[2*i:]
		binary.BigEndian.PutUint16(p, fn(uint16(i), binary.BigEndian.Uint16(p)))
	}
}

// MemoryLayoutSize is the number of bytes NewMemoryHandlerFrom needs for size
// points per table.
func MemoryLayoutSize(size int) int {
	return 6 * size
}

// MemoryHandler is a RequestHandler over four in-memory tables. Coils and holding
// registers are writable by clients; the input tables are set locally.
// Custom and mutable function codes are echoed back. The banks may also be
// changed directly while the server runs.
type MemoryHandler struct {
	Coils            *BitBank
	DiscreteInputs   *BitBank
	HoldingRegisters *RegisterBank
	InputRegisters   *RegisterBank
}

// NewMemoryHandler allocates size points per table.
func NewMemoryHandler(size int) *MemoryHandler {
	h, _ := NewMemoryHandlerFrom(make([]byte, MemoryLayoutSize(size)), size)
	return h
}

// NewMemoryHandlerFrom lays the four tables out in buf: coils, discrete inputs,
// holding registers, input registers. buf may be a memory-mapped file.
func NewMemoryHandlerFrom(buf []byte, size int) (*MemoryHandler, error) {
	if size <= 0 || size > 65536 {
		return nil, fmt.Errorf("%w: table size %d", ErrInvalidRange, size)
	}
	if len(buf) < MemoryLayoutSize(size) {
		return nil, fmt.Errorf("%w: buffer of %d bytes, need %d", ErrInvalidRange, len(buf), MemoryLayoutSize(size))
	}
	return &MemoryHandler{
		Coils:            newBitBank(buf[0:size:size]),
		DiscreteInputs:   newBitBank(buf[size : 2*size : 2*size]),
		HoldingRegisters: newRegisterBank(buf[2*size : 4*size : 4*size]),
		InputRegisters:   newRegisterBank(buf[4*size : 6*size : 6*size]),
	}, nil
}

func (h *MemoryHandler) ReadCoil(addr uint16) (bool, error) {
	return h.Coils.Get(addr)
}

func (h *MemoryHandler) ReadDiscreteInput(addr uint16) (bool, error) {
	return h.DiscreteInputs.Get(addr)
}

func (h *MemoryHandler) ReadHoldingRegister(addr uint16) (uint16, error) {
	return h.HoldingRegisters.Get(addr)
}

func (h *MemoryHandler) ReadInputRegister(addr uint16) (uint16, error) {
	return h.InputRegisters.Get(addr)
}

func (h *MemoryHandler) WriteSingleCoil(v Indexed[bool]) error {
	return h.Coils.Set(v.Index, v.Value)
}

func (h *MemoryHandler) WriteSingleRegister(v Indexed[uint16]) error {
	return h.HoldingRegisters.Set(v.Index, v.Value)
}

func (h *MemoryHandler) WriteMultipleCoils(w WriteMultiple[bool]) error {
	return h.Coils.SetRange(w.Range.Start, w.Values)
}

func (h *MemoryHandler) WriteMultipleRegisters(w WriteMultiple[uint16]) error {
	return h.HoldingRegisters.SetRange(w.Range.Start, w.Values)
}

// ProcessCustomFunctionCode echoes the request data, sized to ByteCountOut words.
func (h *MemoryHandler) ProcessCustomFunctionCode(v CustomFunctionCode) (CustomFunctionCode, error) {
	data := make([]uint16, v.ByteCountOut)
	copy(data, v.Data)
	v.Data = data
	return v, nil
}

func (h *MemoryHandler) ProcessMutableFunctionCode(v MutableFunctionCode) (MutableFunctionCode, error) {
	return v, nil
}
