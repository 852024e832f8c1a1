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
)

// WriteCursor appends big-endian fields to a PDU, refusing to grow past MaxPDUSize.
type WriteCursor struct {
	buf []byte
}

// NewWriteCursor returns an empty cursor.
func NewWriteCursor() *WriteCursor {
	return &WriteCursor{buf: make([]byte, 0, MaxPDUSize)}
}

func (w *WriteCursor) reserve(n int) error {
	if len(w.buf)+n > MaxPDUSize {
		return fmt.Errorf("%w: PDU exceeds %d bytes", ErrInvalidQuantity, MaxPDUSize)
	}
	return nil
}

// WriteU8 appends one byte.
func (w *WriteCursor) WriteU8(v uint8) error {
	if err := w.reserve(1); err != nil {
		return err
	}
	w.buf = append(w.buf, v)
	return nil
}

// WriteU16 appends a big-endian word.
func (w *WriteCursor) WriteU16(v uint16) error {
	if err := w.reserve(2); err != nil {
		return err
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return nil
}

// WriteBytes appends raw bytes.
func (w *WriteCursor) WriteBytes(p []byte) error {
	if err := w.reserve(len(p)); err != nil {
		return err
	}
	w.buf = append(w.buf, p...)
	return nil
}

// Bytes returns the written PDU.
func (w *WriteCursor) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written.
func (w *WriteCursor) Len() int {
	return len(w.buf)
}

// ReadCursor consumes big-endian fields from a received PDU.
type ReadCursor struct {
	buf []byte
	pos int
}

// NewReadCursor wraps data without copying it.
func NewReadCursor(data []byte) *ReadCursor {
	return &ReadCursor{buf: data}
}

// Remaining returns the number of unread bytes.
func (r *ReadCursor) Remaining() int {
	return len(r.buf) - r.pos
}

// IsEmpty reports whether every byte was consumed.
func (r *ReadCursor) IsEmpty() bool {
	return r.Remaining() == 0
}

// ExpectEmpty fails with ErrTrailingBytes if unread bytes remain.
func (r *ReadCursor) ExpectEmpty() error {
	if n := r.Remaining(); n != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, n)
	}
	return nil
}

// ReadU8 consumes one byte.
func (r *ReadCursor) ReadU8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrInsufficientBytes
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// ReadU16 consumes a big-endian word.
func (r *ReadCursor) ReadU16() (uint16, error) {
	if r.Remaining() < 2 {
		return 0, ErrInsufficientBytes
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadBytes consumes exactly n bytes.
func (r *ReadCursor) ReadBytes(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrInsufficientBytes
	}
	v := r.buf[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}

// ReadAll consumes every remaining byte.
func (r *ReadCursor) ReadAll() []byte {
	v := r.buf[r.pos:]
	r.pos = len(r.buf)
	return v
}
