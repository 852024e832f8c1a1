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
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-channel/internal/crc"
)

// rtuFramer implements RTU framing: unit id, PDU, CRC. RTU frames carry no length,
// so the PDU size is derived from the function code and differs between requests
// (read by servers) and responses (read by clients).
type rtuFramer struct {
	requests bool
}

func (rtuFramer) encode(f *Frame) ([]byte, error) {
	if len(f.PDU) == 0 || len(f.PDU) > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d", ErrBadFrame, len(f.PDU))
	}
	fc := FunctionCode(f.PDU[0] &^ exceptionBit)
	if !fc.IsStandard() && !fc.IsCustom() {
		return nil, fmt.Errorf("%w: 0x%02X cannot be delimited on a serial line", ErrInvalidFunctionCode, uint8(fc))
	}
	buf := make([]byte, 0, len(f.PDU)+3)
	buf = append(buf, byte(f.UnitID))
	buf = append(buf, f.PDU...)
	return crc.Append(buf), nil
}

func (fr rtuFramer) decode(r *bufio.Reader) (*Frame, error) {
	head := make([]byte, 2, MaxPDUSize+3)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	n, err := fr.remaining(r, head[1])
	if err != nil {
		return nil, err
	}
	if 1+n > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d", ErrBadFrame, 1+n)
	}
	adu := head[:2+n+2]
	if _, err := io.ReadFull(r, adu[2:]); err != nil {
		return nil, err
	}
	if !crc.Valid(adu) {
		return nil, ErrBadCRC
	}
	pdu := make([]byte, n+1)
	copy(pdu, adu[1:len(adu)-2])
	return &Frame{UnitID: UnitID(adu[0]), PDU: pdu}, nil
}

// remaining returns the PDU bytes following the function code, peeking at
// count fields as needed.
func (fr rtuFramer) remaining(r *bufio.Reader, b byte) (int, error) {
	if b&exceptionBit != 0 && !fr.requests {
		return 1, nil
	}
	fc := FunctionCode(b)
	switch {
	case fc.IsCustom():
		// byte counts in/out, then words
		p, err := r.Peek(2)
		if err != nil {
			return 0, err
		}
		words := int(p[1])
		if fr.requests {
			words = int(p[0])
		}
		return 2 + 2*words, nil
	case fr.requests:
		switch fc {
		case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters,
			FuncWriteSingleCoil, FuncWriteSingleRegister:
			return 4, nil
		case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
			p, err := r.Peek(5)
			if err != nil {
				return 0, err
			}
			return 5 + int(p[4]), nil
		}
	default:
		switch fc {
		case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
			p, err := r.Peek(1)
			if err != nil {
				return 0, err
			}
			return 1 + int(p[0]), nil
		case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
			return 4, nil
		}
	}
	return 0, fmt.Errorf("%w: unsupported function code 0x%02X", ErrBadFrame, b)
}

func (rtuFramer) fields(f *Frame, payload bool) []zap.Field {
	fields := []zap.Field{
		zap.Uint8("unit", uint8(f.UnitID)),
		zap.Int("len", len(f.PDU)),
	}
	if payload {
		fields = append(fields, zap.String("pdu", hex.EncodeToString(f.PDU)))
	}
	return fields
}

// interFrameDelay returns the t3.5 silence required between RTU frames.
func interFrameDelay(baud int) time.Duration {
	if baud <= 0 || baud >= 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character
	return 11 * time.Second / time.Duration(baud) * 35 / 10
}
