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
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrBadFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// TransactionIDGenerator generates unique transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame is one ADU with its framing stripped. TransactionID is only meaningful on TCP.
type Frame struct {
	TransactionID uint16
	UnitID        UnitID
	PDU           []byte
}

// framer converts between frames and the bytes of one transport encoding.
type framer interface {
	encode(f *Frame) ([]byte, error)
	decode(r *bufio.Reader) (*Frame, error)
	fields(f *Frame, payload bool) []zap.Field
}

// tcpFramer implements MBAP framing, shared by TCP and TLS.
type tcpFramer struct{}

func (tcpFramer) encode(f *Frame) ([]byte, error) {
	if len(f.PDU) == 0 || len(f.PDU) > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU length %d", ErrBadFrame, len(f.PDU))
	}
	h := MBAPHeader{
		TransactionID: f.TransactionID,
		ProtocolID:    ProtocolID,
		Length:        uint16(len(f.PDU) + 1), // PDU length + Unit ID
		UnitID:        f.UnitID,
	}
	buf := make([]byte, 0, MBAPHeaderSize+len(f.PDU))
	buf = append(buf, h.Encode()...)
	return append(buf, f.PDU...), nil
}

func (tcpFramer) decode(r *bufio.Reader) (*Frame, error) {
	return ReadFrame(r)
}

func (tcpFramer) fields(f *Frame, payload bool) []zap.Field {
	fields := []zap.Field{
		zap.Uint16("tx_id", f.TransactionID),
		zap.Uint8("unit", uint8(f.UnitID)),
		zap.Int("len", len(f.PDU)),
	}
	if payload {
		fields = append(fields, zap.String("pdu", hex.EncodeToString(f.PDU)))
	}
	return fields
}

// ReadFrame reads a complete Modbus TCP frame from a reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var h MBAPHeader
	if err := h.Decode(header); err != nil {
		return nil, err
	}

	if h.ProtocolID != ProtocolID {
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrBadFrame, h.ProtocolID)
	}

	pduLen := int(h.Length) - 1
	if pduLen < 1 || pduLen > MaxPDUSize {
		return nil, fmt.Errorf("%w: invalid PDU length %d", ErrBadFrame, pduLen)
	}

	f := &Frame{TransactionID: h.TransactionID, UnitID: h.UnitID, PDU: make([]byte, pduLen)}
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		return nil, err
	}
	return f, nil
}
