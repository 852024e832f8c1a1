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
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/modbus-channel/internal/crc"
)

func rtuReader(b []byte) *bufio.Reader {
	return bufio.NewReader(&oneByteReader{data: b})
}

func TestRTUEncode(t *testing.T) {
	adu, err := rtuFramer{}.encode(&Frame{UnitID: 1, PDU: []byte{0x03, 0x00, 0x00, 0x00, 0x0A}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A, 0xC5, 0xCD}, adu)

	_, err = rtuFramer{}.encode(&Frame{UnitID: 1, PDU: []byte{0x29, 0x00, 0x01}})
	assert.ErrorIs(t, err, ErrInvalidFunctionCode)
}

func TestRTUDecodeDirections(t *testing.T) {
	tests := []struct {
		name     string
		requests bool
		pdu      []byte
	}{
		{"read request", true, []byte{0x01, 0x00, 0x10, 0x00, 0x08}},
		{"read coils response", false, []byte{0x01, 0x01, 0x55}},
		{"read registers response", false, []byte{0x04, 0x04, 0x00, 0x01, 0x00, 0x02}},
		{"write coil request", true, []byte{0x05, 0x00, 0x01, 0xFF, 0x00}},
		{"write coil response", false, []byte{0x05, 0x00, 0x01, 0xFF, 0x00}},
		{"write registers request", true, []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}},
		{"write registers response", false, []byte{0x10, 0x00, 0x01, 0x00, 0x02}},
		{"write coils request", true, []byte{0x0F, 0x00, 0x13, 0x00, 0x0A, 0x02, 0xCD, 0x01}},
		{"exception response", false, []byte{0x83, 0x02}},
		{"custom request", true, []byte{65, 0x02, 0x01, 0x00, 0x01, 0x00, 0x02}},
		{"custom response", false, []byte{65, 0x02, 0x01, 0x00, 0x07}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fr := rtuFramer{requests: tt.requests}
			adu, err := fr.encode(&Frame{UnitID: 0x11, PDU: tt.pdu})
			require.NoError(t, err)

			// a second frame follows immediately; decode must stop at the first CRC
			stream := append(append([]byte{}, adu...), adu...)
			r := rtuReader(stream)
			f, err := fr.decode(r)
			require.NoError(t, err)
			assert.Equal(t, UnitID(0x11), f.UnitID)
			assert.Equal(t, tt.pdu, f.PDU)

			f, err = fr.decode(r)
			require.NoError(t, err)
			assert.Equal(t, tt.pdu, f.PDU)
		})
	}
}

func TestRTUDecodeBadCRC(t *testing.T) {
	adu := crc.Append([]byte{0x01, 0x03, 0x02, 0x00, 0x01})
	adu[len(adu)-1] ^= 0xFF

	_, err := rtuFramer{}.decode(rtuReader(adu))
	assert.ErrorIs(t, err, ErrBadCRC)
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestRTUDecodeUndelimitedCodes(t *testing.T) {
	_, err := rtuFramer{}.decode(rtuReader([]byte{0x01, 0x29, 0x00, 0x00}))
	assert.ErrorIs(t, err, ErrBadFrame)

	_, err = rtuFramer{requests: true}.decode(rtuReader([]byte{0x01, 0x83, 0x02, 0x00, 0x00}))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestRTUDecodeOversizedCustom(t *testing.T) {
	// 200 words cannot fit in one PDU
	_, err := rtuFramer{requests: true}.decode(rtuReader(append([]byte{0x01, 65, 200, 0x00}, make([]byte, 8)...)))
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestRTUFields(t *testing.T) {
	f := &Frame{UnitID: 2, PDU: []byte{0x01, 0x02}}
	assert.Len(t, rtuFramer{}.fields(f, false), 2)
	fields := rtuFramer{}.fields(f, true)
	var buf bytes.Buffer
	for _, fd := range fields {
		buf.WriteString(fd.Key)
	}
	assert.Contains(t, buf.String(), "pdu")
}

func TestInterFrameDelay(t *testing.T) {
	assert.Equal(t, 1750*time.Microsecond, interFrameDelay(19200))
	assert.Equal(t, 1750*time.Microsecond, interFrameDelay(115200))
	// 11 bits * 3.5 chars at 9600 baud
	assert.InDelta(t, float64(4010*time.Microsecond), float64(interFrameDelay(9600)), float64(10*time.Microsecond))
}
