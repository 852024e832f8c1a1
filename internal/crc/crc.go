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

// Package crc implements the CRC-16/MODBUS checksum used by RTU framing.
package crc

var table [256]uint16

func init() {
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
}

// CRC is a running CRC-16/MODBUS.
type CRC struct {
	value uint16
}

// Reset restores the initial value.
func (c *CRC) Reset() *CRC {
	c.value = 0xFFFF
	return c
}

// PushBytes folds data into the checksum.
func (c *CRC) PushBytes(data []byte) *CRC {
	for _, b := range data {
		c.value = c.value>>8 ^ table[byte(c.value)^b]
	}
	return c
}

// Value returns the checksum. On the wire it is sent low byte first.
func (c *CRC) Value() uint16 {
	return c.value
}

// Checksum returns the CRC of data.
func Checksum(data []byte) uint16 {
	var c CRC
	return c.Reset().PushBytes(data).Value()
}

// Append appends the checksum of data to it, low byte first.
func Append(data []byte) []byte {
	sum := Checksum(data)
	return append(data, byte(sum), byte(sum>>8))
}

// Valid reports whether adu ends with the correct checksum.
func Valid(adu []byte) bool {
	if len(adu) < 3 {
		return false
	}
	n := len(adu) - 2
	return Checksum(adu[:n]) == uint16(adu[n])|uint16(adu[n+1])<<8
}
