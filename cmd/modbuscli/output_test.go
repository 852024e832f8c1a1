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


package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/modbus-channel"
)

func points(start uint16, words ...uint16) []modbus.Indexed[uint16] {
	out := make([]modbus.Indexed[uint16], len(words))
	for i, w := range words {
		out[i] = modbus.NewIndexed(start+uint16(i), w)
	}
	return out
}

func TestDecodeRegisters(t *testing.T) {
	defer func(o string) { wordOrder = o }(wordOrder)
	wordOrder = "big"

	values := decodeRegisters(points(10, 0x4049, 0x0FDB, 0xFFFF), "float32")
	require.Len(t, values, 1, "trailing register is dropped")
	assert.Equal(t, uint16(10), values[0].First)
	assert.Equal(t, uint16(11), values[0].Last)
	assert.InDelta(t, 3.14159, values[0].Value, 0.0001)
	assert.Equal(t, "0x40490FDB", values[0].Hex)

	values = decodeRegisters(points(0, 0xFFFE), "int16")
	assert.Equal(t, int16(-2), values[0].Value)

	wordOrder = "little"
	values = decodeRegisters(points(0, 0x0001, 0x0002), "uint32")
	assert.Equal(t, uint32(0x00020001), values[0].Value)

	values = decodeRegisters(points(5, 7, 8), "")
	require.Len(t, values, 2)
	assert.Equal(t, uint16(8), values[1].Value)
	assert.Equal(t, "uint16", values[1].Format)
}

func TestRegisterString(t *testing.T) {
	assert.Equal(t, "ABC", registerString(points(0, 0x4142, 0x4300, 0x0000)))
}
