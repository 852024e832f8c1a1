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
	"strings"
)

// AppDecodeLevel controls logging of PDUs.
type AppDecodeLevel int

const (
	AppNothing AppDecodeLevel = iota
	AppFunctionCode
	AppDataHeaders
	AppDataValues
)

// FrameDecodeLevel controls logging of MBAP or RTU framing.
type FrameDecodeLevel int

const (
	FrameNothing FrameDecodeLevel = iota
	FrameHeader
	FramePayload
)

// PhysDecodeLevel controls logging of raw bytes on the physical layer.
type PhysDecodeLevel int

const (
	PhysNothing PhysDecodeLevel = iota
	PhysLength
	PhysData
)

// DecodeLevel is the protocol logging verbosity of a channel or server.
type DecodeLevel struct {
	App   AppDecodeLevel
	Frame FrameDecodeLevel
	Phys  PhysDecodeLevel
}

// DecodeNothing disables protocol logging.
func DecodeNothing() DecodeLevel {
	return DecodeLevel{}
}

// DecodeHeaders logs function codes, data headers and frame headers.
func DecodeHeaders() DecodeLevel {
	return DecodeLevel{App: AppDataHeaders, Frame: FrameHeader, Phys: PhysLength}
}

// DecodeData logs everything down to raw bytes.
func DecodeData() DecodeLevel {
	return DecodeLevel{App: AppDataValues, Frame: FramePayload, Phys: PhysData}
}

// ParseDecodeLevel accepts "nothing", "headers" or "data".
func ParseDecodeLevel(s string) (DecodeLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "nothing", "none":
		return DecodeNothing(), nil
	case "headers", "header":
		return DecodeHeaders(), nil
	case "data", "all":
		return DecodeData(), nil
	default:
		return DecodeLevel{}, fmt.Errorf("modbus: unknown decode level %q", s)
	}
}

func (l DecodeLevel) String() string {
	switch l {
	case DecodeNothing():
		return "nothing"
	case DecodeHeaders():
		return "headers"
	case DecodeData():
		return "data"
	}
	return fmt.Sprintf("app=%d frame=%d phys=%d", l.App, l.Frame, l.Phys)
}
