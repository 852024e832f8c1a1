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

import "time"

type commandKind int

const (
	cmdRequest commandKind = iota
	cmdEnable
	cmdDisable
	cmdSetDecodeLevel
)

func (k commandKind) String() string {
	switch k {
	case cmdRequest:
		return "request"
	case cmdEnable:
		return "enable"
	case cmdDisable:
		return "disable"
	case cmdSetDecodeLevel:
		return "set decode level"
	}
	return "unknown"
}

// command is one entry of the channel queue.
type command struct {
	kind    commandKind
	request *request
	level   DecodeLevel
}

// request is a queued operation together with its reply slot.
type request struct {
	unitID  UnitID
	timeout time.Duration
	op      operation
	// resolve completes the caller's promise; a nil error yields the parsed result.
	resolve func(err error)
	started time.Time
}

func newRequest[T any](param RequestParam, op operation, p *promise[T], value func() T) *request {
	return &request{
		unitID:  param.UnitID,
		timeout: param.Timeout,
		op:      op,
		resolve: func(err error) {
			if err != nil {
				p.failure(err)
				return
			}
			p.success(value())
		},
	}
}

func (r *request) fail(err error) {
	r.resolve(err)
}
