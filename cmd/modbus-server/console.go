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
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/edgeo-scada/modbus-channel"
)

const consoleHelp = `Commands:
  uc [addr value]     - Toggle every coil, or set one
  udi [addr value]    - Toggle every discrete input, or set one
  uhr [addr value]    - Increment every holding register, or set one
  uir [addr value]    - Increment every input register, or set one
  show <bank> <addr> [count]
                      - Print points of bank c, di, hr or ir
  ed / dd             - Enable / disable protocol decoding
  status              - Show sessions and request counters
  x                   - Stop the server`

var errQuit = errors.New("quit")

// serveConsole runs the shell until 'x', end of input or ctx is done.
func serveConsole(ctx context.Context, in *instance) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(s string) []string {
		var out []string
		for _, c := range []string{"uc", "udi", "uhr", "uir", "show", "ed", "dd", "status", "help", "x"} {
			if strings.HasPrefix(c, s) {
				out = append(out, c)
			}
		}
		return out
	})

	fmt.Println("Data bank console, type 'help' for commands, 'x' to stop")
	for ctx.Err() == nil {
		input, err := line.Prompt("modbus-server> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		text := strings.TrimSpace(input)
		if text == "" {
			continue
		}
		line.AppendHistory(text)

		if err := consoleCommand(in, strings.Fields(text)); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Println("error:", err)
		}
	}
	return nil
}

func consoleCommand(in *instance, args []string) error {
	mem := in.memory
	switch args[0] {
	case "x", "exit", "quit":
		return errQuit
	case "help", "?":
		fmt.Println(consoleHelp)
	case "ed":
		in.srv.SetDecodeLevel(modbus.DecodeLevel{
			App:   modbus.AppDataValues,
			Frame: modbus.FrameHeader,
			Phys:  modbus.PhysLength,
		})
	case "dd":
		in.srv.SetDecodeLevel(modbus.DecodeNothing())
	case "status":
		m := in.srv.Metrics()
		fmt.Printf("sessions=%d total=%d requests=%d errors=%d exceptions=%d dropped=%d\n",
			in.srv.ActiveConnections(), m.TotalConns.Value(), m.RequestsTotal.Value(),
			m.RequestsErrors.Value(), m.Exceptions.Value(), m.Dropped.Value())
	case "uc":
		return updateBits(in, mem.Coils, args[1:])
	case "udi":
		return updateBits(in, mem.DiscreteInputs, args[1:])
	case "uhr":
		return updateRegisters(in, mem.HoldingRegisters, args[1:])
	case "uir":
		return updateRegisters(in, mem.InputRegisters, args[1:])
	case "show":
		return show(mem, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

// updateBits toggles every point, or sets one when given an address and value.
// Both run with the handler cell locked so no request sees a partial update.
func updateBits(in *instance, bank *modbus.BitBank, args []string) error {
	if len(args) == 0 {
		in.cell.With(func(modbus.RequestHandler) {
			bank.Update(func(_ uint16, v bool) bool { return !v })
		})
		return nil
	}
	if len(args) != 2 {
		return errors.New("usage: <addr> <value>")
	}
	addr, err := parseUint16(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseBool(args[1])
	if err != nil {
		return fmt.Errorf("invalid value %q", args[1])
	}
	in.cell.With(func(modbus.RequestHandler) { err = bank.Set(addr, v) })
	return err
}

func updateRegisters(in *instance, bank *modbus.RegisterBank, args []string) error {
	if len(args) == 0 {
		in.cell.With(func(modbus.RequestHandler) {
			bank.Update(func(_ uint16, v uint16) uint16 { return v + 1 })
		})
		return nil
	}
	if len(args) != 2 {
		return errors.New("usage: <addr> <value>")
	}
	addr, err := parseUint16(args[0])
	if err != nil {
		return err
	}
	v, err := parseUint16(args[1])
	if err != nil {
		return err
	}
	in.cell.With(func(modbus.RequestHandler) { err = bank.Set(addr, v) })
	return err
}

func show(mem *modbus.MemoryHandler, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: show <c|di|hr|ir> <addr> [count]")
	}
	addr, err := parseUint16(args[1])
	if err != nil {
		return err
	}
	count := uint16(1)
	if len(args) > 2 {
		if count, err = parseUint16(args[2]); err != nil {
			return err
		}
	}

	for i := uint32(addr); i < uint32(addr)+uint32(count); i++ {
		a := uint16(i)
		var v any
		switch args[0] {
		case "c":
			v, err = mem.Coils.Get(a)
		case "di":
			v, err = mem.DiscreteInputs.Get(a)
		case "hr":
			v, err = mem.HoldingRegisters.Get(a)
		case "ir":
			v, err = mem.InputRegisters.Get(a)
		default:
			return fmt.Errorf("unknown bank %q", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Printf("%5d  %v\n", a, v)
	}
	return nil
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uint16(v), nil
}
