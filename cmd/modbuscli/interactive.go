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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modbus-channel"
)

var errQuit = errors.New("quit")

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"i", "repl", "shell"},
	Short:   "Start interactive Modbus shell",
	Long: `Start an interactive shell on one client channel. The channel starts
enabled and reconnects on its own; 'dc' and 'ec' disable and enable it.
Type 'help' inside the shell for the command list.`,
	Example: `  modbuscli interactive -H 192.168.1.100
  modbuscli i --transport rtu --device /dev/ttyUSB0 --decode headers`,
	RunE: runInteractive,
}

// shell holds the per-session request settings of the interactive mode.
type shell struct {
	ch        *modbus.Channel
	param     modbus.RequestParam
	regFormat string
}

type shellCommand struct {
	names   []string
	args    string
	help    string
	minArgs int
	run     func(s *shell, ctx context.Context, args []string) error
}

var shellCommands []shellCommand

func init() {
	shellCommands = []shellCommand{
		{names: []string{"ec"}, help: "Enable the channel", run: (*shell).enable},
		{names: []string{"dc"}, help: "Disable the channel", run: (*shell).disable},
		{names: []string{"ed"}, args: "[level]", help: "Enable decoding (default data)", run: (*shell).enableDecode},
		{names: []string{"dd"}, help: "Disable decoding", run: (*shell).disableDecode},
		{names: []string{"unit", "u"}, args: "[id]", help: "Show or set the unit ID", run: (*shell).setUnit},
		{names: []string{"status", "stat", "s"}, help: "Show channel state", run: (*shell).status},

		{names: []string{"rc"}, args: "<addr> [count]", help: "Read coils", run: bitCommand("Coils", (*modbus.Channel).ReadCoils)},
		{names: []string{"rdi"}, args: "<addr> [count]", help: "Read discrete inputs", run: bitCommand("Discrete Inputs", (*modbus.Channel).ReadDiscreteInputs)},
		{names: []string{"rhr"}, args: "<addr> [count] [format]", help: "Read holding registers", run: registerCommand("Holding Registers", (*modbus.Channel).ReadHoldingRegisters)},
		{names: []string{"rir"}, args: "<addr> [count] [format]", help: "Read input registers", run: registerCommand("Input Registers", (*modbus.Channel).ReadInputRegisters)},

		{names: []string{"wc"}, args: "<addr> <value>", help: "Write single coil", minArgs: 2, run: (*shell).writeCoil},
		{names: []string{"wr"}, args: "<addr> <value>", help: "Write single register", minArgs: 2, run: (*shell).writeRegister},
		{names: []string{"wcs"}, args: "<addr> <v1,v2,...>", help: "Write multiple coils", minArgs: 2, run: (*shell).writeCoils},
		{names: []string{"wrs"}, args: "<addr> <v1,v2,...>", help: "Write multiple registers", minArgs: 2, run: (*shell).writeRegisters},

		{names: []string{"scfc"}, args: "<code> <out> [w1,w2,...]", help: "Send custom function code", minArgs: 2, run: (*shell).sendCustom},
		{names: []string{"smfc"}, args: "<code> [w1,w2,...]", help: "Send generic function code", minArgs: 1, run: (*shell).sendMutable},

		{names: []string{"output", "out", "o"}, args: "[format]", help: "Set output format (table/json/csv/hex/raw)", run: (*shell).setOutput},
		{names: []string{"format", "fmt", "f"}, args: "[type]", help: "Set register format (uint16/int16/etc)", run: (*shell).setFormat},
		{names: []string{"help", "h", "?"}, help: "Show help", run: func(*shell, context.Context, []string) error {
			fmt.Print(shellHelp())
			return nil
		}},
		{names: []string{"x", "exit", "quit", "q"}, help: "Exit", run: func(*shell, context.Context, []string) error {
			return errQuit
		}},
	}
}

func lookupCommand(name string) (*shellCommand, bool) {
	name = strings.ToLower(name)
	for i := range shellCommands {
		for _, n := range shellCommands[i].names {
			if n == name {
				return &shellCommands[i], true
			}
		}
	}
	return nil, false
}

func shellHelp() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range shellCommands {
		fmt.Fprintf(&b, "  %-34s %s\n", strings.TrimSpace(c.names[0]+" "+c.args), c.help)
	}
	return b.String()
}

func completeCommand(line string) []string {
	prefix := strings.ToLower(line)
	var out []string
	for _, c := range shellCommands {
		if strings.HasPrefix(c.names[0], prefix) {
			out = append(out, c.names[0])
		}
	}
	return out
}

func runInteractive(cmd *cobra.Command, args []string) error {
	ch, err := spawnChannel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Enable(context.Background()); err != nil {
		return err
	}

	s := &shell{ch: ch, param: requestParam(), regFormat: "uint16"}
	fmt.Println(color(colorBold, "Modbus Interactive Shell"))
	fmt.Printf("Channel %s on %s, type 'help' for commands, 'x' to exit\n\n", viper.GetString("transport"), s.target())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	for {
		input, err := line.Prompt(fmt.Sprintf("modbus[%s]@%d> ", s.target(), s.param.UnitID))
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				outputError("prompt: %v", err)
			}
			break
		}
		text := strings.TrimSpace(input)
		if text == "" {
			continue
		}
		line.AppendHistory(text)

		err = s.execute(text)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			outputError("%v", err)
		}
	}

	fmt.Println("\nGoodbye!")
	return nil
}

func (s *shell) target() string {
	if viper.GetString("transport") == "rtu" {
		return viper.GetString("serial.device")
	}
	return getAddress()
}

func (s *shell) execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	c, ok := lookupCommand(fields[0])
	if !ok {
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", fields[0])
	}
	args := fields[1:]
	if len(args) < c.minArgs {
		return fmt.Errorf("usage: %s %s", c.names[0], c.args)
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect_timeout")+s.param.Timeout)
	defer cancel()
	return c.run(s, ctx, args)
}

func (s *shell) enable(ctx context.Context, _ []string) error {
	if err := s.ch.Enable(ctx); err != nil {
		return err
	}
	outputInfo("Channel enabled")
	return nil
}

func (s *shell) disable(ctx context.Context, _ []string) error {
	if err := s.ch.Disable(ctx); err != nil {
		return err
	}
	outputInfo("Channel disabled")
	return nil
}

func (s *shell) enableDecode(ctx context.Context, args []string) error {
	name := "data"
	if len(args) > 0 {
		name = args[0]
	}
	level, err := modbus.ParseDecodeLevel(name)
	if err != nil {
		return err
	}
	if err := s.ch.SetDecodeLevel(ctx, level); err != nil {
		return err
	}
	outputInfo("Decoding set to %s", level)
	return nil
}

func (s *shell) disableDecode(ctx context.Context, _ []string) error {
	if err := s.ch.SetDecodeLevel(ctx, modbus.DecodeNothing()); err != nil {
		return err
	}
	outputInfo("Decoding disabled")
	return nil
}

func (s *shell) setUnit(_ context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Printf("Current unit ID: %d\n", s.param.UnitID)
		return nil
	}
	id, err := strconv.ParseUint(args[0], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid unit ID %q (0-255)", args[0])
	}
	s.param.UnitID = modbus.UnitID(id)
	fmt.Printf("Unit ID set to %d\n", s.param.UnitID)
	return nil
}

func (s *shell) setOutput(_ context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Printf("Current output format: %s\n", outputFmt)
		return nil
	}
	switch args[0] {
	case "table", "json", "csv", "hex", "raw":
		outputFmt = args[0]
	default:
		return fmt.Errorf("invalid format: %s", args[0])
	}
	fmt.Printf("Output format set to %s\n", outputFmt)
	return nil
}

func (s *shell) setFormat(_ context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Printf("Current register format: %s\n", s.regFormat)
		return nil
	}
	switch args[0] {
	case "uint16", "int16", "uint32", "int32", "float32", "float64", "string":
	default:
		return fmt.Errorf("invalid register format: %s", args[0])
	}
	s.regFormat = args[0]
	fmt.Printf("Register format set to %s\n", s.regFormat)
	return nil
}

func (s *shell) status(context.Context, []string) error {
	m := s.ch.Metrics()
	state := color(colorRed, "not connected")
	if m.Connected.Value() > 0 {
		state = color(colorGreen, "connected")
	}
	fmt.Println()
	fmt.Println(color(colorBold, "Channel Status"))
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Status:        %s\n", state)
	fmt.Printf("Target:        %s (%s)\n", s.target(), viper.GetString("transport"))
	fmt.Printf("Unit ID:       %d\n", s.param.UnitID)
	fmt.Printf("Requests:      %d (%d failed, %d timeouts)\n", m.RequestsTotal.Value(), m.RequestsErrors.Value(), m.Timeouts.Value())
	fmt.Printf("Output:        %s\n", outputFmt)
	fmt.Printf("Reg Format:    %s\n", s.regFormat)
	fmt.Printf("Timeout:       %s\n", s.param.Timeout)
	fmt.Println()
	return nil
}

// parseRangeArgs reads "[addr] [count]", defaulting to address 0 and one point.
func parseRangeArgs(args []string) (modbus.AddressRange, error) {
	addr, count := uint16(0), uint16(1)
	var err error
	if len(args) >= 1 {
		if addr, err = parseAddr(args[0]); err != nil {
			return modbus.AddressRange{}, err
		}
	}
	if len(args) >= 2 {
		v, err := strconv.ParseUint(args[1], 0, 16)
		if err != nil {
			return modbus.AddressRange{}, fmt.Errorf("invalid count %q", args[1])
		}
		count = uint16(v)
	}
	return mustRange(addr, count)
}

func parseAddr(arg string) (uint16, error) {
	v, err := strconv.ParseUint(arg, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", arg)
	}
	return uint16(v), nil
}

func parseCode(arg string) (modbus.FunctionCode, error) {
	v, err := strconv.ParseUint(arg, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid function code %q", arg)
	}
	return modbus.FunctionCode(v), nil
}

func bitCommand(title string, read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[bool], error)) func(*shell, context.Context, []string) error {
	return func(s *shell, ctx context.Context, args []string) error {
		rng, err := parseRangeArgs(args)
		if err != nil {
			return err
		}
		values, err := read(s.ch, ctx, s.param, rng)
		if err != nil {
			return err
		}
		return outputBoolValues(title, values)
	}
}

func registerCommand(title string, read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[uint16], error)) func(*shell, context.Context, []string) error {
	return func(s *shell, ctx context.Context, args []string) error {
		rng, err := parseRangeArgs(args)
		if err != nil {
			return err
		}
		format := s.regFormat
		if len(args) >= 3 {
			format = args[2]
		}
		values, err := read(s.ch, ctx, s.param, rng)
		if err != nil {
			return err
		}
		return outputRegisterValues(title, values, format)
	}
}

func (s *shell) writeCoil(ctx context.Context, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	value, err := parseBoolValue(args[1])
	if err != nil {
		return err
	}
	if _, err := s.ch.WriteSingleCoil(ctx, s.param, modbus.NewIndexed(addr, value)); err != nil {
		return err
	}
	outputSuccess("Wrote coil %d = %v", addr, value)
	return nil
}

func (s *shell) writeRegister(ctx context.Context, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	value, err := parseUint16Value(args[1])
	if err != nil {
		return err
	}
	if _, err := s.ch.WriteSingleRegister(ctx, s.param, modbus.NewIndexed(addr, value)); err != nil {
		return err
	}
	outputSuccess("Wrote register %d = %d (0x%04X)", addr, value, value)
	return nil
}

func (s *shell) writeCoils(ctx context.Context, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	values, err := parseList(args[1:], parseBoolValue)
	if err != nil {
		return err
	}
	w, err := modbus.NewWriteMultiple(addr, values)
	if err != nil {
		return err
	}
	if _, err := s.ch.WriteMultipleCoils(ctx, s.param, w); err != nil {
		return err
	}
	outputSuccess("Wrote %d coils starting at address %d", len(values), addr)
	return nil
}

func (s *shell) writeRegisters(ctx context.Context, args []string) error {
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	values, err := parseUint16Values(args[1:])
	if err != nil {
		return err
	}
	w, err := modbus.NewWriteMultiple(addr, values)
	if err != nil {
		return err
	}
	if _, err := s.ch.WriteMultipleRegisters(ctx, s.param, w); err != nil {
		return err
	}
	outputSuccess("Wrote %d registers starting at address %d", len(values), addr)
	return nil
}

func (s *shell) sendCustom(ctx context.Context, args []string) error {
	code, err := parseCode(args[0])
	if err != nil {
		return err
	}
	out, err := strconv.ParseUint(args[1], 0, 8)
	if err != nil {
		return fmt.Errorf("invalid reply word count %q", args[1])
	}
	words, err := parseUint16Values(args[2:])
	if err != nil {
		return err
	}
	if len(words) > 0xFF {
		return fmt.Errorf("too many words: %d", len(words))
	}
	reply, err := s.ch.SendCustomFunctionCode(ctx, s.param, modbus.CustomFunctionCode{
		Code:         code,
		ByteCountIn:  uint8(len(words)),
		ByteCountOut: uint8(out),
		Data:         words,
	})
	if err != nil {
		return err
	}
	return outputWords(fmt.Sprintf("Function %d reply", reply.Code), reply.Data)
}

func (s *shell) sendMutable(ctx context.Context, args []string) error {
	code, err := parseCode(args[0])
	if err != nil {
		return err
	}
	words, err := parseUint16Values(args[1:])
	if err != nil {
		return err
	}
	reply, err := s.ch.SendMutableFunctionCode(ctx, s.param, modbus.MutableFunctionCode{Code: code, Data: words})
	if err != nil {
		return err
	}
	return outputWords(fmt.Sprintf("Function %d reply", reply.Code), reply.Data)
}
