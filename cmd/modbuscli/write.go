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
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-channel"
)

var (
	writeAddr   uint16
	writeValues []string
)

var writeCmd = &cobra.Command{
	Use:     "write",
	Aliases: []string{"w"},
	Short:   "Write data to Modbus device",
	Long: `Write coils or holding registers. Values come from -V and may be given
comma or space separated; registers accept 0x, 0b and 0o prefixes.`,
}

func writeCommand(use string, aliases []string, fc modbus.FunctionCode, what, example string, run func() error) *cobra.Command {
	cmd := &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   fmt.Sprintf("Write %s (FC%02d)", what, uint8(fc)),
		Example: example,
		RunE:    func(*cobra.Command, []string) error { return run() },
	}
	cmd.Flags().Uint16VarP(&writeAddr, "address", "a", 0, "Starting address")
	cmd.Flags().StringSliceVarP(&writeValues, "values", "V", nil, "Values to write")
	cmd.MarkFlagRequired("values")
	return cmd
}

func init() {
	writeCmd.AddCommand(
		writeCommand("coil", []string{"c"}, modbus.FuncWriteSingleCoil, "single coil",
			`  modbuscli write coil -a 0 -V 1 -H 192.168.1.100
  modbuscli w c -a 100 -V on`,
			func() error { return writeSingle("coil", parseBoolValue, (*modbus.Channel).WriteSingleCoil) }),
		writeCommand("coils", []string{"cs"}, modbus.FuncWriteMultipleCoils, "multiple coils",
			`  modbuscli write coils -a 0 -V 1,0,1,1,0 -H 192.168.1.100
  modbuscli w cs -a 100 -V "on off on"`,
			func() error { return writeMany("coils", parseBoolValue, (*modbus.Channel).WriteMultipleCoils) }),
		writeCommand("register", []string{"reg", "r"}, modbus.FuncWriteSingleRegister, "single register",
			`  modbuscli write register -a 0 -V 1234 -H 192.168.1.100
  modbuscli w r -a 100 -V 0xFF00`,
			func() error { return writeSingle("register", parseUint16Value, (*modbus.Channel).WriteSingleRegister) }),
		writeCommand("registers", []string{"regs", "rs"}, modbus.FuncWriteMultipleRegisters, "multiple registers",
			`  modbuscli write registers -a 0 -V 100,200,300 -H 192.168.1.100
  modbuscli w rs -a 100 -V "0x1234 0x5678"`,
			func() error { return writeMany("registers", parseUint16Value, (*modbus.Channel).WriteMultipleRegisters) }),
	)
}

func writeSingle[T any](what string, parse func(string) (T, error), write func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.Indexed[T]) (modbus.Indexed[T], error)) error {
	if len(writeValues) != 1 {
		return fmt.Errorf("exactly one value required, got %d", len(writeValues))
	}
	value, err := parse(writeValues[0])
	if err != nil {
		return fmt.Errorf("invalid %s value: %w", what, err)
	}
	return oneShot(func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error {
		echo, err := write(ch, ctx, param, modbus.NewIndexed(writeAddr, value))
		if err != nil {
			return fmt.Errorf("write %s failed: %w", what, err)
		}
		outputSuccess("Wrote %s %d = %v", what, echo.Index, echo.Value)
		return nil
	})
}

func writeMany[T any](what string, parse func(string) (T, error), write func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.WriteMultiple[T]) (modbus.AddressRange, error)) error {
	values, err := parseList(writeValues, parse)
	if err != nil {
		return fmt.Errorf("invalid %s values: %w", what, err)
	}
	w, err := modbus.NewWriteMultiple(writeAddr, values)
	if err != nil {
		return fmt.Errorf("invalid %s values: %w", what, err)
	}
	return oneShot(func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error {
		rng, err := write(ch, ctx, param, w)
		if err != nil {
			return fmt.Errorf("write %s failed: %w", what, err)
		}
		outputSuccess("Wrote %d %s at %s", rng.Count, what, rng)
		return nil
	})
}

func parseBoolValue(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value: %s", s)
}

// parseUint16Value accepts decimal and 0x, 0b or 0o prefixed numbers. A bare
// leading zero stays decimal.
func parseUint16Value(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	if len(s) > 2 && s[0] == '0' && strings.ContainsRune("xXbBoO", rune(s[1])) {
		base = 0
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid uint16 value: %s", s)
	}
	return uint16(v), nil
}

func parseUint16Values(values []string) ([]uint16, error) {
	return parseList(values, parseUint16Value)
}

// parseList splits every flag value on commas and spaces and parses each item.
func parseList[T any](values []string, parse func(string) (T, error)) ([]T, error) {
	var out []T
	for _, v := range values {
		for _, item := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			x, err := parse(item)
			if err != nil {
				return nil, err
			}
			out = append(out, x)
		}
	}
	return out, nil
}
