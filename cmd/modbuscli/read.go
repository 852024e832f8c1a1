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

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-channel"
)

var (
	readAddr   uint16
	readCount  uint16
	readFormat string
)

var readCmd = &cobra.Command{
	Use:     "read",
	Aliases: []string{"r"},
	Short:   "Read data from Modbus device",
	Long: `Read one block of coils, discrete inputs, holding registers or input
registers. A channel is opened for the request and closed afterwards.`,
}

const registerFormats = `
Register formats (-f/--format):
  uint16, int16              one register per value (default uint16)
  uint32, int32, float32     two registers, word order from --word-order
  float64                    four registers
  string                     registers as big-endian ASCII`

// pointTable names one of the four Modbus data tables.
type pointTable struct {
	use     string
	aliases []string
	fc      modbus.FunctionCode
	title   string
}

var (
	coilTable          = pointTable{"coils", []string{"c", "coil"}, modbus.FuncReadCoils, "Coils"}
	discreteInputTable = pointTable{"discrete-inputs", []string{"di", "discrete"}, modbus.FuncReadDiscreteInputs, "Discrete Inputs"}
	holdingTable       = pointTable{"holding-registers", []string{"hr", "holding"}, modbus.FuncReadHoldingRegisters, "Holding Registers"}
	inputTable         = pointTable{"input-registers", []string{"ir", "input"}, modbus.FuncReadInputRegisters, "Input Registers"}
)

func (t pointTable) command(example string, run func() error) *cobra.Command {
	cmd := &cobra.Command{
		Use:     t.use,
		Aliases: t.aliases,
		Short:   fmt.Sprintf("Read %s (FC%02d)", t.title, uint8(t.fc)),
		Example: example,
		RunE:    func(*cobra.Command, []string) error { return run() },
	}
	cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
	cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
	return cmd
}

func readRegistersCmd(t pointTable, example string, read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[uint16], error)) *cobra.Command {
	cmd := t.command(example, func() error {
		return readOnce(t.title, read, func(values []modbus.Indexed[uint16]) error {
			return outputRegisterValues(t.title, values, readFormat)
		})
	})
	cmd.Long = fmt.Sprintf("Read %s with function code %02d.\n%s", t.title, uint8(t.fc), registerFormats)
	cmd.Flags().StringVarP(&readFormat, "format", "f", "uint16", "Data format: uint16, int16, uint32, int32, float32, float64, string")
	return cmd
}

func readBitsCmd(t pointTable, example string, read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[bool], error)) *cobra.Command {
	return t.command(example, func() error {
		return readOnce(t.title, read, func(values []modbus.Indexed[bool]) error {
			return outputBoolValues(t.title, values)
		})
	})
}

// readOnce reads the range given by --address and --count on a fresh channel.
func readOnce[T any](title string, read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[T], error), show func([]modbus.Indexed[T]) error) error {
	rng, err := mustRange(readAddr, readCount)
	if err != nil {
		return err
	}
	return oneShot(func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error {
		values, err := read(ch, ctx, param, rng)
		if err != nil {
			return fmt.Errorf("read %s failed: %w", title, err)
		}
		return show(values)
	})
}

func init() {
	readCmd.AddCommand(
		readBitsCmd(coilTable, `  modbuscli read coils -a 0 -c 10 -H 192.168.1.100
  modbuscli r c -a 100 -c 16 -o json`, (*modbus.Channel).ReadCoils),
		readBitsCmd(discreteInputTable, `  modbuscli read discrete-inputs -a 0 -c 10 -H 192.168.1.100
  modbuscli r di -a 100 -c 8`, (*modbus.Channel).ReadDiscreteInputs),
		readRegistersCmd(holdingTable, `  modbuscli read holding-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r hr -a 100 -c 4 -f float32
  modbuscli r hr -a 0 -c 20 -f string`, (*modbus.Channel).ReadHoldingRegisters),
		readRegistersCmd(inputTable, `  modbuscli read input-registers -a 0 -c 10 -H 192.168.1.100
  modbuscli r ir -a 100 -c 4 -f int32 --word-order little`, (*modbus.Channel).ReadInputRegisters),
	)
}
