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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-channel"
)

var (
	dumpStart     uint16
	dumpEnd       uint16
	dumpBatch     uint16
	dumpFile      string
	dumpShowEmpty bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump register ranges",
	Long: `Dump a large range of registers or bits. The range is split into
batches no larger than a single read allows, and every batch is sent on the
same channel.`,
	Example: `  modbuscli dump hr -a 0 -e 999 -H 192.168.1.100
  modbuscli dump c -a 0 -e 9999 -o csv -f coils.csv
  modbuscli dump ir -a 0 -e 255 -o hex`,
}

func init() {
	dumpCmd.AddCommand(
		dumpCommand(holdingTable, modbus.MaxQuantityRegisters, registerDump, (*modbus.Channel).ReadHoldingRegisters),
		dumpCommand(inputTable, modbus.MaxQuantityRegisters, registerDump, (*modbus.Channel).ReadInputRegisters),
		dumpCommand(coilTable, modbus.MaxQuantityCoils, bitDump, (*modbus.Channel).ReadCoils),
		dumpCommand(discreteInputTable, modbus.MaxQuantityDiscreteInputs, bitDump, (*modbus.Channel).ReadDiscreteInputs),
	)
}

// dumpRow is one address of a dump. Error is set when the batch holding the
// address failed.
type dumpRow[T any] struct {
	Address uint16 `json:"address"`
	Value   T      `json:"value"`
	Error   string `json:"error,omitempty"`
}

// dumpLayout describes how one value type is drawn in the grid and csv outputs.
type dumpLayout[T any] struct {
	perRow  int
	group   int
	gap     string
	cell    func(v T) string
	ascii   func(v T) string
	columns []string
	csv     func(v T) []string
}

var registerDump = dumpLayout[uint16]{
	perRow:  16,
	gap:     "----",
	cell:    func(v uint16) string { return fmt.Sprintf("%04X", v) },
	ascii:   func(v uint16) string { return printable(byte(v>>8)) + printable(byte(v)) },
	columns: []string{"address", "value", "hex", "error"},
	csv:     func(v uint16) []string { return []string{strconv.Itoa(int(v)), fmt.Sprintf("%04X", v)} },
}

var bitDump = dumpLayout[bool]{
	perRow:  32,
	group:   8,
	gap:     "-",
	cell:    func(v bool) string { return bit(v) },
	columns: []string{"address", "value", "error"},
	csv:     func(v bool) []string { return []string{bit(v)} },
}

func printable(b byte) string {
	if b >= 32 && b < 127 {
		return string(rune(b))
	}
	return "."
}

func dumpCommand[T any](t pointTable, limit uint16, layout dumpLayout[T], read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[T], error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:     t.aliases[0],
		Aliases: []string{t.use},
		Short:   "Dump " + strings.ToLower(t.title),
		RunE: func(*cobra.Command, []string) error {
			return runDump(t.title, limit, layout, read)
		},
	}
	cmd.Flags().Uint16VarP(&dumpStart, "start", "a", 0, "Start address")
	cmd.Flags().Uint16VarP(&dumpEnd, "end", "e", 100, "End address (inclusive)")
	cmd.Flags().Uint16VarP(&dumpBatch, "batch", "b", 0, fmt.Sprintf("Batch size, at most %d (0 for the maximum)", limit))
	cmd.Flags().StringVarP(&dumpFile, "file", "f", "", "Write output to file")
	cmd.Flags().BoolVar(&dumpShowEmpty, "show-empty", false, "Show addresses whose batch failed")
	return cmd
}

func runDump[T any](title string, limit uint16, layout dumpLayout[T], read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[T], error)) error {
	if dumpEnd < dumpStart {
		return fmt.Errorf("end address %d is below start address %d", dumpEnd, dumpStart)
	}
	batch := dumpBatch
	if batch == 0 || batch > limit {
		batch = limit
	}

	ch, err := openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	param := requestParam()
	failed := 0
	rows := collectDump(ctx, dumpChunks(dumpStart, dumpEnd, batch), dumpShowEmpty,
		func(ctx context.Context, rng modbus.AddressRange) ([]modbus.Indexed[T], error) {
			return read(ch, ctx, param, rng)
		},
		func(rng modbus.AddressRange, err error) {
			failed++
			logger.Warn("dump batch failed", zap.Stringer("range", rng), zap.Error(err))
		})
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dump interrupted: %w", err)
	}

	out := io.Writer(os.Stdout)
	if dumpFile != "" {
		f, err := os.Create(dumpFile)
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := writeDump(out, outputFmt, title, rows, layout); err != nil {
		return err
	}

	if failed > 0 {
		outputWarning("%d batches failed", failed)
	}
	if dumpFile != "" {
		outputSuccess("Output written to %s (%d points)", dumpFile, len(rows))
	}
	return nil
}

// dumpChunks splits the inclusive range [start, end] into ranges of at most
// batch addresses.
func dumpChunks(start, end, batch uint16) []modbus.AddressRange {
	var chunks []modbus.AddressRange
	for addr := uint32(start); addr <= uint32(end); addr += uint32(batch) {
		count := min(uint32(batch), uint32(end)-addr+1)
		chunks = append(chunks, modbus.AddressRange{Start: uint16(addr), Count: uint16(count)})
	}
	return chunks
}

// collectDump reads every chunk in order. A failed chunk is reported to
// onError and, when keepFailed is set, contributes one error row per address.
// Reading stops early once ctx is done.
func collectDump[T any](ctx context.Context, chunks []modbus.AddressRange, keepFailed bool,
	read func(context.Context, modbus.AddressRange) ([]modbus.Indexed[T], error),
	onError func(modbus.AddressRange, error)) []dumpRow[T] {
	var rows []dumpRow[T]
	for _, rng := range chunks {
		if ctx.Err() != nil {
			break
		}
		values, err := read(ctx, rng)
		if err != nil {
			onError(rng, err)
			if keepFailed {
				for i := uint16(0); i < rng.Count; i++ {
					rows = append(rows, dumpRow[T]{Address: rng.Start + i, Error: err.Error()})
				}
			}
			continue
		}
		for _, v := range values {
			rows = append(rows, dumpRow[T]{Address: v.Index, Value: v.Value})
		}
	}
	return rows
}

func writeDump[T any](w io.Writer, format, title string, rows []dumpRow[T], layout dumpLayout[T]) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)

	case "csv":
		cw := csv.NewWriter(w)
		cw.Write(layout.columns)
		for _, r := range rows {
			record := []string{strconv.Itoa(int(r.Address))}
			if r.Error == "" {
				record = append(record, layout.csv(r.Value)...)
			} else {
				record = append(record, make([]string, len(layout.columns)-2)...)
			}
			cw.Write(append(record, r.Error))
		}
		cw.Flush()
		return cw.Error()

	case "hex":
		writeGrid(w, rows, layout, "%08x ", true)
		return nil

	default:
		fmt.Fprintf(w, "\n%s Dump\n", title)
		fmt.Fprintln(w, strings.Repeat("=", 60))
		writeGrid(w, rows, layout, "%5d:", false)
		fmt.Fprintln(w)
		return nil
	}
}

func writeGrid[T any](w io.Writer, rows []dumpRow[T], layout dumpLayout[T], prefix string, lower bool) {
	for i := 0; i < len(rows); i += layout.perRow {
		line := rows[i:min(i+layout.perRow, len(rows))]
		fmt.Fprintf(w, prefix, line[0].Address)

		var text strings.Builder
		for j, r := range line {
			if layout.group > 0 && j > 0 && j%layout.group == 0 {
				fmt.Fprint(w, " ")
			}
			cell := layout.gap
			if r.Error == "" {
				cell = layout.cell(r.Value)
			}
			if lower {
				cell = strings.ToLower(cell)
			}
			fmt.Fprint(w, " "+cell)

			if layout.ascii != nil {
				if r.Error == "" {
					text.WriteString(layout.ascii(r.Value))
				} else {
					text.WriteString("..")
				}
			}
		}

		if layout.ascii == nil {
			fmt.Fprintln(w)
			continue
		}
		pad := strings.Repeat(" ", (layout.perRow-len(line))*(len(layout.gap)+1))
		fmt.Fprintf(w, "%s  |%s|\n", pad, text.String())
	}
}
