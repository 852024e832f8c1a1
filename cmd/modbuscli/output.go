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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/edgeo-scada/modbus-channel"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	fmt.Println(color(colorGreen, "OK") + " " + fmt.Sprintf(format, args...))
}

func outputError(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+fmt.Sprintf(format, args...))
}

func outputWarning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+fmt.Sprintf(format, args...))
}

func outputInfo(format string, args ...interface{}) {
	fmt.Println(color(colorCyan, "INFO") + " " + fmt.Sprintf(format, args...))
}

func printTitle(title string, first, last uint16, count int) {
	fmt.Printf("\n%s (Address %d-%d, Count: %d)\n", color(colorBold, title), first, last, count)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func bit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func outputBoolValues(title string, points []modbus.Indexed[bool]) error {
	if len(points) == 0 {
		return nil
	}

	switch outputFmt {
	case "json":
		type boolResult struct {
			Address uint16 `json:"address"`
			Value   bool   `json:"value"`
		}
		results := make([]boolResult, len(points))
		for i, p := range points {
			results[i] = boolResult{Address: p.Index, Value: p.Value}
		}
		return printJSON(results)

	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "value"})
		for _, p := range points {
			w.Write([]string{strconv.Itoa(int(p.Index)), bit(p.Value)})
		}
		w.Flush()
		return w.Error()

	case "raw":
		var sb strings.Builder
		for _, p := range points {
			sb.WriteString(bit(p.Value))
		}
		fmt.Println(sb.String())
		return nil

	case "hex":
		// same LSB-first packing as the wire
		packed := make([]string, (len(points)+7)/8)
		for i := range packed {
			var b byte
			for j := 0; j < 8 && i*8+j < len(points); j++ {
				if points[i*8+j].Value {
					b |= 1 << j
				}
			}
			packed[i] = fmt.Sprintf("%02X", b)
		}
		fmt.Println(strings.Join(packed, " "))
		return nil
	}

	printTitle(title, points[0].Index, points[len(points)-1].Index, len(points))
	fmt.Println(strings.Repeat("-", 40))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
	fmt.Fprintln(w, "-------\t-----\t------")
	for _, p := range points {
		status := color(colorRed, "OFF")
		if p.Value {
			status = color(colorGreen, "ON")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", p.Index, bit(p.Value), status)
	}
	w.Flush()
	fmt.Println()
	return nil
}

// decodedValue is one value interpreted from one or more consecutive registers.
type decodedValue struct {
	First  uint16      `json:"address"`
	Last   uint16      `json:"-"`
	Raw    uint16      `json:"raw"`
	Hex    string      `json:"hex"`
	Value  interface{} `json:"value"`
	Format string      `json:"format"`
}

// registerWidth is the number of registers one value of format spans.
func registerWidth(format string) int {
	switch format {
	case "uint32", "int32", "float32":
		return 2
	case "float64":
		return 4
	}
	return 1
}

// decodeRegisters groups points by format. A trailing partial group is dropped.
func decodeRegisters(points []modbus.Indexed[uint16], format string) []decodedValue {
	if format == "" {
		format = "uint16"
	}
	width := registerWidth(format)
	var out []decodedValue
	for i := 0; i+width <= len(points); i += width {
		group := points[i : i+width]
		d := decodedValue{First: group[0].Index, Last: group[width-1].Index, Raw: group[0].Value, Format: format}
		switch format {
		case "int16":
			d.Value, d.Hex = int16(group[0].Value), fmt.Sprintf("0x%04X", group[0].Value)
		case "uint32":
			v := combineRegisters(group[0].Value, group[1].Value)
			d.Value, d.Hex = v, fmt.Sprintf("0x%08X", v)
		case "int32":
			v := combineRegisters(group[0].Value, group[1].Value)
			d.Value, d.Hex = int32(v), fmt.Sprintf("0x%08X", v)
		case "float32":
			v := combineRegisters(group[0].Value, group[1].Value)
			d.Value, d.Hex = math.Float32frombits(v), fmt.Sprintf("0x%08X", v)
		case "float64":
			v := combineRegisters64(group[0].Value, group[1].Value, group[2].Value, group[3].Value)
			d.Value, d.Hex = math.Float64frombits(v), fmt.Sprintf("0x%016X", v)
		default:
			d.Value, d.Hex = group[0].Value, fmt.Sprintf("0x%04X", group[0].Value)
		}
		out = append(out, d)
	}
	return out
}

// registerString reads registers as big-endian ASCII, trimming trailing NULs.
func registerString(points []modbus.Indexed[uint16]) string {
	var sb strings.Builder
	for _, p := range points {
		sb.WriteByte(byte(p.Value >> 8))
		sb.WriteByte(byte(p.Value))
	}
	return strings.TrimRight(sb.String(), "\x00")
}

func outputRegisterValues(title string, points []modbus.Indexed[uint16], format string) error {
	if len(points) == 0 {
		return nil
	}

	switch outputFmt {
	case "raw":
		for _, p := range points {
			fmt.Println(p.Value)
		}
		return nil
	case "hex":
		words := make([]string, len(points))
		for i, p := range points {
			words[i] = fmt.Sprintf("%04X", p.Value)
		}
		fmt.Println(strings.Join(words, " "))
		return nil
	}

	if format == "string" {
		s := registerString(points)
		if outputFmt == "json" {
			return printJSON(map[string]interface{}{"address": points[0].Index, "value": s})
		}
		if outputFmt != "csv" {
			printTitle(title, points[0].Index, points[len(points)-1].Index, len(points))
		}
		fmt.Println(s)
		return nil
	}

	values := decodeRegisters(points, format)
	switch outputFmt {
	case "json":
		return printJSON(values)
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "raw", "hex", "value"})
		for _, d := range values {
			w.Write([]string{strconv.Itoa(int(d.First)), strconv.Itoa(int(d.Raw)), d.Hex, fmt.Sprint(d.Value)})
		}
		w.Flush()
		return w.Error()
	}

	printTitle(title, points[0].Index, points[len(points)-1].Index, len(points))
	fmt.Println(strings.Repeat("-", 60))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if registerWidth(format) == 1 {
		fmt.Fprintln(w, "ADDRESS\tDECIMAL\tHEX\tBINARY")
		fmt.Fprintln(w, "-------\t-------\t---\t------")
		for _, d := range values {
			fmt.Fprintf(w, "%d\t%v\t%s\t%016b\n", d.First, d.Value, d.Hex, d.Raw)
		}
	} else {
		fmt.Fprintln(w, "ADDRESS\tVALUE\tHEX")
		fmt.Fprintln(w, "-------\t-----\t---")
		for _, d := range values {
			fmt.Fprintf(w, "%d-%d\t%v\t%s\n", d.First, d.Last, d.Value, d.Hex)
		}
	}
	w.Flush()
	fmt.Println()
	return nil
}

func combineRegisters(high, low uint16) uint32 {
	if wordOrder == "little" {
		return uint32(low)<<16 | uint32(high)
	}
	return uint32(high)<<16 | uint32(low)
}

func combineRegisters64(r0, r1, r2, r3 uint16) uint64 {
	if wordOrder == "little" {
		return uint64(r3)<<48 | uint64(r2)<<32 | uint64(r1)<<16 | uint64(r0)
	}
	return uint64(r0)<<48 | uint64(r1)<<32 | uint64(r2)<<16 | uint64(r3)
}

// outputWords prints a reply payload with word offsets instead of addresses.
func outputWords(title string, words []uint16) error {
	if len(words) == 0 {
		outputSuccess("%s: no data", title)
		return nil
	}
	points := make([]modbus.Indexed[uint16], len(words))
	for i, w := range words {
		points[i] = modbus.NewIndexed(uint16(i), w)
	}
	return outputRegisterValues(title, points, "uint16")
}
