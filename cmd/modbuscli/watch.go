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
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-channel"
)

var (
	watchInterval    time.Duration
	watchCount       int
	watchShowDiff    bool
	watchClearTerm   bool
	watchTimestamp   bool
	watchLogFile     string
	watchAlertHigh   float64
	watchAlertLow    float64
	watchAlertEnable bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously monitor Modbus values",
	Long: `Watch Modbus registers or coils continuously with configurable interval.
The channel keeps reconnecting in the background; failed polls are counted
and polling resumes once the device answers again.

Supports:
  - Holding registers (hr)
  - Input registers (ir)
  - Coils (c)
  - Discrete inputs (di)`,
	Example: `  # Watch 5 holding registers every second
  modbuscli watch hr -a 0 -c 5 -i 1s -H 192.168.1.100

  # Watch with alerts when value exceeds threshold
  modbuscli watch hr -a 100 -c 1 -i 500ms --alert --alert-high 1000

  # Watch and log to file
  modbuscli watch hr -a 0 -c 10 -i 2s --log data.csv

  # Watch coils with change highlighting
  modbuscli watch c -a 0 -c 8 -i 1s --diff`,
}

var watchHoldingRegistersCmd = &cobra.Command{
	Use:     "holding-registers",
	Aliases: []string{"hr", "holding"},
	Short:   "Watch holding registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch("Holding Registers", registerView, (*modbus.Channel).ReadHoldingRegisters)
	},
}

var watchInputRegistersCmd = &cobra.Command{
	Use:     "input-registers",
	Aliases: []string{"ir", "input"},
	Short:   "Watch input registers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch("Input Registers", registerView, (*modbus.Channel).ReadInputRegisters)
	},
}

var watchCoilsCmd = &cobra.Command{
	Use:     "coils",
	Aliases: []string{"c", "coil"},
	Short:   "Watch coils",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch("Coils", bitView, (*modbus.Channel).ReadCoils)
	},
}

var watchDiscreteInputsCmd = &cobra.Command{
	Use:     "discrete-inputs",
	Aliases: []string{"di", "discrete"},
	Short:   "Watch discrete inputs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch("Discrete Inputs", bitView, (*modbus.Channel).ReadDiscreteInputs)
	},
}

func init() {
	watchCmd.AddCommand(watchHoldingRegistersCmd)
	watchCmd.AddCommand(watchInputRegistersCmd)
	watchCmd.AddCommand(watchCoilsCmd)
	watchCmd.AddCommand(watchDiscreteInputsCmd)

	for _, cmd := range []*cobra.Command{watchHoldingRegistersCmd, watchInputRegistersCmd, watchCoilsCmd, watchDiscreteInputsCmd} {
		cmd.Flags().Uint16VarP(&readAddr, "address", "a", 0, "Starting address")
		cmd.Flags().Uint16VarP(&readCount, "count", "c", 1, "Number of items to read")
		cmd.Flags().DurationVarP(&watchInterval, "interval", "i", 1*time.Second, "Poll interval")
		cmd.Flags().IntVarP(&watchCount, "iterations", "n", 0, "Number of iterations (0 = infinite)")
		cmd.Flags().BoolVar(&watchShowDiff, "diff", false, "Highlight changed values")
		cmd.Flags().BoolVar(&watchClearTerm, "clear", true, "Clear terminal between updates")
		cmd.Flags().BoolVar(&watchTimestamp, "timestamp", true, "Show timestamps")
		cmd.Flags().StringVar(&watchLogFile, "log", "", "Log values to file (CSV format)")
	}

	for _, cmd := range []*cobra.Command{watchHoldingRegistersCmd, watchInputRegistersCmd} {
		cmd.Flags().Float64Var(&watchAlertHigh, "alert-high", 0, "Alert when value exceeds this threshold")
		cmd.Flags().Float64Var(&watchAlertLow, "alert-low", 0, "Alert when value falls below this threshold")
		cmd.Flags().BoolVar(&watchAlertEnable, "alert", false, "Enable threshold alerts")
	}
}

// watchView describes how one kind of point is tabulated.
type watchView[T comparable] struct {
	columns []string
	cells   func(v T, prev *T) []string
	field   func(v T) string
}

var registerView = watchView[uint16]{
	columns: []string{"VALUE", "HEX", "CHANGE"},
	cells: func(v uint16, prev *uint16) []string {
		return []string{strconv.Itoa(int(v)), fmt.Sprintf("0x%04X", v), registerChange(v, prev) + registerAlert(v)}
	},
	field: func(v uint16) string { return strconv.Itoa(int(v)) },
}

var bitView = watchView[bool]{
	columns: []string{"VALUE", "STATUS", "CHANGE"},
	cells: func(v bool, prev *bool) []string {
		status := color(colorRed, "OFF")
		if v {
			status = color(colorGreen, "ON")
		}
		change := ""
		if prev != nil && *prev != v {
			change = color(colorRed, "->OFF")
			if v {
				change = color(colorGreen, "->ON")
			}
		}
		return []string{bit(v), status, change}
	},
	field: bit,
}

func registerChange(v uint16, prev *uint16) string {
	if prev == nil {
		return ""
	}
	switch d := int(v) - int(*prev); {
	case d > 0:
		return color(colorGreen, fmt.Sprintf("+%d", d))
	case d < 0:
		return color(colorRed, strconv.Itoa(d))
	}
	return ""
}

func registerAlert(v uint16) string {
	if !watchAlertEnable {
		return ""
	}
	fv := float64(v)
	switch {
	case watchAlertHigh != 0 && fv > watchAlertHigh:
		return " " + color(colorRed+colorBold, "HIGH!")
	case watchAlertLow != 0 && fv < watchAlertLow:
		return " " + color(colorYellow+colorBold, "LOW!")
	}
	return ""
}

type watcher[T comparable] struct {
	title string
	view  watchView[T]
	read  func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[T], error)

	ch      *modbus.Channel
	rng     modbus.AddressRange
	prev    []modbus.Indexed[T]
	logFile *os.File
	log     *csv.Writer

	started   time.Time
	polls     int
	successes int
	failures  int
}

func runWatch[T comparable](title string, view watchView[T], read func(*modbus.Channel, context.Context, modbus.RequestParam, modbus.AddressRange) ([]modbus.Indexed[T], error)) error {
	rng, err := mustRange(readAddr, readCount)
	if err != nil {
		return err
	}
	w := &watcher[T]{title: title, view: view, read: read, rng: rng, started: time.Now()}
	if watchLogFile != "" {
		f, err := os.Create(watchLogFile)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		w.logFile = f
		w.log = csv.NewWriter(f)
	}
	w.ch, err = openChannel()
	if err != nil {
		w.close()
		return err
	}
	defer w.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.loop(ctx)
}

// loop polls every interval until the iteration limit or ctx is done.
func (w *watcher[T]) loop(ctx context.Context) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		w.poll(ctx)
		if watchCount > 0 && w.polls >= watchCount {
			w.summary()
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Println("\n\nStopping watch...")
			w.summary()
			return nil
		case <-ticker.C:
		}
	}
}

func (w *watcher[T]) poll(ctx context.Context) {
	param := requestParam()
	ctx, cancel := context.WithTimeout(ctx, watchInterval+param.Timeout)
	defer cancel()

	w.polls++
	values, err := w.read(w.ch, ctx, param, w.rng)
	if err != nil {
		w.failures++
		outputWarning("Read failed: %v", err)
		return
	}
	w.successes++
	now := time.Now()
	w.record(now, values)
	if outputFmt == "json" {
		printJSON(struct {
			Timestamp string              `json:"timestamp"`
			Iteration int                 `json:"iteration"`
			Values    []modbus.Indexed[T] `json:"values"`
		}{now.Format(time.RFC3339Nano), w.polls, values})
	} else {
		w.table(now, values)
	}
	w.prev = values
}

func (w *watcher[T]) table(now time.Time, values []modbus.Indexed[T]) {
	if watchClearTerm && w.polls > 1 {
		fmt.Print("\033[H\033[2J")
	}
	fmt.Printf("%s - Watching %s (Address %s)\n", color(colorBold, "MODBUS WATCH"), w.title, w.rng)
	fmt.Printf("Target: %s | Unit: %d | Interval: %s\n", getAddress(), requestParam().UnitID, watchInterval)
	if watchTimestamp {
		limit := ""
		if watchCount > 0 {
			limit = fmt.Sprintf("/%d", watchCount)
		}
		fmt.Printf("Time: %s | Iteration: %d%s\n", now.Format("15:04:05.000"), w.polls, limit)
	}
	fmt.Println(strings.Repeat("-", 60))

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	columns := append([]string{"ADDR"}, w.view.columns...)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for i, v := range values {
		var prev *T
		if watchShowDiff && i < len(w.prev) {
			prev = &w.prev[i].Value
		}
		row := append([]string{strconv.Itoa(int(v.Index))}, w.view.cells(v.Value, prev)...)
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

// record appends one CSV row per successful poll, preceded by a header on the first.
func (w *watcher[T]) record(now time.Time, values []modbus.Indexed[T]) {
	if w.log == nil {
		return
	}
	if w.successes == 1 {
		header := []string{"timestamp"}
		for _, v := range values {
			header = append(header, fmt.Sprintf("addr_%d", v.Index))
		}
		w.log.Write(header)
	}
	row := []string{now.Format(time.RFC3339)}
	for _, v := range values {
		row = append(row, w.view.field(v.Value))
	}
	w.log.Write(row)
	w.log.Flush()
}

func (w *watcher[T]) close() {
	if w.ch != nil {
		w.ch.Close()
	}
	if w.logFile != nil {
		w.logFile.Close()
	}
}

func (w *watcher[T]) summary() {
	elapsed := time.Since(w.started)
	fmt.Println()
	fmt.Println(color(colorBold, "Watch Summary"))
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("Duration:    %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Polls:       %d\n", w.polls)
	fmt.Printf("Success:     %d\n", w.successes)
	fmt.Printf("Errors:      %d\n", w.failures)
	fmt.Printf("Sessions:    %d\n", w.ch.Metrics().Sessions.Value())
	if w.polls > 0 {
		fmt.Printf("Avg Rate:    %.2f reads/sec\n", float64(w.polls)/elapsed.Seconds())
	}
}
