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
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/modbus-channel"
)

const (
	funcDiagnostics         = modbus.FunctionCode(0x08)
	funcGetCommEventCounter = modbus.FunctionCode(0x0B)

	diagReturnQueryData = 0
)

var diagSubFunctions = map[uint16]string{
	0:  "Return Query Data",
	1:  "Restart Communications",
	2:  "Return Diagnostic Register",
	10: "Clear Counters",
	11: "Return Bus Message Count",
	12: "Return Bus Comm Error Count",
	13: "Return Bus Exception Error Count",
	14: "Return Server Message Count",
	15: "Return Server No Response Count",
	16: "Return Server NAK Count",
	17: "Return Server Busy Count",
	18: "Return Bus Character Overrun Count",
}

var (
	diagSubFunc uint16
	diagData    []string
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Diagnostic functions",
	Long: `Execute Modbus diagnostic functions (FC08, FC11) as generic function codes.
These replies are word aligned, so they work over tcp and tls only.`,
}

var diagDiagnosticsCmd = &cobra.Command{
	Use:     "diagnostics",
	Aliases: []string{"d"},
	Short:   "Execute diagnostics (FC08)",
	Long: `Execute diagnostics function (FC08) with various sub-functions.

Sub-functions:
  0  - Return Query Data (echo test)
  1  - Restart Communications
  10 - Clear Counters
  11 - Return Bus Message Count
  12 - Return Bus Communication Error Count
  13 - Return Bus Exception Error Count`,
	Example: `  modbuscli diag diagnostics -s 0 -d 0xA537
  modbuscli diag diagnostics -s 11`,
	RunE: runDiagnostics,
}

var diagCommEventCounterCmd = &cobra.Command{
	Use:     "comm-event-counter",
	Aliases: []string{"cec", "events"},
	Short:   "Get communication event counter (FC11)",
	RunE:    runCommEventCounter,
}

func init() {
	diagCmd.AddCommand(diagDiagnosticsCmd)
	diagCmd.AddCommand(diagCommEventCounterCmd)

	diagDiagnosticsCmd.Flags().Uint16VarP(&diagSubFunc, "subfunc", "s", 0, "Sub-function code")
	diagDiagnosticsCmd.Flags().StringSliceVarP(&diagData, "data", "d", []string{"0"}, "Data words to send")
}

// sendGeneric sends req and returns the reply words.
func sendGeneric(req modbus.MutableFunctionCode) (reply []uint16, err error) {
	err = oneShot(func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error {
		resp, err := ch.SendMutableFunctionCode(ctx, param, req)
		reply = resp.Data
		return err
	})
	return reply, err
}

func diagSubFuncName(sf uint16) string {
	if name, ok := diagSubFunctions[sf]; ok {
		return name
	}
	return "Unknown"
}

func runDiagnostics(cmd *cobra.Command, args []string) error {
	data, err := parseUint16Values(diagData)
	if err != nil {
		return fmt.Errorf("invalid data: %w", err)
	}

	resp, err := sendGeneric(modbus.MutableFunctionCode{
		Code: funcDiagnostics,
		Data: append([]uint16{diagSubFunc}, data...),
	})
	if err != nil {
		return fmt.Errorf("diagnostics failed: %w", err)
	}
	if len(resp) == 0 || resp[0] != diagSubFunc {
		return fmt.Errorf("diagnostics failed: reply for sub-function %v", resp)
	}
	resp = resp[1:]
	echoed := slices.Equal(data, resp)

	if outputFmt == "json" {
		result := map[string]interface{}{
			"sub_function":      diagSubFunc,
			"sub_function_name": diagSubFuncName(diagSubFunc),
			"request_data":      data,
			"response_data":     resp,
		}
		if diagSubFunc == diagReturnQueryData {
			result["echo_match"] = echoed
		}
		return printJSON(result)
	}

	fmt.Printf("\n%s\n%s\n", color(colorBold, "Diagnostics (FC08)"), strings.Repeat("-", 40))
	fmt.Printf("Sub-function: %d (%s)\n", diagSubFunc, diagSubFuncName(diagSubFunc))
	fmt.Printf("Request:      %04X\n", data)
	fmt.Printf("Response:     %04X\n", resp)

	switch {
	case diagSubFunc == diagReturnQueryData && echoed:
		outputSuccess("Echo test passed")
	case diagSubFunc == diagReturnQueryData:
		outputError("Echo test failed, data mismatch")
	case diagSubFunc >= 11 && diagSubFunc <= 18 && len(resp) > 0:
		fmt.Printf("Counter:      %d\n", resp[0])
	}
	fmt.Println()
	return nil
}

func runCommEventCounter(cmd *cobra.Command, args []string) error {
	resp, err := sendGeneric(modbus.MutableFunctionCode{Code: funcGetCommEventCounter})
	if err != nil {
		return fmt.Errorf("get comm event counter failed: %w", err)
	}
	if len(resp) != 2 {
		return fmt.Errorf("get comm event counter failed: %d words in reply", len(resp))
	}
	status, events := resp[0], resp[1]
	busy := status == 0xFFFF

	if outputFmt == "json" {
		return printJSON(map[string]interface{}{"status": status, "event_count": events, "busy": busy})
	}

	state := color(colorGreen, "Ready")
	if busy {
		state = color(colorYellow, "Busy")
	}
	fmt.Printf("\n%s\n%s\n", color(colorBold, "Communication Event Counter (FC11)"), strings.Repeat("-", 40))
	fmt.Printf("Status:       %s (0x%04X)\n", state, status)
	fmt.Printf("Event Count:  %d\n\n", events)
	return nil
}
