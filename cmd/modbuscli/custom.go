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
	funcCode    uint8
	customOut   uint8
	customWords []string
)

// Send custom function code (65-72, 100-110)
var customCmd = &cobra.Command{
	Use:     "custom",
	Aliases: []string{"cfc"},
	Short:   "Send a user-defined function code (65-72, 100-110)",
	Long: `Send a user-defined function code. The request carries the given words and
announces how many words the device should answer with.`,
	Example: `  modbuscli custom --code 65 --out 2 -V 0x1234,0x5678
  modbuscli cfc --code 100 -V 1`,
	RunE: runCustom,
}

// Send generic function code
var mutableCmd = &cobra.Command{
	Use:     "mutable",
	Aliases: []string{"mfc", "generic"},
	Short:   "Send any function code with a word payload",
	Long: `Send an arbitrary function code followed by a list of 16-bit words.
Generic codes cannot be delimited on serial lines and are rejected for rtu.`,
	Example: `  modbuscli mutable --code 0x2B -V 0x0E01`,
	RunE:    runMutable,
}

func init() {
	for _, cmd := range []*cobra.Command{customCmd, mutableCmd} {
		cmd.Flags().Uint8Var(&funcCode, "code", 0, "Function code")
		cmd.Flags().StringSliceVarP(&customWords, "values", "V", nil, "Words to send")
		cmd.MarkFlagRequired("code")
	}
	customCmd.Flags().Uint8Var(&customOut, "out", 0, "Number of words expected in the reply (default: same as sent)")
}

func runCustom(cmd *cobra.Command, args []string) error {
	words, err := parseUint16Values(customWords)
	if err != nil {
		return fmt.Errorf("invalid values: %w", err)
	}
	if len(words) > 0xFF {
		return fmt.Errorf("too many values: %d", len(words))
	}
	out := customOut
	if !cmd.Flags().Changed("out") {
		out = uint8(len(words))
	}
	req := modbus.CustomFunctionCode{
		Code:         modbus.FunctionCode(funcCode),
		ByteCountIn:  uint8(len(words)),
		ByteCountOut: out,
		Data:         words,
	}

	return oneShot(func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error {
		reply, err := ch.SendCustomFunctionCode(ctx, param, req)
		if err != nil {
			return fmt.Errorf("custom function %d failed: %w", funcCode, err)
		}
		return outputWords(fmt.Sprintf("Function %d reply", reply.Code), reply.Data)
	})
}

func runMutable(cmd *cobra.Command, args []string) error {
	words, err := parseUint16Values(customWords)
	if err != nil {
		return fmt.Errorf("invalid values: %w", err)
	}
	req := modbus.MutableFunctionCode{Code: modbus.FunctionCode(funcCode), Data: words}

	return oneShot(func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error {
		reply, err := ch.SendMutableFunctionCode(ctx, param, req)
		if err != nil {
			return fmt.Errorf("function %d failed: %w", funcCode, err)
		}
		return outputWords(fmt.Sprintf("Function %d reply", reply.Code), reply.Data)
	})
}
