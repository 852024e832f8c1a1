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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runConsole bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the server in the foreground",
	Long: `Run the server until interrupted. With --console a shell mutates the data
banks while clients poll them; see 'help' inside the shell.`,
	Example: `  modbus-server run --listen :5020 --units 1 --console
  modbus-server run --transport tls --tls-cert srv.pem --tls-key srv.key --listen :802`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		in, err := newInstance()
		if err != nil {
			return err
		}
		defer in.close()
		in.watchConfig()

		errc := make(chan error, 1)
		go func() {
			err := in.serve(ctx)
			if err != nil {
				logger.Error("server failed", zap.Error(err))
			}
			stop()
			errc <- err
		}()

		if runConsole {
			if err := serveConsole(ctx, in); err != nil {
				logger.Warn("console closed", zap.Error(err))
			}
			stop()
		}
		return <-errc
	},
}

func init() {
	runCmd.Flags().BoolVar(&runConsole, "console", false, "Start an interactive console on the data banks")
}
