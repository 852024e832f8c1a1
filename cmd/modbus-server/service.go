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

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type program struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	in, err := newInstance()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		defer in.close()
		in.watchConfig()
		if err := in.serve(ctx); err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

var serviceCmd = &cobra.Command{
	Use:       "service <install|uninstall|start|stop|restart|run>",
	Short:     "Manage or run the server as a system service",
	Long:      `Install the server as a system service with the current flags, control it, or run it under the service manager.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"install", "uninstall", "start", "stop", "restart", "run"},
	RunE: func(cmd *cobra.Command, args []string) error {
		svcArgs := []string{"service", "run"}
		if cfgFile != "" {
			svcArgs = append(svcArgs, "--config", cfgFile)
		}
		config := &service.Config{
			Name:        "modbus-server",
			DisplayName: "Modbus Server",
			Description: "Modbus TCP/TLS/RTU server with shared data banks",
			Arguments:   svcArgs,
		}

		svc, err := service.New(&program{}, config)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}

		action := args[0]
		if action == "run" {
			return svc.Run()
		}
		if err := service.Control(svc, action); err != nil {
			return fmt.Errorf("service %s: %w", action, err)
		}
		fmt.Printf("service %s OK\n", action)
		return nil
	},
}
