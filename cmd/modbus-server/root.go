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
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-channel"
	"github.com/edgeo-scada/modbus-channel/internal/logging"
)

var (
	cfgFile string

	logger   *zap.Logger
	logLevel zap.AtomicLevel
)

var rootCmd = &cobra.Command{
	Use:   "modbus-server",
	Short: "A Modbus server for TCP, TLS and RTU lines",
	Long: `modbus-server answers Modbus requests from one shared set of data banks.

The banks hold coils, discrete inputs, holding and input registers. They live
in memory or in a memory-mapped file that survives restarts. The same banks
serve every configured unit id.

Examples:
  # Serve units 1 and 2 on the standard port
  modbus-server run --listen :502 --units 1,2

  # Serve an RTU line with persistent banks
  modbus-server run --transport rtu --device /dev/ttyUSB0 --store banks.dat

  # Install as a system service
  modbus-server service install --config /etc/modbus-server.yaml`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := logging.DefaultConfig()
		logCfg.Level = viper.GetString("log.level")
		logCfg.File = viper.GetString("log.file")
		logCfg.Encoding = viper.GetString("log.encoding")
		l, level, err := logging.New(logCfg)
		if err != nil {
			return err
		}
		logger, logLevel = l, level
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbus-server.yaml)")

	pf := rootCmd.PersistentFlags()
	pf.String("transport", "tcp", "Transport: tcp, tls, rtu")
	pf.StringP("listen", "l", ":502", "Listen address for tcp and tls")
	pf.IntSlice("units", []int{1}, "Unit ids served by the data banks")
	pf.Bool("fallback", false, "Also answer every other unit id")
	pf.Int("size", 100, "Points per data bank")
	pf.String("store", "", "Memory-mapped file backing the data banks")
	pf.Duration("store-sync", 5*time.Second, "Interval between flushes of the store file")
	pf.Int("max-conns", 100, "Maximum concurrent sessions")
	pf.Duration("read-timeout", 0, "Close idle sessions after this long (0 disables)")
	pf.StringSlice("allow", nil, "Peer addresses allowed to connect (default: any)")
	pf.String("decode", "nothing", "Protocol decoding: nothing, headers, data")

	// Serial flags
	pf.String("device", "/dev/ttyUSB0", "Serial device for rtu")
	pf.Int("baud", 9600, "Serial baud rate")
	pf.Int("data-bits", 8, "Serial data bits")
	pf.String("parity", "N", "Serial parity: N, E, O")
	pf.Int("stop-bits", 1, "Serial stop bits")

	// TLS flags
	pf.String("tls-cert", "", "Server certificate (PEM)")
	pf.String("tls-key", "", "Server private key (PEM)")
	pf.String("tls-ca", "", "CA bundle; when set clients must present a certificate")

	// Logging and metrics
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-file", "", "Write logs to a rotated file instead of stderr")
	pf.String("log-encoding", "console", "Log encoding: console, json")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	for key, flag := range map[string]string{
		"transport":        "transport",
		"listen":           "listen",
		"units":            "units",
		"fallback":         "fallback",
		"size":             "size",
		"store.path":       "store",
		"store.sync":       "store-sync",
		"max_conns":        "max-conns",
		"read_timeout":     "read-timeout",
		"allow":            "allow",
		"decode":           "decode",
		"serial.device":    "device",
		"serial.baud_rate": "baud",
		"serial.data_bits": "data-bits",
		"serial.parity":    "parity",
		"serial.stop_bits": "stop-bits",
		"tls.cert":         "tls-cert",
		"tls.key":          "tls-key",
		"tls.ca":           "tls-ca",
		"log.level":        "log-level",
		"log.file":         "log-file",
		"log.encoding":     "log-encoding",
		"metrics_addr":     "metrics-addr",
	} {
		viper.BindPFlag(key, pf.Lookup(flag))
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbus-server")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func serialConfig() modbus.SerialConfig {
	cfg := modbus.DefaultSerialConfig(viper.GetString("serial.device"))
	cfg.BaudRate = viper.GetInt("serial.baud_rate")
	cfg.DataBits = viper.GetInt("serial.data_bits")
	cfg.Parity = viper.GetString("serial.parity")
	cfg.StopBits = viper.GetInt("serial.stop_bits")
	return cfg
}
