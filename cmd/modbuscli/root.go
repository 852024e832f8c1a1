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
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-channel"
	"github.com/edgeo-scada/modbus-channel/internal/logging"
	"github.com/edgeo-scada/modbus-channel/internal/transport"
)

var (
	cfgFile string

	// Output flags
	outputFmt string
	verbose   bool
	noColor   bool
	wordOrder string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbuscli",
	Short: "A Modbus client CLI for TCP, TLS and RTU devices",
	Long: `modbuscli talks to Modbus devices through a reconnecting client channel.

Features:
  - Read/write coils and registers
  - Custom (65-72, 100-110) and generic function codes
  - TCP, TLS and serial RTU transports
  - Multiple output formats (table, json, csv, hex, raw)
  - Protocol decoding of PDUs, frames and raw bytes
  - Interactive REPL mode
  - Configuration file support

Examples:
  # Read 10 holding registers from address 0
  modbuscli read hr -a 0 -c 10 -H 192.168.1.100

  # Write value 1234 to register 100 on an RTU line
  modbuscli write register -a 100 -V 1234 --transport rtu --device /dev/ttyUSB0

  # Send custom function code 65
  modbuscli custom --code 65 --out 1 -V 0x1234

  # Interactive mode with decoded headers
  modbuscli interactive -H 192.168.1.100 --decode headers`,
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logCfg := logging.DefaultConfig()
		logCfg.Level = viper.GetString("log.level")
		logCfg.File = viper.GetString("log.file")
		logCfg.Encoding = viper.GetString("log.encoding")
		if verbose {
			logCfg.Level = "debug"
		}
		l, _, err := logging.New(logCfg)
		if err != nil {
			return err
		}
		logger = l
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

	// Configuration file
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbuscli.yaml)")

	// Connection flags
	pf := rootCmd.PersistentFlags()
	pf.String("transport", "tcp", "Transport: tcp, tls, rtu")
	pf.StringP("host", "H", "localhost", "Modbus server host")
	pf.IntP("port", "p", 502, "Modbus server port")
	pf.Uint8P("unit", "u", 1, "Modbus unit ID (0 broadcasts on rtu)")
	pf.DurationP("timeout", "t", 5*time.Second, "Response timeout")
	pf.Duration("connect-timeout", 5*time.Second, "Connect timeout")
	pf.String("decode", "nothing", "Protocol decoding: nothing, headers, data")
	pf.Bool("echo-check", false, "Verify that custom and generic replies echo the request")

	// Serial flags
	pf.String("device", "/dev/ttyUSB0", "Serial device for rtu")
	pf.Int("baud", 9600, "Serial baud rate")
	pf.Int("data-bits", 8, "Serial data bits")
	pf.String("parity", "N", "Serial parity: N, E, O")
	pf.Int("stop-bits", 1, "Serial stop bits")

	// TLS flags
	pf.String("tls-cert", "", "Client certificate (PEM)")
	pf.String("tls-key", "", "Client private key (PEM)")
	pf.String("tls-ca", "", "CA bundle verifying the server (PEM)")
	pf.String("tls-server-name", "", "Expected server name")
	pf.Bool("tls-insecure", false, "Skip server certificate verification")

	// Logging and metrics
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-file", "", "Write logs to a rotated file instead of stderr")
	pf.String("log-encoding", "console", "Log encoding: console, json")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address")

	// Output flags
	pf.StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, hex, raw")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.BoolVar(&noColor, "no-color", false, "Disable color output")
	pf.StringVar(&wordOrder, "word-order", "big", "Word order for 32-bit values: big, little")

	// Bind to viper
	for key, flag := range map[string]string{
		"transport":                "transport",
		"host":                     "host",
		"port":                     "port",
		"unit":                     "unit",
		"timeout":                  "timeout",
		"connect_timeout":          "connect-timeout",
		"decode":                   "decode",
		"echo_check":               "echo-check",
		"serial.device":            "device",
		"serial.baud_rate":         "baud",
		"serial.data_bits":         "data-bits",
		"serial.parity":            "parity",
		"serial.stop_bits":         "stop-bits",
		"tls.cert":                 "tls-cert",
		"tls.key":                  "tls-key",
		"tls.ca":                   "tls-ca",
		"tls.server_name":          "tls-server-name",
		"tls.insecure_skip_verify": "tls-insecure",
		"log.level":                "log-level",
		"log.file":                 "log-file",
		"log.encoding":             "log-encoding",
		"metrics_addr":             "metrics-addr",
		"output":                   "output",
	} {
		viper.BindPFlag(key, pf.Lookup(flag))
	}

	// Add commands
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(customCmd)
	rootCmd.AddCommand(mutableCmd)
	rootCmd.AddCommand(diagCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(interactiveCmd)
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
		viper.SetConfigName(".modbuscli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getAddress() string {
	return net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))
}

func requestParam() modbus.RequestParam {
	return modbus.NewRequestParam(modbus.UnitID(viper.GetUint("unit")), viper.GetDuration("timeout"))
}

func serialConfig() modbus.SerialConfig {
	cfg := modbus.DefaultSerialConfig(viper.GetString("serial.device"))
	cfg.BaudRate = viper.GetInt("serial.baud_rate")
	cfg.DataBits = viper.GetInt("serial.data_bits")
	cfg.Parity = viper.GetString("serial.parity")
	cfg.StopBits = viper.GetInt("serial.stop_bits")
	return cfg
}

// spawnChannel creates a channel for the configured transport. It is returned
// disabled.
func spawnChannel() (*modbus.Channel, error) {
	level, err := modbus.ParseDecodeLevel(viper.GetString("decode"))
	if err != nil {
		return nil, err
	}
	opts := []modbus.Option{
		modbus.WithLogger(logger),
		modbus.WithDecodeLevel(level),
		modbus.WithConnectTimeout(viper.GetDuration("connect_timeout")),
		modbus.WithReplyEchoCheck(viper.GetBool("echo_check")),
		modbus.WithListener(func(s modbus.ClientState) {
			logger.Debug("channel state", zap.Stringer("state", s))
		}),
	}

	var ch *modbus.Channel
	switch t := viper.GetString("transport"); t {
	case "tcp":
		ch = modbus.SpawnTCPChannel(getAddress(), opts...)
	case "tls":
		files := transport.TLSFiles{
			Cert:               viper.GetString("tls.cert"),
			Key:                viper.GetString("tls.key"),
			CA:                 viper.GetString("tls.ca"),
			ServerName:         viper.GetString("tls.server_name"),
			InsecureSkipVerify: viper.GetBool("tls.insecure_skip_verify"),
		}
		tlsCfg, err := files.ClientConfig()
		if err != nil {
			return nil, err
		}
		ch = modbus.SpawnTLSChannel(getAddress(), tlsCfg, opts...)
	case "rtu":
		ch = modbus.SpawnRTUChannel(serialConfig(), opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}

	if addr := viper.GetString("metrics_addr"); addr != "" {
		serveMetrics(addr, modbus.NewChannelCollector(viper.GetString("transport"), ch.Metrics()))
	}
	return ch, nil
}

// openChannel spawns and enables a channel for one-shot commands.
func openChannel() (*modbus.Channel, error) {
	ch, err := spawnChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Enable(context.Background()); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable channel: %w", err)
	}
	return ch, nil
}

func serveMetrics(addr string, c prometheus.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

// oneShot runs fn on a freshly enabled channel. The whole call is bounded by
// the connect timeout plus one response timeout.
func oneShot(fn func(ctx context.Context, ch *modbus.Channel, param modbus.RequestParam) error) error {
	ch, err := openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("connect_timeout")+viper.GetDuration("timeout"))
	defer cancel()
	return fn(ctx, ch, requestParam())
}

func mustRange(addr, count uint16) (modbus.AddressRange, error) {
	rng, err := modbus.NewAddressRange(addr, count)
	if err != nil {
		return rng, fmt.Errorf("invalid range %d+%d: %w", addr, count, err)
	}
	return rng, nil
}
