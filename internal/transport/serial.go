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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/grid-x/serial"
)

// SerialConfig describes a serial line.
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultSerialConfig returns 9600 8N1.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device:   device,
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  50 * time.Millisecond,
	}
}

// SerialPort is an open serial line. Reads block until data arrives or the port is closed.
type SerialPort struct {
	port   io.ReadWriteCloser
	closed atomic.Bool
}

// OpenSerial opens the device described by cfg.
func OpenSerial(ctx context.Context, cfg SerialConfig) (*SerialPort, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	port, err := serial.Open(&serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	return &SerialPort{port: port}, nil
}

// Read retries the port's polling timeout so callers see a blocking reader.
func (s *SerialPort) Read(p []byte) (int, error) {
	for {
		n, err := s.port.Read(p)
		if n > 0 || err == nil {
			return n, nil
		}
		if !errors.Is(err, serial.ErrTimeout) || s.closed.Load() {
			return 0, err
		}
	}
}

func (s *SerialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Close closes the port and unblocks a pending Read.
func (s *SerialPort) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.port.Close()
}
