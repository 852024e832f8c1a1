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

package modbus

import (
	"context"
	"crypto/tls"
	"io"
	"time"

	"github.com/edgeo-scada/modbus-channel/internal/transport"
)

// SerialConfig describes a serial line for RTU channels and servers.
type SerialConfig = transport.SerialConfig

// DefaultSerialConfig returns 9600 8N1 on device.
func DefaultSerialConfig(device string) SerialConfig {
	return transport.DefaultSerialConfig(device)
}

// connector opens the physical link of one session. A returned link is ready for
// framed traffic, including any handshake.
type connector interface {
	connect(ctx context.Context) (io.ReadWriteCloser, error)
	framer() framer
	interFrameGap() time.Duration
	broadcasts() bool
	String() string
}

type tcpConnector struct {
	addr string
}

func (c tcpConnector) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	return transport.DialTCP(ctx, c.addr, 0)
}

func (tcpConnector) framer() framer { return tcpFramer{} }
func (tcpConnector) interFrameGap() time.Duration { return 0 }
func (tcpConnector) broadcasts() bool { return false }
func (c tcpConnector) String() string { return "tcp://" + c.addr }

type tlsConnector struct {
	addr   string
	config *tls.Config
}

func (c tlsConnector) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	return transport.DialTLS(ctx, c.addr, 0, c.config)
}

func (tlsConnector) framer() framer { return tcpFramer{} }
func (tlsConnector) interFrameGap() time.Duration { return 0 }
func (tlsConnector) broadcasts() bool { return false }
func (c tlsConnector) String() string { return "tls://" + c.addr }

type rtuConnector struct {
	config SerialConfig
}

func (c rtuConnector) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	port, err := transport.OpenSerial(ctx, c.config)
	if err != nil {
		return nil, err
	}
	return port, nil
}

func (rtuConnector) framer() framer { return rtuFramer{} }
func (c rtuConnector) interFrameGap() time.Duration { return interFrameDelay(c.config.BaudRate) }
func (rtuConnector) broadcasts() bool { return true }
func (c rtuConnector) String() string { return "rtu://" + c.config.Device }

// SpawnTCPChannel starts a channel to a Modbus TCP device at addr ("host:port").
func SpawnTCPChannel(addr string, opts ...Option) *Channel {
	return spawnChannel(tcpConnector{addr: addr}, opts)
}

// SpawnTLSChannel starts a channel to a Modbus TLS device. The handshake completes
// before the connection counts as established.
func SpawnTLSChannel(addr string, config *tls.Config, opts ...Option) *Channel {
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return spawnChannel(tlsConnector{addr: addr, config: config}, opts)
}

// SpawnRTUChannel starts a channel on a serial line.
func SpawnRTUChannel(config SerialConfig, opts ...Option) *Channel {
	return spawnChannel(rtuConnector{config: config}, opts)
}
