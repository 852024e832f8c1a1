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
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn, err := DialTCP(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(time.Second):
		t.Fatal("connection not accepted")
	}
}

func TestDialTCPCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DialTCP(ctx, "127.0.0.1:1", time.Second)
	assert.Error(t, err)
}

func TestDialTLSHandshakeFailure(t *testing.T) {
	// A plain TCP listener that closes immediately cannot complete a handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	_, err = DialTLS(context.Background(), ln.Addr().String(), time.Second, &tls.Config{MinVersion: tls.VersionTLS12})
	assert.ErrorContains(t, err, "tls handshake")
}

func TestDefaultSerialConfig(t *testing.T) {
	cfg := DefaultSerialConfig("/dev/ttyUSB0")
	assert.Equal(t, 9600, cfg.BaudRate)
	assert.Equal(t, "N", cfg.Parity)
	assert.Equal(t, 8, cfg.DataBits)
	assert.Equal(t, 1, cfg.StopBits)
}

func TestTLSFiles(t *testing.T) {
	cfg, err := TLSFiles{ServerName: "plc", InsecureSkipVerify: true}.ClientConfig()
	require.NoError(t, err)
	assert.Equal(t, "plc", cfg.ServerName)
	assert.Empty(t, cfg.Certificates)

	_, err = TLSFiles{}.ServerConfig()
	assert.Error(t, err)
	_, err = TLSFiles{Cert: "missing.pem", Key: "missing.key"}.ClientConfig()
	assert.ErrorContains(t, err, "load key pair")
	_, err = TLSFiles{CA: "missing-ca.pem"}.ClientConfig()
	assert.ErrorContains(t, err, "read ca")
}
