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

// Package transport opens the physical links used by channels and servers.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// KeepAlivePeriod is the TCP keep-alive period applied to every socket.
const KeepAlivePeriod = 30 * time.Second

// DialTCP connects to addr. The dial is cancelled with ctx.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: KeepAlivePeriod,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}
	Tune(conn)
	return conn, nil
}

// DialTLS connects to addr and completes the TLS handshake before returning.
func DialTLS(ctx context.Context, addr string, timeout time.Duration, config *tls.Config) (net.Conn, error) {
	conn, err := DialTCP(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	cfg := config.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	tlsConn := tls.Client(conn, cfg)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// Tune applies keep-alive and disables Nagle's algorithm on TCP sockets.
func Tune(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(KeepAlivePeriod)
		tcpConn.SetNoDelay(true)
	}
}
