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
	"time"

	"go.uber.org/zap"
)

// DefaultMaxQueuedRequests is the default capacity of a channel's request queue.
const DefaultMaxQueuedRequests = 16

// Option is a functional option for configuring a client channel.
type Option func(*clientOptions)

type clientOptions struct {
	maxQueued       int
	retry           ReconnectStrategy
	connectTimeout  time.Duration
	afterDisconnect time.Duration
	decodeLevel     DecodeLevel
	replyEcho       bool
	listener        func(ClientState)
	logger          *zap.Logger
	metrics         *Metrics
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		maxQueued:      DefaultMaxQueuedRequests,
		connectTimeout: 5 * time.Second,
		logger:         zap.NewNop(),
	}
}

// WithMaxQueuedRequests sets the capacity of the request queue.
func WithMaxQueuedRequests(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxQueued = n
		}
	}
}

// WithReconnectStrategy replaces the default exponential backoff.
func WithReconnectStrategy(s ReconnectStrategy) Option {
	return func(o *clientOptions) {
		o.retry = s
	}
}

// WithConnectTimeout bounds each connection attempt, including the TLS handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithDisconnectDelay sets how long the channel waits after losing an established
// session before reconnecting. Requests fail with ErrNoConnection meanwhile.
func WithDisconnectDelay(d time.Duration) Option {
	return func(o *clientOptions) {
		o.afterDisconnect = d
	}
}

// WithDecodeLevel sets the initial protocol logging level.
func WithDecodeLevel(level DecodeLevel) Option {
	return func(o *clientOptions) {
		o.decodeLevel = level
	}
}

// WithReplyEchoCheck requires custom and mutable function code replies to echo the request.
func WithReplyEchoCheck(enable bool) Option {
	return func(o *clientOptions) {
		o.replyEcho = enable
	}
}

// WithListener registers a callback invoked from the channel task on every state change.
// It must not block.
func WithListener(fn func(ClientState)) Option {
	return func(o *clientOptions) {
		o.listener = fn
	}
}

// WithLogger sets the logger for the channel.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithMetrics shares a Metrics instance, e.g. across channels.
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) {
		o.metrics = m
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *zap.Logger
	maxConns    int
	readTimeout time.Duration
	decodeLevel DecodeLevel
	filter      AddressFilter
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      zap.NewNop(),
		maxConns:    100,
		readTimeout: 30 * time.Second,
		filter:      AnyAddress(),
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent sessions.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout closes sessions idle for longer than d. Zero disables it.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithServerDecodeLevel sets the initial protocol logging level.
func WithServerDecodeLevel(level DecodeLevel) ServerOption {
	return func(o *serverOptions) {
		o.decodeLevel = level
	}
}

// WithAddressFilter restricts which peers may connect.
func WithAddressFilter(f AddressFilter) ServerOption {
	return func(o *serverOptions) {
		o.filter = f
	}
}
