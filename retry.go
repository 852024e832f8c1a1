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

import "time"

// ReconnectStrategy decides how long a channel waits before the next connection attempt.
// It is owned by the channel task and never called concurrently.
type ReconnectStrategy interface {
	// NextDelay is called after a failed connect or a lost session.
	NextDelay() time.Duration
	// Reset is called once a connection is established.
	Reset()
}

// Default reconnect delays.
const (
	DefaultMinRetryDelay = time.Second
	DefaultMaxRetryDelay = 10 * time.Second
)

// ExponentialBackoff doubles the delay after every failure, from min up to max.
type ExponentialBackoff struct {
	min  time.Duration
	max  time.Duration
	next time.Duration
}

// NewExponentialBackoff creates a backoff strategy. max is raised to min if smaller.
func NewExponentialBackoff(min, max time.Duration) *ExponentialBackoff {
	if max < min {
		max = min
	}
	return &ExponentialBackoff{min: min, max: max, next: min}
}

// DefaultRetryStrategy returns exponential backoff from 1s to 10s.
func DefaultRetryStrategy() ReconnectStrategy {
	return NewExponentialBackoff(DefaultMinRetryDelay, DefaultMaxRetryDelay)
}

// NextDelay returns the current delay and doubles it for the next call.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	if b.next <= 0 {
		b.next = b.max
	}
	return d
}

// Reset restores the minimum delay.
func (b *ExponentialBackoff) Reset() {
	b.next = b.min
}

// FixedDelay always waits the same duration.
type FixedDelay time.Duration

// NextDelay returns the fixed delay.
func (d FixedDelay) NextDelay() time.Duration { return time.Duration(d) }

// Reset is a no-op.
func (FixedDelay) Reset() {}
