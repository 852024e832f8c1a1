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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	b := NewExponentialBackoff(100*time.Millisecond, time.Second)

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.NextDelay())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextDelay())
}

func TestExponentialBackoffMaxBelowMin(t *testing.T) {
	b := NewExponentialBackoff(time.Second, time.Millisecond)
	assert.Equal(t, time.Second, b.NextDelay())
	assert.Equal(t, time.Second, b.NextDelay())
}

func TestDefaultRetryStrategy(t *testing.T) {
	s := DefaultRetryStrategy()
	assert.Equal(t, DefaultMinRetryDelay, s.NextDelay())
	for i := 0; i < 10; i++ {
		s.NextDelay()
	}
	assert.Equal(t, DefaultMaxRetryDelay, s.NextDelay())
}

func TestFixedDelay(t *testing.T) {
	s := FixedDelay(3 * time.Second)
	assert.Equal(t, 3*time.Second, s.NextDelay())
	s.Reset()
	assert.Equal(t, 3*time.Second, s.NextDelay())
}

func TestPromiseResolvesOnce(t *testing.T) {
	p := newPromise[int]()
	p.success(7)
	p.failure(errors.New("late"))

	v, err := p.wait(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPromiseTaskExited(t *testing.T) {
	exited := make(chan struct{})
	close(exited)

	p := newPromise[int]()
	_, err := p.wait(context.Background(), exited)
	assert.ErrorIs(t, err, ErrShutdown)

	p = newPromise[int]()
	p.failure(ErrChannelDisabled)
	_, err = p.wait(context.Background(), exited)
	assert.ErrorIs(t, err, ErrChannelDisabled)
}

func TestPromiseContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	p := newPromise[string]()
	_, err := p.wait(ctx, make(chan struct{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestResolve(t *testing.T) {
	p := newPromise[[]Indexed[bool]]()
	op := &readBitsOp{fc: FuncReadCoils, rng: AddressRange{Start: 0, Count: 1}}
	r := newRequest(RequestParam{UnitID: 1, Timeout: time.Second}, op, p, func() []Indexed[bool] { return op.result })

	op.result = []Indexed[bool]{{Index: 0, Value: true}}
	r.resolve(nil)
	r.fail(ErrResponseTimeout)

	v, err := p.wait(context.Background(), nil)
	assert.NoError(t, err)
	assert.Equal(t, op.result, v)
}
