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
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeConnector hands the far end of every connection to the test, which
// plays the device.
type pipeConnector struct {
	peers  chan net.Conn
	refuse atomic.Bool
	rtu    bool
}

func newPipeConnector() *pipeConnector {
	return &pipeConnector{peers: make(chan net.Conn, 8)}
}

func (c *pipeConnector) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	if c.refuse.Load() {
		return nil, errors.New("connection refused")
	}
	client, device := net.Pipe()
	c.peers <- device
	return client, nil
}

func (c *pipeConnector) framer() framer {
	if c.rtu {
		return rtuFramer{}
	}
	return tcpFramer{}
}

func (c *pipeConnector) interFrameGap() time.Duration { return 0 }
func (c *pipeConnector) broadcasts() bool { return c.rtu }
func (c *pipeConnector) String() string { return "pipe" }

// accept waits for the channel to connect and returns the device side.
func (c *pipeConnector) accept(t *testing.T) *device {
	t.Helper()
	select {
	case conn := <-c.peers:
		t.Cleanup(func() { conn.Close() })
		var fr framer = tcpFramer{}
		if c.rtu {
			fr = rtuFramer{requests: true}
		}
		return &device{t: t, conn: conn, r: bufio.NewReader(conn), fr: fr}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not connect")
		return nil
	}
}

// noConnection asserts that the channel does not open another connection soon.
func (c *pipeConnector) noConnection(t *testing.T) {
	t.Helper()
	select {
	case <-c.peers:
		t.Fatal("unexpected reconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

type device struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	fr   framer
}

func (d *device) next() *Frame {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := d.fr.decode(d.r)
	require.NoError(d.t, err)
	return f
}

// idle asserts that nothing arrives for a short while.
func (d *device) idle() {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err := d.r.Peek(1)
	var ne net.Error
	require.True(d.t, errors.As(err, &ne) && ne.Timeout(), "expected no traffic, got %v", err)
}

// closed asserts that the channel closed its end.
func (d *device) closed() {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := d.r.ReadByte()
	require.ErrorIs(d.t, err, io.EOF)
}

func (d *device) reply(req *Frame, pdu []byte) {
	d.t.Helper()
	d.replyAs(req.TransactionID, req.UnitID, pdu)
}

func (d *device) replyAs(txID uint16, unit UnitID, pdu []byte) {
	d.t.Helper()
	adu, err := d.fr.encode(&Frame{TransactionID: txID, UnitID: unit, PDU: pdu})
	require.NoError(d.t, err)
	d.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err = d.conn.Write(adu)
	require.NoError(d.t, err)
}

// outcome is the result of a request run in the background.
type outcome[T any] struct {
	value T
	err   error
}

func async[T any](fn func() (T, error)) <-chan outcome[T] {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := fn()
		ch <- outcome[T]{value: v, err: err}
	}()
	return ch
}

func await[T any](t *testing.T, ch <-chan outcome[T]) (T, error) {
	t.Helper()
	select {
	case o := <-ch:
		return o.value, o.err
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete")
		var zero T
		return zero, nil
	}
}

// stateRecorder collects listener callbacks.
type stateRecorder struct {
	mu     sync.Mutex
	states []ClientState
}

func (r *stateRecorder) record(s ClientState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.states))
	for i, s := range r.states {
		out[i] = s.State
	}
	return out
}

func newTestChannel(t *testing.T, conn connector, opts ...Option) *Channel {
	t.Helper()
	ch := spawnChannel(conn, opts)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func enabled(t *testing.T, conn connector, opts ...Option) *Channel {
	t.Helper()
	ch := newTestChannel(t, conn, opts...)
	require.NoError(t, ch.Enable(context.Background()))
	return ch
}

func mustRange(t *testing.T, start, count uint16) AddressRange {
	t.Helper()
	r, err := NewAddressRange(start, count)
	require.NoError(t, err)
	return r
}

var unit1 = RequestParam{UnitID: 1, Timeout: time.Second}
