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
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Channel is the application handle of a client channel task. Requests and
// control commands share one bounded FIFO queue and are processed in order.
// A Channel starts disabled; call Enable to let it connect.
//
// All methods are safe for concurrent use.
type Channel struct {
	cmds      chan command
	shutdown  chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	metrics   *Metrics
}

func spawnChannel(conn connector, opts []Option) *Channel {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.retry == nil {
		options.retry = DefaultRetryStrategy()
	}
	if options.metrics == nil {
		options.metrics = NewMetrics()
	}

	c := &Channel{
		cmds:     make(chan command, options.maxQueued),
		shutdown: make(chan struct{}),
		exited:   make(chan struct{}),
		metrics:  options.metrics,
	}
	task := &clientTask{
		cmds:     c.cmds,
		shutdown: c.shutdown,
		exited:   c.exited,
		conn:     conn,
		retry:    options.retry,
		opts:     options,
		logger:   options.logger.Named("channel").With(zap.String("remote", conn.String())),
		metrics:  options.metrics,
		level:    options.decodeLevel,
		state:    ClientState{State: -1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.shutdown:
		case <-c.exited:
		}
		cancel()
	}()
	go task.run(ctx)
	return c
}

// Enable lets the channel connect and serve requests.
func (c *Channel) Enable(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdEnable})
}

// Disable closes the connection and fails queued requests with ErrChannelDisabled
// until the channel is enabled again.
func (c *Channel) Disable(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdDisable})
}

// SetDecodeLevel changes protocol logging.
func (c *Channel) SetDecodeLevel(ctx context.Context, level DecodeLevel) error {
	return c.send(ctx, command{kind: cmdSetDecodeLevel, level: level})
}

// Close shuts the channel task down and waits for it to exit. Pending requests
// fail with ErrShutdown.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})
	<-c.exited
	return nil
}

// Done is closed once the channel task has exited.
func (c *Channel) Done() <-chan struct{} {
	return c.exited
}

// Metrics returns the channel metrics.
func (c *Channel) Metrics() *Metrics {
	return c.metrics
}

func (c *Channel) send(ctx context.Context, cmd command) error {
	select {
	case <-c.shutdown:
		return ErrShutdown
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.shutdown:
		return ErrShutdown
	case <-c.exited:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func execute[T any](ctx context.Context, c *Channel, param RequestParam, op operation, value func() T) (T, error) {
	if param.Timeout <= 0 {
		param.Timeout = DefaultTimeout
	}
	p := newPromise[T]()
	if err := c.send(ctx, command{kind: cmdRequest, request: newRequest(param, op, p, value)}); err != nil {
		var zero T
		return zero, err
	}
	return p.wait(ctx, c.exited)
}

// ReadCoils reads coils (FC01).
func (c *Channel) ReadCoils(ctx context.Context, param RequestParam, rng AddressRange) ([]Indexed[bool], error) {
	if err := rng.validate(MaxQuantityCoils); err != nil {
		return nil, err
	}
	op := &readBitsOp{fc: FuncReadCoils, rng: rng}
	return execute(ctx, c, param, op, func() []Indexed[bool] { return op.result })
}

// ReadDiscreteInputs reads discrete inputs (FC02).
func (c *Channel) ReadDiscreteInputs(ctx context.Context, param RequestParam, rng AddressRange) ([]Indexed[bool], error) {
	if err := rng.validate(MaxQuantityDiscreteInputs); err != nil {
		return nil, err
	}
	op := &readBitsOp{fc: FuncReadDiscreteInputs, rng: rng}
	return execute(ctx, c, param, op, func() []Indexed[bool] { return op.result })
}

// ReadHoldingRegisters reads holding registers (FC03).
func (c *Channel) ReadHoldingRegisters(ctx context.Context, param RequestParam, rng AddressRange) ([]Indexed[uint16], error) {
	if err := rng.validate(MaxQuantityRegisters); err != nil {
		return nil, err
	}
	op := &readRegistersOp{fc: FuncReadHoldingRegisters, rng: rng}
	return execute(ctx, c, param, op, func() []Indexed[uint16] { return op.result })
}

// ReadInputRegisters reads input registers (FC04).
func (c *Channel) ReadInputRegisters(ctx context.Context, param RequestParam, rng AddressRange) ([]Indexed[uint16], error) {
	if err := rng.validate(MaxQuantityRegisters); err != nil {
		return nil, err
	}
	op := &readRegistersOp{fc: FuncReadInputRegisters, rng: rng}
	return execute(ctx, c, param, op, func() []Indexed[uint16] { return op.result })
}

// WriteSingleCoil writes one coil (FC05) and returns the echoed value.
func (c *Channel) WriteSingleCoil(ctx context.Context, param RequestParam, v Indexed[bool]) (Indexed[bool], error) {
	op := &writeSingleCoilOp{req: v}
	return execute(ctx, c, param, op, func() Indexed[bool] { return op.result })
}

// WriteSingleRegister writes one holding register (FC06) and returns the echoed value.
func (c *Channel) WriteSingleRegister(ctx context.Context, param RequestParam, v Indexed[uint16]) (Indexed[uint16], error) {
	op := &writeSingleRegisterOp{req: v}
	return execute(ctx, c, param, op, func() Indexed[uint16] { return op.result })
}

// WriteMultipleCoils writes consecutive coils (FC15) and returns the echoed range.
func (c *Channel) WriteMultipleCoils(ctx context.Context, param RequestParam, w WriteMultiple[bool]) (AddressRange, error) {
	if err := validateWrite(w, MaxQuantityWriteCoils); err != nil {
		return AddressRange{}, err
	}
	op := &writeMultipleCoilsOp{req: w}
	return execute(ctx, c, param, op, func() AddressRange { return op.result })
}

// WriteMultipleRegisters writes consecutive holding registers (FC16) and returns the echoed range.
func (c *Channel) WriteMultipleRegisters(ctx context.Context, param RequestParam, w WriteMultiple[uint16]) (AddressRange, error) {
	if err := validateWrite(w, MaxQuantityWriteRegisters); err != nil {
		return AddressRange{}, err
	}
	op := &writeMultipleRegistersOp{req: w}
	return execute(ctx, c, param, op, func() AddressRange { return op.result })
}

// SendCustomFunctionCode sends a user-defined function code (65-72, 100-110).
func (c *Channel) SendCustomFunctionCode(ctx context.Context, param RequestParam, v CustomFunctionCode) (CustomFunctionCode, error) {
	if !v.Code.IsCustom() {
		return CustomFunctionCode{}, fmt.Errorf("%w: %d is not a user-defined code", ErrInvalidFunctionCode, uint8(v.Code))
	}
	if len(v.Data) != int(v.ByteCountIn) {
		return CustomFunctionCode{}, fmt.Errorf("%w: %d words for byte count %d", ErrInvalidQuantity, len(v.Data), v.ByteCountIn)
	}
	op := &customOp{req: v}
	return execute(ctx, c, param, op, func() CustomFunctionCode { return op.result })
}

// SendMutableFunctionCode sends any non-exception function code with a register payload.
func (c *Channel) SendMutableFunctionCode(ctx context.Context, param RequestParam, v MutableFunctionCode) (MutableFunctionCode, error) {
	if v.Code == 0 || uint8(v.Code)&exceptionBit != 0 {
		return MutableFunctionCode{}, fmt.Errorf("%w: 0x%02X", ErrInvalidFunctionCode, uint8(v.Code))
	}
	op := &mutableOp{req: v}
	return execute(ctx, c, param, op, func() MutableFunctionCode { return op.result })
}

func validateWrite[T any](w WriteMultiple[T], max uint16) error {
	if err := w.Range.validate(max); err != nil {
		return err
	}
	if len(w.Values) != int(w.Range.Count) {
		return fmt.Errorf("%w: %d values for %d addresses", ErrInvalidQuantity, len(w.Values), w.Range.Count)
	}
	return nil
}
