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
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// exitReason explains why a wait or a session ended.
type exitReason int

const (
	reasonNone exitReason = iota
	reasonShutdown
	reasonDisabled
	reasonIO
	reasonBadFrame
)

func (r exitReason) String() string {
	switch r {
	case reasonNone:
		return "none"
	case reasonShutdown:
		return "shutdown"
	case reasonDisabled:
		return "disabled"
	case reasonIO:
		return "i/o error"
	case reasonBadFrame:
		return "bad frame"
	}
	return "unknown"
}

// clientTask is the goroutine that owns a channel's connection. All fields are
// touched only by that goroutine.
type clientTask struct {
	cmds     <-chan command
	shutdown <-chan struct{}
	exited   chan struct{}

	conn    connector
	retry   ReconnectStrategy
	opts    *clientOptions
	logger  *zap.Logger
	metrics *Metrics

	enabled bool
	level   DecodeLevel
	state   ClientState
	txIDs   TransactionIDGenerator

	// backlog holds commands dequeued while a request was on the wire. It
	// survives a lost session so that queued requests are retried on the next one.
	backlog []command
}

// session is the state of one established connection.
type session struct {
	phys    *physLayer
	framer  framer
	frames  chan *Frame
	errs    chan error
	stop    chan struct{}
	wg      sync.WaitGroup
	current *request
	txID    uint16
	timer   *time.Timer
}

func (t *clientTask) run(ctx context.Context) {
	defer t.exit()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in channel task",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	t.setState(ClientState{State: StateDisabled})
	for {
		if !t.enabled {
			if !t.waitForEnabled() {
				return
			}
		}

		t.setState(ClientState{State: StateConnecting})
		t.metrics.ConnectAttempts.Add(1)
		rw, err := t.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.ConnectFailures.Add(1)
			delay := t.retry.NextDelay()
			t.logger.Warn("connect failed",
				zap.Duration("retry_in", delay),
				zap.Error(err))
			t.setState(ClientState{State: StateWaitAfterFailedConnect, Delay: delay})
			if t.failRequestsFor(delay) == reasonShutdown {
				return
			}
			continue
		}

		t.retry.Reset()
		t.metrics.Sessions.Add(1)
		t.metrics.Connected.Add(1)
		t.logger.Info("connected")
		t.setState(ClientState{State: StateConnected})

		reason := t.runSession(rw)

		t.metrics.Connected.Add(-1)
		t.logger.Info("session ended", zap.Stringer("reason", reason))

		switch reason {
		case reasonShutdown:
			return
		case reasonDisabled:
			t.setState(ClientState{State: StateDisabled})
		default:
			if d := t.opts.afterDisconnect; d > 0 {
				t.setState(ClientState{State: StateWaitAfterDisconnect, Delay: d})
				if t.failRequestsFor(d) == reasonShutdown {
					return
				}
			}
		}
	}
}

func (t *clientTask) connect(ctx context.Context) (io.ReadWriteCloser, error) {
	if t.opts.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.connectTimeout)
		defer cancel()
	}
	return t.conn.connect(ctx)
}

// exit fails everything still queued and marks the task as gone.
func (t *clientTask) exit() {
	t.flushBacklog(ErrShutdown)
	for {
		select {
		case cmd := <-t.cmds:
			if cmd.kind == cmdRequest {
				cmd.request.fail(ErrShutdown)
			}
		default:
			t.setState(ClientState{State: StateShutdown})
			close(t.exited)
			return
		}
	}
}

// waitForEnabled consumes control commands until the channel is enabled.
// Requests fail immediately. It returns false on shutdown.
func (t *clientTask) waitForEnabled() bool {
	t.flushBacklog(ErrChannelDisabled)
	for {
		select {
		case <-t.shutdown:
			return false
		case cmd := <-t.cmds:
			switch cmd.kind {
			case cmdEnable:
				t.enabled = true
				t.logger.Info("channel enabled")
				return true
			case cmdDisable:
			case cmdSetDecodeLevel:
				t.level = cmd.level
			case cmdRequest:
				cmd.request.fail(ErrChannelDisabled)
			}
		}
	}
}

// failRequestsFor waits delay while failing requests with ErrNoConnection.
// A Disable ends the wait early.
func (t *clientTask) failRequestsFor(delay time.Duration) exitReason {
	t.flushBacklog(ErrNoConnection)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-t.shutdown:
			return reasonShutdown
		case <-timer.C:
			return reasonNone
		case cmd := <-t.cmds:
			switch cmd.kind {
			case cmdEnable:
			case cmdDisable:
				t.enabled = false
				t.logger.Info("channel disabled")
				t.setState(ClientState{State: StateDisabled})
				return reasonDisabled
			case cmdSetDecodeLevel:
				t.level = cmd.level
			case cmdRequest:
				cmd.request.fail(ErrNoConnection)
			}
		}
	}
}

// runSession serves requests on rw until the session fails, the channel is
// disabled or the task shuts down. rw is closed on return.
func (t *clientTask) runSession(rw io.ReadWriteCloser) exitReason {
	s := &session{
		phys:   newPhysLayer(rw, t.logger, t.level.Phys, t.conn.interFrameGap()),
		framer: t.conn.framer(),
		frames: make(chan *Frame),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	defer func() {
		close(s.stop)
		s.phys.Close()
		s.wg.Wait()
		if s.timer != nil {
			s.timer.Stop()
		}
	}()

	for {
		if s.current == nil {
			if reason := t.drainBacklog(s); reason != reasonNone {
				return reason
			}
		}

		cmds := t.cmds
		if s.current != nil && len(t.backlog) >= t.opts.maxQueued {
			cmds = nil
		}
		var timeout <-chan time.Time
		if s.current != nil {
			timeout = s.timer.C
		}

		select {
		case <-t.shutdown:
			t.failPending(s, ErrShutdown)
			return reasonShutdown

		case cmd := <-cmds:
			switch {
			case cmd.kind == cmdDisable:
				t.enabled = false
				t.logger.Info("channel disabled")
				t.failPending(s, ErrChannelDisabled)
				return reasonDisabled
			case s.current != nil || len(t.backlog) > 0:
				t.backlog = append(t.backlog, cmd)
			default:
				if reason := t.process(s, cmd); reason != reasonNone {
					return reason
				}
			}

		case f := <-s.frames:
			if reason := t.handleFrame(s, f); reason != reasonNone {
				return reason
			}

		case err := <-s.errs:
			reason := reasonIO
			if errors.Is(err, ErrBadFrame) {
				reason = reasonBadFrame
			} else {
				err = &IOError{Err: err}
			}
			if s.current != nil {
				t.finish(s, err)
			}
			t.logger.Warn("read failed", zap.Error(err))
			return reason

		case <-timeout:
			t.logger.Warn("response timeout",
				zap.Uint8("unit", uint8(s.current.unitID)),
				zap.Stringer("func", s.current.op.FunctionCode()),
				zap.Duration("timeout", s.current.timeout))
			t.finish(s, ErrResponseTimeout)
		}
	}
}

// drainBacklog processes commands that queued up behind the last request, in
// arrival order, until a new request is on the wire.
func (t *clientTask) drainBacklog(s *session) exitReason {
	for s.current == nil && len(t.backlog) > 0 {
		cmd := t.backlog[0]
		t.backlog[0] = command{}
		t.backlog = t.backlog[1:]
		if reason := t.process(s, cmd); reason != reasonNone {
			return reason
		}
	}
	return reasonNone
}

func (t *clientTask) process(s *session, cmd command) exitReason {
	switch cmd.kind {
	case cmdEnable:
	case cmdSetDecodeLevel:
		t.level = cmd.level
		s.phys.setLevel(cmd.level.Phys)
		t.logger.Info("decode level changed", zap.Stringer("level", cmd.level))
	case cmdRequest:
		return t.send(s, cmd.request)
	}
	return reasonNone
}

// send writes one request and arms its timer.
func (t *clientTask) send(s *session, r *request) exitReason {
	if r.unitID == BroadcastUnitID && !t.conn.broadcasts() {
		r.fail(fmt.Errorf("%w: unit 0 is only valid on serial lines", ErrInvalidRange))
		return reasonNone
	}
	_, canBroadcast := r.op.(broadcaster)
	if r.unitID == BroadcastUnitID && !canBroadcast {
		r.fail(fmt.Errorf("%w: %s cannot be broadcast", ErrInvalidFunctionCode, r.op.FunctionCode()))
		return reasonNone
	}

	pdu, err := encodePDU(r.op)
	if err != nil {
		r.fail(err)
		return reasonNone
	}
	f := &Frame{TransactionID: t.txIDs.Next(), UnitID: r.unitID, PDU: pdu}
	adu, err := s.framer.encode(f)
	if err != nil {
		r.fail(err)
		return reasonNone
	}

	t.logApp("PDU TX", r.op, r.op.txFields)
	t.logFrame("FRAME TX", s, f)

	r.started = timeNow()
	if d, ok := s.phys.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(r.started.Add(r.timeout))
	}
	if err := writeFull(s.phys, adu); err != nil {
		s.current = r
		t.finish(s, &IOError{Err: err})
		t.logger.Warn("write failed", zap.Error(err))
		return reasonIO
	}

	s.current = r
	if r.unitID == BroadcastUnitID {
		r.op.(broadcaster).assumeEcho()
		t.finish(s, nil)
		return reasonNone
	}
	s.txID = f.TransactionID
	if s.timer == nil {
		s.timer = time.NewTimer(r.timeout)
	} else {
		s.timer.Reset(r.timeout)
	}
	return reasonNone
}

// handleFrame matches a received frame against the request on the wire.
func (t *clientTask) handleFrame(s *session, f *Frame) exitReason {
	t.logFrame("FRAME RX", s, f)

	r := s.current
	if r == nil {
		t.logger.Warn("unexpected frame while idle", zap.Uint8("unit", uint8(f.UnitID)))
		return reasonNone
	}
	if _, isTCP := s.framer.(tcpFramer); isTCP && f.TransactionID != s.txID {
		t.logger.Warn("ignoring frame with unexpected transaction id",
			zap.Uint16("expected", s.txID),
			zap.Uint16("received", f.TransactionID))
		return reasonNone
	}
	if f.UnitID != r.unitID {
		t.logger.Warn("ignoring frame from unexpected unit",
			zap.Uint8("expected", uint8(r.unitID)),
			zap.Uint8("received", uint8(f.UnitID)))
		return reasonNone
	}

	err := decodeReply(r.op, f.PDU)
	var modbusErr *ModbusError
	switch {
	case errors.As(err, &modbusErr):
		t.logger.Info("exception response",
			zap.Stringer("func", modbusErr.FunctionCode),
			zap.Stringer("exception", modbusErr.ExceptionCode))
		t.finish(s, err)
		return reasonNone
	case err != nil:
		t.logger.Warn("invalid reply", zap.Stringer("func", r.op.FunctionCode()), zap.Error(err))
		t.finish(s, err)
		return reasonBadFrame
	}

	if e, ok := r.op.(echoer); ok && t.opts.replyEcho {
		if err := e.checkEcho(); err != nil {
			t.finish(s, err)
			return reasonBadFrame
		}
	}

	t.logApp("PDU RX", r.op, r.op.rxFields)
	t.finish(s, nil)
	return reasonNone
}

// finish resolves the request on the wire and records its outcome.
func (t *clientTask) finish(s *session, err error) {
	r := s.current
	s.current = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	t.metrics.observe(r.op.FunctionCode(), timeNow().Sub(r.started), err)
	r.resolve(err)
}

// failPending fails the request on the wire and every backlogged request.
func (t *clientTask) failPending(s *session, err error) {
	if s.current != nil {
		t.finish(s, err)
	}
	t.flushBacklog(err)
}

// flushBacklog fails backlogged requests with err and applies the remaining
// control commands in order.
func (t *clientTask) flushBacklog(err error) {
	for _, cmd := range t.backlog {
		switch cmd.kind {
		case cmdRequest:
			cmd.request.fail(err)
		case cmdSetDecodeLevel:
			t.level = cmd.level
		}
	}
	t.backlog = nil
}

func (s *session) readLoop() {
	defer s.wg.Done()
	br := bufio.NewReader(s.phys)
	for {
		f, err := s.framer.decode(br)
		if err != nil {
			select {
			case s.errs <- err:
			case <-s.stop:
			}
			return
		}
		select {
		case s.frames <- f:
		case <-s.stop:
			return
		}
	}
}

func (t *clientTask) setState(state ClientState) {
	if state == t.state {
		return
	}
	t.state = state
	if t.opts.listener != nil {
		t.opts.listener(state)
	}
}

func (t *clientTask) logApp(msg string, op operation, fields func(bool) []zap.Field) {
	switch t.level.App {
	case AppNothing:
		return
	case AppFunctionCode:
		t.logger.Info(msg, zap.Stringer("func", op.FunctionCode()))
	default:
		all := append([]zap.Field{zap.Stringer("func", op.FunctionCode())}, fields(t.level.App >= AppDataValues)...)
		t.logger.Info(msg, all...)
	}
}

func (t *clientTask) logFrame(msg string, s *session, f *Frame) {
	if t.level.Frame == FrameNothing {
		return
	}
	t.logger.Info(msg, s.framer.fields(f, t.level.Frame >= FramePayload)...)
}
