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
	"crypto/tls"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgeo-scada/modbus-channel/internal/transport"
)

var timeNow = time.Now

// Server answers Modbus requests from TCP, TLS and serial RTU links using a
// ServerHandlerMap.
type Server struct {
	handlers *ServerHandlerMap
	opts     *serverOptions
	logger   *zap.Logger
	level    atomic.Pointer[DecodeLevel]

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*physLayer]struct{}
	closed    atomic.Bool
	wg        sync.WaitGroup
	metrics   *ServerMetrics
}

// NewServer creates a server for handlers.
func NewServer(handlers *ServerHandlerMap, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Server{
		handlers: handlers,
		opts:     options,
		logger:   options.logger.Named("server"),
		sessions: make(map[*physLayer]struct{}),
		metrics:  &ServerMetrics{},
	}
	level := options.decodeLevel
	s.level.Store(&level)
	return s
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// SetDecodeLevel changes protocol logging for new and running sessions.
func (s *Server) SetDecodeLevel(level DecodeLevel) {
	s.level.Store(&level)
	s.mu.Lock()
	for p := range s.sessions {
		p.setLevel(level.Phys)
	}
	s.mu.Unlock()
}

// DecodeLevel returns the current protocol logging level.
func (s *Server) DecodeLevel() DecodeLevel {
	return *s.level.Load()
}

// ListenAndServe serves Modbus TCP on addr.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeTLS serves Modbus over TLS on addr.
func (s *Server) ListenAndServeTLS(addr string, config *tls.Config) error {
	listener, err := tls.Listen("tcp", addr, config)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// ListenAndServeContext serves Modbus TCP on addr until ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s.Serve(listener)
}

// Serve accepts sessions on listener until the server is closed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
	s.logger.Info("server started", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept error", zap.Error(err))
			return err
		}

		remote := conn.RemoteAddr().String()
		if !s.opts.filter.Allows(conn.RemoteAddr()) {
			s.logger.Warn("peer rejected by address filter", zap.String("remote", remote))
			s.metrics.RejectedConns.Add(1)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return ErrServerClosed
		}
		if len(s.sessions) >= s.opts.maxConns {
			s.mu.Unlock()
			s.logger.Warn("max connections reached, rejecting", zap.String("remote", remote))
			s.metrics.RejectedConns.Add(1)
			conn.Close()
			continue
		}
		phys := s.track(conn, remote, 0)
		s.wg.Add(1)
		s.mu.Unlock()

		transport.Tune(conn)
		go s.serveSession(phys, conn, tcpFramer{}, remote, false)
	}
}

// ServeRTU serves requests on a serial line until ctx is done or the server is
// closed. Unit 0 writes are executed on every handler and never answered.
func (s *Server) ServeRTU(ctx context.Context, config SerialConfig) error {
	port, err := transport.OpenSerial(ctx, config)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		port.Close()
		return ErrServerClosed
	}
	phys := s.track(port, config.Device, interFrameDelay(config.BaudRate))
	s.wg.Add(1)
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			phys.Close()
		case <-stop:
		}
	}()

	s.logger.Info("serial server started", zap.String("device", config.Device), zap.Int("baud", config.BaudRate))
	s.serveSession(phys, nil, rtuFramer{requests: true}, config.Device, true)
	if s.closed.Load() {
		return ErrServerClosed
	}
	return ctx.Err()
}

// track registers a session. Callers hold s.mu.
func (s *Server) track(rw io.ReadWriteCloser, remote string, gap time.Duration) *physLayer {
	logger := s.logger.With(zap.String("remote", remote))
	phys := newPhysLayer(rw, logger, s.DecodeLevel().Phys, gap)
	s.sessions[phys] = struct{}{}
	s.metrics.ActiveConns.Add(1)
	s.metrics.TotalConns.Add(1)
	return phys
}

// Close stops all listeners and sessions and waits for them to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var err error
	for _, l := range s.listeners {
		if cerr := l.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	for p := range s.sessions {
		p.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("server stopped")
	return err
}

// Addr returns the address of the first listener.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return s.listeners[0].Addr()
	}
	return nil
}

// ActiveConnections returns the number of running sessions.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// serveSession reads requests until the link fails. A bad TCP frame ends the
// session; on a serial line the receive buffer is discarded and reading resumes.
func (s *Server) serveSession(phys *physLayer, conn net.Conn, fr framer, remote string, serial bool) {
	logger := s.logger.With(zap.String("remote", remote))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in session",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
		phys.Close()
		s.mu.Lock()
		delete(s.sessions, phys)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
		s.wg.Done()
	}()

	logger.Debug("session started")
	reader := bufio.NewReader(phys)

	for {
		if s.closed.Load() {
			return
		}
		if conn != nil && s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		frame, err := fr.decode(reader)
		if err != nil {
			if serial && errors.Is(err, ErrBadFrame) {
				logger.Warn("discarding bad frame", zap.Error(err))
				reader.Discard(reader.Buffered())
				continue
			}
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					logger.Debug("session idle timeout")
				} else {
					logger.Debug("read error", zap.Error(err))
				}
			}
			return
		}

		level := s.DecodeLevel()
		if level.Frame != FrameNothing {
			logger.Info("FRAME RX", fr.fields(frame, level.Frame >= FramePayload)...)
		}
		s.logPDU(logger, level, "PDU RX", frame)

		s.metrics.RequestsTotal.Add(1)
		reply, result := s.handlers.dispatch(frame.UnitID, frame.PDU, serial)
		switch result {
		case dispatchUnknownUnit:
			logger.Debug("no handler for unit", zap.Uint8("unit", uint8(frame.UnitID)))
			s.metrics.Dropped.Add(1)
			continue
		case dispatchNoReply:
			s.metrics.RequestsSuccess.Add(1)
			continue
		}
		if reply[0]&exceptionBit != 0 {
			s.metrics.Exceptions.Add(1)
		}

		out := &Frame{TransactionID: frame.TransactionID, UnitID: frame.UnitID, PDU: reply}
		s.logPDU(logger, level, "PDU TX", out)
		adu, err := fr.encode(out)
		if err != nil {
			logger.Error("encode reply failed", zap.Error(err))
			s.metrics.RequestsErrors.Add(1)
			continue
		}
		if level.Frame != FrameNothing {
			logger.Info("FRAME TX", fr.fields(out, level.Frame >= FramePayload)...)
		}
		if conn != nil && s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}
		if err := writeFull(phys, adu); err != nil {
			s.metrics.RequestsErrors.Add(1)
			logger.Debug("write error", zap.Error(err))
			return
		}
		s.metrics.RequestsSuccess.Add(1)
	}
}

func (s *Server) logPDU(logger *zap.Logger, level DecodeLevel, msg string, f *Frame) {
	if level.App == AppNothing || len(f.PDU) == 0 {
		return
	}
	fields := []zap.Field{
		zap.Uint8("unit", uint8(f.UnitID)),
		zap.Stringer("func", FunctionCode(f.PDU[0]&^exceptionBit)),
	}
	if f.PDU[0]&exceptionBit != 0 && len(f.PDU) > 1 {
		fields = append(fields, zap.Stringer("exception", ExceptionCode(f.PDU[1])))
	}
	if level.App >= AppDataHeaders {
		fields = append(fields, zap.Int("length", len(f.PDU)-1))
	}
	if level.App >= AppDataValues {
		fields = append(fields, zap.String("data", hex.EncodeToString(f.PDU[1:])))
	}
	logger.Info(msg, fields...)
}
