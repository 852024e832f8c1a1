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
	"encoding/hex"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// physLayer wraps a connected link with decode-level logging and, for serial
// lines, the inter-frame silence.
type physLayer struct {
	rw     io.ReadWriteCloser
	logger *zap.Logger
	level  atomic.Int32
	gap    time.Duration
	last   atomic.Int64
}

func newPhysLayer(rw io.ReadWriteCloser, logger *zap.Logger, level PhysDecodeLevel, gap time.Duration) *physLayer {
	p := &physLayer{rw: rw, logger: logger, gap: gap}
	p.level.Store(int32(level))
	return p
}

func (p *physLayer) setLevel(level PhysDecodeLevel) {
	p.level.Store(int32(level))
}

func (p *physLayer) Read(b []byte) (int, error) {
	n, err := p.rw.Read(b)
	if n > 0 {
		p.last.Store(timeNow().UnixNano())
		p.log("PHYS RX", b[:n])
	}
	return n, err
}

func (p *physLayer) Write(b []byte) (int, error) {
	if p.gap > 0 {
		if wait := time.Unix(0, p.last.Load()).Add(p.gap).Sub(timeNow()); wait > 0 {
			time.Sleep(wait)
		}
	}
	p.log("PHYS TX", b)
	n, err := p.rw.Write(b)
	p.last.Store(timeNow().UnixNano())
	return n, err
}

func (p *physLayer) Close() error {
	return p.rw.Close()
}

func (p *physLayer) log(msg string, b []byte) {
	switch PhysDecodeLevel(p.level.Load()) {
	case PhysLength:
		p.logger.Info(msg, zap.Int("bytes", len(b)))
	case PhysData:
		p.logger.Info(msg, zap.Int("bytes", len(b)), zap.String("data", hex.EncodeToString(b)))
	}
}

// writeFull writes b completely.
func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
