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

import "context"

type result[T any] struct {
	value T
	err   error
}

// promise is the single-use reply slot of one request. It is resolved by the
// channel task and awaited by the caller.
type promise[T any] struct {
	ch       chan result[T]
	resolved bool
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{ch: make(chan result[T], 1)}
}

func (p *promise[T]) success(v T) {
	p.complete(result[T]{value: v})
}

func (p *promise[T]) failure(err error) {
	p.complete(result[T]{err: err})
}

// complete resolves the promise. Only the first call has an effect.
func (p *promise[T]) complete(r result[T]) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.ch <- r
}

// wait blocks until the promise is resolved, the channel task has exited or ctx
// is done. A cancelled wait does not cancel the request, which still runs to completion.
func (p *promise[T]) wait(ctx context.Context, exited <-chan struct{}) (T, error) {
	var zero T
	select {
	case r := <-p.ch:
		return r.value, r.err
	case <-exited:
		// The task resolves everything it dequeued before exiting; anything
		// left unresolved was never dequeued.
		select {
		case r := <-p.ch:
			return r.value, r.err
		default:
			return zero, ErrShutdown
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
