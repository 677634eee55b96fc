// Copyright 2023 LiveKit, Inc.
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

package sched

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"go.uber.org/atomic"
)

const defaultQueueSize = 1024

type EventLoopParams struct {
	Name      string
	QueueSize int
	Logger    logger.Logger
}

// EventLoop is a wall-clock Scheduler. Ops posted from any goroutine run in order on one goroutine.
type EventLoop struct {
	params EventLoopParams

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
	done      core.Fuse

	processed atomic.Uint64
	dropped   atomic.Uint64
}

func NewEventLoop(params EventLoopParams) *EventLoop {
	if params.QueueSize <= 0 {
		params.QueueSize = defaultQueueSize
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &EventLoop{
		params: params,
		ops:    make(chan func(), params.QueueSize),
	}
}

func (e *EventLoop) Start() {
	go e.process()
}

// Stop closes the queue. Ops already queued still run. Must not be called from inside an op.
func (e *EventLoop) Stop() {
	e.lock.Lock()
	if e.isStopped {
		e.lock.Unlock()
		return
	}

	e.isStopped = true
	close(e.ops)
	e.lock.Unlock()
}

// Done is closed once the loop goroutine has drained the queue after Stop.
func (e *EventLoop) Done() <-chan struct{} {
	return e.done.Watch()
}

func (e *EventLoop) Now() time.Time {
	return time.Now()
}

// Post enqueues op without blocking. A full queue drops the op.
func (e *EventLoop) Post(op func()) {
	e.enqueue(op, false)
}

func (e *EventLoop) AfterFunc(d time.Duration, fn func()) *Handle {
	h := &Handle{}
	t := time.AfterFunc(d, func() {
		// timer goroutines may block: the loop keeps draining
		e.enqueue(func() { h.run(fn) }, true)
	})
	h.onStop = func() { t.Stop() }
	return h
}

func (e *EventLoop) Stats() (processed uint64, dropped uint64) {
	return e.processed.Load(), e.dropped.Load()
}

func (e *EventLoop) enqueue(op func(), block bool) {
	e.lock.RLock()
	defer e.lock.RUnlock()

	if e.isStopped {
		return
	}

	if block {
		e.ops <- op
		return
	}

	select {
	case e.ops <- op:
	default:
		e.dropped.Inc()
		e.params.Logger.Errorw("event loop queue full", nil, "name", e.params.Name, "size", e.params.QueueSize)
	}
}

func (e *EventLoop) process() {
	defer e.done.Break()

	for op := range e.ops {
		op()
		e.processed.Inc()
	}
}
