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
	"time"

	"go.uber.org/atomic"
)

// Scheduler runs callbacks serially on a single logical loop.
// All callbacks handed to a Scheduler, including timer callbacks, run on that loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) *Handle
	Post(fn func())
}

// Handle is a cancellable reference to a scheduled callback.
type Handle struct {
	stopped atomic.Bool
	fired   atomic.Bool
	onStop  func()
}

// Stop cancels the callback. It returns true if the call prevented the callback from running.
// Stopping a fired or already stopped handle is a no-op.
func (h *Handle) Stop() bool {
	if h == nil || h.fired.Load() {
		return false
	}
	if h.stopped.Swap(true) {
		return false
	}
	if h.onStop != nil {
		h.onStop()
	}
	return true
}

func (h *Handle) Stopped() bool {
	return h != nil && h.stopped.Load()
}

func (h *Handle) Fired() bool {
	return h != nil && h.fired.Load()
}

func (h *Handle) run(fn func()) {
	if h.stopped.Load() {
		return
	}
	h.fired.Store(true)
	fn()
}

// ------------------------------------------------

// Timer is a re-armable single timer bound to a scheduler.
type Timer struct {
	s Scheduler
	h *Handle
}

func NewTimer(s Scheduler) *Timer {
	return &Timer{s: s}
}

// Reset cancels any pending callback and arms the timer with fn.
func (t *Timer) Reset(d time.Duration, fn func()) {
	t.Stop()
	t.h = t.s.AfterFunc(d, fn)
}

func (t *Timer) Stop() bool {
	if t.h == nil {
		return false
	}
	stopped := t.h.Stop()
	t.h = nil
	return stopped
}

// Armed reports whether a callback is pending.
func (t *Timer) Armed() bool {
	return t.h != nil && !t.h.Stopped() && !t.h.Fired()
}

// ------------------------------------------------

// TimerGroup holds one timer per key; StopAll cancels all of them on teardown.
type TimerGroup[K comparable] struct {
	s       Scheduler
	handles map[K]*Handle
}

func NewTimerGroup[K comparable](s Scheduler) *TimerGroup[K] {
	return &TimerGroup[K]{
		s:       s,
		handles: make(map[K]*Handle),
	}
}

// Arm schedules fn for key, superseding any pending timer for the same key.
func (g *TimerGroup[K]) Arm(key K, d time.Duration, fn func()) {
	if h, ok := g.handles[key]; ok {
		h.Stop()
	}

	var h *Handle
	h = g.s.AfterFunc(d, func() {
		if g.handles[key] == h {
			delete(g.handles, key)
		}
		fn()
	})
	g.handles[key] = h
}

// Cancel stops the timer for key. It returns true if a pending callback was prevented.
func (g *TimerGroup[K]) Cancel(key K) bool {
	h, ok := g.handles[key]
	if !ok {
		return false
	}
	delete(g.handles, key)
	return h.Stop()
}

func (g *TimerGroup[K]) Pending(key K) bool {
	_, ok := g.handles[key]
	return ok
}

func (g *TimerGroup[K]) Len() int {
	return len(g.handles)
}

func (g *TimerGroup[K]) StopAll() {
	for key, h := range g.handles {
		h.Stop()
		delete(g.handles, key)
	}
}
