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
	"container/heap"
	"time"
)

// VirtualClock is a deterministic discrete-event Scheduler.
// Time only moves when the owner runs events. Events due at the same instant run in insertion order.
// It is not safe for concurrent use.
type VirtualClock struct {
	now    time.Time
	seq    uint64
	events eventHeap
}

type event struct {
	at  time.Time
	seq uint64
	h   *Handle
	fn  func()
}

func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (v *VirtualClock) Now() time.Time {
	return v.now
}

func (v *VirtualClock) AfterFunc(d time.Duration, fn func()) *Handle {
	if d < 0 {
		d = 0
	}
	h := &Handle{}
	v.seq++
	heap.Push(&v.events, &event{at: v.now.Add(d), seq: v.seq, h: h, fn: fn})
	return h
}

func (v *VirtualClock) Post(fn func()) {
	v.AfterFunc(0, fn)
}

// Pending returns the number of queued events that have not been stopped.
func (v *VirtualClock) Pending() int {
	n := 0
	for _, ev := range v.events {
		if !ev.h.Stopped() {
			n++
		}
	}
	return n
}

// Step runs the next live event, advancing time to its due instant.
// It returns false when no events remain.
func (v *VirtualClock) Step() bool {
	for v.events.Len() > 0 {
		ev := heap.Pop(&v.events).(*event)
		if ev.h.Stopped() {
			continue
		}
		if ev.at.After(v.now) {
			v.now = ev.at
		}
		ev.h.run(ev.fn)
		return true
	}
	return false
}

// RunFor runs every event due within d and then advances time by d.
func (v *VirtualClock) RunFor(d time.Duration) {
	deadline := v.now.Add(d)
	for v.events.Len() > 0 {
		next := v.events[0]
		if next.at.After(deadline) {
			break
		}
		v.Step()
	}
	if deadline.After(v.now) {
		v.now = deadline
	}
}

// Run executes events until none remain or virtual time passes limit.
// It returns true if the clock became idle.
func (v *VirtualClock) Run(limit time.Duration) bool {
	deadline := v.now.Add(limit)
	for v.events.Len() > 0 {
		if v.events[0].at.After(deadline) {
			return false
		}
		v.Step()
	}
	return true
}

// RunUntil executes events until cond holds, the clock is idle, or virtual time passes limit.
func (v *VirtualClock) RunUntil(cond func() bool, limit time.Duration) bool {
	deadline := v.now.Add(limit)
	for !cond() {
		if v.events.Len() == 0 || v.events[0].at.After(deadline) {
			return false
		}
		v.Step()
	}
	return true
}

// ------------------------------------------------

type eventHeap []*event

func (eh eventHeap) Len() int { return len(eh) }

func (eh eventHeap) Less(i, j int) bool {
	if eh[i].at.Equal(eh[j].at) {
		return eh[i].seq < eh[j].seq
	}
	return eh[i].at.Before(eh[j].at)
}

func (eh eventHeap) Swap(i, j int) { eh[i], eh[j] = eh[j], eh[i] }

func (eh *eventHeap) Push(x any) {
	*eh = append(*eh, x.(*event))
}

func (eh *eventHeap) Pop() any {
	old := *eh
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*eh = old[:n-1]
	return ev
}
