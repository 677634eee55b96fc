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

package transport

import (
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/pullstream/pkg/sched"
)

// DropFunc decides whether a request is lost. attempt starts at 1 for every name.
type DropFunc func(name string, attempt int) bool

// DropEveryNth loses every nth request.
func DropEveryNth(n int) DropFunc {
	count := 0
	return func(_ string, _ int) bool {
		if n <= 0 {
			return false
		}
		count++
		return count%n == 0
	}
}

// DropFirstAttempt loses the first request for each of names.
func DropFirstAttempt(names ...string) DropFunc {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return func(name string, attempt int) bool {
		_, ok := set[name]
		return ok && attempt == 1
	}
}

type LoopbackParams struct {
	Scheduler sched.Scheduler
	Handler   Handler
	// one-way delay, applied to requests and replies
	Delay time.Duration
	// replies are serialized through a bottleneck of this rate, 0 is unlimited
	BandwidthBps int64
	Drop         DropFunc
	Logger       logger.Logger
}

// Loopback connects a consumer to an in-process producer over a simulated link
// driven by the scheduler. It must only be used from the scheduler loop.
type Loopback struct {
	params LoopbackParams

	handler    ReplyHandler
	attempts   map[string]int
	linkFreeAt time.Time
	closed     bool

	sent       int
	dropped    int
	unanswered int
}

func NewLoopback(params LoopbackParams) *Loopback {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Loopback{
		params:   params,
		attempts: make(map[string]int),
	}
}

func (l *Loopback) SetReplyHandler(h ReplyHandler) {
	l.handler = h
}

func (l *Loopback) SendRequest(name string) {
	if l.closed {
		return
	}

	l.sent++
	l.attempts[name]++
	if l.params.Drop != nil && l.params.Drop(name, l.attempts[name]) {
		l.dropped++
		return
	}

	l.params.Scheduler.AfterFunc(l.params.Delay, func() {
		l.serve(name)
	})
}

func (l *Loopback) Close() error {
	l.closed = true
	return nil
}

// Stats returns the number of requests sent, dropped on the way and left unanswered by the producer.
func (l *Loopback) Stats() (sent int, dropped int, unanswered int) {
	return l.sent, l.dropped, l.unanswered
}

// Attempts returns how often name was requested.
func (l *Loopback) Attempts(name string) int {
	return l.attempts[name]
}

func (l *Loopback) serve(name string) {
	if l.closed {
		return
	}

	payload, ok := l.params.Handler.HandleRequest(name)
	if !ok {
		l.unanswered++
		return
	}

	now := l.params.Scheduler.Now()
	departure := now
	if l.params.BandwidthBps > 0 {
		if l.linkFreeAt.After(departure) {
			departure = l.linkFreeAt
		}
		departure = departure.Add(time.Duration(float64(len(payload)*8) / float64(l.params.BandwidthBps) * float64(time.Second)))
		l.linkFreeAt = departure
	}

	reply := Reply{Name: name, Payload: payload, ContentLength: len(payload)}
	l.params.Scheduler.AfterFunc(departure.Sub(now)+l.params.Delay, func() {
		if l.closed || l.handler == nil {
			return
		}
		l.handler(reply)
	})
}
