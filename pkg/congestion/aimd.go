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

package congestion

import (
	"math"
	"time"
)

// AIMDWindow is a slow-start / congestion-avoidance window driven by acks and timeouts.
type AIMDWindow struct {
	params Params

	window      float64
	ssThreshold float64
	maxWindow   float64
	phase       Phase
	inFlight    int

	// timeouts belonging to an already handled loss event
	ignoreTimeouts int
}

func NewAIMDWindow(params Params) *AIMDWindow {
	params = params.withDefaults()
	a := &AIMDWindow{params: params}
	a.OnStart()
	return a
}

func (a *AIMDWindow) Name() string {
	return AlgorithmAIMD
}

func (a *AIMDWindow) OnStart() {
	cfg := a.params.Config

	a.maxWindow = cfg.MaxWindow
	if a.maxWindow <= 0 {
		a.maxWindow = LinkWindow(a.params.Link)
	}
	if a.maxWindow <= 0 {
		a.maxWindow = DefaultMaxWindow
	}
	a.maxWindow = math.Max(a.maxWindow, cfg.MinWindow)

	a.window = a.clamp(cfg.InitialWindow)
	a.ssThreshold = cfg.SSThreshold
	a.phase = PhaseSlowStart
	a.inFlight = 0
	a.ignoreTimeouts = 0
}

func (a *AIMDWindow) CanSend() bool {
	return float64(a.inFlight) < math.Floor(a.window)
}

func (a *AIMDWindow) OnSent() {
	a.inFlight++
}

func (a *AIMDWindow) OnAck(fb Feedback) {
	if fb.Outstanding {
		a.release()
	}
	a.increase(fb.EstimatedRTT)
}

func (a *AIMDWindow) OnTimeout(seq uint32) {
	a.release()

	if a.phase != PhaseMultiplicativeDecrease && a.ignoreTimeouts == 0 {
		a.params.Logger.Debugw("timeout, decreasing window", "seq", seq, "window", a.window)
		a.ignoreTimeouts = int(math.Ceil(a.window))
		a.decrease()
	}
	if a.ignoreTimeouts > 0 {
		a.ignoreTimeouts--
	}
}

func (a *AIMDWindow) CurrentWindow() float64 {
	return a.window
}

func (a *AIMDWindow) InFlight() int {
	return a.inFlight
}

func (a *AIMDWindow) Phase() Phase {
	return a.phase
}

func (a *AIMDWindow) SSThreshold() float64 {
	return a.ssThreshold
}

func (a *AIMDWindow) increase(rtt time.Duration) {
	rttMs := math.Max(float64(rtt)/float64(time.Millisecond), 1)
	step := a.params.Config.Increment / rttMs

	if a.window < a.ssThreshold {
		a.phase = PhaseSlowStart
		a.window += step
	} else {
		a.phase = PhaseAdditiveIncrease
		a.window += step / a.window
	}
	a.window = a.clamp(a.window)
}

func (a *AIMDWindow) decrease() {
	a.ssThreshold = a.window / 2
	a.window = a.clamp(a.window / 2)
	a.phase = PhaseMultiplicativeDecrease
}

func (a *AIMDWindow) release() {
	if a.inFlight > 0 {
		a.inFlight--
	}
}

func (a *AIMDWindow) clamp(w float64) float64 {
	return math.Min(math.Max(w, a.params.Config.MinWindow), a.maxWindow)
}
