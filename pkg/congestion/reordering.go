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

import "math"

// ReorderingWindow is an AIMD window that also treats a stall of the contiguous
// received prefix as a loss, without waiting for the timeout.
type ReorderingWindow struct {
	*AIMDWindow

	seen           bool
	highestSeq     uint32
	lastContiguous uint32
	stalled        bool
	lossEvents     int
}

func NewReorderingWindow(params Params) *ReorderingWindow {
	return &ReorderingWindow{
		AIMDWindow: NewAIMDWindow(params),
	}
}

func (r *ReorderingWindow) Name() string {
	return AlgorithmReordering
}

func (r *ReorderingWindow) OnStart() {
	r.AIMDWindow.OnStart()
	r.seen = false
	r.highestSeq = 0
	r.lastContiguous = 0
	r.stalled = false
	r.lossEvents = 0
}

func (r *ReorderingWindow) OnAck(fb Feedback) {
	if fb.Outstanding {
		r.release()
	}

	isNew := !r.seen || fb.Seq > r.highestSeq
	if !isNew {
		// an older chunk filled a hole
		r.lastContiguous = fb.MaxContiguous
		r.stalled = false
		r.increase(fb.EstimatedRTT)
		return
	}

	r.seen = true
	r.highestSeq = fb.Seq

	if fb.MaxContiguous != r.lastContiguous {
		r.lastContiguous = fb.MaxContiguous
		r.stalled = false
		r.increase(fb.EstimatedRTT)
		return
	}

	if r.stalled {
		// same gap as the previous observation
		return
	}

	r.stalled = true
	r.lossEvents++
	if r.ignoreTimeouts == 0 {
		r.params.Logger.Debugw("contiguous prefix stalled, decreasing window",
			"seq", fb.Seq,
			"contiguous", fb.MaxContiguous,
			"window", r.window,
		)
		r.ignoreTimeouts = int(math.Ceil(r.window))
		r.decrease()
	}
	r.phase = PhaseFastRecovery
}

// LossEvents returns the number of losses inferred from prefix stalls.
func (r *ReorderingWindow) LossEvents() int {
	return r.lossEvents
}
