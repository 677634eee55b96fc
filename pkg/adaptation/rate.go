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

package adaptation

import (
	"time"
)

// AlwaysLowest downloads every segment of the lowest bandwidth representation.
type AlwaysLowest struct {
	*Base

	segment int
}

func NewAlwaysLowest(params Params) *AlwaysLowest {
	return &AlwaysLowest{
		Base: NewBase(params.Logger),
	}
}

func (a *AlwaysLowest) Name() string {
	return LogicLowest
}

func (a *AlwaysLowest) SelectNext(_ BufferView, _ float64) Decision {
	if a.catalog == nil || a.segment >= a.totalSegments() {
		return Decision{Status: StatusAllDone}
	}

	d := selected(a.catalog.Lowest(), a.segment)
	a.segment++
	return d
}

// ------------------------------------------------

// RateBased picks the highest bandwidth representation below the last throughput.
type RateBased struct {
	*Base

	segment int
}

func NewRateBased(params Params) *RateBased {
	return &RateBased{
		Base: NewBase(params.Logger),
	}
}

func (r *RateBased) Name() string {
	return LogicRate
}

func (r *RateBased) SelectNext(_ BufferView, throughputBps float64) Decision {
	if r.catalog == nil || r.segment >= r.totalSegments() {
		return Decision{Status: StatusAllDone}
	}

	d := selected(r.catalog.HighestBelow(throughputBps), r.segment)
	r.segment++
	return d
}

// ------------------------------------------------

// bufferFactor scales throughput by buffer occupancy, conservative while the buffer is low.
func bufferFactor(level time.Duration, top float64) float64 {
	switch {
	case level < 4*time.Second:
		return 0.33
	case level < 8*time.Second:
		return 0.66
	case level < 16*time.Second:
		return 1.0
	default:
		return top
	}
}

type RateAndBufferBased struct {
	*Base

	segment int
}

func NewRateAndBufferBased(params Params) *RateAndBufferBased {
	return &RateAndBufferBased{
		Base: NewBase(params.Logger),
	}
}

func (r *RateAndBufferBased) Name() string {
	return LogicRateBuffer
}

func (r *RateAndBufferBased) SelectNext(view BufferView, throughputBps float64) Decision {
	if r.catalog == nil || r.segment >= r.totalSegments() {
		return Decision{Status: StatusAllDone}
	}

	factor := bufferFactor(view.Level(), 1.2)
	d := selected(r.catalog.HighestBelow(throughputBps*factor), r.segment)
	r.segment++
	return d
}

// ------------------------------------------------

// EMABased smooths throughput as (0.7*previous + 1.3*last)/2 before the buffer scaled rate rule.
type EMABased struct {
	*Base

	segment            int
	previousThroughput float64
}

func NewEMABased(params Params) *EMABased {
	return &EMABased{
		Base: NewBase(params.Logger),
	}
}

func (e *EMABased) Name() string {
	return LogicEMA
}

func (e *EMABased) SelectNext(view BufferView, throughputBps float64) Decision {
	if e.catalog == nil || e.segment >= e.totalSegments() {
		return Decision{Status: StatusAllDone}
	}

	weighted := throughputBps
	if e.previousThroughput != 0 {
		weighted = (0.7*e.previousThroughput + 1.3*throughputBps) / 2
	}
	e.previousThroughput = throughputBps

	factor := bufferFactor(view.Level(), 1.1)
	d := selected(e.catalog.HighestBelow(weighted*factor), e.segment)
	e.segment++
	return d
}

// PreviousThroughput returns the sample the next decision is smoothed with.
func (e *EMABased) PreviousThroughput() float64 {
	return e.previousThroughput
}
