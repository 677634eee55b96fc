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

// ConstantRate keeps a fixed number of requests in flight.
type ConstantRate struct {
	params   Params
	window   float64
	inFlight int
}

func NewConstantRate(params Params) *ConstantRate {
	params = params.withDefaults()
	c := &ConstantRate{params: params}
	c.OnStart()
	return c
}

func (c *ConstantRate) Name() string {
	return AlgorithmConstant
}

func (c *ConstantRate) OnStart() {
	c.inFlight = 0

	window := c.params.Config.WindowSize
	if window <= 0 {
		window = LinkWindow(c.params.Link)
		if window > 0 {
			c.params.Logger.Debugw("derived constant window from link", "window", window)
		}
	}
	if window <= 0 {
		window = c.params.Config.InitialWindow
	}
	c.window = math.Max(window, c.params.Config.MinWindow)
}

func (c *ConstantRate) CanSend() bool {
	return float64(c.inFlight) < math.Floor(c.window)
}

func (c *ConstantRate) OnSent() {
	c.inFlight++
}

func (c *ConstantRate) OnAck(fb Feedback) {
	if fb.Outstanding {
		c.release()
	}
}

func (c *ConstantRate) OnTimeout(_ uint32) {
	c.release()
}

func (c *ConstantRate) CurrentWindow() float64 {
	return c.window
}

func (c *ConstantRate) InFlight() int {
	return c.inFlight
}

func (c *ConstantRate) Phase() Phase {
	return PhaseAdditiveIncrease
}

func (c *ConstantRate) release() {
	if c.inFlight > 0 {
		c.inFlight--
	}
}
