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

package transfer

import (
	"math"
	"time"
)

type RTTConfig struct {
	Alpha        float64       `yaml:"alpha,omitempty"`
	Beta         float64       `yaml:"beta,omitempty"`
	MinDeviation time.Duration `yaml:"min_deviation,omitempty"`
	MinTimeout   time.Duration `yaml:"min_timeout,omitempty"`
	InitialRTT   time.Duration `yaml:"initial_rtt,omitempty"`
	MaxRTT       time.Duration `yaml:"max_rtt,omitempty"`
}

var DefaultRTTConfig = RTTConfig{
	Alpha:        0.125,
	Beta:         0.25,
	MinDeviation: 5 * time.Millisecond,
	MinTimeout:   10 * time.Millisecond,
	InitialRTT:   100 * time.Millisecond,
	MaxRTT:       2 * time.Second,
}

// RTTEstimator is a smoothed mean/deviation round trip estimator.
type RTTEstimator struct {
	config RTTConfig

	// milliseconds
	estimated float64
	deviation float64
}

func NewRTTEstimator(config RTTConfig) *RTTEstimator {
	if config.Alpha <= 0 || config.Alpha > 1 {
		config.Alpha = DefaultRTTConfig.Alpha
	}
	if config.Beta <= 0 || config.Beta > 1 {
		config.Beta = DefaultRTTConfig.Beta
	}
	if config.InitialRTT <= 0 {
		config.InitialRTT = DefaultRTTConfig.InitialRTT
	}
	if config.MaxRTT <= 0 {
		config.MaxRTT = DefaultRTTConfig.MaxRTT
	}

	r := &RTTEstimator{config: config}
	r.estimated = toMs(config.InitialRTT)
	r.deviation = math.Max(r.estimated/2, toMs(config.MinDeviation))
	return r
}

func (r *RTTEstimator) OnSample(sample time.Duration) {
	s := toMs(sample)
	r.estimated = (1-r.config.Beta)*r.estimated + r.config.Beta*s
	r.deviation = (1-r.config.Alpha)*r.deviation + r.config.Alpha*math.Max(math.Abs(s-r.estimated), toMs(r.config.MinDeviation))
}

// OnTimeout backs off the estimate, never beyond MaxRTT and never downwards.
func (r *RTTEstimator) OnTimeout() {
	next := math.Min(r.estimated*2, toMs(r.config.MaxRTT))
	if next > r.estimated {
		r.estimated = next
	}
}

func (r *RTTEstimator) TimeoutValue() time.Duration {
	return fromMs(math.Max(r.estimated+4*r.deviation, toMs(r.config.MinTimeout)))
}

func (r *RTTEstimator) EstimatedRTT() time.Duration {
	return fromMs(r.estimated)
}

func (r *RTTEstimator) DeviationRTT() time.Duration {
	return fromMs(r.deviation)
}

func toMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func fromMs(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
