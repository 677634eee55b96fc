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
	"fmt"
	"math"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
)

const (
	AlgorithmConstant   = "constant"
	AlgorithmAIMD       = "aimd"
	AlgorithmReordering = "reordering"

	DefaultMinWindow     = 4.0
	DefaultMaxWindow     = 1024.0
	DefaultInitialWindow = 4.0
	DefaultSSThreshold   = 1e6
	DefaultIncrement     = 1000.0
)

var ErrUnknownAlgorithm = errors.New("unknown congestion control algorithm")

// ------------------------------------------------

type Phase int

const (
	PhaseSlowStart Phase = iota
	PhaseAdditiveIncrease
	PhaseMultiplicativeDecrease
	PhaseFastRecovery
)

func (p Phase) String() string {
	switch p {
	case PhaseSlowStart:
		return "SLOW_START"
	case PhaseAdditiveIncrease:
		return "ADDITIVE_INCREASE"
	case PhaseMultiplicativeDecrease:
		return "MULTIPLICATIVE_DECREASE"
	case PhaseFastRecovery:
		return "FAST_RECOVERY"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

// ------------------------------------------------

// Feedback accompanies every accepted chunk reply.
type Feedback struct {
	Seq          uint32
	EstimatedRTT time.Duration
	// MaxContiguous is the length of the received prefix after this reply.
	MaxContiguous uint32
	// Outstanding is false when the request this reply answers was already counted as timed out.
	Outstanding bool
}

// Controller decides how many chunk requests may be in flight.
type Controller interface {
	Name() string
	OnStart()
	CanSend() bool
	OnSent()
	OnAck(fb Feedback)
	OnTimeout(seq uint32)
	CurrentWindow() float64
	InFlight() int
	Phase() Phase
}

// LinkInfo describes the bottleneck link, used to derive a constant window.
type LinkInfo interface {
	BitrateBps() int64
	MTU() int
}

type StaticLink struct {
	Bitrate int64
	Bytes   int
}

func (s StaticLink) BitrateBps() int64 { return s.Bitrate }
func (s StaticLink) MTU() int { return s.Bytes }

// ------------------------------------------------

type Config struct {
	Algorithm     string  `yaml:"algorithm,omitempty"`
	WindowSize    float64 `yaml:"window_size,omitempty"`
	MinWindow     float64 `yaml:"min_window,omitempty"`
	MaxWindow     float64 `yaml:"max_window,omitempty"`
	InitialWindow float64 `yaml:"initial_window,omitempty"`
	SSThreshold   float64 `yaml:"ss_threshold,omitempty"`
	Increment     float64 `yaml:"increment,omitempty"`
	LinkBitrate   int64   `yaml:"link_bitrate,omitempty"`
	LinkMTU       int     `yaml:"link_mtu,omitempty"`
}

var DefaultConfig = Config{
	Algorithm:     AlgorithmAIMD,
	MinWindow:     DefaultMinWindow,
	InitialWindow: DefaultInitialWindow,
	SSThreshold:   DefaultSSThreshold,
	Increment:     DefaultIncrement,
}

// Link returns the configured link description, nil when none is configured.
func (c Config) Link() LinkInfo {
	if c.LinkBitrate <= 0 || c.LinkMTU <= 0 {
		return nil
	}
	return StaticLink{Bitrate: c.LinkBitrate, Bytes: c.LinkMTU}
}

func (c Config) withDefaults() Config {
	if c.MinWindow <= 0 {
		c.MinWindow = DefaultMinWindow
	}
	if c.InitialWindow <= 0 {
		c.InitialWindow = DefaultInitialWindow
	}
	if c.SSThreshold <= 0 {
		c.SSThreshold = DefaultSSThreshold
	}
	if c.Increment <= 0 {
		c.Increment = DefaultIncrement
	}
	return c
}

// LinkWindow returns floor((bitrate/8)/mtu), or 0 without link information.
func LinkWindow(link LinkInfo) float64 {
	if link == nil || link.MTU() <= 0 || link.BitrateBps() <= 0 {
		return 0
	}
	return math.Floor(float64(link.BitrateBps()) / 8 / float64(link.MTU()))
}

type Params struct {
	Config Config
	Link   LinkInfo
	Logger logger.Logger
}

func (p Params) withDefaults() Params {
	if p.Logger == nil {
		p.Logger = logger.GetLogger()
	}
	if p.Link == nil {
		p.Link = p.Config.Link()
	}
	p.Config = p.Config.withDefaults()
	return p
}

func New(params Params) (Controller, error) {
	switch params.Config.Algorithm {
	case AlgorithmConstant:
		return NewConstantRate(params), nil
	case "", AlgorithmAIMD:
		return NewAIMDWindow(params), nil
	case AlgorithmReordering:
		return NewReorderingWindow(params), nil
	default:
		return nil, errors.Wrapf(ErrUnknownAlgorithm, "algorithm: %s", params.Config.Algorithm)
	}
}
