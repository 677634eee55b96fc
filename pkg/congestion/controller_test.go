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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, name := range []string{AlgorithmConstant, AlgorithmAIMD, AlgorithmReordering} {
		c, err := New(Params{Config: Config{Algorithm: name}})
		require.NoError(t, err)
		require.Equal(t, name, c.Name())
	}

	c, err := New(Params{})
	require.NoError(t, err)
	require.Equal(t, AlgorithmAIMD, c.Name())

	_, err = New(Params{Config: Config{Algorithm: "bbr"}})
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestConstantRate(t *testing.T) {
	t.Run("fixed window", func(t *testing.T) {
		c := NewConstantRate(Params{Config: Config{WindowSize: 6}})
		sent := 0
		for c.CanSend() {
			c.OnSent()
			sent++
		}
		require.Equal(t, 6, sent)
		require.Equal(t, 6, c.InFlight())

		c.OnAck(Feedback{Seq: 0, Outstanding: true})
		require.True(t, c.CanSend())
		c.OnTimeout(1)
		require.Equal(t, 4, c.InFlight())
		require.Equal(t, 6.0, c.CurrentWindow())
	})

	t.Run("derived from link", func(t *testing.T) {
		// 12 Mbps over 1500 byte packets
		c := NewConstantRate(Params{Link: StaticLink{Bitrate: 12_000_000, Bytes: 1500}})
		require.Equal(t, 1000.0, c.CurrentWindow())
	})

	t.Run("never below min", func(t *testing.T) {
		c := NewConstantRate(Params{Link: StaticLink{Bitrate: 8000, Bytes: 1500}})
		require.Equal(t, DefaultMinWindow, c.CurrentWindow())
	})
}

func TestAIMDSlowStartGrowth(t *testing.T) {
	a := NewAIMDWindow(Params{Config: Config{InitialWindow: 4, SSThreshold: 1e6}})
	require.Equal(t, PhaseSlowStart, a.Phase())

	prev := a.CurrentWindow()
	for i := 0; i < 20; i++ {
		a.OnSent()
		a.OnAck(Feedback{Seq: uint32(i), EstimatedRTT: 100 * time.Millisecond, MaxContiguous: uint32(i + 1), Outstanding: true})
		require.Greater(t, a.CurrentWindow(), prev)
		require.Equal(t, PhaseSlowStart, a.Phase())
		prev = a.CurrentWindow()
	}
	require.InDelta(t, 204.0, a.CurrentWindow(), 1e-9)

	before := a.CurrentWindow()
	a.OnTimeout(20)
	require.Equal(t, PhaseMultiplicativeDecrease, a.Phase())
	require.InDelta(t, before/2, a.CurrentWindow(), 1e-9)
	require.InDelta(t, before/2, a.SSThreshold(), 1e-9)
}

func TestAIMDConsecutiveTimeouts(t *testing.T) {
	a := NewAIMDWindow(Params{Config: Config{InitialWindow: 64}})
	for i := 0; i < 64; i++ {
		a.OnSent()
	}

	prev := a.CurrentWindow()
	for i := 0; i < 64; i++ {
		a.OnTimeout(uint32(i))
		require.LessOrEqual(t, a.CurrentWindow(), prev)
		require.GreaterOrEqual(t, a.CurrentWindow(), DefaultMinWindow)
		prev = a.CurrentWindow()
	}
	require.Equal(t, 32.0, a.CurrentWindow())
	require.Zero(t, a.InFlight())
}

func TestAIMDFloorAndRecovery(t *testing.T) {
	a := NewAIMDWindow(Params{Config: Config{InitialWindow: 6}})

	a.OnTimeout(0)
	require.Equal(t, DefaultMinWindow, a.CurrentWindow())
	require.Equal(t, PhaseMultiplicativeDecrease, a.Phase())

	// ssThreshold is 3, below the floor, so the next ack is congestion avoidance
	a.OnAck(Feedback{EstimatedRTT: 100 * time.Millisecond})
	require.Equal(t, PhaseAdditiveIncrease, a.Phase())
	require.InDelta(t, 4+10.0/4, a.CurrentWindow(), 1e-9)
}

func TestAIMDIgnoresTimeoutsOfSameLossEvent(t *testing.T) {
	a := NewAIMDWindow(Params{Config: Config{InitialWindow: 16}})

	a.OnTimeout(0)
	require.Equal(t, 8.0, a.CurrentWindow())

	// leave decrease phase, the remaining timeouts of the event are still ignored
	a.OnAck(Feedback{EstimatedRTT: 100 * time.Millisecond})
	w := a.CurrentWindow()
	a.OnTimeout(1)
	require.Equal(t, w, a.CurrentWindow())
}

func TestAIMDMaxWindow(t *testing.T) {
	a := NewAIMDWindow(Params{Config: Config{InitialWindow: 4, MaxWindow: 10}})
	for i := 0; i < 10; i++ {
		a.OnAck(Feedback{EstimatedRTT: time.Millisecond})
	}
	require.Equal(t, 10.0, a.CurrentWindow())
}

func TestReorderingWindow(t *testing.T) {
	r := NewReorderingWindow(Params{Config: Config{InitialWindow: 16}})
	ack := func(seq, contiguous uint32) {
		r.OnAck(Feedback{Seq: seq, EstimatedRTT: 100 * time.Millisecond, MaxContiguous: contiguous, Outstanding: true})
	}

	ack(0, 1)
	ack(1, 2)
	require.Equal(t, PhaseSlowStart, r.Phase())
	before := r.CurrentWindow()

	// chunk 2 missing, 3 arrives: prefix stalls
	ack(3, 2)
	require.Equal(t, PhaseFastRecovery, r.Phase())
	require.InDelta(t, before/2, r.CurrentWindow(), 1e-9)
	require.Equal(t, 1, r.LossEvents())

	// same gap still pending, no further decrease
	w := r.CurrentWindow()
	ack(4, 2)
	require.Equal(t, w, r.CurrentWindow())
	require.Equal(t, 1, r.LossEvents())

	// hole filled, window is at ssThreshold so growth is additive
	ack(2, 5)
	require.Equal(t, PhaseAdditiveIncrease, r.Phase())
	require.Greater(t, r.CurrentWindow(), w)

	ack(5, 6)
	require.Equal(t, 1, r.LossEvents())
}
