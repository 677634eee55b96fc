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
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

type Stats struct {
	Sent          uint64
	Received      uint64
	TimedOut      uint64
	Retransmitted uint64
	Duplicates    uint64
	Bytes         uint64

	EstimatedRTT time.Duration
	DeviationRTT time.Duration
	Window       float64
	InFlight     int
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats{sent: %d, received: %d, timedOut: %d, retransmitted: %d, duplicates: %d, bytes: %d, rtt: %s, dev: %s, window: %.2f, inFlight: %d}",
		s.Sent, s.Received, s.TimedOut, s.Retransmitted, s.Duplicates, s.Bytes,
		s.EstimatedRTT, s.DeviationRTT, s.Window, s.InFlight,
	)
}

func (s Stats) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddUint64("sent", s.Sent)
	e.AddUint64("received", s.Received)
	e.AddUint64("timedOut", s.TimedOut)
	e.AddUint64("retransmitted", s.Retransmitted)
	e.AddUint64("duplicates", s.Duplicates)
	e.AddUint64("bytes", s.Bytes)
	e.AddDuration("rtt", s.EstimatedRTT)
	e.AddDuration("deviation", s.DeviationRTT)
	e.AddFloat64("window", s.Window)
	e.AddInt("inFlight", s.InFlight)
	return nil
}

// Result describes a completed transfer.
type Result struct {
	Name     string
	FileSize int64
	NotFound bool
	Elapsed  time.Duration
	// bytes per second
	Throughput float64
	Stats      Stats
}

// ThroughputBps returns the throughput in bits per second.
func (r Result) ThroughputBps() float64 {
	return r.Throughput * 8
}

// Listener receives transfer events on the scheduler loop.
type Listener interface {
	OnDownloadStarted(name string)
	OnManifestReceived(name string, size int64)
	OnDownloadFinished(result Result)
	OnDownloadFailed(name string, err error)
	OnStatsTick(name string, stats Stats)
}

// NullListener ignores all events. Embed it to implement a subset of Listener.
type NullListener struct{}

func (NullListener) OnDownloadStarted(string) {}
func (NullListener) OnManifestReceived(string, int64) {}
func (NullListener) OnDownloadFinished(Result) {}
func (NullListener) OnDownloadFailed(string, error) {}
func (NullListener) OnStatsTick(string, Stats) {}
