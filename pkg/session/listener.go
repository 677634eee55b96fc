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

package session

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/pullstream/pkg/playback"
	"github.com/livekit/pullstream/pkg/transfer"
)

// Listener receives session events on the scheduler loop. Transfer events are forwarded for
// every download the session makes.
type Listener interface {
	transfer.Listener

	OnPlaybackStarted(startupDelay time.Duration)
	// freeze is the stall that ended with this segment, zero if playback was not frozen
	OnSegmentConsumed(entry playback.Entry, freeze time.Duration)
	OnSessionError(err error)
	// called exactly once, err is nil when every segment was played
	OnStreamingFinished(summary Summary, err error)
}

type NullListener struct {
	transfer.NullListener
}

func (NullListener) OnPlaybackStarted(time.Duration)                 {}
func (NullListener) OnSegmentConsumed(playback.Entry, time.Duration) {}
func (NullListener) OnSessionError(error)                            {}
func (NullListener) OnStreamingFinished(Summary, error)              {}

// ------------------------------------------------

type Summary struct {
	SessionID string
	Logic     string

	StartupDelay time.Duration
	Stalls       int
	FreezeTime   time.Duration
	Elapsed      time.Duration

	SegmentsDownloaded int
	SegmentsConsumed   int
	SegmentsDropped    int
	Aborted            int
	BytesDownloaded    int64
	// consumed segments per representation
	Consumed map[string]int
	// changes of the consumed representation between consecutive segments
	Switches int
	// duration weighted bitrate of the consumed segments
	AverageBitrate float64

	consumedDuration time.Duration
	bitrateSeconds   float64
	lastRepID        string
}

func (s *Summary) recordConsumed(e playback.Entry) {
	if s.Consumed == nil {
		s.Consumed = make(map[string]int)
	}
	s.SegmentsConsumed++
	s.Consumed[e.RepresentationID]++
	if s.lastRepID != "" && s.lastRepID != e.RepresentationID {
		s.Switches++
	}
	s.lastRepID = e.RepresentationID

	s.consumedDuration += e.Duration
	s.bitrateSeconds += float64(e.Bandwidth) * e.Duration.Seconds()
	if s.consumedDuration > 0 {
		s.AverageBitrate = s.bitrateSeconds / s.consumedDuration.Seconds()
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("Summary{id: %s, logic: %s, startup: %s, stalls: %d, freeze: %s, consumed: %d, downloaded: %d, bytes: %d, avgBitrate: %.0f, switches: %d}",
		s.SessionID, s.Logic, s.StartupDelay, s.Stalls, s.FreezeTime, s.SegmentsConsumed,
		s.SegmentsDownloaded, s.BytesDownloaded, s.AverageBitrate, s.Switches,
	)
}

func (s Summary) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddString("sessionID", s.SessionID)
	e.AddString("logic", s.Logic)
	e.AddDuration("startupDelay", s.StartupDelay)
	e.AddInt("stalls", s.Stalls)
	e.AddDuration("freezeTime", s.FreezeTime)
	e.AddDuration("elapsed", s.Elapsed)
	e.AddInt("downloaded", s.SegmentsDownloaded)
	e.AddInt("consumed", s.SegmentsConsumed)
	e.AddInt("dropped", s.SegmentsDropped)
	e.AddInt("aborted", s.Aborted)
	e.AddInt64("bytes", s.BytesDownloaded)
	e.AddInt("switches", s.Switches)
	e.AddFloat64("averageBitrate", s.AverageBitrate)
	return nil
}
