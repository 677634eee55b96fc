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
	"time"

	"golang.org/x/exp/slices"

	"github.com/livekit/pullstream/pkg/playback"
)

// parkedEntry is a downloaded segment the buffer refused for now.
type parkedEntry struct {
	entry  playback.Entry
	reason error
}

func compareParked(a, b parkedEntry) int {
	if a.entry.Segment != b.entry.Segment {
		return a.entry.Segment - b.entry.Segment
	}
	return len(a.entry.DependencyIDs) - len(b.entry.DependencyIDs)
}

func sortParked(parked []parkedEntry) {
	slices.SortFunc(parked, compareParked)
}

// bufferView shows adaptation logics the buffer together with downloaded segments still waiting
// for admission, so nothing is requested twice.
type bufferView struct {
	buffer *playback.Buffer
	parked []parkedEntry
}

func (v bufferView) Level() time.Duration {
	level := v.buffer.Level()
	for _, p := range v.parked {
		if p.entry.IsBaseLayer() {
			level += p.entry.Duration
		}
	}
	return level
}

func (v bufferView) LevelFor(repID string) time.Duration {
	level := v.buffer.LevelFor(repID)
	for _, p := range v.parked {
		if p.entry.RepresentationID == repID {
			level += p.entry.Duration
		}
	}
	return level
}

func (v bufferView) HighestBufferedFor(repID string) (int, bool) {
	highest, ok := v.buffer.HighestBufferedFor(repID)
	for _, p := range v.parked {
		if p.entry.RepresentationID == repID && (!ok || p.entry.Segment > highest) {
			highest, ok = p.entry.Segment, true
		}
	}
	return highest, ok
}

func (v bufferView) NextToConsume() int {
	return v.buffer.NextToConsume()
}
