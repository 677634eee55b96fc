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

package playback

import (
	"fmt"
	"time"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var (
	ErrOutOfOrder        = errors.New("segment is not the next one to admit")
	ErrBufferFull        = errors.New("buffer full")
	ErrMissingDependency = errors.New("segment dependencies not buffered")
	ErrDuplicate         = errors.New("segment already buffered")
	ErrStale             = errors.New("segment already consumed")
)

// Entry is one buffered segment of one representation.
type Entry struct {
	Segment          int
	RepresentationID string
	Duration         time.Duration
	Bandwidth        int64
	DependencyIDs    []string
}

func (e Entry) IsBaseLayer() bool {
	return len(e.DependencyIDs) == 0
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry{segment: %d, rep: %s, duration: %s, deps: %v}", e.Segment, e.RepresentationID, e.Duration, e.DependencyIDs)
}

// ------------------------------------------------

type BufferParams struct {
	// 0 is unbounded
	MaxLevel time.Duration
	// base layers must be admitted in segment order
	StrictOrder bool
	Logger      logger.Logger
}

// Buffer holds segments keyed by segment number and, for layered content, by representation.
// The level counts every buffered segment once, regardless of how many layers it holds.
type Buffer struct {
	params BufferParams

	order    deque.Deque[int]
	segments map[int]map[string]*Entry

	nextToAdmit   int
	nextToConsume int
	level         time.Duration
}

func NewBuffer(params BufferParams) *Buffer {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &Buffer{
		params:   params,
		segments: make(map[int]map[string]*Entry),
	}
}

func (b *Buffer) Admit(e Entry) error {
	if e.Segment < b.nextToConsume {
		return ErrStale
	}

	reps := b.segments[e.Segment]
	if _, ok := reps[e.RepresentationID]; ok {
		return ErrDuplicate
	}

	if !e.IsBaseLayer() {
		if reps == nil {
			return ErrMissingDependency
		}
		for _, dep := range e.DependencyIDs {
			if _, ok := reps[dep]; !ok {
				return ErrMissingDependency
			}
		}
		reps[e.RepresentationID] = &e
		return nil
	}

	if reps != nil {
		// another base representation already covers this segment
		return ErrDuplicate
	}
	if b.params.StrictOrder && e.Segment != b.nextToAdmit {
		return ErrOutOfOrder
	}
	// an empty buffer takes any segment
	if b.order.Len() != 0 && b.IsFull(e.Duration) {
		return ErrBufferFull
	}

	b.segments[e.Segment] = map[string]*Entry{e.RepresentationID: &e}
	b.insert(e.Segment)
	b.level += e.Duration
	if e.Segment >= b.nextToAdmit {
		b.nextToAdmit = e.Segment + 1
	}
	return nil
}

// Consume removes the oldest buffered segment and returns its highest consumable representation,
// the one with the most dependencies.
func (b *Buffer) Consume() (Entry, bool) {
	if b.order.Len() == 0 {
		return Entry{}, false
	}

	segment := b.order.PopFront()
	reps := b.segments[segment]
	delete(b.segments, segment)

	var best *Entry
	for _, e := range reps {
		if best == nil ||
			len(e.DependencyIDs) > len(best.DependencyIDs) ||
			(len(e.DependencyIDs) == len(best.DependencyIDs) && e.RepresentationID > best.RepresentationID) {
			best = e
		}
	}

	for _, e := range reps {
		if e.IsBaseLayer() {
			b.level -= e.Duration
			break
		}
	}
	if b.level < 0 {
		b.level = 0
	}
	b.nextToConsume = segment + 1
	if b.nextToAdmit < b.nextToConsume {
		b.nextToAdmit = b.nextToConsume
	}
	return *best, true
}

func (b *Buffer) Level() time.Duration {
	return b.level
}

// LevelFor returns the duration of buffered segments holding repID.
func (b *Buffer) LevelFor(repID string) time.Duration {
	var level time.Duration
	for _, reps := range b.segments {
		if e, ok := reps[repID]; ok {
			level += e.Duration
		}
	}
	return level
}

// HighestBufferedFor returns the highest segment number buffered for repID.
func (b *Buffer) HighestBufferedFor(repID string) (int, bool) {
	for i := b.order.Len() - 1; i >= 0; i-- {
		segment := b.order.At(i)
		if _, ok := b.segments[segment][repID]; ok {
			return segment, true
		}
	}
	return 0, false
}

// Has reports whether repID is buffered for segment.
func (b *Buffer) Has(segment int, repID string) bool {
	_, ok := b.segments[segment][repID]
	return ok
}

// Representations returns the representation ids buffered for segment, sorted.
func (b *Buffer) Representations(segment int) []string {
	ids := make([]string, 0, len(b.segments[segment]))
	for id := range b.segments[segment] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (b *Buffer) NextToConsume() int {
	return b.nextToConsume
}

func (b *Buffer) NextToAdmit() int {
	return b.nextToAdmit
}

// IsFull reports whether adding extra would exceed the maximum level.
func (b *Buffer) IsFull(extra time.Duration) bool {
	return b.params.MaxLevel > 0 && b.level+extra > b.params.MaxLevel
}

func (b *Buffer) HasSpaceFor(d time.Duration) bool {
	return !b.IsFull(d)
}

func (b *Buffer) IsEmpty() bool {
	return b.order.Len() == 0
}

// NumSegments returns the number of buffered segments.
func (b *Buffer) NumSegments() int {
	return b.order.Len()
}

func (b *Buffer) MaxLevel() time.Duration {
	return b.params.MaxLevel
}

// insert keeps the segment queue sorted.
func (b *Buffer) insert(segment int) {
	if b.order.Len() == 0 || b.order.Back() < segment {
		b.order.PushBack(segment)
		return
	}

	pending := make([]int, 0, b.order.Len()+1)
	for b.order.Len() != 0 {
		pending = append(pending, b.order.PopFront())
	}
	idx, _ := slices.BinarySearch(pending, segment)
	pending = slices.Insert(pending, idx, segment)
	for _, s := range pending {
		b.order.PushBack(s)
	}
	b.params.Logger.Debugw("segment admitted out of order", "segment", segment, "buffered", len(pending))
}
