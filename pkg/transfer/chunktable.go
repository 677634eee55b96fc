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

	"github.com/pkg/errors"
)

var ErrOutOfRange = errors.New("sequence number out of range")

type ChunkStatus int

const (
	ChunkStatusNotRequested ChunkStatus = iota
	ChunkStatusRequested
	ChunkStatusTimedOut
	ChunkStatusReceived
)

func (c ChunkStatus) String() string {
	switch c {
	case ChunkStatusNotRequested:
		return "NOT_REQUESTED"
	case ChunkStatusRequested:
		return "REQUESTED"
	case ChunkStatusTimedOut:
		return "TIMED_OUT"
	case ChunkStatusReceived:
		return "RECEIVED"
	default:
		return fmt.Sprintf("%d", int(c))
	}
}

// ChunkTable tracks the status of every chunk of one transfer.
type ChunkTable struct {
	statuses []ChunkStatus
	received int
	// length of the received prefix
	contiguous int
	// every entry below hint is Requested or Received
	hint int
}

func NewChunkTable(size int) *ChunkTable {
	c := &ChunkTable{}
	c.Reset(size)
	return c
}

func (c *ChunkTable) Reset(size int) {
	if size < 0 {
		size = 0
	}
	c.statuses = make([]ChunkStatus, size)
	c.received = 0
	c.contiguous = 0
	c.hint = 0
}

func (c *ChunkTable) Len() int {
	return len(c.statuses)
}

func (c *ChunkTable) Status(seq uint32) (ChunkStatus, error) {
	if err := c.check(seq); err != nil {
		return 0, err
	}
	return c.statuses[seq], nil
}

func (c *ChunkTable) MarkRequested(seq uint32) error {
	if err := c.check(seq); err != nil {
		return err
	}
	if c.statuses[seq] != ChunkStatusReceived {
		c.statuses[seq] = ChunkStatusRequested
	}
	return nil
}

// MarkReceived returns false if the chunk was already received.
func (c *ChunkTable) MarkReceived(seq uint32) (bool, error) {
	if err := c.check(seq); err != nil {
		return false, err
	}
	if c.statuses[seq] == ChunkStatusReceived {
		return false, nil
	}

	c.statuses[seq] = ChunkStatusReceived
	c.received++
	for c.contiguous < len(c.statuses) && c.statuses[c.contiguous] == ChunkStatusReceived {
		c.contiguous++
	}
	return true, nil
}

// MarkTimedOut is a no-op for a chunk that was already received.
func (c *ChunkTable) MarkTimedOut(seq uint32) error {
	if err := c.check(seq); err != nil {
		return err
	}
	if c.statuses[seq] == ChunkStatusReceived {
		return nil
	}

	c.statuses[seq] = ChunkStatusTimedOut
	if int(seq) < c.hint {
		c.hint = int(seq)
	}
	return nil
}

// NextUnfetched returns the lowest chunk that is NotRequested or TimedOut.
func (c *ChunkTable) NextUnfetched() (uint32, bool) {
	for i := c.hint; i < len(c.statuses); i++ {
		switch c.statuses[i] {
		case ChunkStatusNotRequested, ChunkStatusTimedOut:
			c.hint = i
			return uint32(i), true
		}
	}
	c.hint = len(c.statuses)
	return 0, false
}

func (c *ChunkTable) AllReceived() bool {
	return c.received == len(c.statuses)
}

func (c *ChunkTable) MaxContiguousReceived() uint32 {
	return uint32(c.contiguous)
}

func (c *ChunkTable) CountReceived() int {
	return c.received
}

func (c *ChunkTable) check(seq uint32) error {
	if int(seq) >= len(c.statuses) {
		return errors.Wrapf(ErrOutOfRange, "seq %d, size %d", seq, len(c.statuses))
	}
	return nil
}
