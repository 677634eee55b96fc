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
	"fmt"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/livekit/pullstream/pkg/media"
)

var (
	ErrUnknownLogic      = errors.New("unknown adaptation logic")
	ErrNoRepresentations = errors.New("no representations")
)

type Status int

const (
	StatusSelected Status = iota
	StatusIdle
	StatusAllDone
)

func (s Status) String() string {
	switch s {
	case StatusSelected:
		return "SELECTED"
	case StatusIdle:
		return "IDLE"
	case StatusAllDone:
		return "ALL_DONE"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

type Decision struct {
	Status           Status
	RepresentationID string
	Segment          int
}

func (d Decision) String() string {
	if d.Status != StatusSelected {
		return d.Status.String()
	}
	return fmt.Sprintf("%s(rep: %s, segment: %d)", d.Status, d.RepresentationID, d.Segment)
}

func selected(rep *media.Representation, segment int) Decision {
	return Decision{Status: StatusSelected, RepresentationID: rep.ID, Segment: segment}
}

// BufferView is the read-only buffer state logics decide on.
type BufferView interface {
	Level() time.Duration
	LevelFor(repID string) time.Duration
	HighestBufferedFor(repID string) (int, bool)
	NextToConsume() int
}

// Logic picks the next representation and segment to download.
// Decisions are deterministic given the buffer state and throughput history.
type Logic interface {
	Name() string
	SetRepresentations(c *media.Catalog) error
	SelectNext(view BufferView, throughputBps float64) Decision
}

// MinBufferChecker is implemented by logics that allow aborting an enhancement layer download
// when the buffer runs low.
type MinBufferChecker interface {
	HasMinBufferLevel(view BufferView, repID string) bool
}

// ------------------------------------------------

type Base struct {
	logger  logger.Logger
	catalog *media.Catalog
}

func NewBase(logger logger.Logger) *Base {
	return &Base{
		logger: logger,
	}
}

func (b *Base) SetRepresentations(c *media.Catalog) error {
	if c == nil || c.Len() == 0 {
		return ErrNoRepresentations
	}
	b.catalog = c
	return nil
}

func (b *Base) Catalog() *media.Catalog {
	return b.catalog
}

func (b *Base) totalSegments() int {
	if b.catalog == nil {
		return 0
	}
	return b.catalog.NumSegments()
}

// ------------------------------------------------

type SVCConfig struct {
	// target buffer level of the highest active layer
	Gamma time.Duration `yaml:"gamma,omitempty"`
	// additional target per layer below the highest active one
	Alpha time.Duration `yaml:"alpha,omitempty"`
	// weight of the latest sample in the throughput moving average
	RateEMAWeight float64 `yaml:"rate_ema_weight,omitempty"`
	// base layer segments required before enhancement downloads may continue
	MinBufferSegments int `yaml:"min_buffer_segments,omitempty"`
}

var DefaultSVCConfig = SVCConfig{
	Gamma:             8 * time.Second,
	Alpha:             4 * time.Second,
	RateEMAWeight:     0.2,
	MinBufferSegments: 2,
}

func (c SVCConfig) withDefaults() SVCConfig {
	if c.Gamma <= 0 {
		c.Gamma = DefaultSVCConfig.Gamma
	}
	if c.Alpha <= 0 {
		c.Alpha = DefaultSVCConfig.Alpha
	}
	if c.RateEMAWeight <= 0 || c.RateEMAWeight > 1 {
		c.RateEMAWeight = DefaultSVCConfig.RateEMAWeight
	}
	if c.MinBufferSegments <= 0 {
		c.MinBufferSegments = DefaultSVCConfig.MinBufferSegments
	}
	return c
}

type Params struct {
	SVC    SVCConfig
	Logger logger.Logger
}
