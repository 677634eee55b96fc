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
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/livekit/pullstream/pkg/media"
)

// OrderRepresentationsByDepIDs orders layers so that every layer only depends on layers before it.
// Each step picks the remaining representation with the fewest dependencies among those whose
// dependencies are already ordered, earliest in catalog order on ties.
func OrderRepresentationsByDepIDs(c *media.Catalog) ([]*media.Representation, error) {
	remaining := c.All()
	ordered := make([]*media.Representation, 0, len(remaining))
	done := make(map[string]bool, len(remaining))

	for len(remaining) != 0 {
		idx := -1
		for i, r := range remaining {
			resolved := true
			for _, dep := range r.DependencyIDs {
				if !done[dep] {
					resolved = false
					break
				}
			}
			if !resolved {
				continue
			}
			if idx < 0 || len(r.DependencyIDs) < len(remaining[idx].DependencyIDs) {
				idx = i
			}
		}
		if idx < 0 {
			ids := make([]string, 0, len(remaining))
			for _, r := range remaining {
				ids = append(ids, r.ID)
			}
			return nil, errors.Wrapf(media.ErrUnknownDependency, "cannot order %v", ids)
		}

		r := remaining[idx]
		ordered = append(ordered, r)
		done[r.ID] = true
		remaining = slices.Delete(remaining, idx, idx+1)
	}
	return ordered, nil
}

// ------------------------------------------------

type layered struct {
	*Base

	svc             SVCConfig
	layers          []*media.Representation
	segmentDuration time.Duration
}

func newLayered(params Params) *layered {
	return &layered{
		Base: NewBase(params.Logger),
		svc:  params.SVC.withDefaults(),
	}
}

func (l *layered) SetRepresentations(c *media.Catalog) error {
	if err := l.Base.SetRepresentations(c); err != nil {
		return err
	}

	layers, err := OrderRepresentationsByDepIDs(c)
	if err != nil {
		return err
	}
	l.layers = layers
	l.segmentDuration = c.SegmentDuration()

	ids := make([]string, 0, len(layers))
	for _, r := range layers {
		ids = append(ids, r.ID)
	}
	l.logger.Debugw("ordered layers", "layers", ids)
	return nil
}

func (l *layered) Layers() []*media.Representation {
	return l.layers
}

// HasMinBufferLevel fails for enhancement layers while the base layer holds fewer than
// MinBufferSegments segments.
func (l *layered) HasMinBufferLevel(view BufferView, repID string) bool {
	if len(l.layers) == 0 {
		return true
	}
	if rep, ok := l.catalog.Get(repID); !ok || rep.IsBaseLayer() {
		return true
	}
	return view.LevelFor(l.layers[0].ID) >= time.Duration(l.svc.MinBufferSegments)*l.segmentDuration
}

// ------------------------------------------------

// SVCBufferBased fills lower layers first, each up to a target that grows with its distance from
// the highest active layer.
type SVCBufferBased struct {
	*layered
}

func NewSVCBufferBased(params Params) *SVCBufferBased {
	return &SVCBufferBased{
		layered: newLayered(params),
	}
}

func (s *SVCBufferBased) Name() string {
	return LogicSVCBuffer
}

func (s *SVCBufferBased) SelectNext(view BufferView, _ float64) Decision {
	if len(s.layers) == 0 {
		return Decision{Status: StatusAllDone}
	}
	total := s.totalSegments()

	ceiling := len(s.layers) - 1
	for ceiling > 0 && view.LevelFor(s.layers[ceiling].ID) == 0 {
		ceiling--
	}

	// steady, then growing
	for _, horizon := range []int{ceiling, ceiling + 2} {
		for layer := 0; layer <= ceiling; layer++ {
			if view.LevelFor(s.layers[layer].ID) >= s.targetLevel(layer, horizon) {
				continue
			}
			if next := s.nextNeeded(view, layer); next < total {
				return selected(s.layers[layer], next)
			}
		}
	}

	// quality increase
	if ceiling+1 < len(s.layers) {
		if next := s.nextNeeded(view, ceiling+1); next < total {
			return selected(s.layers[ceiling+1], next)
		}
	}

	for layer := range s.layers {
		if s.nextNeeded(view, layer) < total {
			return Decision{Status: StatusIdle}
		}
	}
	return Decision{Status: StatusAllDone}
}

func (s *SVCBufferBased) targetLevel(layer int, ceiling int) time.Duration {
	extra := math.Ceil(float64(ceiling-layer) * s.svc.Alpha.Seconds())
	return s.svc.Gamma + time.Duration(extra)*time.Second
}

func (s *SVCBufferBased) nextNeeded(view BufferView, layer int) int {
	id := s.layers[layer].ID
	if view.LevelFor(id) == 0 {
		if layer == 0 || s.segmentDuration <= 0 {
			return view.NextToConsume()
		}
		return view.NextToConsume() + int(s.svc.Gamma/s.segmentDuration)
	}

	highest, _ := view.HighestBufferedFor(id)
	return highest + 1
}

// ------------------------------------------------

// SVCRateBased requests, for every segment in order, the layers whose cumulative bitrate fits a
// moving average of the throughput. The base layer is always requested.
type SVCRateBased struct {
	*layered

	ema          float64
	segment      int
	queue        []*media.Representation
	queueSegment int
}

func NewSVCRateBased(params Params) *SVCRateBased {
	return &SVCRateBased{
		layered: newLayered(params),
	}
}

func (s *SVCRateBased) Name() string {
	return LogicSVCRate
}

func (s *SVCRateBased) SelectNext(_ BufferView, throughputBps float64) Decision {
	if len(s.layers) == 0 {
		return Decision{Status: StatusAllDone}
	}
	s.updateEMA(throughputBps)

	if len(s.queue) == 0 {
		if s.segment >= s.totalSegments() {
			return Decision{Status: StatusAllDone}
		}

		var cumulative float64
		for i, r := range s.layers {
			cumulative += float64(r.Bandwidth)
			if i > 0 && cumulative > s.ema {
				break
			}
			s.queue = append(s.queue, r)
		}
		s.queueSegment = s.segment
		s.segment++
	}

	r := s.queue[0]
	s.queue = s.queue[1:]
	return selected(r, s.queueSegment)
}

func (s *SVCRateBased) EMA() float64 {
	return s.ema
}

func (s *SVCRateBased) updateEMA(throughputBps float64) {
	if s.ema == 0 {
		s.ema = throughputBps
		return
	}
	w := s.svc.RateEMAWeight
	s.ema = w*throughputBps + (1-w)*s.ema
}

// ------------------------------------------------

// SVCAllLayers requests every layer of every segment in order.
type SVCAllLayers struct {
	*layered

	segment int
	layer   int
}

func NewSVCAllLayers(params Params) *SVCAllLayers {
	return &SVCAllLayers{
		layered: newLayered(params),
	}
}

func (s *SVCAllLayers) Name() string {
	return LogicSVCAll
}

func (s *SVCAllLayers) SelectNext(_ BufferView, _ float64) Decision {
	if len(s.layers) == 0 || s.segment >= s.totalSegments() {
		return Decision{Status: StatusAllDone}
	}

	d := selected(s.layers[s.layer], s.segment)
	s.layer++
	if s.layer == len(s.layers) {
		s.layer = 0
		s.segment++
	}
	return d
}
