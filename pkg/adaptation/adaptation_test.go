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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/pullstream/pkg/media"
	"github.com/livekit/pullstream/pkg/playback"
)

func newRep(id string, bandwidth int64, segments int, deps ...string) *media.Representation {
	r := &media.Representation{
		ID:              id,
		Bandwidth:       bandwidth,
		DependencyIDs:   deps,
		SegmentDuration: 2 * time.Second,
	}
	for i := 0; i < segments; i++ {
		r.Segments = append(r.Segments, fmt.Sprintf("%s/seg%d.m4s", id, i))
	}
	return r
}

func flatCatalog(segments int) *media.Catalog {
	return media.NewCatalog("/bbb",
		newRep("1M", 1_000_000, segments),
		newRep("500k", 500_000, segments),
		newRep("2M", 2_000_000, segments),
	)
}

func layeredCatalog(segments int) *media.Catalog {
	return media.NewCatalog("/svc",
		newRep("L2", 1_000_000, segments, "L0", "L1"),
		newRep("L0", 500_000, segments),
		newRep("L1", 500_000, segments, "L0"),
	)
}

func newLogic(t *testing.T, name string, c *media.Catalog) Logic {
	l, err := DefaultRegistry().New(name, Params{})
	require.NoError(t, err)
	require.Equal(t, name, l.Name())
	require.NoError(t, l.SetRepresentations(c))
	return l
}

type fakeView struct {
	levels        map[string]time.Duration
	highest       map[string]int
	nextToConsume int
}

func (f *fakeView) Level() time.Duration {
	return f.levels["L0"]
}

func (f *fakeView) LevelFor(repID string) time.Duration {
	return f.levels[repID]
}

func (f *fakeView) HighestBufferedFor(repID string) (int, bool) {
	h, ok := f.highest[repID]
	return h, ok
}

func (f *fakeView) NextToConsume() int {
	return f.nextToConsume
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	require.Equal(t, []string{"ema", "lowest", "rate", "rate-buffer", "svc-all", "svc-buffer", "svc-rate"}, r.Names())
	require.True(t, r.Has(LogicSVCAll))
	require.False(t, r.Has("manual"))

	_, err := r.New("manual", Params{})
	require.ErrorIs(t, err, ErrUnknownLogic)

	l, err := r.New(LogicLowest, Params{})
	require.NoError(t, err)
	require.ErrorIs(t, l.SetRepresentations(media.NewCatalog("/empty")), ErrNoRepresentations)
}

func TestAlwaysLowest(t *testing.T) {
	l := newLogic(t, LogicLowest, flatCatalog(3))
	view := playback.NewBuffer(playback.BufferParams{})
	for seg := 0; seg < 3; seg++ {
		require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "500k", Segment: seg}, l.SelectNext(view, 1e9))
	}
	require.Equal(t, StatusAllDone, l.SelectNext(view, 1e9).Status)
}

func TestRateBased(t *testing.T) {
	l := newLogic(t, LogicRate, flatCatalog(10))
	view := playback.NewBuffer(playback.BufferParams{})

	require.Equal(t, "1M", l.SelectNext(view, 1_200_000).RepresentationID)
	require.Equal(t, "500k", l.SelectNext(view, 1_000_000).RepresentationID)
	require.Equal(t, "2M", l.SelectNext(view, 5_000_000).RepresentationID)
	d := l.SelectNext(view, 0)
	require.Equal(t, "500k", d.RepresentationID)
	require.Equal(t, 3, d.Segment)
}

func TestRateAndBufferBased(t *testing.T) {
	l := newLogic(t, LogicRateBuffer, flatCatalog(10))

	// low buffer: 3M * 0.33
	empty := &fakeView{}
	require.Equal(t, "500k", l.SelectNext(empty, 3_000_000).RepresentationID)

	// 4-8s: 2M * 0.66
	view := &fakeView{levels: map[string]time.Duration{"L0": 6 * time.Second}}
	require.Equal(t, "1M", l.SelectNext(view, 2_000_000).RepresentationID)

	// 16s and more: 1.8M * 1.2
	view.levels["L0"] = 20 * time.Second
	require.Equal(t, "2M", l.SelectNext(view, 1_800_000).RepresentationID)
}

func TestEMABased(t *testing.T) {
	l := newLogic(t, LogicEMA, flatCatalog(10))
	view := &fakeView{levels: map[string]time.Duration{"L0": 20 * time.Second}}

	// no previous sample: 1.5M * 1.1
	require.Equal(t, "1M", l.SelectNext(view, 1_500_000).RepresentationID)
	// (0.7*1.5M + 1.3*3M) / 2 * 1.1 = 2.7225M
	require.Equal(t, "2M", l.SelectNext(view, 3_000_000).RepresentationID)
	// (0.7*3M + 1.3*1M) / 2 * 1.1 = 1.87M
	require.Equal(t, "1M", l.SelectNext(view, 1_000_000).RepresentationID)
	require.Equal(t, float64(1_000_000), l.(*EMABased).PreviousThroughput())
}

func TestOrderRepresentationsByDepIDs(t *testing.T) {
	ordered, err := OrderRepresentationsByDepIDs(layeredCatalog(1))
	require.NoError(t, err)

	ids := make([]string, 0, len(ordered))
	seen := map[string]bool{}
	for _, r := range ordered {
		for _, dep := range r.DependencyIDs {
			require.True(t, seen[dep], "%s depends on %s which is not ordered before it", r.ID, dep)
		}
		seen[r.ID] = true
		ids = append(ids, r.ID)
	}
	require.Equal(t, []string{"L0", "L1", "L2"}, ids)

	broken := media.NewCatalog("/svc", newRep("L0", 1, 1), newRep("L1", 1, 1, "X"))
	_, err = OrderRepresentationsByDepIDs(broken)
	require.ErrorIs(t, err, media.ErrUnknownDependency)

	l, err := DefaultRegistry().New(LogicSVCBuffer, Params{})
	require.NoError(t, err)
	require.ErrorIs(t, l.SetRepresentations(broken), media.ErrUnknownDependency)
}

func TestSVCBufferBased(t *testing.T) {
	l := newLogic(t, LogicSVCBuffer, layeredCatalog(30))
	b := playback.NewBuffer(playback.BufferParams{StrictOrder: true})
	admit := func(d Decision) {
		rep, ok := layeredCatalog(30).Get(d.RepresentationID)
		require.True(t, ok)
		require.NoError(t, b.Admit(playback.Entry{
			Segment:          d.Segment,
			RepresentationID: rep.ID,
			Duration:         rep.SegmentDuration,
			DependencyIDs:    rep.DependencyIDs,
		}))
	}

	// steady: base layer up to gamma
	for seg := 0; seg < 4; seg++ {
		d := l.SelectNext(b, 0)
		require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L0", Segment: seg}, d)
		admit(d)
	}

	// growing: base layer up to gamma + 2*alpha
	for seg := 4; seg < 8; seg++ {
		d := l.SelectNext(b, 0)
		require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L0", Segment: seg}, d)
		admit(d)
	}

	// quality increase: first enhancement starts gamma ahead of playback
	d := l.SelectNext(b, 0)
	require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L1", Segment: 4}, d)
	admit(d)

	// L1 is now active and below its target
	require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L1", Segment: 5}, l.SelectNext(b, 0))
}

func TestSVCBufferBasedIdleAndDone(t *testing.T) {
	single := media.NewCatalog("/svc", newRep("L0", 500_000, 30))
	l := newLogic(t, LogicSVCBuffer, single)

	full := &fakeView{
		levels:  map[string]time.Duration{"L0": 16 * time.Second},
		highest: map[string]int{"L0": 7},
	}
	require.Equal(t, StatusIdle, l.SelectNext(full, 0).Status)

	l = newLogic(t, LogicSVCBuffer, layeredCatalog(4))
	drained := &fakeView{nextToConsume: 4}
	require.Equal(t, StatusAllDone, l.SelectNext(drained, 0).Status)
}

func TestSVCRateBased(t *testing.T) {
	l := newLogic(t, LogicSVCRate, layeredCatalog(2))

	// 0.5M + 0.5M fits 1.2M, adding 1M does not
	require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L0", Segment: 0}, l.SelectNext(nil, 1_200_000))
	require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L1", Segment: 0}, l.SelectNext(nil, 100_000))
	require.InDelta(t, 980_000, l.(*SVCRateBased).EMA(), 1e-6)

	// ema 804k only fits the base layer
	require.Equal(t, Decision{Status: StatusSelected, RepresentationID: "L0", Segment: 1}, l.SelectNext(nil, 100_000))
	require.Equal(t, StatusAllDone, l.SelectNext(nil, 100_000).Status)

	checker, ok := l.(MinBufferChecker)
	require.True(t, ok)
	view := &fakeView{levels: map[string]time.Duration{"L0": 2 * time.Second}}
	require.True(t, checker.HasMinBufferLevel(view, "L0"))
	require.False(t, checker.HasMinBufferLevel(view, "L1"))
	view.levels["L0"] = 4 * time.Second
	require.True(t, checker.HasMinBufferLevel(view, "L2"))
}

func TestSVCAllLayers(t *testing.T) {
	l := newLogic(t, LogicSVCAll, layeredCatalog(2))

	var got []string
	for {
		d := l.SelectNext(nil, 0)
		if d.Status == StatusAllDone {
			break
		}
		got = append(got, fmt.Sprintf("%s/%d", d.RepresentationID, d.Segment))
	}
	require.Equal(t, []string{"L0/0", "L1/0", "L2/0", "L0/1", "L1/1", "L2/1"}, got)
}
