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

package media

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/pullstream/pkg/mpd"
)

func testDocument() *mpd.Document {
	rep := func(id string, w, h int, bw int64, deps ...string) *mpd.Representation {
		return &mpd.Representation{
			ID:            id,
			Width:         w,
			Height:        h,
			Bandwidth:     bw,
			DependencyIDs: deps,
			SegmentList: &mpd.SegmentList{
				Duration: 2,
				Template: id + "/seg$Number$.m4s",
				Count:    10,
			},
		}
	}
	return &mpd.Document{
		BaseURLs: []string{"http://example.com/bbb/"},
		Periods: []*mpd.Period{{
			AdaptationSets: []*mpd.AdaptationSet{{
				Representations: []*mpd.Representation{
					rep("360p", 640, 360, 400_000),
					rep("720p", 1280, 720, 1_500_000),
					rep("1080p", 1920, 1080, 4_000_000),
					rep("2160p", 3840, 2160, 12_000_000),
				},
			}},
		}},
	}
}

func TestBuildCatalogFilters(t *testing.T) {
	t.Run("no upscale no downscale", func(t *testing.T) {
		c, err := BuildCatalog(testDocument(), CatalogParams{ScreenWidth: 1280, ScreenHeight: 720})
		require.NoError(t, err)
		require.Equal(t, []string{"720p"}, c.IDs())
		require.Equal(t, "/example.com/bbb", c.BaseURL)
	})

	t.Run("upscale", func(t *testing.T) {
		c, err := BuildCatalog(testDocument(), CatalogParams{ScreenWidth: 1920, ScreenHeight: 1080, AllowUpscale: true})
		require.NoError(t, err)
		require.Equal(t, []string{"360p", "720p", "1080p"}, c.IDs())
		require.Equal(t, "360p", c.Start().ID)
		require.Equal(t, 10, c.NumSegments())
		require.Equal(t, "/example.com/bbb/360p/seg3.m4s", JoinName(c.BaseURL, c.Start().SegmentURL(3)))
	})

	t.Run("nothing fits", func(t *testing.T) {
		_, err := BuildCatalog(testDocument(), CatalogParams{ScreenWidth: 100, ScreenHeight: 100})
		require.ErrorIs(t, err, ErrNoRepresentations)
	})
}

func TestBuildCatalogStart(t *testing.T) {
	params := CatalogParams{ScreenWidth: 1920, ScreenHeight: 1080, AllowUpscale: true, AllowDownscale: true}

	params.StartRepresentation = StartAuto
	params.ThroughputBps = 2_000_000
	c, err := BuildCatalog(testDocument(), params)
	require.NoError(t, err)
	require.Equal(t, "720p", c.Start().ID)

	params.ThroughputBps = 100
	c, err = BuildCatalog(testDocument(), params)
	require.NoError(t, err)
	require.Equal(t, "360p", c.Start().ID)

	params.StartRepresentation = "1080p"
	c, err = BuildCatalog(testDocument(), params)
	require.NoError(t, err)
	require.Equal(t, "1080p", c.Start().ID)

	params.StartRepresentation = "8k"
	c, err = BuildCatalog(testDocument(), params)
	require.NoError(t, err)
	require.Equal(t, "360p", c.Start().ID)

	require.Equal(t, "2160p", c.HighestBelow(1e9).ID)
	require.Equal(t, "720p", c.HighestBelow(4_000_000).ID)
	require.Equal(t, "360p", c.HighestBelow(0).ID)
}

func TestBuildCatalogDependencies(t *testing.T) {
	doc := testDocument()
	reps := doc.Periods[0].AdaptationSets[0].Representations
	reps[1].DependencyIDs = []string{"360p"}
	reps[2].DependencyIDs = []string{"720p"}
	reps[3].DependencyIDs = []string{"1080p"}

	// 360p is filtered by the screen, so every layer above it is undecodable
	_, err := BuildCatalog(doc, CatalogParams{ScreenWidth: 1280, ScreenHeight: 720, AllowDownscale: true})
	require.ErrorIs(t, err, ErrNoRepresentations)

	c, err := BuildCatalog(doc, CatalogParams{ScreenWidth: 1280, ScreenHeight: 720, AllowUpscale: true})
	require.NoError(t, err)
	require.Equal(t, []string{"360p", "720p"}, c.IDs())
	r, ok := c.Get("720p")
	require.True(t, ok)
	require.True(t, r.DependsOn("360p"))
	require.False(t, r.IsBaseLayer())
}

func TestBuildCatalogErrors(t *testing.T) {
	doc := testDocument()
	doc.BaseURLs = nil
	_, err := BuildCatalog(doc, CatalogParams{})
	require.ErrorIs(t, err, ErrNoBaseURL)

	doc = testDocument()
	doc.Periods = nil
	_, err = BuildCatalog(doc, CatalogParams{})
	require.ErrorIs(t, err, ErrNoPeriods)

	doc = testDocument()
	doc.Periods[0].AdaptationSets = nil
	_, err = BuildCatalog(doc, CatalogParams{})
	require.ErrorIs(t, err, ErrNoAdaptationSets)
}

func TestInitSegment(t *testing.T) {
	doc := testDocument()
	doc.Periods[0].AdaptationSets[0].Representations[0].Initialization = "360p/init.mp4"
	c, err := BuildCatalog(doc, CatalogParams{ScreenWidth: 640, ScreenHeight: 360})
	require.NoError(t, err)
	require.Equal(t, "360p/init.mp4", c.InitSegment())

	doc.Periods[0].AdaptationSets[0].Initialization = "init.mp4"
	c, err = BuildCatalog(doc, CatalogParams{ScreenWidth: 640, ScreenHeight: 360})
	require.NoError(t, err)
	require.Equal(t, "init.mp4", c.InitSegment())
}
