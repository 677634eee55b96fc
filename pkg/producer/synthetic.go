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

package producer

import (
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/pullstream/pkg/media"
	"github.com/livekit/pullstream/pkg/mpd"
)

const syntheticInitSegmentSize = int64(4096)

// SyntheticStore serves a presentation document and zero filled segments whose sizes follow
// the representation bandwidth and segment duration.
type SyntheticStore struct {
	docPath string
	doc     []byte
	sizes   map[string]int64
}

// NewSyntheticStore serves doc at docPath, compressed according to its suffix.
func NewSyntheticStore(docPath string, doc *mpd.Document) (*SyntheticStore, error) {
	data, err := mpd.Encode(docPath, doc)
	if err != nil {
		return nil, err
	}

	s := &SyntheticStore{
		docPath: docPath,
		doc:     data,
		sizes:   make(map[string]int64),
	}
	for _, base := range doc.BaseURLs {
		prefix := media.NormalizeBaseURL(base)
		for _, period := range doc.Periods {
			for _, as := range period.AdaptationSets {
				if as.Initialization != "" {
					s.sizes[media.JoinName(prefix, as.Initialization)] = syntheticInitSegmentSize
				}
				for _, rep := range as.Representations {
					if rep.Initialization != "" {
						s.sizes[media.JoinName(prefix, rep.Initialization)] = syntheticInitSegmentSize
					}
					size := int64(float64(rep.Bandwidth) * rep.SegmentList.SegmentDuration().Seconds() / 8)
					for _, url := range rep.SegmentList.URLs() {
						s.sizes[media.JoinName(prefix, url)] = size
					}
				}
			}
		}
	}
	return s, nil
}

func (s *SyntheticStore) Size(path string) (int64, error) {
	if path == s.docPath {
		return int64(len(s.doc)), nil
	}
	if size, ok := s.sizes[path]; ok {
		return size, nil
	}
	return 0, errors.Wrap(ErrNotFound, path)
}

func (s *SyntheticStore) ReadChunk(path string, seq uint32, chunkSize int) ([]byte, error) {
	size, err := s.Size(path)
	if err != nil {
		return nil, err
	}
	start, end, err := chunkRange(size, seq, chunkSize)
	if err != nil {
		return nil, err
	}

	if path == s.docPath {
		return s.doc[start:end], nil
	}
	return make([]byte, end-start), nil
}

// NumFiles returns the number of media files served besides the document.
func (s *SyntheticStore) NumFiles() int {
	return len(s.sizes)
}

func (s *SyntheticStore) Close() error {
	return nil
}

// ------------------------------------------------

// SampleRepresentation describes one rung of a generated presentation.
type SampleRepresentation struct {
	ID        string
	Width     int
	Height    int
	Bandwidth int64
	// enhancement layers name the layers they depend on
	DependencyIDs []string
}

var DefaultSampleLadder = []SampleRepresentation{
	{ID: "360p", Width: 640, Height: 360, Bandwidth: 400_000},
	{ID: "720p", Width: 1280, Height: 720, Bandwidth: 1_500_000},
	{ID: "1080p", Width: 1920, Height: 1080, Bandwidth: 4_000_000},
}

// SampleDocument builds a single period presentation with numSegments segments of
// segmentSeconds each per representation.
func SampleDocument(baseURL string, numSegments int, segmentSeconds int, ladder []SampleRepresentation) *mpd.Document {
	if len(ladder) == 0 {
		ladder = DefaultSampleLadder
	}
	reps := make([]*mpd.Representation, 0, len(ladder))
	for _, r := range ladder {
		reps = append(reps, &mpd.Representation{
			ID:            r.ID,
			Width:         r.Width,
			Height:        r.Height,
			Bandwidth:     r.Bandwidth,
			DependencyIDs: r.DependencyIDs,
			SegmentList: &mpd.SegmentList{
				Duration:    uint64(segmentSeconds),
				Template:    r.ID + "/" + mpd.NumberPlaceholder + ".m4s",
				StartNumber: 1,
				Count:       numSegments,
			},
		})
	}
	return &mpd.Document{
		BaseURLs: []string{baseURL},
		Title:    "sample",
		Periods: []*mpd.Period{{
			ID:       "p0",
			Duration: time.Duration(numSegments*segmentSeconds) * time.Second,
			AdaptationSets: []*mpd.AdaptationSet{{
				ID:              "video",
				MimeType:        "video/mp4",
				Initialization:  "init.mp4",
				Representations: reps,
			}},
		}},
	}
}

// SampleDocumentName is the request name under which a document for baseURL is served.
func SampleDocumentName(baseURL string) string {
	return media.JoinName(media.NormalizeBaseURL(baseURL), "manifest.yaml.gz")
}
