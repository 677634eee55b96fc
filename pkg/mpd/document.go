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

package mpd

import (
	"strconv"
	"strings"
	"time"
)

const NumberPlaceholder = "$Number$"

// Document is a media presentation description: periods of adaptation sets, each holding
// alternative or layered representations of the same content.
type Document struct {
	BaseURLs []string  `yaml:"base_urls,omitempty"`
	Title    string    `yaml:"title,omitempty"`
	Periods  []*Period `yaml:"periods"`
}

type Period struct {
	ID             string           `yaml:"id,omitempty"`
	Duration       time.Duration    `yaml:"duration,omitempty"`
	AdaptationSets []*AdaptationSet `yaml:"adaptation_sets"`
}

type AdaptationSet struct {
	ID       string `yaml:"id,omitempty"`
	MimeType string `yaml:"mime_type,omitempty"`
	// initialization segment shared by all representations
	Initialization  string            `yaml:"initialization,omitempty"`
	Representations []*Representation `yaml:"representations"`
}

type Representation struct {
	ID             string       `yaml:"id"`
	Width          int          `yaml:"width,omitempty"`
	Height         int          `yaml:"height,omitempty"`
	Bandwidth      int64        `yaml:"bandwidth"`
	DependencyIDs  []string     `yaml:"dependency_ids,omitempty"`
	Initialization string       `yaml:"initialization,omitempty"`
	SegmentList    *SegmentList `yaml:"segment_list,omitempty"`
}

// SegmentList declares media segments either explicitly or through a $Number$ template.
type SegmentList struct {
	// in timescale units
	Duration    uint64   `yaml:"duration"`
	Timescale   uint64   `yaml:"timescale,omitempty"`
	Media       []string `yaml:"media,omitempty"`
	Template    string   `yaml:"template,omitempty"`
	StartNumber int      `yaml:"start_number,omitempty"`
	Count       int      `yaml:"count,omitempty"`
}

func (s *SegmentList) SegmentDuration() time.Duration {
	if s == nil {
		return 0
	}
	timescale := s.Timescale
	if timescale == 0 {
		timescale = 1
	}
	return time.Duration(float64(s.Duration) / float64(timescale) * float64(time.Second))
}

// URLs returns the ordered media segment URLs.
func (s *SegmentList) URLs() []string {
	if s == nil {
		return nil
	}
	if len(s.Media) != 0 {
		return s.Media
	}
	if s.Template == "" || s.Count <= 0 {
		return nil
	}

	urls := make([]string, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		urls = append(urls, strings.ReplaceAll(s.Template, NumberPlaceholder, strconv.Itoa(s.StartNumber+i)))
	}
	return urls
}
