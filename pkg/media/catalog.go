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
	"strings"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"

	"github.com/livekit/pullstream/pkg/mpd"
)

const (
	StartLowest = "lowest"
	StartAuto   = "auto"
)

var (
	ErrNoBaseURL         = errors.New("no base url in presentation document")
	ErrNoPeriods         = errors.New("no periods in presentation document")
	ErrNoAdaptationSets  = errors.New("no adaptation sets in presentation document")
	ErrNoRepresentations = errors.New("no representation fits the screen")
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Representation is one quality variant or layer of the stream, referenced by ID.
type Representation struct {
	ID              string
	Width           int
	Height          int
	Bandwidth       int64
	DependencyIDs   []string
	SegmentDuration time.Duration
	Segments        []string
	Initialization  string
}

func (r *Representation) NumSegments() int {
	return len(r.Segments)
}

func (r *Representation) IsBaseLayer() bool {
	return len(r.DependencyIDs) == 0
}

func (r *Representation) DependsOn(id string) bool {
	return funk.ContainsString(r.DependencyIDs, id)
}

// SegmentURL returns the url of segment number, empty when out of range.
func (r *Representation) SegmentURL(number int) string {
	if number < 0 || number >= len(r.Segments) {
		return ""
	}
	return r.Segments[number]
}

// ------------------------------------------------

// Catalog holds the representations available to a session in document order.
type Catalog struct {
	BaseURL        string
	Initialization string

	reps  *orderedmap.OrderedMap[string, *Representation]
	start string
}

func NewCatalog(baseURL string, reps ...*Representation) *Catalog {
	c := &Catalog{
		BaseURL: baseURL,
		reps:    orderedmap.NewOrderedMap[string, *Representation](),
	}
	for _, r := range reps {
		c.reps.Set(r.ID, r)
	}
	if lowest := c.Lowest(); lowest != nil {
		c.start = lowest.ID
	}
	return c
}

func (c *Catalog) Len() int {
	return c.reps.Len()
}

func (c *Catalog) Get(id string) (*Representation, bool) {
	return c.reps.Get(id)
}

// All returns the representations in document order.
func (c *Catalog) All() []*Representation {
	all := make([]*Representation, 0, c.reps.Len())
	for el := c.reps.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value)
	}
	return all
}

func (c *Catalog) IDs() []string {
	ids := make([]string, 0, c.reps.Len())
	for el := c.reps.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Key)
	}
	return ids
}

// Lowest returns the representation with the smallest bandwidth, earliest on ties.
func (c *Catalog) Lowest() *Representation {
	var lowest *Representation
	for el := c.reps.Front(); el != nil; el = el.Next() {
		if lowest == nil || el.Value.Bandwidth < lowest.Bandwidth {
			lowest = el.Value
		}
	}
	return lowest
}

// HighestBelow returns the highest bandwidth representation requiring strictly less than bps,
// falling back to the lowest one.
func (c *Catalog) HighestBelow(bps float64) *Representation {
	var best *Representation
	for el := c.reps.Front(); el != nil; el = el.Next() {
		r := el.Value
		if float64(r.Bandwidth) >= bps {
			continue
		}
		if best == nil || r.Bandwidth > best.Bandwidth {
			best = r
		}
	}
	if best == nil {
		return c.Lowest()
	}
	return best
}

func (c *Catalog) Start() *Representation {
	r, _ := c.reps.Get(c.start)
	return r
}

// SegmentDuration is the duration of the first representation's segments.
func (c *Catalog) SegmentDuration() time.Duration {
	if el := c.reps.Front(); el != nil {
		return el.Value.SegmentDuration
	}
	return 0
}

// NumSegments is the number of segments every representation can serve.
func (c *Catalog) NumSegments() int {
	n := -1
	for el := c.reps.Front(); el != nil; el = el.Next() {
		if n < 0 || el.Value.NumSegments() < n {
			n = el.Value.NumSegments()
		}
	}
	if n < 0 {
		return 0
	}
	return n
}

// InitSegment returns the initialization segment to fetch before media, if any.
func (c *Catalog) InitSegment() string {
	if c.Initialization != "" {
		return c.Initialization
	}
	if start := c.Start(); start != nil {
		return start.Initialization
	}
	return ""
}

// ------------------------------------------------

type CatalogParams struct {
	ScreenWidth    int
	ScreenHeight   int
	AllowUpscale   bool
	AllowDownscale bool
	// representation id, StartLowest or StartAuto
	StartRepresentation string
	// throughput observed while downloading the document, used by StartAuto
	ThroughputBps float64
	Logger        logger.Logger
}

// BuildCatalog selects the representations of the first adaptation set of the first period that
// fit the screen and picks the start representation.
func BuildCatalog(doc *mpd.Document, params CatalogParams) (*Catalog, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	if len(doc.BaseURLs) == 0 || doc.BaseURLs[0] == "" {
		return nil, ErrNoBaseURL
	}
	if len(doc.Periods) == 0 {
		return nil, ErrNoPeriods
	}
	period := doc.Periods[0]
	if len(period.AdaptationSets) == 0 {
		return nil, ErrNoAdaptationSets
	}
	as := period.AdaptationSets[0]

	fits := funk.Filter(as.Representations, func(r *mpd.Representation) bool {
		if !params.AllowUpscale && r.Width < params.ScreenWidth && r.Height < params.ScreenHeight {
			return false
		}
		if !params.AllowDownscale && r.Width > params.ScreenWidth && r.Height > params.ScreenHeight {
			return false
		}
		return true
	}).([]*mpd.Representation)

	// a layer whose dependency was filtered away cannot be decoded
	available := make(map[string]bool, len(fits))
	for _, r := range fits {
		available[r.ID] = true
	}
	for changed := true; changed; {
		changed = false
		for _, r := range fits {
			if !available[r.ID] {
				continue
			}
			missing := funk.FilterString(r.DependencyIDs, func(dep string) bool { return !available[dep] })
			if len(missing) != 0 {
				params.Logger.Debugw("skipping representation with unavailable dependencies", "id", r.ID, "missing", missing)
				delete(available, r.ID)
				changed = true
			}
		}
	}

	reps := make([]*Representation, 0, len(available))
	for _, r := range fits {
		if available[r.ID] {
			reps = append(reps, fromDocument(r))
		}
	}
	if len(reps) == 0 {
		return nil, ErrNoRepresentations
	}

	c := NewCatalog(NormalizeBaseURL(doc.BaseURLs[0]), reps...)
	c.Initialization = as.Initialization
	c.start = selectStart(c, params)

	params.Logger.Infow("built catalog",
		"baseURL", c.BaseURL,
		"representations", c.IDs(),
		"start", c.start,
		"segments", c.NumSegments(),
		"segmentDuration", c.SegmentDuration(),
	)
	return c, nil
}

func selectStart(c *Catalog, params CatalogParams) string {
	switch params.StartRepresentation {
	case "", StartLowest:
	case StartAuto:
		var best *Representation
		for _, r := range c.All() {
			if float64(r.Bandwidth) < params.ThroughputBps && (best == nil || r.Bandwidth > best.Bandwidth) {
				best = r
			}
		}
		if best != nil {
			return best.ID
		}
	default:
		if _, ok := c.Get(params.StartRepresentation); ok {
			return params.StartRepresentation
		}
		params.Logger.Infow("start representation not available, using lowest", "id", params.StartRepresentation)
	}
	return c.Lowest().ID
}

func fromDocument(r *mpd.Representation) *Representation {
	return &Representation{
		ID:              r.ID,
		Width:           r.Width,
		Height:          r.Height,
		Bandwidth:       r.Bandwidth,
		DependencyIDs:   r.DependencyIDs,
		SegmentDuration: r.SegmentList.SegmentDuration(),
		Segments:        r.SegmentList.URLs(),
		Initialization:  r.Initialization,
	}
}

// NormalizeBaseURL turns an http(s) url into a request name prefix.
func NormalizeBaseURL(u string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(u, scheme) {
			u = "/" + strings.TrimPrefix(u, scheme)
			break
		}
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimSuffix(u, "/")
}

// JoinName appends a segment url to the base url.
func JoinName(baseURL, segment string) string {
	return baseURL + "/" + strings.TrimPrefix(segment, "/")
}
