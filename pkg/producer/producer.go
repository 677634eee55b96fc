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
	"strings"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transfer"
)

type Params struct {
	// names outside the prefix are not answered
	Prefix         string
	ManifestSuffix string
	ChunkSize      int
	Store          ContentStore
	Logger         logger.Logger
}

// Producer answers manifest and chunk requests from a content store.
// A missing file gets a not-found manifest, a missing chunk gets no reply.
type Producer struct {
	params Params

	served atomic.Uint64
	missed atomic.Uint64
}

func NewProducer(params Params) *Producer {
	if params.ManifestSuffix == "" {
		params.ManifestSuffix = transfer.DefaultManifestSuffix
	}
	if params.ChunkSize <= 0 {
		params.ChunkSize = transfer.DefaultChunkSize
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Prefix = strings.TrimSuffix(params.Prefix, "/")

	return &Producer{
		params: params,
	}
}

func (p *Producer) HandleRequest(name string) ([]byte, bool) {
	if !strings.HasPrefix(name, p.params.Prefix+"/") {
		p.params.Logger.Debugw("request outside prefix", "name", name)
		return nil, false
	}

	parsed, err := transfer.ParseName(strings.TrimPrefix(name, p.params.Prefix), p.params.ManifestSuffix)
	if err != nil {
		p.params.Logger.Debugw("ignoring malformed request", "name", name, "error", err)
		return nil, false
	}

	if parsed.IsManifest {
		return p.handleManifest(parsed.Base)
	}
	return p.handleChunk(parsed.Base, parsed.Seq)
}

// Stats returns the number of requests answered and left unanswered or answered with not found.
func (p *Producer) Stats() (served uint64, missed uint64) {
	return p.served.Load(), p.missed.Load()
}

func (p *Producer) handleManifest(path string) ([]byte, bool) {
	size, err := p.params.Store.Size(path)
	switch {
	case errors.Is(err, ErrNotFound):
		p.missed.Inc()
		prometheus.IncrementProducerRequest(prometheus.ProducerManifest, prometheus.ProducerMissed, 0)
		p.params.Logger.Debugw("file not found", "path", path)
		return transfer.EncodeManifest(transfer.ManifestNotFound), true

	case err != nil:
		p.missed.Inc()
		prometheus.IncrementProducerRequest(prometheus.ProducerManifest, prometheus.ProducerMissed, 0)
		p.params.Logger.Warnw("could not stat file", err, "path", path)
		return nil, false
	}

	p.served.Inc()
	payload := transfer.EncodeManifest(size)
	prometheus.IncrementProducerRequest(prometheus.ProducerManifest, prometheus.ProducerServed, len(payload))
	return payload, true
}

func (p *Producer) handleChunk(path string, seq uint32) ([]byte, bool) {
	data, err := p.params.Store.ReadChunk(path, seq, p.params.ChunkSize)
	if err != nil {
		p.missed.Inc()
		prometheus.IncrementProducerRequest(prometheus.ProducerChunk, prometheus.ProducerMissed, 0)
		if errors.Is(err, ErrNotFound) {
			p.params.Logger.Debugw("chunk not found", "path", path, "seq", seq)
		} else {
			p.params.Logger.Warnw("could not read chunk", err, "path", path, "seq", seq)
		}
		return nil, false
	}

	p.served.Inc()
	prometheus.IncrementProducerRequest(prometheus.ProducerChunk, prometheus.ProducerServed, len(data))
	return data, true
}
