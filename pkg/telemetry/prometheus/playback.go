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

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SegmentState string

const (
	SegmentDownloaded SegmentState = "downloaded"
	SegmentAdmitted   SegmentState = "admitted"
	SegmentConsumed   SegmentState = "consumed"
	SegmentDropped    SegmentState = "dropped"
)

var (
	promSegments      *prometheus.CounterVec
	promStallTotal    prometheus.Counter
	promFreezeSeconds prometheus.Counter
	promStartupDelay  prometheus.Gauge
	promBufferLevel   prometheus.Gauge
	promBitrate       prometheus.Gauge
)

func initPlaybackStats(nodeID string) {
	promSegments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "playback",
		Name:        "segments",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"state"})
	promStallTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "playback",
		Name:        "stalls",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promFreezeSeconds = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "playback",
		Name:        "freeze_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promStartupDelay = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "playback",
		Name:        "startup_delay_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promBufferLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "playback",
		Name:        "buffer_level_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promBitrate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "playback",
		Name:        "bitrate",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promSegments)
	prometheus.MustRegister(promStallTotal)
	prometheus.MustRegister(promFreezeSeconds)
	prometheus.MustRegister(promStartupDelay)
	prometheus.MustRegister(promBufferLevel)
	prometheus.MustRegister(promBitrate)
}

func IncrementSegments(state SegmentState) {
	if !initialized.Load() {
		return
	}
	promSegments.WithLabelValues(string(state)).Inc()
}

func RecordConsumed(bitrate int64) {
	if !initialized.Load() {
		return
	}
	promSegments.WithLabelValues(string(SegmentConsumed)).Inc()
	promBitrate.Set(float64(bitrate))
}

func RecordFreeze(freeze time.Duration) {
	if !initialized.Load() {
		return
	}
	promStallTotal.Inc()
	promFreezeSeconds.Add(freeze.Seconds())
}

func SetStartupDelay(delay time.Duration) {
	if !initialized.Load() {
		return
	}
	promStartupDelay.Set(delay.Seconds())
}

func SetBufferLevel(seconds float64) {
	if !initialized.Load() {
		return
	}
	promBufferLevel.Set(seconds)
}
