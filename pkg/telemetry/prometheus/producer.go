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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	ProducerManifest = "manifest"
	ProducerChunk    = "chunk"

	ProducerServed = "served"
	ProducerMissed = "missed"
)

var (
	producerRequests atomic.Uint64
	producerBytes    atomic.Uint64
	connectionTotal  atomic.Int32

	promProducerRequests    *prometheus.CounterVec
	promProducerBytes       prometheus.Counter
	promProducerConnections prometheus.Gauge
)

func initProducerStats(nodeID string) {
	promProducerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "producer",
		Name:        "requests",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"type", "status"})
	promProducerBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "producer",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promProducerConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "producer",
		Name:        "connections",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promProducerRequests)
	prometheus.MustRegister(promProducerBytes)
	prometheus.MustRegister(promProducerConnections)
}

func IncrementProducerRequest(requestType string, status string, bytes int) {
	producerRequests.Inc()
	producerBytes.Add(uint64(bytes))
	if !initialized.Load() {
		return
	}
	promProducerRequests.WithLabelValues(requestType, status).Inc()
	promProducerBytes.Add(float64(bytes))
}

func AddProducerConnection() {
	connectionTotal.Inc()
	if initialized.Load() {
		promProducerConnections.Inc()
	}
}

func SubProducerConnection() {
	connectionTotal.Dec()
	if initialized.Load() {
		promProducerConnections.Dec()
	}
}

// ProducerTotals returns process-wide producer counters.
func ProducerTotals() (requests uint64, bytes uint64, connections int32) {
	return producerRequests.Load(), producerBytes.Load(), connectionTotal.Load()
}
