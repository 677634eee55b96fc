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
	"go.uber.org/atomic"
)

type RequestType string

const (
	RequestSent          RequestType = "sent"
	RequestReceived      RequestType = "received"
	RequestTimedOut      RequestType = "timed_out"
	RequestRetransmitted RequestType = "retransmitted"
	RequestDuplicate     RequestType = "duplicate"
)

type TransferOutcome string

const (
	TransferCompleted TransferOutcome = "completed"
	TransferNotFound  TransferOutcome = "not_found"
	TransferFailed    TransferOutcome = "failed"
)

var (
	bytesReceived atomic.Uint64
	requestsSent  atomic.Uint64

	promTransferRequests  *prometheus.CounterVec
	promTransferBytes     prometheus.Counter
	promTransferRTT       *prometheus.GaugeVec
	promCongestionWindow  *prometheus.GaugeVec
	promTransferTotal     *prometheus.CounterVec
	promTransferDurations prometheus.Histogram
)

func initTransferStats(nodeID string) {
	promTransferRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "transfer",
		Name:        "requests",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"type"})
	promTransferBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "transfer",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promTransferRTT = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "transfer",
		Name:        "rtt_ms",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"stat"})
	promCongestionWindow = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "congestion",
		Name:        "window",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"algorithm"})
	promTransferTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "transfer",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"outcome"})
	promTransferDurations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   pullstreamNamespace,
		Subsystem:   "transfer",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	prometheus.MustRegister(promTransferRequests)
	prometheus.MustRegister(promTransferBytes)
	prometheus.MustRegister(promTransferRTT)
	prometheus.MustRegister(promCongestionWindow)
	prometheus.MustRegister(promTransferTotal)
	prometheus.MustRegister(promTransferDurations)
}

func IncrementRequests(requestType RequestType) {
	if requestType == RequestSent {
		requestsSent.Inc()
	}
	if !initialized.Load() {
		return
	}
	promTransferRequests.WithLabelValues(string(requestType)).Inc()
}

func AddBytesReceived(n int) {
	bytesReceived.Add(uint64(n))
	if !initialized.Load() {
		return
	}
	promTransferBytes.Add(float64(n))
}

func SetRTT(estimated time.Duration, deviation time.Duration) {
	if !initialized.Load() {
		return
	}
	promTransferRTT.WithLabelValues("estimated").Set(float64(estimated) / float64(time.Millisecond))
	promTransferRTT.WithLabelValues("deviation").Set(float64(deviation) / float64(time.Millisecond))
}

func SetCongestionWindow(algorithm string, window float64) {
	if !initialized.Load() {
		return
	}
	promCongestionWindow.WithLabelValues(algorithm).Set(window)
}

func RecordTransfer(outcome TransferOutcome, elapsed time.Duration) {
	if !initialized.Load() {
		return
	}
	promTransferTotal.WithLabelValues(string(outcome)).Inc()
	if outcome == TransferCompleted {
		promTransferDurations.Observe(elapsed.Seconds())
	}
}

// TransferTotals returns process-wide counters, maintained even without Init.
func TransferTotals() (requests uint64, bytes uint64) {
	return requestsSent.Load(), bytesReceived.Load()
}
