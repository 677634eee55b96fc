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
	"runtime"
	"sync"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	pullstreamNamespace string = "pullstream"
)

var (
	initLock    sync.Mutex
	initialized atomic.Bool

	promNodeGauge *prometheus.GaugeVec
)

// NodeStats is the host load reported alongside producer stats.
type NodeStats struct {
	NumCPUs    int
	CPULoad    float64
	MemoryLoad float64
}

// cpuSampler turns cumulative cpu counters into the busy fraction since the previous sample.
type cpuSampler struct {
	lock        sync.Mutex
	total, idle uint64
}

var hostCPU cpuSampler

func (s *cpuSampler) update(total uint64, idle uint64) float64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	var load float64
	if s.total > 0 && total > s.total && idle >= s.idle {
		load = 1 - float64(idle-s.idle)/float64(total-s.total)
	}
	s.total, s.idle = total, idle
	return load
}

// Init registers all collectors with the default registry. Calls after the first are no-ops.
// Recording functions are no-ops until Init is called.
func Init(nodeID string) {
	initLock.Lock()
	defer initLock.Unlock()
	if initialized.Load() {
		return
	}

	promNodeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   pullstreamNamespace,
			Subsystem:   "node",
			Name:        "stats",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
			Help:        "Host load as seen by this process.",
		},
		[]string{"stat"},
	)

	prometheus.MustRegister(promNodeGauge)

	initTransferStats(nodeID)
	initPlaybackStats(nodeID)
	initProducerStats(nodeID)

	initialized.Store(true)
}

func getMemoryStats() (memoryLoad float64, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float64(memInfo.Used) / float64(memInfo.Total)
	}
	return
}

// GetUpdatedNodeStats samples the host and updates the node gauges.
func GetUpdatedNodeStats() (*NodeStats, error) {
	cpuLoad, err := hostCPU.sample()
	if err != nil {
		return nil, err
	}

	// memory stats are unavailable on some platforms
	memoryLoad, _ := getMemoryStats()

	stats := &NodeStats{
		NumCPUs:    runtime.NumCPU(),
		CPULoad:    cpuLoad,
		MemoryLoad: memoryLoad,
	}

	if initialized.Load() {
		promNodeGauge.WithLabelValues("cpu_load").Set(stats.CPULoad)
		promNodeGauge.WithLabelValues("memory_load").Set(stats.MemoryLoad)
	}
	return stats, nil
}
