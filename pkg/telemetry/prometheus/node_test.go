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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCPUSampler(t *testing.T) {
	var s cpuSampler
	require.Zero(t, s.update(1000, 800))
	require.InDelta(t, 0.75, s.update(1400, 900), 1e-9)
	// counters going backwards are not a load
	require.Zero(t, s.update(1200, 850))
	require.Zero(t, s.update(1200, 850))
}

func TestGetUpdatedNodeStats(t *testing.T) {
	Init("test")

	stats, err := GetUpdatedNodeStats()
	require.NoError(t, err)
	require.Equal(t, runtime.NumCPU(), stats.NumCPUs)
	require.GreaterOrEqual(t, stats.CPULoad, 0.0)
	require.LessOrEqual(t, stats.CPULoad, 1.0)
	require.GreaterOrEqual(t, stats.MemoryLoad, 0.0)
	require.LessOrEqual(t, stats.MemoryLoad, 1.0)
}
