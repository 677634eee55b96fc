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

package transfer

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/pullstream/pkg/congestion"
	"github.com/livekit/pullstream/pkg/sched"
	"github.com/livekit/pullstream/pkg/transport"
)

type recorder struct {
	NullListener

	started      int
	finished     int
	failed       int
	ticks        int
	manifestSize int64
	result       Result
	err          error
}

func (r *recorder) OnDownloadStarted(string) { r.started++ }

func (r *recorder) OnManifestReceived(_ string, size int64) { r.manifestSize = size }

func (r *recorder) OnDownloadFinished(result Result) {
	r.finished++
	r.result = result
}

func (r *recorder) OnDownloadFailed(_ string, err error) {
	r.failed++
	r.err = err
}

func (r *recorder) OnStatsTick(string, Stats) { r.ticks++ }

// manualTransport records requests, replies are delivered by the test.
type manualTransport struct {
	requests []string
	handler  transport.ReplyHandler
}

func (m *manualTransport) SendRequest(name string) {
	m.requests = append(m.requests, name)
}

func (m *manualTransport) SetReplyHandler(h transport.ReplyHandler) {
	m.handler = h
}

func (m *manualTransport) Close() error {
	return nil
}

func (m *manualTransport) count(name string) int {
	n := 0
	for _, r := range m.requests {
		if r == name {
			n++
		}
	}
	return n
}

func fileHandler(base string, data []byte, chunkSize int) transport.Handler {
	return transport.HandlerFunc(func(name string) ([]byte, bool) {
		if name == ManifestName(base, DefaultManifestSuffix) {
			return EncodeManifest(int64(len(data))), true
		}
		parsed, err := ParseName(name, DefaultManifestSuffix)
		if err != nil || parsed.Base != base {
			return EncodeManifest(ManifestNotFound), true
		}
		start := int(parsed.Seq) * chunkSize
		if start >= len(data) {
			return nil, false
		}
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		return data[start:end], true
	})
}

func newTestTransfer(t *testing.T, s sched.Scheduler, tr transport.Transport, l Listener, cfg Config) *Transfer {
	ctrl, err := congestion.New(congestion.Params{Config: congestion.Config{Algorithm: congestion.AlgorithmAIMD}})
	require.NoError(t, err)

	cfg.ChunkSize = 1024
	xfer, err := New(Params{
		Name:       "/content/file",
		Config:     cfg,
		Scheduler:  s,
		Transport:  tr,
		Controller: ctrl,
		Listener:   l,
	})
	require.NoError(t, err)
	tr.SetReplyHandler(xfer.HandleReply)
	return xfer
}

func TestTransferOutOfOrderReplies(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	tr := &manualTransport{}
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, tr, rec, Config{})

	require.NoError(t, xfer.Start())
	require.ErrorIs(t, xfer.Start(), ErrAlreadyStarted)
	require.Equal(t, StateAwaitingManifest, xfer.State())
	require.Equal(t, []string{"/content/file/manifest"}, tr.requests)

	clock.RunFor(10 * time.Millisecond)
	tr.handler(transport.Reply{Name: "/content/file/manifest", Payload: EncodeManifest(4096)})
	require.Equal(t, StateStreaming, xfer.State())
	require.Equal(t, int64(4096), rec.manifestSize)
	require.Equal(t, 4, xfer.Table().Len())
	require.Len(t, tr.requests, 5)

	clock.RunFor(30 * time.Millisecond)
	for seq := 3; seq >= 0; seq-- {
		tr.handler(transport.Reply{Name: ChunkName("/content/file", uint32(seq)), Payload: make([]byte, 1024)})
	}

	require.Equal(t, StateCompleted, xfer.State())
	require.Equal(t, 1, rec.finished)
	require.Equal(t, int64(4096), rec.result.FileSize)
	require.Equal(t, 40*time.Millisecond, rec.result.Elapsed)
	require.InDelta(t, 4096/0.04, rec.result.Throughput, 1e-6)
	require.InDelta(t, 8*4096/0.04, rec.result.ThroughputBps(), 1e-6)
	require.Equal(t, uint64(4), rec.result.Stats.Received)
	require.Zero(t, rec.result.Stats.TimedOut)

	// all timers are gone
	require.Zero(t, clock.Pending())
}

func TestTransferNotFound(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	tr := &manualTransport{}
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, tr, rec, Config{})

	require.NoError(t, xfer.Start())
	tr.handler(transport.Reply{Name: "/content/file/manifest", Payload: EncodeManifest(ManifestNotFound)})

	require.Equal(t, StateCompleted, xfer.State())
	require.Equal(t, 1, rec.finished)
	require.True(t, rec.result.NotFound)
	require.Zero(t, rec.result.FileSize)
	require.Len(t, tr.requests, 1)
}

func TestTransferEmptyFile(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	tr := &manualTransport{}
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, tr, rec, Config{})

	require.NoError(t, xfer.Start())
	tr.handler(transport.Reply{Name: "/content/file/manifest", Payload: EncodeManifest(0)})

	require.Equal(t, StateCompleted, xfer.State())
	require.False(t, rec.result.NotFound)
	require.Len(t, tr.requests, 1)
}

func TestTransferLateReplyAfterTimeout(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	tr := &manualTransport{}
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, tr, rec, Config{})

	require.NoError(t, xfer.Start())
	tr.handler(transport.Reply{Name: "/content/file/manifest", Payload: EncodeManifest(2048)})
	tr.handler(transport.Reply{Name: "/content/file/0", Payload: make([]byte, 1024)})

	// chunk 1 times out and is requested again
	clock.RunFor(300 * time.Millisecond)
	require.Equal(t, 2, tr.count("/content/file/1"))
	status, err := xfer.Table().Status(1)
	require.NoError(t, err)
	require.Equal(t, ChunkStatusRequested, status)

	// the original reply arrives late, then the one for the retransmission
	tr.handler(transport.Reply{Name: "/content/file/1", Payload: make([]byte, 1024)})
	tr.handler(transport.Reply{Name: "/content/file/1", Payload: make([]byte, 1024)})

	status, err = xfer.Table().Status(1)
	require.NoError(t, err)
	require.Equal(t, ChunkStatusReceived, status)
	require.Equal(t, 1, rec.finished)
	require.Equal(t, uint64(1), rec.result.Stats.TimedOut)
	require.Equal(t, uint64(1), rec.result.Stats.Retransmitted)
}

func TestTransferIgnoresForeignAndOutOfRangeReplies(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	tr := &manualTransport{}
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, tr, rec, Config{})

	require.NoError(t, xfer.Start())
	tr.handler(transport.Reply{Name: "/content/file/manifest", Payload: EncodeManifest(1024)})

	tr.handler(transport.Reply{Name: "/content/other/0", Payload: make([]byte, 1024)})
	tr.handler(transport.Reply{Name: "/content/file/7", Payload: make([]byte, 1024)})
	tr.handler(transport.Reply{Name: "garbage", Payload: nil})
	require.Equal(t, StateStreaming, xfer.State())
	require.Zero(t, xfer.Table().CountReceived())

	tr.handler(transport.Reply{Name: "/content/file/0", Payload: make([]byte, 1024)})
	require.Equal(t, StateCompleted, xfer.State())
}

func TestTransferOverLossyLoopback(t *testing.T) {
	data := make([]byte, 64*1024+100)
	rand.New(rand.NewSource(1)).Read(data)

	clock := sched.NewVirtualClock(time.Unix(0, 0))
	lb := transport.NewLoopback(transport.LoopbackParams{
		Scheduler:    clock,
		Handler:      fileHandler("/content/file", data, 1024),
		Delay:        10 * time.Millisecond,
		BandwidthBps: 8_000_000,
		Drop:         transport.DropEveryNth(7),
	})
	rec := &recorder{}
	sink := &MemorySink{}

	ctrl, err := congestion.New(congestion.Params{Config: congestion.Config{Algorithm: congestion.AlgorithmReordering}})
	require.NoError(t, err)
	xfer, err := New(Params{
		Name:       "/content/file",
		Config:     Config{ChunkSize: 1024},
		Scheduler:  clock,
		Transport:  lb,
		Controller: ctrl,
		Listener:   rec,
		Output:     sink,
	})
	require.NoError(t, err)
	lb.SetReplyHandler(xfer.HandleReply)

	require.NoError(t, xfer.Start())
	require.True(t, clock.RunUntil(func() bool { return rec.finished > 0 }, time.Minute))

	require.Equal(t, StateCompleted, xfer.State())
	require.True(t, bytes.Equal(data, sink.Bytes()))
	require.Equal(t, 65, xfer.Table().Len())
	require.Greater(t, rec.result.Stats.Retransmitted, uint64(0))
	require.Greater(t, rec.result.Stats.TimedOut, uint64(0))
	require.Zero(t, rec.failed)
}

func TestTransferOversizedManifest(t *testing.T) {
	for _, tc := range []struct {
		name string
		size int64
		cfg  Config
	}{
		{"unaddressable", 1 << 62, Config{MaxFileSize: 1 << 62}},
		{"above limit", 1 << 40, Config{}},
		{"configured limit", 4097, Config{MaxFileSize: 4096}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clock := sched.NewVirtualClock(time.Unix(0, 0))
			huge := transport.HandlerFunc(func(name string) ([]byte, bool) {
				if name == "/content/file/manifest" {
					return EncodeManifest(tc.size), true
				}
				return nil, false
			})
			lb := transport.NewLoopback(transport.LoopbackParams{Scheduler: clock, Handler: huge, Delay: 5 * time.Millisecond})
			rec := &recorder{}
			xfer := newTestTransfer(t, clock, lb, rec, tc.cfg)

			require.NoError(t, xfer.Start())
			clock.Run(time.Minute)

			require.Equal(t, StateFailed, xfer.State())
			require.Equal(t, 1, rec.failed)
			require.ErrorIs(t, rec.err, ErrMalformedManifest)
			require.Zero(t, xfer.Table().Len())
			require.Zero(t, lb.Attempts("/content/file/0"))
		})
	}
}

func TestTransferRetriesExhausted(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	silent := transport.HandlerFunc(func(name string) ([]byte, bool) {
		if name == "/content/file/manifest" {
			return EncodeManifest(2048), true
		}
		return nil, false
	})
	lb := transport.NewLoopback(transport.LoopbackParams{Scheduler: clock, Handler: silent, Delay: 5 * time.Millisecond})
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, lb, rec, Config{MaxRetries: 2})

	require.NoError(t, xfer.Start())
	clock.Run(time.Hour)

	require.Equal(t, StateFailed, xfer.State())
	require.Equal(t, 1, rec.failed)
	require.Zero(t, rec.finished)
	require.ErrorIs(t, rec.err, ErrRetriesExhausted)
	require.ErrorIs(t, xfer.Err(), ErrRetriesExhausted)
	require.Equal(t, 3, lb.Attempts("/content/file/0"))
}

func TestTransferStop(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	lb := transport.NewLoopback(transport.LoopbackParams{
		Scheduler: clock,
		Handler:   fileHandler("/content/file", make([]byte, 10_000), 1024),
		Delay:     10 * time.Millisecond,
	})
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, lb, rec, Config{})

	require.NoError(t, xfer.Start())
	clock.RunFor(25 * time.Millisecond)
	require.Equal(t, StateStreaming, xfer.State())

	xfer.Stop()
	require.True(t, clock.Run(time.Minute))
	require.Equal(t, StateStopped, xfer.State())
	require.Zero(t, rec.finished)
	require.Zero(t, rec.failed)
}

func TestTransferStatsTick(t *testing.T) {
	clock := sched.NewVirtualClock(time.Unix(0, 0))
	tr := &manualTransport{}
	rec := &recorder{}
	xfer := newTestTransfer(t, clock, tr, rec, Config{StatsInterval: 100 * time.Millisecond})

	require.NoError(t, xfer.Start())
	tr.handler(transport.Reply{Name: "/content/file/manifest", Payload: EncodeManifest(4096)})

	// nothing answers, timeouts keep the transfer going
	clock.RunFor(550 * time.Millisecond)
	require.Equal(t, 5, rec.ticks)
	require.Greater(t, xfer.Stats().TimedOut, uint64(0))
	xfer.Stop()

	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, xfer.Stats().MarshalLogObject(enc))
	require.Equal(t, xfer.Stats().TimedOut, enc.Fields["timedOut"])
	require.Equal(t, xfer.Stats().EstimatedRTT, enc.Fields["rtt"])
}
