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
	"fmt"
	"io"
	"math"
	"time"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	"github.com/livekit/pullstream/pkg/congestion"
	"github.com/livekit/pullstream/pkg/sched"
	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transport"
)

const (
	DefaultChunkSize     = 1024
	DefaultStatsInterval = time.Second
	DefaultMaxFileSize   = int64(4 << 30)
)

var (
	ErrNotFound            = errors.New("not found")
	ErrRetriesExhausted    = errors.New("retries exhausted")
	ErrAlreadyStarted      = errors.New("transfer already started")
	ErrMissingCollaborator = errors.New("transfer requires a scheduler, transport and congestion controller")
)

type Config struct {
	ChunkSize      int    `yaml:"chunk_size,omitempty"`
	ManifestSuffix string `yaml:"manifest_suffix,omitempty"`
	// file the downloaded content is written to, empty disables
	OutputFile string `yaml:"output_file,omitempty"`
	// larger manifests fail the transfer
	MaxFileSize int64 `yaml:"max_file_size,omitempty"`
	// per-chunk retransmission limit, 0 retries forever
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	StatsInterval time.Duration `yaml:"stats_interval,omitempty"`
	RTT           RTTConfig     `yaml:"rtt,omitempty"`
}

var DefaultConfig = Config{
	ChunkSize:      DefaultChunkSize,
	ManifestSuffix: DefaultManifestSuffix,
	StatsInterval:  DefaultStatsInterval,
	MaxFileSize:    DefaultMaxFileSize,
	RTT:            DefaultRTTConfig,
}

// ------------------------------------------------

type State int

const (
	StateIdle State = iota
	StateAwaitingManifest
	StateStreaming
	StateCompleted
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingManifest:
		return "AWAITING_MANIFEST"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

func (s State) IsActive() bool {
	return s == StateAwaitingManifest || s == StateStreaming
}

// ------------------------------------------------

type Params struct {
	Name       string
	Config     Config
	Scheduler  sched.Scheduler
	Transport  transport.Transport
	Controller congestion.Controller
	Listener   Listener
	// called for every newly received chunk
	OnChunk func(seq uint32, payload []byte)
	// chunks are written at seq*ChunkSize when set
	Output io.WriterAt
	Logger logger.Logger
}

// Transfer retrieves one named file chunk by chunk: manifest first, then a
// window of chunk requests governed by the congestion controller, retransmitting
// on timeout until every chunk has been received.
//
// All methods must be called on the scheduler loop.
type Transfer struct {
	params Params

	state          State
	table          *ChunkTable
	rtt            *RTTEstimator
	chunkTimers    *sched.TimerGroup[uint32]
	manifestTimer  *sched.Timer
	statsTimer     *sched.Timer
	manifestName   string
	manifestSentAt time.Time
	manifestTries  int
	sendTimes      map[uint32]time.Time
	retries        map[uint32]int

	fileSize  int64
	startedAt time.Time
	stats     Stats
	result    Result
	err       error
}

func New(params Params) (*Transfer, error) {
	if params.Scheduler == nil || params.Transport == nil || params.Controller == nil {
		return nil, ErrMissingCollaborator
	}
	if params.Config.ChunkSize <= 0 {
		params.Config.ChunkSize = DefaultChunkSize
	}
	if params.Config.ManifestSuffix == "" {
		params.Config.ManifestSuffix = DefaultManifestSuffix
	}
	if params.Config.StatsInterval <= 0 {
		params.Config.StatsInterval = DefaultStatsInterval
	}
	if params.Config.MaxFileSize <= 0 {
		params.Config.MaxFileSize = DefaultMaxFileSize
	}
	if params.Listener == nil {
		params.Listener = NullListener{}
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.Logger = params.Logger.WithValues("name", params.Name)

	return &Transfer{
		params:        params,
		table:         NewChunkTable(0),
		rtt:           NewRTTEstimator(params.Config.RTT),
		chunkTimers:   sched.NewTimerGroup[uint32](params.Scheduler),
		manifestTimer: sched.NewTimer(params.Scheduler),
		statsTimer:    sched.NewTimer(params.Scheduler),
		manifestName:  ManifestName(params.Name, params.Config.ManifestSuffix),
		sendTimes:     make(map[uint32]time.Time),
		retries:       make(map[uint32]int),
	}, nil
}

func (t *Transfer) Name() string {
	return t.params.Name
}

func (t *Transfer) State() State {
	return t.state
}

// Result is valid once the transfer has completed.
func (t *Transfer) Result() Result {
	return t.result
}

// Err is set once the transfer has failed.
func (t *Transfer) Err() error {
	return t.err
}

func (t *Transfer) Table() *ChunkTable {
	return t.table
}

func (t *Transfer) RTT() *RTTEstimator {
	return t.rtt
}

func (t *Transfer) Stats() Stats {
	s := t.stats
	s.EstimatedRTT = t.rtt.EstimatedRTT()
	s.DeviationRTT = t.rtt.DeviationRTT()
	s.Window = t.params.Controller.CurrentWindow()
	s.InFlight = t.params.Controller.InFlight()
	return s
}

func (t *Transfer) Start() error {
	if t.state != StateIdle {
		return ErrAlreadyStarted
	}

	t.state = StateAwaitingManifest
	t.startedAt = t.params.Scheduler.Now()
	t.params.Logger.Debugw("starting transfer", "chunkSize", t.params.Config.ChunkSize)
	t.params.Listener.OnDownloadStarted(t.params.Name)

	t.sendManifest()
	t.statsTimer.Reset(t.params.Config.StatsInterval, t.onStatsTick)
	return nil
}

// Stop cancels all pending timers. No events are emitted afterwards.
func (t *Transfer) Stop() {
	if !t.state.IsActive() && t.state != StateIdle {
		return
	}
	t.state = StateStopped
	t.stopTimers()
	t.params.Logger.Debugw("transfer stopped", "stats", t.Stats())
}

// HandleReply processes a reply. Replies for other names are ignored.
func (t *Transfer) HandleReply(reply transport.Reply) {
	if !t.state.IsActive() {
		return
	}

	if reply.Name == t.manifestName {
		if t.state == StateAwaitingManifest {
			t.onManifest(reply.Payload)
		}
		return
	}

	name, err := ParseName(reply.Name, t.params.Config.ManifestSuffix)
	if err != nil || name.IsManifest || name.Base != t.params.Name {
		return
	}
	if t.state != StateStreaming {
		return
	}
	t.onChunk(name.Seq, reply.Payload)
}

func (t *Transfer) sendManifest() {
	t.manifestSentAt = t.params.Scheduler.Now()
	t.manifestTimer.Reset(t.rtt.TimeoutValue(), t.onManifestTimeout)
	prometheus.IncrementRequests(prometheus.RequestSent)
	t.params.Transport.SendRequest(t.manifestName)
}

func (t *Transfer) onManifestTimeout() {
	if t.state != StateAwaitingManifest {
		return
	}

	t.manifestTries++
	if t.params.Config.MaxRetries > 0 && t.manifestTries > t.params.Config.MaxRetries {
		t.fail(errors.Wrap(ErrRetriesExhausted, "manifest"))
		return
	}

	t.rtt.OnTimeout()
	t.params.Logger.Debugw("manifest timed out", "attempt", t.manifestTries, "rto", t.rtt.TimeoutValue())
	t.sendManifest()
}

func (t *Transfer) onManifest(payload []byte) {
	t.manifestTimer.Stop()
	if t.manifestTries == 0 {
		t.rtt.OnSample(t.params.Scheduler.Now().Sub(t.manifestSentAt))
	}
	prometheus.IncrementRequests(prometheus.RequestReceived)

	size, err := DecodeManifest(payload)
	if err != nil {
		t.params.Logger.Warnw("could not decode manifest", err, "length", len(payload))
		size = ManifestNotFound
	}
	if size > t.params.Config.MaxFileSize || int64(NumChunks(size, t.params.Config.ChunkSize)) > math.MaxUint32 {
		t.fail(errors.Wrapf(ErrMalformedManifest, "size %d exceeds limit %d", size, t.params.Config.MaxFileSize))
		return
	}

	t.params.Listener.OnManifestReceived(t.params.Name, size)
	if size <= 0 {
		t.complete(size == ManifestNotFound)
		return
	}

	t.fileSize = size
	t.table.Reset(NumChunks(size, t.params.Config.ChunkSize))
	t.state = StateStreaming
	t.params.Controller.OnStart()
	t.params.Logger.Debugw("manifest received", "size", size, "chunks", t.table.Len())

	t.pump()
}

func (t *Transfer) pump() {
	for t.state == StateStreaming && t.params.Controller.CanSend() {
		seq, ok := t.table.NextUnfetched()
		if !ok {
			return
		}
		t.sendChunk(seq)
	}
}

func (t *Transfer) sendChunk(seq uint32) {
	status, _ := t.table.Status(seq)
	if status == ChunkStatusTimedOut {
		t.retries[seq]++
		if t.params.Config.MaxRetries > 0 && t.retries[seq] > t.params.Config.MaxRetries {
			t.fail(errors.Wrapf(ErrRetriesExhausted, "chunk %d", seq))
			return
		}
		t.stats.Retransmitted++
		prometheus.IncrementRequests(prometheus.RequestRetransmitted)
	}

	_ = t.table.MarkRequested(seq)
	t.sendTimes[seq] = t.params.Scheduler.Now()
	t.chunkTimers.Arm(seq, t.rtt.TimeoutValue(), func() { t.onChunkTimeout(seq) })
	t.params.Controller.OnSent()
	t.stats.Sent++
	prometheus.IncrementRequests(prometheus.RequestSent)

	t.params.Transport.SendRequest(ChunkName(t.params.Name, seq))
}

func (t *Transfer) onChunk(seq uint32, payload []byte) {
	status, err := t.table.Status(seq)
	if err != nil {
		t.params.Logger.Errorw("dropping reply", err, "seq", seq)
		return
	}

	// a reply is outstanding only while its timer is pending
	outstanding := t.chunkTimers.Cancel(seq)
	if status == ChunkStatusReceived {
		t.stats.Duplicates++
		prometheus.IncrementRequests(prometheus.RequestDuplicate)
		return
	}

	// samples of retransmitted chunks are ambiguous
	if outstanding && t.retries[seq] == 0 {
		t.rtt.OnSample(t.params.Scheduler.Now().Sub(t.sendTimes[seq]))
	}
	_, _ = t.table.MarkReceived(seq)
	delete(t.sendTimes, seq)

	t.stats.Received++
	t.stats.Bytes += uint64(len(payload))
	prometheus.IncrementRequests(prometheus.RequestReceived)
	prometheus.AddBytesReceived(len(payload))

	t.params.Controller.OnAck(congestion.Feedback{
		Seq:           seq,
		EstimatedRTT:  t.rtt.EstimatedRTT(),
		MaxContiguous: t.table.MaxContiguousReceived(),
		Outstanding:   outstanding,
	})

	if t.params.OnChunk != nil {
		t.params.OnChunk(seq, payload)
	}
	if t.params.Output != nil && len(payload) > 0 {
		if _, err := t.params.Output.WriteAt(payload, int64(seq)*int64(t.params.Config.ChunkSize)); err != nil {
			t.fail(errors.Wrapf(err, "writing chunk %d", seq))
			return
		}
	}

	if t.table.AllReceived() {
		t.complete(false)
		return
	}
	t.pump()
}

func (t *Transfer) onChunkTimeout(seq uint32) {
	if t.state != StateStreaming {
		return
	}

	t.stats.TimedOut++
	prometheus.IncrementRequests(prometheus.RequestTimedOut)

	_ = t.table.MarkTimedOut(seq)
	t.rtt.OnTimeout()
	t.params.Controller.OnTimeout(seq)
	t.pump()
}

func (t *Transfer) onStatsTick() {
	if !t.state.IsActive() {
		return
	}

	stats := t.Stats()
	prometheus.SetRTT(stats.EstimatedRTT, stats.DeviationRTT)
	prometheus.SetCongestionWindow(t.params.Controller.Name(), stats.Window)
	t.params.Listener.OnStatsTick(t.params.Name, stats)

	t.statsTimer.Reset(t.params.Config.StatsInterval, t.onStatsTick)
}

func (t *Transfer) complete(notFound bool) {
	if !t.state.IsActive() {
		return
	}
	t.state = StateCompleted
	t.stopTimers()

	elapsed := t.params.Scheduler.Now().Sub(t.startedAt)
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(t.fileSize) / elapsed.Seconds()
	}
	t.result = Result{
		Name:       t.params.Name,
		FileSize:   t.fileSize,
		NotFound:   notFound,
		Elapsed:    elapsed,
		Throughput: throughput,
		Stats:      t.Stats(),
	}

	if notFound {
		prometheus.RecordTransfer(prometheus.TransferNotFound, elapsed)
	} else {
		prometheus.RecordTransfer(prometheus.TransferCompleted, elapsed)
	}
	t.params.Logger.Debugw("transfer finished",
		"size", t.fileSize,
		"notFound", notFound,
		"elapsed", elapsed,
		"throughput", throughput,
		"stats", t.result.Stats,
	)
	t.params.Listener.OnDownloadFinished(t.result)
}

func (t *Transfer) fail(err error) {
	if !t.state.IsActive() {
		return
	}
	t.state = StateFailed
	t.err = err
	t.stopTimers()

	prometheus.RecordTransfer(prometheus.TransferFailed, t.params.Scheduler.Now().Sub(t.startedAt))
	t.params.Logger.Warnw("transfer failed", err, "stats", t.Stats())
	t.params.Listener.OnDownloadFailed(t.params.Name, err)
}

func (t *Transfer) stopTimers() {
	t.manifestTimer.Stop()
	t.statsTimer.Stop()
	t.chunkTimers.StopAll()
}
