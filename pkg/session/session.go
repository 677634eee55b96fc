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

package session

import (
	"fmt"
	"io"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/livekit/pullstream/pkg/adaptation"
	"github.com/livekit/pullstream/pkg/congestion"
	"github.com/livekit/pullstream/pkg/media"
	"github.com/livekit/pullstream/pkg/mpd"
	"github.com/livekit/pullstream/pkg/playback"
	"github.com/livekit/pullstream/pkg/sched"
	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transfer"
	"github.com/livekit/pullstream/pkg/transport"
)

const SessionPrefix = "SS_"

var (
	ErrAlreadyStarted      = errors.New("session already started")
	ErrStopped             = errors.New("session stopped")
	ErrNoDocument          = errors.New("no presentation document configured")
	ErrSegmentNotFound     = errors.New("segment not found")
	ErrMissingCollaborator = errors.New("session requires a scheduler and a transport")
)

type State int

const (
	StateIdle State = iota
	StateFetchingDocument
	StateFetchingInit
	StateStreaming
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetchingDocument:
		return "FETCHING_DOCUMENT"
	case StateFetchingInit:
		return "FETCHING_INIT"
	case StateStreaming:
		return "STREAMING"
	case StateFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("%d", int(s))
	}
}

// ------------------------------------------------

type downloadKind int

const (
	downloadDocument downloadKind = iota
	downloadInit
	downloadSegment
)

type download struct {
	kind     downloadKind
	rep      *media.Representation
	segment  int
	transfer *transfer.Transfer
	sink     *transfer.MemorySink
}

func (d *download) isEnhancement() bool {
	return d.kind == downloadSegment && !d.rep.IsBaseLayer()
}

// downloadListener forwards transfer events of one download to the session.
type downloadListener struct {
	s *Session
	d *download
}

func (l *downloadListener) OnDownloadStarted(name string) {
	l.s.params.Listener.OnDownloadStarted(name)
}

func (l *downloadListener) OnManifestReceived(name string, size int64) {
	l.s.params.Listener.OnManifestReceived(name, size)
}

func (l *downloadListener) OnDownloadFinished(result transfer.Result) {
	l.s.params.Listener.OnDownloadFinished(result)
	l.s.onDownloadFinished(l.d, result)
}

func (l *downloadListener) OnDownloadFailed(name string, err error) {
	l.s.params.Listener.OnDownloadFailed(name, err)
	l.s.onDownloadFailed(l.d, err)
}

func (l *downloadListener) OnStatsTick(name string, stats transfer.Stats) {
	l.s.params.Listener.OnStatsTick(name, stats)
}

// ------------------------------------------------

type Params struct {
	Config     Config
	Transfer   transfer.Config
	Congestion congestion.Config
	Scheduler  sched.Scheduler
	Transport  transport.Transport
	// defaults to adaptation.DefaultRegistry
	Registry *adaptation.Registry
	Listener Listener
	Logger   logger.Logger
}

// Session streams one presentation: it downloads the document, builds the catalog, then lets the
// adaptation logic pick segments one transfer at a time while a playback clock consumes the buffer.
//
// All methods except Done must be called on the scheduler loop.
type Session struct {
	params Params
	id     string
	logic  adaptation.Logic

	state         State
	catalog       *media.Catalog
	buffer        *playback.Buffer
	parked        []parkedEntry
	active        *download
	throughputBps float64
	allDownloaded bool

	playbackTimer *sched.Timer
	selectTimer   *sched.Timer
	admitTimer    *sched.Timer

	startedAt   time.Time
	playing     bool
	frozen      bool
	freezeStart time.Time

	summary Summary
	err     error
	done    core.Fuse
}

func New(params Params) (*Session, error) {
	if params.Scheduler == nil || params.Transport == nil {
		return nil, ErrMissingCollaborator
	}
	params.Config = params.Config.withDefaults()
	if params.Config.Document == "" {
		return nil, ErrNoDocument
	}
	if params.Registry == nil {
		params.Registry = adaptation.DefaultRegistry()
	}
	if params.Listener == nil {
		params.Listener = NullListener{}
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	id := utils.NewGuid(SessionPrefix)
	params.Logger = params.Logger.WithValues("sessionID", id)

	logic, err := params.Registry.New(params.Config.AdaptationLogic, adaptation.Params{
		SVC:    params.Config.SVC,
		Logger: params.Logger.WithValues("logic", params.Config.AdaptationLogic),
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		params:        params,
		id:            id,
		logic:         logic,
		playbackTimer: sched.NewTimer(params.Scheduler),
		selectTimer:   sched.NewTimer(params.Scheduler),
		admitTimer:    sched.NewTimer(params.Scheduler),
		summary: Summary{
			SessionID: id,
			Logic:     logic.Name(),
		},
	}, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	return s.state
}

// Catalog is set once the presentation document has been processed.
func (s *Session) Catalog() *media.Catalog {
	return s.catalog
}

func (s *Session) Summary() Summary {
	return s.summary
}

// Err is the terminal error, nil while running or after a complete playback.
func (s *Session) Err() error {
	return s.err
}

// Done is closed once the session finished, failed or was stopped. Safe from any goroutine.
func (s *Session) Done() <-chan struct{} {
	return s.done.Watch()
}

func (s *Session) Start() error {
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}

	s.state = StateFetchingDocument
	s.startedAt = s.params.Scheduler.Now()
	s.params.Transport.SetReplyHandler(s.handleReply)
	s.params.Logger.Infow("starting session",
		"document", s.params.Config.Document,
		"logic", s.logic.Name(),
		"maxBuffered", s.params.Config.maxLevel(),
	)

	d := &download{kind: downloadDocument, sink: &transfer.MemorySink{}}
	if err := s.startDownload(d, s.params.Config.Document); err != nil {
		s.finish(err)
		return err
	}
	return nil
}

// Stop cancels the active download and all timers.
func (s *Session) Stop() {
	s.finish(ErrStopped)
}

func (s *Session) handleReply(reply transport.Reply) {
	if s.active != nil {
		s.active.transfer.HandleReply(reply)
	}
}

func (s *Session) startDownload(d *download, name string) error {
	controller, err := congestion.New(congestion.Params{
		Config: s.params.Congestion,
		Logger: s.params.Logger,
	})
	if err != nil {
		return err
	}

	var output io.WriterAt
	if d.sink != nil {
		output = d.sink
	}
	config := s.params.Transfer
	config.OutputFile = ""

	t, err := transfer.New(transfer.Params{
		Name:       name,
		Config:     config,
		Scheduler:  s.params.Scheduler,
		Transport:  s.params.Transport,
		Controller: controller,
		Listener:   &downloadListener{s: s, d: d},
		Output:     output,
		Logger:     s.params.Logger,
	})
	if err != nil {
		return err
	}

	d.transfer = t
	s.active = d
	return t.Start()
}

func (s *Session) onDownloadFinished(d *download, result transfer.Result) {
	if s.active != d || s.state == StateFinished {
		return
	}
	s.active = nil

	switch d.kind {
	case downloadDocument:
		s.onDocument(d, result)
	case downloadInit:
		if result.NotFound {
			s.params.Logger.Warnw("initialization segment not found", nil, "name", result.Name)
		}
		s.startStreaming()
	case downloadSegment:
		s.onSegment(d, result)
	}
}

func (s *Session) onDownloadFailed(d *download, err error) {
	if s.active != d {
		return
	}
	s.active = nil
	s.finish(errors.Wrapf(err, "downloading %s", d.transfer.Name()))
}

func (s *Session) onDocument(d *download, result transfer.Result) {
	if result.NotFound {
		s.finish(errors.Wrap(transfer.ErrNotFound, s.params.Config.Document))
		return
	}

	doc, err := mpd.Decode(s.params.Config.Document, d.sink.Bytes())
	if err != nil {
		s.finish(err)
		return
	}

	s.throughputBps = result.ThroughputBps()
	catalog, err := media.BuildCatalog(doc, media.CatalogParams{
		ScreenWidth:         s.params.Config.ScreenWidth,
		ScreenHeight:        s.params.Config.ScreenHeight,
		AllowUpscale:        s.params.Config.AllowUpscale,
		AllowDownscale:      s.params.Config.AllowDownscale,
		StartRepresentation: s.params.Config.StartRepresentation,
		ThroughputBps:       s.throughputBps,
		Logger:              s.params.Logger,
	})
	if err != nil {
		s.finish(err)
		return
	}
	if err = s.logic.SetRepresentations(catalog); err != nil {
		s.finish(err)
		return
	}

	s.catalog = catalog
	s.buffer = playback.NewBuffer(playback.BufferParams{
		MaxLevel:    s.params.Config.maxLevel(),
		StrictOrder: s.params.Config.StrictOrder,
		Logger:      s.params.Logger,
	})

	if init := catalog.InitSegment(); init != "" {
		s.state = StateFetchingInit
		if err = s.startDownload(&download{kind: downloadInit}, media.JoinName(catalog.BaseURL, init)); err != nil {
			s.finish(err)
		}
		return
	}
	s.startStreaming()
}

func (s *Session) startStreaming() {
	s.state = StateStreaming
	s.playbackTimer.Reset(0, s.onPlaybackTick)
	s.downloadNext()
}

func (s *Session) view() adaptation.BufferView {
	return bufferView{buffer: s.buffer, parked: s.parked}
}

func (s *Session) downloadNext() {
	if s.state != StateStreaming || s.active != nil || s.allDownloaded || s.waitingForSpace() {
		return
	}
	s.selectTimer.Stop()

	decision := s.logic.SelectNext(s.view(), s.throughputBps)
	switch decision.Status {
	case adaptation.StatusAllDone:
		s.allDownloaded = true
		s.params.Logger.Debugw("all segments downloaded", "downloaded", s.summary.SegmentsDownloaded)
		return
	case adaptation.StatusIdle:
		s.selectTimer.Reset(s.params.Config.IdleRetryInterval, s.downloadNext)
		return
	}

	var url string
	rep, ok := s.catalog.Get(decision.RepresentationID)
	if ok {
		url = rep.SegmentURL(decision.Segment)
	}
	if url == "" {
		s.params.Logger.Warnw("logic selected an unknown segment", nil, "decision", decision)
		s.selectTimer.Reset(s.params.Config.IdleRetryInterval, s.downloadNext)
		return
	}

	d := &download{kind: downloadSegment, rep: rep, segment: decision.Segment}
	if err := s.startDownload(d, media.JoinName(s.catalog.BaseURL, url)); err != nil {
		s.finish(err)
	}
}

func (s *Session) onSegment(d *download, result transfer.Result) {
	if result.NotFound {
		s.finish(errors.Wrapf(ErrSegmentNotFound, "representation %s, segment %d", d.rep.ID, d.segment))
		return
	}

	s.throughputBps = result.ThroughputBps()
	s.summary.SegmentsDownloaded++
	s.summary.BytesDownloaded += result.FileSize
	prometheus.IncrementSegments(prometheus.SegmentDownloaded)

	s.admit(playback.Entry{
		Segment:          d.segment,
		RepresentationID: d.rep.ID,
		Duration:         d.rep.SegmentDuration,
		Bandwidth:        d.rep.Bandwidth,
		DependencyIDs:    d.rep.DependencyIDs,
	})
	s.downloadNext()
}

func isRetryable(err error) bool {
	return errors.Is(err, playback.ErrBufferFull) ||
		errors.Is(err, playback.ErrOutOfOrder) ||
		errors.Is(err, playback.ErrMissingDependency)
}

func (s *Session) admit(e playback.Entry) {
	err := s.buffer.Admit(e)
	switch {
	case err == nil:
		s.onAdmitted(e)
		s.retryParked()

	case isRetryable(err):
		s.parked = append(s.parked, parkedEntry{entry: e, reason: err})
		sortParked(s.parked)
		s.params.Logger.Debugw("segment parked", "entry", e, "reason", err)
		if !s.admitTimer.Armed() {
			s.admitTimer.Reset(s.params.Config.AdmitRetryInterval, s.onAdmitRetry)
		}

	default:
		s.onDropped(e, err)
	}
}

// retryParked admits parked entries until no further entry fits.
func (s *Session) retryParked() {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(s.parked); i++ {
			e := s.parked[i].entry
			err := s.buffer.Admit(e)
			switch {
			case err == nil:
				s.onAdmitted(e)
				progress = true
			case isRetryable(err):
				s.parked[i].reason = err
				continue
			default:
				s.onDropped(e, err)
			}
			s.parked = slices.Delete(s.parked, i, i+1)
			i--
		}
	}

	if len(s.parked) == 0 {
		s.admitTimer.Stop()
	}
}

func (s *Session) onAdmitRetry() {
	if s.state != StateStreaming {
		return
	}
	s.retryParked()
	if len(s.parked) != 0 {
		s.admitTimer.Reset(s.params.Config.AdmitRetryInterval, s.onAdmitRetry)
	}
	s.downloadNext()
}

func (s *Session) onAdmitted(e playback.Entry) {
	prometheus.IncrementSegments(prometheus.SegmentAdmitted)
	prometheus.SetBufferLevel(s.buffer.Level().Seconds())
}

func (s *Session) onDropped(e playback.Entry, reason error) {
	s.summary.SegmentsDropped++
	prometheus.IncrementSegments(prometheus.SegmentDropped)
	s.params.Logger.Debugw("dropping segment", "entry", e, "reason", reason)
}

// waitingForSpace holds back new downloads while a segment waits for buffer space.
func (s *Session) waitingForSpace() bool {
	for _, p := range s.parked {
		if errors.Is(p.reason, playback.ErrBufferFull) {
			return true
		}
	}
	return false
}

func (s *Session) onPlaybackTick() {
	if s.state != StateStreaming {
		return
	}
	s.abortIfStarving()

	now := s.params.Scheduler.Now()
	entry, ok := s.buffer.Consume()
	if !ok && s.allDownloaded && s.active == nil {
		s.retryParked()
		if s.buffer.IsEmpty() {
			for _, p := range s.parked {
				s.onDropped(p.entry, p.reason)
			}
			s.parked = nil
			s.finish(nil)
			return
		}
		entry, ok = s.buffer.Consume()
	}
	if !ok {
		if s.playing && !s.frozen {
			s.frozen = true
			s.freezeStart = now
			s.summary.Stalls++
			s.params.Logger.Debugw("playback stalled", "segment", s.buffer.NextToConsume())
		}
		s.playbackTimer.Reset(s.params.Config.StallRetryInterval, s.onPlaybackTick)
		return
	}

	var freeze time.Duration
	switch {
	case !s.playing:
		s.playing = true
		s.summary.StartupDelay = now.Sub(s.startedAt)
		prometheus.SetStartupDelay(s.summary.StartupDelay)
		s.params.Logger.Infow("playback started", "startupDelay", s.summary.StartupDelay, "representation", entry.RepresentationID)
		s.params.Listener.OnPlaybackStarted(s.summary.StartupDelay)

	case s.frozen:
		s.frozen = false
		freeze = now.Sub(s.freezeStart)
		s.summary.FreezeTime += freeze
		prometheus.RecordFreeze(freeze)
		s.params.Logger.Debugw("playback resumed", "freeze", freeze, "segment", entry.Segment)
	}

	s.summary.recordConsumed(entry)
	prometheus.RecordConsumed(entry.Bandwidth)
	prometheus.SetBufferLevel(s.buffer.Level().Seconds())
	s.params.Listener.OnSegmentConsumed(entry, freeze)

	s.playbackTimer.Reset(entry.Duration, s.onPlaybackTick)
	s.retryParked()
	s.downloadNext()
}

// abortIfStarving stops an enhancement layer download once the logic considers the base layer
// buffer too low to afford it.
func (s *Session) abortIfStarving() {
	d := s.active
	if d == nil || !d.isEnhancement() {
		return
	}
	checker, ok := s.logic.(adaptation.MinBufferChecker)
	if !ok || checker.HasMinBufferLevel(s.view(), d.rep.ID) {
		return
	}

	s.params.Logger.Debugw("aborting enhancement download",
		"representation", d.rep.ID,
		"segment", d.segment,
		"level", s.buffer.Level(),
	)
	d.transfer.Stop()
	s.active = nil
	s.summary.Aborted++
	s.summary.SegmentsDropped++
	prometheus.IncrementSegments(prometheus.SegmentDropped)
	s.params.Scheduler.Post(s.downloadNext)
}

func (s *Session) finish(err error) {
	if s.state == StateFinished {
		return
	}
	s.state = StateFinished
	s.err = err

	if s.active != nil {
		s.active.transfer.Stop()
		s.active = nil
	}
	s.playbackTimer.Stop()
	s.selectTimer.Stop()
	s.admitTimer.Stop()

	if !s.startedAt.IsZero() {
		s.summary.Elapsed = s.params.Scheduler.Now().Sub(s.startedAt)
	}

	switch {
	case err == nil:
		s.params.Logger.Infow("finished streaming", "summary", s.summary)
	case errors.Is(err, ErrStopped):
		s.params.Logger.Infow("session stopped", "summary", s.summary)
	default:
		s.params.Logger.Warnw("session failed", err, "summary", s.summary)
		s.params.Listener.OnSessionError(err)
	}
	s.params.Listener.OnStreamingFinished(s.summary, err)
	s.done.Break()
}
