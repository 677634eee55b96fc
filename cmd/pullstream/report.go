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

package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/frostbyte73/core"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/pullstream/pkg/playback"
	"github.com/livekit/pullstream/pkg/session"
	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transfer"
)

var errInterrupted = errors.New("interrupted")

type fetchListener struct {
	transfer.NullListener

	logger logger.Logger
	done   core.Fuse
	result transfer.Result
	err    error
}

func newFetchListener(l logger.Logger) *fetchListener {
	return &fetchListener{logger: l}
}

func (f *fetchListener) OnManifestReceived(name string, size int64) {
	f.logger.Infow("downloading", "name", name, "size", humanize.Bytes(uint64(size)))
}

func (f *fetchListener) OnStatsTick(name string, stats transfer.Stats) {
	f.logger.Debugw("transfer progress", "name", name, "stats", stats)
}

func (f *fetchListener) OnDownloadFinished(result transfer.Result) {
	if f.done.IsBroken() {
		return
	}
	f.result = result
	if result.NotFound {
		f.err = errors.Wrap(transfer.ErrNotFound, result.Name)
	}
	f.done.Break()
}

func (f *fetchListener) OnDownloadFailed(name string, err error) {
	f.fail(name, err)
}

func (f *fetchListener) fail(name string, err error) {
	if f.done.IsBroken() {
		return
	}
	f.err = errors.Wrapf(err, "could not fetch %s", name)
	f.done.Break()
}

// ------------------------------------------------

type streamListener struct {
	session.NullListener

	logger logger.Logger
	quiet  bool
}

func newStreamListener(l logger.Logger, quiet bool) *streamListener {
	return &streamListener{logger: l, quiet: quiet}
}

func (s *streamListener) OnDownloadFinished(result transfer.Result) {
	if s.quiet {
		return
	}
	s.logger.Debugw("downloaded",
		"name", result.Name,
		"size", humanize.Bytes(uint64(result.FileSize)),
		"elapsed", result.Elapsed,
		"throughput", humanize.SI(result.ThroughputBps(), "bps"),
	)
}

func (s *streamListener) OnDownloadFailed(name string, err error) {
	s.logger.Warnw("download failed", err, "name", name)
}

func (s *streamListener) OnPlaybackStarted(startupDelay time.Duration) {
	if !s.quiet {
		s.logger.Infow("playback started", "startupDelay", startupDelay)
	}
}

func (s *streamListener) OnSegmentConsumed(entry playback.Entry, freeze time.Duration) {
	if s.quiet {
		return
	}
	if freeze > 0 {
		s.logger.Infow("playback resumed", "freeze", freeze, "segment", entry.Segment)
	}
	s.logger.Debugw("segment consumed",
		"segment", entry.Segment,
		"representation", entry.RepresentationID,
		"bitrate", humanize.SI(float64(entry.Bandwidth), "bps"),
	)
}

func (s *streamListener) OnSessionError(err error) {
	s.logger.Warnw("session error", err)
}

// ------------------------------------------------

func printTransferResult(w io.Writer, result transfer.Result) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Name", "Size", "Elapsed", "Throughput", "Requests", "Timeouts", "Retransmits", "RTT"})
	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
	})
	table.Append([]string{
		result.Name,
		humanize.Bytes(uint64(result.FileSize)),
		result.Elapsed.Round(time.Millisecond).String(),
		strings.TrimSpace(humanize.SIWithDigits(result.ThroughputBps(), 2, "bps")),
		humanize.Comma(int64(result.Stats.Sent)),
		humanize.Comma(int64(result.Stats.TimedOut)),
		humanize.Comma(int64(result.Stats.Retransmitted)),
		result.Stats.EstimatedRTT.Round(time.Millisecond).String(),
	})
	table.Render()
}

func printSummary(w io.Writer, summary session.Summary, simulated bool) {
	clock := "wall clock"
	if simulated {
		clock = "simulated"
	}
	requests, bytes := prometheus.TransferTotals()

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Session", summary.SessionID})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.AppendBulk([][]string{
		{"Adaptation logic", summary.Logic},
		{"Elapsed (" + clock + ")", summary.Elapsed.Round(time.Millisecond).String()},
		{"Startup delay", summary.StartupDelay.Round(time.Millisecond).String()},
		{"Stalls", humanize.Comma(int64(summary.Stalls))},
		{"Freeze time", summary.FreezeTime.Round(time.Millisecond).String()},
		{"Segments consumed", humanize.Comma(int64(summary.SegmentsConsumed))},
		{"Segments downloaded", humanize.Comma(int64(summary.SegmentsDownloaded))},
		{"Segments dropped", humanize.Comma(int64(summary.SegmentsDropped))},
		{"Downloads aborted", humanize.Comma(int64(summary.Aborted))},
		{"Representation switches", humanize.Comma(int64(summary.Switches))},
		{"Average bitrate", strings.TrimSpace(humanize.SIWithDigits(summary.AverageBitrate, 2, "bps"))},
		{"Downloaded", humanize.Bytes(uint64(summary.BytesDownloaded))},
		{"Requests (process)", humanize.Comma(int64(requests))},
		{"Bytes received (process)", humanize.Bytes(bytes)},
	})
	table.Render()

	if len(summary.Consumed) == 0 {
		return
	}
	reps := maps.Keys(summary.Consumed)
	slices.Sort(reps)

	perRep := tablewriter.NewWriter(w)
	perRep.SetHeader([]string{"Representation", "Segments"})
	perRep.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	for _, id := range reps {
		perRep.Append([]string{id, fmt.Sprintf("%d", summary.Consumed[id])})
	}
	perRep.Render()
}
