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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/pullstream/pkg/adaptation"
	"github.com/livekit/pullstream/pkg/config"
	"github.com/livekit/pullstream/pkg/congestion"
	"github.com/livekit/pullstream/pkg/producer"
	"github.com/livekit/pullstream/pkg/session"
	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transfer"
)

var errNoName = errors.New("a file name is required, use --name")

func fetchFile(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	r, err := newRuntime(conf)
	if err != nil {
		return err
	}
	defer r.close()

	result, err := runFetch(r, c.String("name"), c.String("output"), c.Duration("timeout"))
	if err != nil {
		return err
	}

	printTransferResult(os.Stdout, result)
	return nil
}

// runFetch downloads name, or the sample document when name is empty. The file is written to
// output, falling back to transfer.output_file.
func runFetch(r *runtime, name string, output string, timeout time.Duration) (transfer.Result, error) {
	if name == "" {
		name = r.sampleDocument
	}
	if name == "" {
		return transfer.Result{}, errNoName
	}
	if output == "" {
		output = r.conf.Transfer.OutputFile
	}

	controller, err := congestion.New(congestion.Params{Config: r.conf.Congestion})
	if err != nil {
		return transfer.Result{}, err
	}

	listener := newFetchListener(logger.GetLogger())
	params := transfer.Params{
		Name:       name,
		Config:     r.conf.Transfer,
		Scheduler:  r.scheduler,
		Transport:  r.transport,
		Controller: controller,
		Listener:   listener,
	}
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return transfer.Result{}, err
		}
		defer func() {
			_ = f.Close()
		}()
		params.Output = f
	}

	t, err := transfer.New(params)
	if err != nil {
		return transfer.Result{}, err
	}
	r.transport.SetReplyHandler(t.HandleReply)

	stop := func() {
		t.Stop()
		listener.fail(name, errInterrupted)
	}
	if err := r.run(t.Start, stop, listener.done.Watch(), timeout); err != nil {
		return transfer.Result{}, err
	}
	return listener.result, listener.err
}

func streamPresentation(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	r, err := newRuntime(conf)
	if err != nil {
		return err
	}
	defer r.close()

	if conf.Streaming.Document == "" {
		conf.Streaming.Document = r.sampleDocument
	}

	listener := newStreamListener(logger.GetLogger(), c.Bool("quiet"))
	s, err := session.New(session.Params{
		Config:     conf.Streaming,
		Transfer:   conf.Transfer,
		Congestion: conf.Congestion,
		Scheduler:  r.scheduler,
		Transport:  r.transport,
		Listener:   listener,
	})
	if err != nil {
		return err
	}

	runErr := r.run(s.Start, s.Stop, s.Done(), c.Duration("timeout"))
	printSummary(os.Stdout, s.Summary(), r.simulated())
	if runErr != nil {
		return runErr
	}
	if err := s.Err(); err != nil && !errors.Is(err, session.ErrStopped) {
		return err
	}
	return nil
}

func serveContent(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	prometheus.Init(conf.NodeID)

	store, docName, err := newContentStore(&conf.Producer)
	if err != nil {
		return err
	}
	if docName != "" {
		logger.Infow("serving sample presentation", "document", docName, "segments", conf.Producer.SyntheticSegments)
	}

	p := producer.NewProducer(producer.Params{
		Prefix:         conf.Producer.Prefix,
		ManifestSuffix: conf.Transfer.ManifestSuffix,
		ChunkSize:      conf.Transfer.ChunkSize,
		Store:          store,
	})
	server := producer.NewServer(producer.ServerParams{
		Bind:          conf.Producer.BindAddress,
		Port:          int(conf.Producer.Port),
		Handler:       p,
		Store:         store,
		Workers:       conf.Producer.Workers,
		StatsInterval: conf.Producer.StatsInterval,
	})
	if err := server.Start(); err != nil {
		_ = store.Close()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-sigChan
	logger.Infow("exit requested, shutting down", "signal", sig)
	if err := server.Stop(); err != nil {
		logger.Warnw("could not stop cleanly", err)
	}

	served, missed := p.Stats()
	logger.Infow("producer stopped", "served", served, "missed", missed)
	return nil
}

func generateConfig(c *cli.Context) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}

	out, err := conf.Marshal()
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func listLogics(_ *cli.Context) error {
	for _, name := range adaptation.DefaultRegistry().Names() {
		fmt.Println(name)
	}
	return nil
}

func helpVerbose(c *cli.Context) error {
	generatedFlags, err := config.GenerateCLIFlags(baseFlags, false)
	if err != nil {
		return err
	}

	c.App.Flags = append(baseFlags, generatedFlags...)
	return cli.ShowAppHelp(c)
}
