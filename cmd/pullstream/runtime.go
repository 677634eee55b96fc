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
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/pullstream/pkg/config"
	"github.com/livekit/pullstream/pkg/producer"
	"github.com/livekit/pullstream/pkg/sched"
	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transport"
)

var (
	errTimedOut         = errors.New("timed out")
	errConnectionClosed = errors.New("producer connection closed")
	errIdle             = errors.New("nothing left to do before completion")
)

// newContentStore opens the configured store. For the synthetic store it also returns the
// request name of the generated document.
func newContentStore(conf *config.ProducerConfig) (producer.ContentStore, string, error) {
	switch producer.StoreKind(conf.Store) {
	case producer.StoreDir:
		store, err := producer.NewDirStore(conf.ContentDir, conf.CacheSize)
		return store, "", err

	case producer.StoreBadger:
		store, err := producer.NewBadgerStore(conf.BadgerDir, conf.BlockSize)
		if err != nil {
			return nil, "", err
		}
		if conf.ContentDir != "" {
			n, err := store.ImportDir(conf.ContentDir)
			if err != nil {
				_ = store.Close()
				return nil, "", err
			}
			logger.Infow("imported content", "dir", conf.ContentDir, "files", n)
		}
		return store, "", nil

	default:
		docName := producer.SampleDocumentName(conf.SyntheticBaseURL)
		doc := producer.SampleDocument(conf.SyntheticBaseURL, conf.SyntheticSegments, 2, nil)
		store, err := producer.NewSyntheticStore(docName, doc)
		return store, docName, err
	}
}

// ------------------------------------------------

// runtime couples a scheduler with a transport. The loopback transport runs on a virtual clock
// against an in-process producer, the websocket transport on a wall-clock event loop.
type runtime struct {
	conf      *config.Config
	scheduler sched.Scheduler
	transport transport.Transport

	clock  *sched.VirtualClock
	loop   *sched.EventLoop
	store  producer.ContentStore
	client *transport.WebSocketClient

	// name of the generated document when simulating with the synthetic store
	sampleDocument string
	promServer     *http.Server
}

func newRuntime(conf *config.Config) (*runtime, error) {
	kind, err := transport.ParseKind(conf.Transport.Kind)
	if err != nil {
		return nil, err
	}

	r := &runtime{conf: conf}
	switch kind {
	case transport.KindWebSocket:
		r.loop = sched.NewEventLoop(sched.EventLoopParams{Name: "consumer"})
		r.loop.Start()

		r.client, err = transport.DialWebSocket(context.Background(), transport.WebSocketClientParams{
			URL:         conf.Transport.URL,
			Scheduler:   r.loop,
			DialTimeout: conf.Transport.DialTimeout,
		})
		if err != nil {
			r.loop.Stop()
			return nil, err
		}
		r.scheduler, r.transport = r.loop, r.client

	default:
		r.store, r.sampleDocument, err = newContentStore(&conf.Producer)
		if err != nil {
			return nil, err
		}
		p := producer.NewProducer(producer.Params{
			Prefix:         conf.Producer.Prefix,
			ManifestSuffix: conf.Transfer.ManifestSuffix,
			ChunkSize:      conf.Transfer.ChunkSize,
			Store:          r.store,
		})

		var drop transport.DropFunc
		if conf.Transport.DropEvery > 0 {
			drop = transport.DropEveryNth(conf.Transport.DropEvery)
		}
		r.clock = sched.NewVirtualClock(time.Now())
		r.scheduler = r.clock
		r.transport = transport.NewLoopback(transport.LoopbackParams{
			Scheduler:    r.clock,
			Handler:      p,
			Delay:        conf.Transport.Delay,
			BandwidthBps: conf.Transport.BandwidthBps,
			Drop:         drop,
		})
	}

	if conf.PrometheusPort > 0 {
		if err := r.startPrometheus(); err != nil {
			r.close()
			return nil, err
		}
	}
	return r, nil
}

func (r *runtime) simulated() bool {
	return r.clock != nil
}

func (r *runtime) startPrometheus() error {
	prometheus.Init(r.conf.NodeID)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", r.conf.PrometheusPort))
	if err != nil {
		return err
	}
	r.promServer = &http.Server{
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := r.promServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorw("prometheus server failed", err)
		}
	}()
	logger.Infow("serving metrics", "port", r.conf.PrometheusPort)
	return nil
}

// run calls start on the scheduler loop and waits until done closes, the timeout elapses or the
// process is interrupted. stop runs on the loop in the last two cases.
func (r *runtime) run(start func() error, stop func(), done <-chan struct{}, timeout time.Duration) error {
	isDone := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	if r.simulated() {
		if err := start(); err != nil {
			return err
		}
		if !r.clock.RunUntil(isDone, timeout) {
			pending := r.clock.Pending()
			stop()
			if pending == 0 {
				return errIdle
			}
			return errors.Wrapf(errTimedOut, "after %s of simulated time", timeout)
		}
		return nil
	}

	started := make(chan error, 1)
	r.loop.Post(func() { started <- start() })
	if err := <-started; err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var err error
	select {
	case <-done:
		return nil
	case sig := <-sigChan:
		logger.Infow("exit requested, stopping", "signal", sig)
	case <-r.client.Done():
		err = errConnectionClosed
	case <-time.After(timeout):
		err = errors.Wrapf(errTimedOut, "after %s", timeout)
	}
	r.loop.Post(stop)
	<-done
	return err
}

func (r *runtime) close() {
	if r.client != nil {
		_ = r.client.Close()
	}
	if r.loop != nil {
		r.loop.Stop()
		<-r.loop.Done()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.promServer != nil {
		_ = r.promServer.Close()
	}
}
