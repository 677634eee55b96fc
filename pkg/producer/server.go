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

package producer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/gammazero/workerpool"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/livekit/pullstream/pkg/telemetry/prometheus"
	"github.com/livekit/pullstream/pkg/transport"
)

const (
	DefaultWorkers       = 16
	DefaultStatsInterval = 30 * time.Second
	burstLogInterval     = time.Second
	shutdownTimeout      = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("already running")

type ServerParams struct {
	Bind          string
	Port          int
	Handler       transport.Handler
	Store         ContentStore
	Workers       int
	StatsInterval time.Duration
	Logger        logger.Logger
}

// Server answers requests arriving as WebSocket frames and exposes metrics and health endpoints.
type Server struct {
	params     ServerParams
	httpServer *http.Server
	upgrader   websocket.Upgrader
	pool       *workerpool.WorkerPool

	listener net.Listener
	running  atomic.Bool
	done     core.Fuse

	lock     sync.Mutex
	conns    map[*transport.FrameConnection]struct{}
	handlers sync.WaitGroup
}

func NewServer(params ServerParams) *Server {
	if params.Workers <= 0 {
		params.Workers = DefaultWorkers
	}
	if params.StatsInterval <= 0 {
		params.StatsInterval = DefaultStatsInterval
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	s := &Server{
		params: params,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pool:  workerpool.New(params.Workers),
		conns: make(map[*transport.FrameConnection]struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", s.healthCheck).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", params.Bind, params.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Start() error {
	if s.running.Swap(true) {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.listener = ln

	go func() {
		s.params.Logger.Infow("starting producer", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.params.Logger.Errorw("producer server failed", err)
		}
	}()
	go s.statsWorker()
	return nil
}

// Stop shuts the server down, closes open connections and the content store.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.done.Break()

	var result *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "http shutdown"))
	}

	s.lock.Lock()
	for fc := range s.conns {
		if err := fc.Close(); err != nil && !transport.IsWebSocketCloseError(err) {
			result = multierror.Append(result, err)
		}
	}
	s.lock.Unlock()

	// no more submissions once every connection handler returned
	s.handlers.Wait()
	s.pool.StopWait()

	if s.params.Store != nil {
		if err := s.params.Store.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "store close"))
		}
	}
	return result.ErrorOrNil()
}

// Done is closed once the server has been stopped.
func (s *Server) Done() <-chan struct{} {
	return s.done.Watch()
}

func (s *Server) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if !s.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.params.Logger.Warnw("could not upgrade connection", err, "remote", r.RemoteAddr)
		return
	}

	fc := transport.NewFrameConnection(conn)
	if !s.track(fc) {
		_ = fc.Close()
		return
	}
	defer s.untrack(fc)

	prometheus.AddProducerConnection()
	defer prometheus.SubProducerConnection()

	l := s.params.Logger.WithValues("remote", r.RemoteAddr)
	l.Infow("consumer connected")

	var requests atomic.Uint64
	logBurst := debounce.New(burstLogInterval)
	for {
		f, _, err := fc.ReadFrame()
		if err != nil {
			if errors.Is(err, transport.ErrMalformedFrame) {
				l.Debugw("dropping malformed frame", "error", err)
				continue
			}
			if !transport.IsWebSocketCloseError(err) && s.IsRunning() {
				l.Warnw("error reading from consumer", err)
			}
			break
		}
		if f.Kind != transport.FrameRequest {
			continue
		}

		name := f.Name
		s.pool.Submit(func() {
			payload, ok := s.params.Handler.HandleRequest(name)
			if !ok {
				return
			}
			if _, err := fc.WriteFrame(&transport.Frame{Kind: transport.FrameReply, Name: name, Payload: payload}); err != nil {
				l.Debugw("could not send reply", "name", name, "error", err)
			}
		})

		requests.Inc()
		logBurst(func() {
			l.Debugw("request burst", "requests", requests.Load())
		})
	}

	_ = fc.Close()
	l.Infow("consumer disconnected", "requests", requests.Load())
}

func (s *Server) track(fc *transport.FrameConnection) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.IsRunning() {
		return false
	}
	s.conns[fc] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(fc *transport.FrameConnection) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.conns, fc)
	s.handlers.Done()
}

func (s *Server) statsWorker() {
	ticker := time.NewTicker(s.params.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done.Watch():
			return
		case <-ticker.C:
			stats, err := prometheus.GetUpdatedNodeStats()
			if err != nil {
				s.params.Logger.Debugw("could not sample node stats", "error", err)
				continue
			}
			requests, bytes, conns := prometheus.ProducerTotals()
			s.params.Logger.Debugw("producer stats",
				"requests", requests,
				"bytes", bytes,
				"connections", conns,
				"cpuLoad", stats.CPULoad,
				"memoryLoad", stats.MemoryLoad,
			)
		}
	}
}
