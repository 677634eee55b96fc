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

package transport

import (
	"context"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/pullstream/pkg/sched"
)

type WebSocketClientParams struct {
	URL         string
	Scheduler   sched.Scheduler
	DialTimeout time.Duration
	Logger      logger.Logger
}

// WebSocketClient sends requests to a producer server. Replies are posted onto the scheduler.
type WebSocketClient struct {
	params  WebSocketClientParams
	conn    *FrameConnection
	handler ReplyHandler
	closed  core.Fuse

	sent     atomic.Uint64
	received atomic.Uint64
}

func DialWebSocket(ctx context.Context, params WebSocketClientParams) (*WebSocketClient, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.DialTimeout <= 0 {
		params.DialTimeout = DefaultConfig.DialTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: params.DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, params.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", params.URL)
	}

	c := &WebSocketClient{
		params: params,
		conn:   NewFrameConnection(conn),
	}
	go c.readWorker()

	params.Logger.Infow("connected to producer", "url", params.URL)
	return c, nil
}

func (c *WebSocketClient) SetReplyHandler(h ReplyHandler) {
	c.handler = h
}

func (c *WebSocketClient) SendRequest(name string) {
	if c.closed.IsBroken() {
		return
	}
	if _, err := c.conn.WriteFrame(&Frame{Kind: FrameRequest, Name: name}); err != nil {
		c.params.Logger.Warnw("could not send request", err, "name", name)
		return
	}
	c.sent.Inc()
}

func (c *WebSocketClient) Close() error {
	c.closed.Break()
	return c.conn.Close()
}

// Done is closed when the connection has been closed locally or by the producer.
func (c *WebSocketClient) Done() <-chan struct{} {
	return c.closed.Watch()
}

func (c *WebSocketClient) Stats() (sent uint64, received uint64) {
	return c.sent.Load(), c.received.Load()
}

func (c *WebSocketClient) readWorker() {
	defer func() {
		_ = c.conn.Close()
		c.closed.Break()
	}()

	for {
		f, _, err := c.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				c.params.Logger.Warnw("dropping malformed frame", err)
				continue
			}
			if !c.closed.IsBroken() && !IsWebSocketCloseError(err) {
				c.params.Logger.Warnw("error reading from producer", err)
			}
			return
		}
		if f.Kind != FrameReply {
			continue
		}

		c.received.Inc()
		reply := Reply{Name: f.Name, Payload: f.Payload, ContentLength: len(f.Payload)}
		c.params.Scheduler.Post(func() {
			if c.handler != nil {
				c.handler(reply)
			}
		})
	}
}
