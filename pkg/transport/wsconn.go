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
	"io"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
)

const (
	pingFrequency = 10 * time.Second
	pingTimeout   = 2 * time.Second
)

// WebsocketConn is the subset of *websocket.Conn used for frame exchange.
type WebsocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// FrameConnection reads and writes CBOR frames over a WebSocket. Writes are serialized.
type FrameConnection struct {
	conn   WebsocketConn
	mu     sync.Mutex
	closed core.Fuse
}

func NewFrameConnection(conn WebsocketConn) *FrameConnection {
	fc := &FrameConnection{
		conn: conn,
	}
	go fc.pingWorker()
	return fc
}

func (c *FrameConnection) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()
	return c.conn.Close()
}

// ReadFrame blocks until a frame arrives. Non-binary messages are skipped.
func (c *FrameConnection) ReadFrame() (*Frame, int, error) {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return nil, 0, err
		}

		if messageType != websocket.BinaryMessage {
			logger.Debugw("unsupported message", "message", messageType)
			continue
		}

		f, err := DecodeFrame(payload)
		return f, len(payload), err
	}
}

func (c *FrameConnection) WriteFrame(f *Frame) (int, error) {
	payload, err := EncodeFrame(f)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return len(payload), c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *FrameConnection) pingWorker() {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed.Watch():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
