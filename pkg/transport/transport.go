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
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownKind = errors.New("unknown transport kind")

// Reply answers exactly one request. Replies may be lost, delayed or reordered.
type Reply struct {
	Name          string
	Payload       []byte
	ContentLength int
}

type ReplyHandler func(reply Reply)

// Transport sends named requests. Replies are delivered on the scheduler loop the transport was built with.
type Transport interface {
	SendRequest(name string)
	SetReplyHandler(h ReplyHandler)
	Close() error
}

// Handler answers a request on the producer side. ok is false when the request gets no reply.
type Handler interface {
	HandleRequest(name string) (payload []byte, ok bool)
}

type HandlerFunc func(name string) ([]byte, bool)

func (f HandlerFunc) HandleRequest(name string) ([]byte, bool) {
	return f(name)
}

// ------------------------------------------------

type Kind int

const (
	KindLoopback Kind = iota
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindLoopback:
		return "loopback"
	case KindWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("%d", int(k))
	}
}

type Config struct {
	Kind string `yaml:"kind,omitempty"`
	URL  string `yaml:"url,omitempty"`
	// one-way delay for the loopback transport
	Delay time.Duration `yaml:"delay,omitempty"`
	// bottleneck bandwidth for the loopback transport, 0 is unlimited
	BandwidthBps int64 `yaml:"bandwidth_bps,omitempty"`
	// drop every Nth request on the loopback transport, 0 disables
	DropEvery int `yaml:"drop_every,omitempty"`
	// time allowed for the websocket handshake
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`
}

var DefaultConfig = Config{
	Kind:        KindLoopback.String(),
	Delay:       10 * time.Millisecond,
	DialTimeout: 10 * time.Second,
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "", KindLoopback.String():
		return KindLoopback, nil
	case KindWebSocket.String():
		return KindWebSocket, nil
	default:
		return 0, errors.Wrap(ErrUnknownKind, s)
	}
}
