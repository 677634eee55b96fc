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
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/pkg/errors"
)

var ErrMalformedFrame = errors.New("malformed frame")

type FrameKind uint64

const (
	FrameRequest FrameKind = 1
	FrameReply   FrameKind = 2
)

func (f FrameKind) String() string {
	switch f {
	case FrameRequest:
		return "REQUEST"
	case FrameReply:
		return "REPLY"
	default:
		return fmt.Sprintf("%d", uint64(f))
	}
}

// Frame is the unit carried in one binary WebSocket message, encoded as the CBOR array [kind, name, payload].
type Frame struct {
	Kind    FrameKind
	Name    string
	Payload []byte
}

func (f *Frame) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(f.Kind), w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(f.Name, w); err != nil {
		return err
	}
	return cboring.WriteByteString(f.Payload, w)
}

func (f *Frame) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 3 {
		return errors.Wrapf(ErrMalformedFrame, "expected array of three elements, got %d", n)
	}

	kind, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	switch FrameKind(kind) {
	case FrameRequest, FrameReply:
		f.Kind = FrameKind(kind)
	default:
		return errors.Wrapf(ErrMalformedFrame, "unknown kind %d", kind)
	}

	if f.Name, err = cboring.ReadTextString(r); err != nil {
		return err
	}
	if f.Payload, err = cboring.ReadByteString(r); err != nil {
		return err
	}
	return nil
}

func EncodeFrame(f *Frame) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := cboring.Marshal(f, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeFrame(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := cboring.Unmarshal(f, bytes.NewReader(data)); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	return f, nil
}
