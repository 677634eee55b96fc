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

package mpd

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"
)

var ErrMalformedDocument = errors.New("malformed presentation document")

type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionXZ
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionXZ:
		return "xz"
	default:
		return fmt.Sprintf("%d", int(c))
	}
}

// CompressionFor infers the compression from a document name.
func CompressionFor(name string) Compression {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return CompressionGzip
	case strings.HasSuffix(name, ".xz"):
		return CompressionXZ
	default:
		return CompressionNone
	}
}

// Decode parses a document, decompressing according to the suffix of name.
func Decode(name string, data []byte) (*Document, error) {
	var r io.Reader = bytes.NewReader(data)
	switch CompressionFor(name) {
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDocument, err.Error())
		}
		defer gr.Close()
		r = gr
	case CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedDocument, err.Error())
		}
		r = xr
	}

	doc := &Document{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(doc); err != nil {
		return nil, errors.Wrap(ErrMalformedDocument, err.Error())
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Encode serializes a document, compressing according to the suffix of name.
func Encode(name string, doc *Document) ([]byte, error) {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	switch CompressionFor(name) {
	case CompressionGzip:
		gw := gzip.NewWriter(&buf)
		if _, err = gw.Write(out); err != nil {
			return nil, err
		}
		if err = gw.Close(); err != nil {
			return nil, err
		}
	case CompressionXZ:
		xw, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err = xw.Write(out); err != nil {
			return nil, err
		}
		if err = xw.Close(); err != nil {
			return nil, err
		}
	default:
		return out, nil
	}
	return buf.Bytes(), nil
}

// Validate checks structural constraints the decoder cannot express.
func (d *Document) Validate() error {
	for _, p := range d.Periods {
		if p == nil {
			return errors.Wrap(ErrMalformedDocument, "empty period")
		}
		for _, as := range p.AdaptationSets {
			if as == nil {
				return errors.Wrap(ErrMalformedDocument, "empty adaptation set")
			}
			seen := make(map[string]struct{}, len(as.Representations))
			for _, r := range as.Representations {
				if r == nil || r.ID == "" {
					return errors.Wrap(ErrMalformedDocument, "representation without id")
				}
				if _, ok := seen[r.ID]; ok {
					return errors.Wrapf(ErrMalformedDocument, "duplicate representation %s", r.ID)
				}
				seen[r.ID] = struct{}{}
				if r.Bandwidth < 0 {
					return errors.Wrapf(ErrMalformedDocument, "negative bandwidth for %s", r.ID)
				}
			}
		}
	}
	return nil
}
