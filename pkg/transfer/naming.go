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

package transfer

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DefaultManifestSuffix = "/manifest"

	// ManifestNotFound is the size a producer reports for an unknown name.
	ManifestNotFound int64 = -1

	manifestPayloadSize = 8
)

var (
	ErrMalformedName     = errors.New("malformed name")
	ErrMalformedManifest = errors.New("malformed manifest payload")
)

func ManifestName(base string, suffix string) string {
	return base + suffix
}

func ChunkName(base string, seq uint32) string {
	return base + "/" + strconv.FormatUint(uint64(seq), 10)
}

// Name is a parsed request name.
type Name struct {
	Base       string
	IsManifest bool
	Seq        uint32
}

// ParseName splits a request name into its base and either the manifest marker or a chunk sequence number.
func ParseName(name string, manifestSuffix string) (Name, error) {
	if manifestSuffix != "" && strings.HasSuffix(name, manifestSuffix) {
		base := strings.TrimSuffix(name, manifestSuffix)
		if base == "" {
			return Name{}, errors.Wrap(ErrMalformedName, name)
		}
		return Name{Base: base, IsManifest: true}, nil
	}

	idx := strings.LastIndexByte(name, '/')
	if idx <= 0 || idx == len(name)-1 {
		return Name{}, errors.Wrap(ErrMalformedName, name)
	}
	seq, err := strconv.ParseUint(name[idx+1:], 10, 32)
	if err != nil {
		return Name{}, errors.Wrap(ErrMalformedName, name)
	}
	return Name{Base: name[:idx], Seq: uint32(seq)}, nil
}

// EncodeManifest encodes a file size as 8 bytes, big endian.
func EncodeManifest(size int64) []byte {
	b := make([]byte, manifestPayloadSize)
	binary.BigEndian.PutUint64(b, uint64(size))
	return b
}

func DecodeManifest(payload []byte) (int64, error) {
	if len(payload) != manifestPayloadSize {
		return 0, errors.Wrapf(ErrMalformedManifest, "length %d", len(payload))
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// NumChunks returns ceil(size/chunkSize).
func NumChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size-1)/int64(chunkSize) + 1)
}
