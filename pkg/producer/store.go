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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const (
	DefaultCacheSize = 1024
	DefaultBlockSize = 64 * 1024
)

var (
	ErrNotFound     = errors.New("content not found")
	ErrInvalidPath  = errors.New("invalid content path")
	ErrUnknownStore = errors.New("unknown store kind")
	ErrInvalidChunk = errors.New("invalid chunk size")
)

// ContentStore serves file sizes and chunks by path. Paths start with a slash.
type ContentStore interface {
	Size(path string) (int64, error)
	ReadChunk(path string, seq uint32, chunkSize int) ([]byte, error)
	Close() error
}

type StoreKind string

const (
	StoreDir       StoreKind = "dir"
	StoreBadger    StoreKind = "badger"
	StoreSynthetic StoreKind = "synthetic"
)

// chunkRange returns the byte range of chunk seq in a file of size bytes.
func chunkRange(size int64, seq uint32, chunkSize int) (int64, int64, error) {
	if chunkSize <= 0 {
		return 0, 0, ErrInvalidChunk
	}
	start := int64(seq) * int64(chunkSize)
	if start >= size {
		return 0, 0, errors.Wrapf(ErrNotFound, "chunk %d beyond end of file", seq)
	}
	end := start + int64(chunkSize)
	if end > size {
		end = size
	}
	return start, end, nil
}

// ------------------------------------------------

// fileVersion identifies the content of a file between modifications.
type fileVersion struct {
	size    int64
	modTime int64
}

type chunkKey struct {
	path    string
	version fileVersion
	seq     uint32
	size    int
}

// DirStore serves files below a root directory. Every request stats the file, so cached chunks of a
// file that changed on disk are never served.
type DirStore struct {
	root   string
	chunks *lru.Cache[chunkKey, []byte]
}

func NewDirStore(root string, cacheSize int) (*DirStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil {
		return nil, err
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", abs)
	}

	chunks, err := lru.New[chunkKey, []byte](cacheSize)
	if err != nil {
		return nil, err
	}

	return &DirStore{
		root:   abs,
		chunks: chunks,
	}, nil
}

func (d *DirStore) Size(path string) (int64, error) {
	_, v, err := d.stat(path)
	if err != nil {
		return 0, err
	}
	return v.size, nil
}

func (d *DirStore) ReadChunk(path string, seq uint32, chunkSize int) ([]byte, error) {
	full, v, err := d.stat(path)
	if err != nil {
		return nil, err
	}
	key := chunkKey{path: path, version: v, seq: seq, size: chunkSize}
	if data, ok := d.chunks.Get(key); ok {
		return data, nil
	}

	start, end, err := chunkRange(v.size, seq, chunkSize)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, end-start)
	if _, err = f.ReadAt(data, start); err != nil && err != io.EOF {
		return nil, err
	}

	d.chunks.Add(key, data)
	return data, nil
}

func (d *DirStore) stat(path string) (string, fileVersion, error) {
	full, err := d.resolve(path)
	if err != nil {
		return "", fileVersion{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fileVersion{}, errors.Wrap(ErrNotFound, path)
		}
		return "", fileVersion{}, err
	}
	if info.IsDir() {
		return "", fileVersion{}, errors.Wrap(ErrNotFound, path)
	}
	return full, fileVersion{size: info.Size(), modTime: info.ModTime().UnixNano()}, nil
}

func (d *DirStore) Close() error {
	d.chunks.Purge()
	return nil
}

// resolve maps a content path below the root, rejecting paths that escape it.
func (d *DirStore) resolve(path string) (string, error) {
	if !strings.HasPrefix(path, "/") || strings.Contains(path, "\x00") {
		return "", errors.Wrap(ErrInvalidPath, path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return "", errors.Wrap(ErrInvalidPath, path)
		}
	}

	full := filepath.Join(d.root, filepath.FromSlash(path))
	if full != d.root && !strings.HasPrefix(full, d.root+string(filepath.Separator)) {
		return "", errors.Wrap(ErrInvalidPath, path)
	}
	return full, nil
}
