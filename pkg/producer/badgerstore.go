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
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

type fileItem struct {
	Path      string
	Size      int64
	BlockSize int
}

type blockItem struct {
	Path  string
	Index int
	Data  []byte
}

func fileKey(path string) string {
	return "file:" + path
}

func blockKey(path string, index int) string {
	return fmt.Sprintf("block:%s:%d", path, index)
}

// BadgerStore keeps content in a badger database split into fixed size blocks.
type BadgerStore struct {
	bh        *badgerhold.Store
	blockSize int
}

func NewBadgerStore(dir string, blockSize int) (*BadgerStore, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = log.StandardLogger()

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		bh:        bh,
		blockSize: blockSize,
	}, nil
}

// Put stores data under path, replacing previous content.
func (s *BadgerStore) Put(path string, data []byte) error {
	if old, err := s.file(path); err == nil {
		for i := 0; i < numBlocks(old.Size, old.BlockSize); i++ {
			if err := s.bh.Delete(blockKey(path, i), blockItem{}); err != nil && err != badgerhold.ErrNotFound {
				return err
			}
		}
	}

	for i := 0; i < numBlocks(int64(len(data)), s.blockSize); i++ {
		start := i * s.blockSize
		end := start + s.blockSize
		if end > len(data) {
			end = len(data)
		}
		if err := s.bh.Upsert(blockKey(path, i), blockItem{Path: path, Index: i, Data: data[start:end]}); err != nil {
			return err
		}
	}

	return s.bh.Upsert(fileKey(path), fileItem{Path: path, Size: int64(len(data)), BlockSize: s.blockSize})
}

// ImportDir stores every regular file below dir under its slash separated relative path.
func (s *BadgerStore) ImportDir(dir string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if err = s.Put("/"+filepath.ToSlash(rel), data); err != nil {
			return err
		}

		count++
		log.WithFields(log.Fields{
			"path": rel,
			"size": len(data),
		}).Debug("imported file")
		return nil
	})
	return count, err
}

// Files lists the stored paths.
func (s *BadgerStore) Files() ([]string, error) {
	var files []fileItem
	if err := s.bh.Find(&files, badgerhold.Where("Size").Ge(int64(0))); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	return paths, nil
}

func (s *BadgerStore) Size(path string) (int64, error) {
	f, err := s.file(path)
	if err != nil {
		return 0, err
	}
	return f.Size, nil
}

func (s *BadgerStore) ReadChunk(path string, seq uint32, chunkSize int) ([]byte, error) {
	f, err := s.file(path)
	if err != nil {
		return nil, err
	}
	start, end, err := chunkRange(f.Size, seq, chunkSize)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, end-start)
	for i := int(start / int64(f.BlockSize)); int64(i*f.BlockSize) < end; i++ {
		var block blockItem
		if err := s.bh.Get(blockKey(path, i), &block); err != nil {
			return nil, errors.Wrapf(err, "missing block %d of %s", i, path)
		}

		blockStart := int64(i * f.BlockSize)
		from := int64(0)
		if start > blockStart {
			from = start - blockStart
		}
		to := int64(len(block.Data))
		if end < blockStart+to {
			to = end - blockStart
		}
		data = append(data, block.Data[from:to]...)
	}
	return data, nil
}

func (s *BadgerStore) Close() error {
	return s.bh.Close()
}

func (s *BadgerStore) file(path string) (fileItem, error) {
	var f fileItem
	if err := s.bh.Get(fileKey(path), &f); err != nil {
		if err == badgerhold.ErrNotFound {
			return f, errors.Wrap(ErrNotFound, path)
		}
		return f, err
	}
	return f, nil
}

func numBlocks(size int64, blockSize int) int {
	return int((size + int64(blockSize) - 1) / int64(blockSize))
}
