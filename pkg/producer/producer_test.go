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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/pullstream/pkg/mpd"
	"github.com/livekit/pullstream/pkg/sched"
	"github.com/livekit/pullstream/pkg/testutils"
	"github.com/livekit/pullstream/pkg/transfer"
	"github.com/livekit/pullstream/pkg/transport"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestDirStore(t *testing.T) {
	dir := t.TempDir()
	content := sequence(2500)
	writeFile(t, dir, "videos/clip.bin", content)

	store, err := NewDirStore(dir, 0)
	require.NoError(t, err)
	defer store.Close()

	size, err := store.Size("/videos/clip.bin")
	require.NoError(t, err)
	require.Equal(t, int64(2500), size)

	chunk, err := store.ReadChunk("/videos/clip.bin", 1, 1024)
	require.NoError(t, err)
	require.Equal(t, content[1024:2048], chunk)

	last, err := store.ReadChunk("/videos/clip.bin", 2, 1024)
	require.NoError(t, err)
	require.Equal(t, content[2048:], last)

	_, err = store.ReadChunk("/videos/clip.bin", 3, 1024)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Size("/videos/missing.bin")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Size("/videos")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.ReadChunk("/videos/clip.bin", 0, 0)
	require.ErrorIs(t, err, ErrInvalidChunk)

	for _, p := range []string{"/../secret", "/videos/../../secret", "relative/path", "/nul\x00byte"} {
		_, err = store.Size(p)
		require.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

func TestDirStoreModifiedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "clip.bin", sequence(2500))

	store, err := NewDirStore(dir, 0)
	require.NoError(t, err)
	defer store.Close()

	chunk, err := store.ReadChunk("/clip.bin", 0, 1024)
	require.NoError(t, err)
	require.Equal(t, sequence(2500)[:1024], chunk)

	replaced := bytes.Repeat([]byte{0xff}, 1500)
	writeFile(t, dir, "clip.bin", replaced)
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "clip.bin"), later, later))

	size, err := store.Size("/clip.bin")
	require.NoError(t, err)
	require.Equal(t, int64(1500), size)

	chunk, err = store.ReadChunk("/clip.bin", 0, 1024)
	require.NoError(t, err)
	require.Equal(t, replaced[:1024], chunk)

	_, err = store.ReadChunk("/clip.bin", 2, 1024)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBadgerStore(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), 100)
	require.NoError(t, err)
	defer store.Close()

	content := sequence(350)
	require.NoError(t, store.Put("/a.bin", content))

	size, err := store.Size("/a.bin")
	require.NoError(t, err)
	require.Equal(t, int64(350), size)

	// spans blocks 0 and 1
	chunk, err := store.ReadChunk("/a.bin", 1, 64)
	require.NoError(t, err)
	require.Equal(t, content[64:128], chunk)

	chunk, err = store.ReadChunk("/a.bin", 2, 128)
	require.NoError(t, err)
	require.Equal(t, content[256:], chunk)

	_, err = store.ReadChunk("/a.bin", 3, 128)
	require.ErrorIs(t, err, ErrNotFound)

	// replacing with shorter content
	require.NoError(t, store.Put("/a.bin", []byte("short")))
	chunk, err = store.ReadChunk("/a.bin", 0, 1024)
	require.NoError(t, err)
	require.Equal(t, []byte("short"), chunk)

	_, err = store.Size("/missing")
	require.ErrorIs(t, err, ErrNotFound)

	src := t.TempDir()
	writeFile(t, src, "x/one.bin", sequence(10))
	writeFile(t, src, "two.bin", sequence(20))
	n, err := store.ImportDir(src)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	size, err = store.Size("/x/one.bin")
	require.NoError(t, err)
	require.Equal(t, int64(10), size)

	files, err := store.Files()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"/a.bin", "/x/one.bin", "/two.bin"}, files)
}

func syntheticDocument() *mpd.Document {
	return &mpd.Document{
		BaseURLs: []string{"http://cdn.example/show/"},
		Periods: []*mpd.Period{{
			AdaptationSets: []*mpd.AdaptationSet{{
				Initialization: "init.mp4",
				Representations: []*mpd.Representation{
					{
						ID:        "low",
						Bandwidth: 80_000,
						SegmentList: &mpd.SegmentList{
							Duration: 2,
							Template: "low/$Number$.m4s",
							Count:    3,
						},
					},
					{
						ID:        "high",
						Bandwidth: 400_000,
						SegmentList: &mpd.SegmentList{
							Duration:  4000,
							Timescale: 1000,
							Media:     []string{"high/a.m4s", "high/b.m4s"},
						},
					},
				},
			}},
		}},
	}
}

func TestSyntheticStore(t *testing.T) {
	store, err := NewSyntheticStore("/cdn.example/show/manifest.yaml.gz", syntheticDocument())
	require.NoError(t, err)
	defer store.Close()
	require.Equal(t, 6, store.NumFiles())

	size, err := store.Size("/cdn.example/show/low/2.m4s")
	require.NoError(t, err)
	require.Equal(t, int64(20_000), size)

	size, err = store.Size("/cdn.example/show/high/b.m4s")
	require.NoError(t, err)
	require.Equal(t, int64(200_000), size)

	size, err = store.Size("/cdn.example/show/init.mp4")
	require.NoError(t, err)
	require.Equal(t, syntheticInitSegmentSize, size)

	_, err = store.Size("/cdn.example/show/low/3.m4s")
	require.ErrorIs(t, err, ErrNotFound)

	chunk, err := store.ReadChunk("/cdn.example/show/low/0.m4s", 19, 1024)
	require.NoError(t, err)
	require.Len(t, chunk, 20_000-19*1024)

	// the document is served compressed and decodes back
	docSize, err := store.Size("/cdn.example/show/manifest.yaml.gz")
	require.NoError(t, err)
	var data []byte
	for seq := 0; int64(len(data)) < docSize; seq++ {
		chunk, err := store.ReadChunk("/cdn.example/show/manifest.yaml.gz", uint32(seq), 64)
		require.NoError(t, err)
		data = append(data, chunk...)
	}
	doc, err := mpd.Decode("manifest.yaml.gz", data)
	require.NoError(t, err)
	require.Len(t, doc.Periods[0].AdaptationSets[0].Representations, 2)
}

func TestSampleDocument(t *testing.T) {
	doc := SampleDocument("http://localhost/sample/", 3, 2, nil)
	require.NoError(t, doc.Validate())

	reps := doc.Periods[0].AdaptationSets[0].Representations
	require.Len(t, reps, len(DefaultSampleLadder))
	require.Equal(t, []string{"720p/1.m4s", "720p/2.m4s", "720p/3.m4s"}, reps[1].SegmentList.URLs())
	require.Equal(t, 2*time.Second, reps[1].SegmentList.SegmentDuration())

	name := SampleDocumentName("http://localhost/sample/")
	require.Equal(t, "/localhost/sample/manifest.yaml.gz", name)

	store, err := NewSyntheticStore(name, doc)
	require.NoError(t, err)
	defer store.Close()
	// three segments per representation plus the shared init segment
	require.Equal(t, 10, store.NumFiles())

	size, err := store.Size("/localhost/sample/1080p/3.m4s")
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), size)
}

func TestProducerHandleRequest(t *testing.T) {
	dir := t.TempDir()
	content := sequence(3000)
	writeFile(t, dir, "file.bin", content)
	store, err := NewDirStore(dir, 16)
	require.NoError(t, err)

	p := NewProducer(Params{
		Prefix:    "/origin/",
		ChunkSize: 1024,
		Store:     store,
	})

	payload, ok := p.HandleRequest("/origin/file.bin/manifest")
	require.True(t, ok)
	size, err := transfer.DecodeManifest(payload)
	require.NoError(t, err)
	require.Equal(t, int64(3000), size)

	payload, ok = p.HandleRequest("/origin/missing.bin/manifest")
	require.True(t, ok)
	size, err = transfer.DecodeManifest(payload)
	require.NoError(t, err)
	require.Equal(t, transfer.ManifestNotFound, size)

	payload, ok = p.HandleRequest("/origin/file.bin/2")
	require.True(t, ok)
	require.Equal(t, content[2048:], payload)

	_, ok = p.HandleRequest("/origin/file.bin/3")
	require.False(t, ok)

	_, ok = p.HandleRequest("/elsewhere/file.bin/manifest")
	require.False(t, ok)

	_, ok = p.HandleRequest("/origin/file.bin/notanumber")
	require.False(t, ok)

	served, missed := p.Stats()
	require.Equal(t, uint64(2), served)
	require.Equal(t, uint64(2), missed)
}

func TestServer(t *testing.T) {
	dir := t.TempDir()
	content := sequence(5000)
	writeFile(t, dir, "movie.bin", content)
	store, err := NewDirStore(dir, 0)
	require.NoError(t, err)

	s := NewServer(ServerParams{
		Bind:    "127.0.0.1",
		Port:    0,
		Handler: NewProducer(Params{ChunkSize: 1024, Store: store}),
		Store:   store,
		Workers: 4,
	})
	require.NoError(t, s.Start())
	require.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	res, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "OK", string(body))

	loop := sched.NewEventLoop(sched.EventLoopParams{Name: "producer-test"})
	loop.Start()
	defer loop.Stop()

	client, err := transport.DialWebSocket(context.Background(), transport.WebSocketClientParams{
		URL:       "ws://" + s.Addr() + "/ws",
		Scheduler: loop,
	})
	require.NoError(t, err)
	defer client.Close()

	var (
		lock    sync.Mutex
		replies = map[string][]byte{}
	)
	client.SetReplyHandler(func(r transport.Reply) {
		lock.Lock()
		defer lock.Unlock()
		replies[r.Name] = r.Payload
	})

	client.SendRequest("/movie.bin/manifest")
	for seq := uint32(0); seq < 5; seq++ {
		client.SendRequest(transfer.ChunkName("/movie.bin", seq))
	}
	// never answered
	client.SendRequest("/movie.bin/5")

	testutils.WithTimeout(t, func() string {
		lock.Lock()
		defer lock.Unlock()
		if len(replies) != 6 {
			return fmt.Sprintf("%d of 6 replies", len(replies))
		}
		return ""
	})

	lock.Lock()
	size, err := transfer.DecodeManifest(replies["/movie.bin/manifest"])
	require.NoError(t, err)
	require.Equal(t, int64(5000), size)
	var assembled []byte
	for seq := uint32(0); seq < 5; seq++ {
		assembled = append(assembled, replies[transfer.ChunkName("/movie.bin", seq)]...)
	}
	lock.Unlock()
	require.True(t, bytes.Equal(content, assembled))

	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
	testutils.RequireClosed(t, s.Done(), "server")
	testutils.RequireClosed(t, client.Done(), "client connection")
}
