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

package config

import (
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/livekit/pullstream/pkg/congestion"
	"github.com/livekit/pullstream/pkg/transport"
)

func TestConfig_Defaults(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1024, conf.Transfer.ChunkSize)
	require.Equal(t, "/manifest", conf.Transfer.ManifestSuffix)
	require.Equal(t, congestion.AlgorithmAIMD, conf.Congestion.Algorithm)
	require.Equal(t, "synthetic", conf.Producer.Store)
	require.True(t, conf.Streaming.StrictOrder)
}

func TestConfig_DefaultsKept(t *testing.T) {
	const content = `transfer:
  chunk_size: 2048
streaming:
  adaptation_logic: svc-buffer`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2048, conf.Transfer.ChunkSize)
	require.Equal(t, "/manifest", conf.Transfer.ManifestSuffix)
	require.Equal(t, "svc-buffer", conf.Streaming.AdaptationLogic)
	require.Equal(t, 1920, conf.Streaming.ScreenWidth)
}

func TestConfig_UnknownKeys(t *testing.T) {
	const content = `unknown: 10
transfer:
  chunk_size: 2048`
	_, err := NewConfig(content, true, nil, nil)
	require.Error(t, err)

	conf, err := NewConfig(content, false, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 2048, conf.Transfer.ChunkSize)
}

func TestConfig_Validate(t *testing.T) {
	const content = `transfer:
  chunk_size: -1
congestion:
  algorithm: cubic
transport:
  kind: carrier-pigeon
streaming:
  adaptation_logic: manual
producer:
  store: tape`
	_, err := NewConfig(content, true, nil, nil)
	require.ErrorIs(t, err, ErrInvalidChunkSize)
	require.ErrorIs(t, err, congestion.ErrUnknownAlgorithm)
	require.ErrorIs(t, err, transport.ErrUnknownKind)
	require.ErrorIs(t, err, ErrUnknownLogic)
	require.ErrorIs(t, err, ErrUnknownStore)
}

func TestConfig_ExpandsPaths(t *testing.T) {
	t.Setenv("PULLSTREAM_TEST_ROOT", "/srv")
	const content = `producer:
  store: dir
  content_dir: $PULLSTREAM_TEST_ROOT/media`
	conf, err := NewConfig(content, true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "/srv/media", conf.Producer.ContentDir)
}

func TestConfig_MarshalRoundTrip(t *testing.T) {
	conf, err := NewConfig("", true, nil, nil)
	require.NoError(t, err)
	conf.Streaming.AllowDownscale = true
	conf.Transport.Delay = 25 * time.Millisecond

	out, err := conf.Marshal()
	require.NoError(t, err)

	decoded, err := NewConfig(string(out), true, nil, nil)
	require.NoError(t, err)
	require.Equal(t, conf.Streaming, decoded.Streaming)
	require.Equal(t, conf.Transport, decoded.Transport)
	require.Equal(t, conf.Producer, decoded.Producer)
}

func TestGeneratedFlags(t *testing.T) {
	generatedFlags, err := GenerateCLIFlags(nil, true)
	require.NoError(t, err)

	var chunkSize cli.Flag
	for _, f := range generatedFlags {
		if f.Names()[0] == "transfer.chunk_size" {
			chunkSize = f
		}
	}
	require.NotNil(t, chunkSize)
	require.Equal(t, []string{"PULLSTREAM_TRANSFER_CHUNK_SIZE"}, chunkSize.(*cli.IntFlag).EnvVars)

	app := cli.NewApp()
	app.Flags = append(app.Flags, generatedFlags...)

	set := flag.NewFlagSet("pullstream", flag.ContinueOnError)
	for _, f := range generatedFlags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse([]string{
		"--transfer.chunk_size=512",             // int
		"--transport.kind=websocket",            // string
		"--producer.port=9000",                  // uint32
		"--streaming.allow_downscale",           // bool
		"--streaming.idle_retry_interval=250ms", // duration
		"--congestion.window_size=12.5",         // float64
		"--transfer.rtt.initial_rtt=50ms",       // nested struct
	}))

	c := cli.NewContext(app, set, nil)
	conf, err := NewConfig("", true, c, nil)
	require.NoError(t, err)

	require.Equal(t, 512, conf.Transfer.ChunkSize)
	require.Equal(t, "websocket", conf.Transport.Kind)
	require.Equal(t, uint32(9000), conf.Producer.Port)
	require.True(t, conf.Streaming.AllowDownscale)
	require.Equal(t, 250*time.Millisecond, conf.Streaming.IdleRetryInterval)
	require.Equal(t, 12.5, conf.Congestion.WindowSize)
	require.Equal(t, 50*time.Millisecond, conf.Transfer.RTT.InitialRTT)

	// flags that were not passed keep their defaults
	require.Equal(t, "/manifest", conf.Transfer.ManifestSuffix)
}
