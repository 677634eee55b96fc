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

package session

import (
	"time"

	"github.com/livekit/pullstream/pkg/adaptation"
	"github.com/livekit/pullstream/pkg/media"
)

type Config struct {
	// request name of the presentation document, compression follows its suffix
	Document            string  `yaml:"document,omitempty"`
	ScreenWidth         int     `yaml:"screen_width,omitempty"`
	ScreenHeight        int     `yaml:"screen_height,omitempty"`
	AllowUpscale        bool    `yaml:"allow_upscale,omitempty"`
	AllowDownscale      bool    `yaml:"allow_downscale,omitempty"`
	StartRepresentation string  `yaml:"start_representation,omitempty"`
	AdaptationLogic     string  `yaml:"adaptation_logic,omitempty"`
	MaxBufferedSeconds  float64 `yaml:"max_buffered_seconds,omitempty"`
	// base layer segments must enter the buffer in order
	StrictOrder        bool                 `yaml:"strict_order"`
	AdmitRetryInterval time.Duration        `yaml:"admit_retry_interval,omitempty"`
	IdleRetryInterval  time.Duration        `yaml:"idle_retry_interval,omitempty"`
	StallRetryInterval time.Duration        `yaml:"stall_retry_interval,omitempty"`
	SVC                adaptation.SVCConfig `yaml:"svc,omitempty"`
}

var DefaultConfig = Config{
	ScreenWidth:         1920,
	ScreenHeight:        1080,
	AllowUpscale:        true,
	StartRepresentation: media.StartLowest,
	AdaptationLogic:     adaptation.LogicRate,
	MaxBufferedSeconds:  30,
	StrictOrder:         true,
	AdmitRetryInterval:  time.Second,
	IdleRetryInterval:   time.Second,
	StallRetryInterval:  100 * time.Millisecond,
	SVC:                 adaptation.DefaultSVCConfig,
}

func (c Config) withDefaults() Config {
	if c.ScreenWidth <= 0 && c.ScreenHeight <= 0 {
		c.ScreenWidth, c.ScreenHeight = DefaultConfig.ScreenWidth, DefaultConfig.ScreenHeight
	}
	if c.StartRepresentation == "" {
		c.StartRepresentation = DefaultConfig.StartRepresentation
	}
	if c.AdaptationLogic == "" {
		c.AdaptationLogic = DefaultConfig.AdaptationLogic
	}
	if c.AdmitRetryInterval <= 0 {
		c.AdmitRetryInterval = DefaultConfig.AdmitRetryInterval
	}
	if c.IdleRetryInterval <= 0 {
		c.IdleRetryInterval = DefaultConfig.IdleRetryInterval
	}
	if c.StallRetryInterval <= 0 {
		c.StallRetryInterval = DefaultConfig.StallRetryInterval
	}
	return c
}

func (c Config) maxLevel() time.Duration {
	if c.MaxBufferedSeconds <= 0 {
		return 0
	}
	return time.Duration(c.MaxBufferedSeconds * float64(time.Second))
}
