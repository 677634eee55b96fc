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

package playback

import (
	"time"
)

// FlatBuffer only tracks buffered seconds.
type FlatBuffer struct {
	level    time.Duration
	maxLevel time.Duration
}

// NewFlatBuffer returns a buffer holding at most maxLevel, 0 is unbounded.
func NewFlatBuffer(maxLevel time.Duration) *FlatBuffer {
	return &FlatBuffer{maxLevel: maxLevel}
}

func (f *FlatBuffer) Admit(d time.Duration) bool {
	if d < 0 || (f.maxLevel > 0 && f.level+d > f.maxLevel) {
		return false
	}
	f.level += d
	return true
}

// Consume removes d if that much is buffered. There is no partial consumption.
func (f *FlatBuffer) Consume(d time.Duration) bool {
	if d < 0 || f.level < d {
		return false
	}
	f.level -= d
	return true
}

func (f *FlatBuffer) Level() time.Duration {
	return f.level
}

func (f *FlatBuffer) IsEmpty() bool {
	return f.level <= 0
}
