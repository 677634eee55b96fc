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

package adaptation

import (
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	LogicLowest     = "lowest"
	LogicRate       = "rate"
	LogicRateBuffer = "rate-buffer"
	LogicEMA        = "ema"
	LogicSVCBuffer  = "svc-buffer"
	LogicSVCRate    = "svc-rate"
	LogicSVCAll     = "svc-all"
)

type Constructor func(params Params) Logic

// Registry maps logic names to constructors. Logics are registered explicitly.
type Registry struct {
	lock         sync.RWMutex
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

func (r *Registry) Register(name string, c Constructor) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.constructors[name] = c
}

func (r *Registry) New(name string, params Params) (Logic, error) {
	r.lock.RLock()
	c, ok := r.constructors[name]
	r.lock.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownLogic, "%q, available: %v", name, r.Names())
	}

	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	params.SVC = params.SVC.withDefaults()
	return c(params), nil
}

func (r *Registry) Has(name string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, ok := r.constructors[name]
	return ok
}

func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	names := maps.Keys(r.constructors)
	slices.Sort(names)
	return names
}

// RegisterDefaults registers every built-in logic.
func RegisterDefaults(r *Registry) {
	r.Register(LogicLowest, func(p Params) Logic { return NewAlwaysLowest(p) })
	r.Register(LogicRate, func(p Params) Logic { return NewRateBased(p) })
	r.Register(LogicRateBuffer, func(p Params) Logic { return NewRateAndBufferBased(p) })
	r.Register(LogicEMA, func(p Params) Logic { return NewEMABased(p) })
	r.Register(LogicSVCBuffer, func(p Params) Logic { return NewSVCBufferBased(p) })
	r.Register(LogicSVCRate, func(p Params) Logic { return NewSVCRateBased(p) })
	r.Register(LogicSVCAll, func(p Params) Logic { return NewSVCAllLayers(p) })
}

func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDefaults(r)
	return r
}
