// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runtime models the Runtime collaborator: a source of
// dynamically overridable configuration values (feature gates and
// integers) that cluster manager components consult without needing to
// know where the values actually come from. A real deployment would wire
// this to a flag service; this package supplies an in-memory Snapshot
// sufficient to drive and test that behavior.
package runtime

import (
	"math/rand"
	"sync"
)

// Snapshot is the read side of the Runtime collaborator described in the
// cluster manager's external interfaces: feature gates admit a request
// with some percentage probability, and named integers configure timing
// and thresholds.
type Snapshot interface {
	// FeatureEnabled reports whether the named feature gate admits this
	// call, given defaultPercent (0-100) if the key has no override.
	FeatureEnabled(key string, defaultPercent int) bool
	// GetInteger returns the named integer, or def if the key has no
	// override.
	GetInteger(key string, def int64) int64
}

// Static is a Snapshot backed by a fixed map of overrides. FeatureEnabled
// always admits at 100% and always denies at 0%; percentages in between
// are decided by math/rand's package-level source, which callers cannot
// replace.
type Static struct {
	mu        sync.RWMutex
	percents  map[string]int
	integers  map[string]int64
	randomInt func(n int) int
}

// NewStatic returns a Static snapshot with no overrides: every
// FeatureEnabled/GetInteger call returns the caller's default.
func NewStatic() *Static {
	return &Static{
		percents: map[string]int{},
		integers: map[string]int64{},
		randomInt: func(n int) int {
			return rand.Intn(n) //nolint:gosec // not security sensitive
		},
	}
}

// SetFeature overrides a feature gate's admit percentage (0-100).
func (s *Static) SetFeature(key string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.percents[key] = percent
}

// SetInteger overrides a named integer.
func (s *Static) SetInteger(key string, value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integers[key] = value
}

func (s *Static) FeatureEnabled(key string, defaultPercent int) bool {
	s.mu.RLock()
	percent, ok := s.percents[key]
	s.mu.RUnlock()
	if !ok {
		percent = defaultPercent
	}
	if percent >= 100 {
		return true
	}
	if percent <= 0 {
		return false
	}
	return s.randomInt(100) < percent
}

func (s *Static) GetInteger(key string, def int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.integers[key]; ok {
		return v
	}
	return def
}
