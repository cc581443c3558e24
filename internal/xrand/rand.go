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

// Package xrand provides the random source used by load balancer selection.
// Keeping it as an injectable *rand.Rand (rather than calling math/rand/v2's
// package-level functions directly) is what keeps LeastRequest/Random picks
// reproducible given a fixed seed, per the determinism requirement on load
// balancer selection.
package xrand

import (
	"hash/maphash"
	"math/rand"
)

// New returns a properly seeded *rand.Rand. The seed comes from
// "hash/maphash", which is lock-free and safe for concurrent use, so we're
// effectively using the runtime's internal per-thread RNG to seed a new
// rand.Rand without contending on the global one.
//
// The returned value is not safe for concurrent use. Each worker (and each
// load balancer instance) should own its own *rand.Rand.
func New() *rand.Rand {
	return rand.New(rand.NewSource(randomSeed())) //nolint:gosec // not used for anything security sensitive
}

// NewSeeded returns a *rand.Rand seeded deterministically, for tests that
// need reproducible selection sequences.
func NewSeeded(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed)) //nolint:gosec // not used for anything security sensitive
}

func randomSeed() int64 {
	var h maphash.Hash
	return int64(h.Sum64())
}
