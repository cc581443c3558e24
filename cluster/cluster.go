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

// Package cluster implements the primary Cluster variants: Static,
// StrictDNS, LogicalDNS, and SDS. Each produces and refreshes a host.Set,
// reports Initialized exactly once, and notifies subscribers of
// (added, removed) membership deltas.
package cluster

import (
	"context"
	"sync/atomic"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/loadbalancer"
)

// Features describes a cluster's capability bits, consulted by the
// ConnPoolRegistry when choosing HTTP/1 vs HTTP/2.
type Features struct {
	HTTP2 bool
}

// Info is the descriptor returned by ClusterManager.Get.
type Info struct {
	Name    string
	LBKind  loadbalancer.Kind
	Feature Features
}

// MemberUpdate describes one membership delta: added/removed are by
// object identity, never by address.
type MemberUpdate struct {
	Added   []*host.Host
	Removed []*host.Host
	Set     *host.Set
}

// Subscriber is notified of every membership update a Cluster emits,
// including health-check-only transitions (which carry no added/removed
// but a changed effective-healthy set).
type Subscriber func(MemberUpdate)

// Cluster produces and refreshes a host.Set for one upstream.
type Cluster interface {
	Info() Info
	// Set returns the current, immutable snapshot.
	Set() *host.Set
	// Subscribe registers fn to be called on every membership update.
	// Returns an unsubscribe function.
	Subscribe(fn Subscriber) (unsubscribe func())
	// Start begins resolution/refresh. onInitialized fires exactly once,
	// after the first successful resolution (immediately for Static).
	Start(ctx context.Context, onInitialized func())
	// Close stops all refresh timers and subscriptions.
	Close()
}

// base provides the subscriber bookkeeping and snapshot-swap machinery
// shared by every Cluster variant. Only the cluster's own refresh
// goroutine ever calls publish/republishHealth, so subscribers and the
// initialized bookkeeping need no locking; set is the exception; it is
// read via Set() from other goroutines (the outlier detector's cluster
// size closure, the manager's republishHealthOnly) that don't run on that
// goroutine, so it is stored behind an atomic.Pointer rather than a plain
// field, the same way host.Host uses one for its mutable hostPort.
type base struct {
	info Info
	set  atomic.Pointer[host.Set]

	subscribers     []Subscriber
	initialized     bool
	initializedOnce func()
}

func newBase(info Info) *base {
	b := &base{info: info}
	b.set.Store(host.Empty())
	return b
}

func (b *base) Info() Info     { return b.info }
func (b *base) Set() *host.Set { return b.set.Load() }

func (b *base) setOnInitialized(fn func()) { b.initializedOnce = fn }

func (b *base) Subscribe(fn Subscriber) func() {
	b.subscribers = append(b.subscribers, fn)
	idx := len(b.subscribers) - 1
	return func() { b.subscribers[idx] = nil }
}

// publish replaces the current snapshot with next, computes the
// (added, removed) delta against the previous snapshot, and notifies
// subscribers. It also fires the one-shot initialized callback the first
// time it is called.
func (b *base) publish(next []*host.Host) {
	prev := b.set.Load().Hosts()
	added, removed := host.Diff(prev, next)
	nextSet := host.NewSet(next)
	b.set.Store(nextSet)

	update := MemberUpdate{Added: added, Removed: removed, Set: nextSet}
	for _, sub := range b.subscribers {
		if sub != nil {
			sub(update)
		}
	}

	if !b.initialized {
		b.initialized = true
		if b.initializedOnce != nil {
			b.initializedOnce()
		}
	}
}

// republishHealth re-announces the current host list (no membership
// change) so that health/outlier transitions propagate a fresh healthy
// subset without being mistaken for an add/remove event.
func (b *base) republishHealth() {
	next := host.NewSet(b.set.Load().Hosts())
	b.set.Store(next)
	update := MemberUpdate{Set: next}
	for _, sub := range b.subscribers {
		if sub != nil {
			sub(update)
		}
	}
}
