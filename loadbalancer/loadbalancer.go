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

// Package loadbalancer implements the LoadBalancer collaborator: given a
// HostSet (and optionally a local HostSet for zone-aware decisions), pick
// one host per call.
package loadbalancer

import (
	"math/rand"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/runtime"
	"github.com/frontproxy/clustermanager/stats"
)

// Kind names a LoadBalancer selection policy.
type Kind string

const (
	RoundRobin   Kind = "round_robin"
	LeastRequest Kind = "least_request"
	Random       Kind = "random"
)

// Balancer selects one host per call from a HostSet.
type Balancer interface {
	// Choose returns a host from set, optionally restricting itself to
	// set's healthy hosts in the worker's zone when zone-awareness applies.
	// local may be nil, which disables zone-awareness for this call.
	Choose(set *host.Set, local *host.Set) *host.Host
}

// Runtime key gating the minimum healthy fraction a local zone must show
// before zone-aware selection is used, expressed as a percentage (0-100).
const zoneAwareMinHealthyPercentKey = "upstream.zone_routing.min_cluster_size_healthy_percent"

// New constructs a Balancer of the given kind. localZone identifies the
// worker's own zone, used to index both local's and set's per-zone hosts.
// rng drives Random/LeastRequest's coin flips; pass a seeded *rand.Rand in
// tests for deterministic selection.
func New(kind Kind, localZone string, rt runtime.Snapshot, reg *stats.Registry, rng *rand.Rand) Balancer {
	base := &base{localZone: localZone, runtime: rt, rng: rng, panicMode: reg.Counter("lb_healthy_panic")}
	switch kind {
	case LeastRequest:
		return &leastRequest{base: base}
	case Random:
		return &random{base: base}
	default:
		return &roundRobin{base: base}
	}
}

type base struct {
	localZone string
	runtime   runtime.Snapshot
	rng       *rand.Rand
	// panicMode counts selections that fell back to the raw (possibly
	// unhealthy) host list because the healthy set was empty. Distinct
	// from the ClusterManager's own upstream_cx_none_healthy counter,
	// which WorkerView increments when the healthy set is empty, before
	// any Balancer is asked to choose.
	panicMode stats.Counter
}

// selection returns the healthy-host slice this call should choose from,
// applying the zone-awareness rule from the LoadBalancer contract: if a
// local HostSet is given and the fraction of healthy local-zone hosts meets
// the configured threshold, restrict to set's healthy hosts in the
// worker's zone; otherwise fall back to the global healthy set. Any empty
// zone in the upstream cluster disables zone-awareness entirely.
func (b *base) selection(set *host.Set, local *host.Set) []*host.Host {
	healthy := set.HealthyHosts()
	if local == nil || b.localZone == "" {
		return healthy
	}
	for _, hosts := range set.HostsPerZone() {
		if len(hosts) == 0 {
			return healthy
		}
	}
	localZoneHosts := local.HostsPerZone()[b.localZone]
	if len(localZoneHosts) == 0 {
		return healthy
	}
	localZoneHealthy := local.HealthyHostsPerZone()[b.localZone]
	healthyPercent := len(localZoneHealthy) * 100 / len(localZoneHosts)
	threshold := int(b.runtime.GetInteger(zoneAwareMinHealthyPercentKey, 100))
	if healthyPercent < threshold {
		return healthy
	}
	zoneHealthy := set.HealthyHostsPerZone()[b.localZone]
	if len(zoneHealthy) == 0 {
		return healthy
	}
	return zoneHealthy
}

type roundRobin struct {
	*base
	index int
}

func (r *roundRobin) Choose(set *host.Set, local *host.Set) *host.Host {
	healthy := r.selection(set, local)
	if len(healthy) == 0 {
		r.panicMode.Inc()
		healthy = set.Hosts()
		if len(healthy) == 0 {
			return nil
		}
	}
	h := healthy[r.index%len(healthy)]
	r.index++
	return h
}

type random struct {
	*base
}

func (r *random) Choose(set *host.Set, local *host.Set) *host.Host {
	healthy := r.selection(set, local)
	if len(healthy) == 0 {
		r.panicMode.Inc()
		healthy = set.Hosts()
		if len(healthy) == 0 {
			return nil
		}
	}
	return healthy[r.rng.Intn(len(healthy))]
}

type leastRequest struct {
	*base
}

func (l *leastRequest) Choose(set *host.Set, local *host.Set) *host.Host {
	healthy := l.selection(set, local)
	if len(healthy) == 0 {
		l.panicMode.Inc()
		healthy = set.Hosts()
		if len(healthy) == 0 {
			return nil
		}
	}
	if len(healthy) == 1 {
		return healthy[0]
	}
	i, j := l.rng.Intn(len(healthy)), l.rng.Intn(len(healthy)-1)
	if j >= i {
		j++
	}
	a, b := healthy[i], healthy[j]
	if b.Requests() < a.Requests() {
		return b
	}
	return a
}
