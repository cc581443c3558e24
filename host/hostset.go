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

package host

// Set is an immutable snapshot of a cluster's membership: all hosts, the
// healthy subset, and both partitioned by zone. Once published, a Set is
// never mutated; an update replaces all four views atomically by
// constructing a new Set and swapping it in, which is what lets worker
// goroutines hold a reference to a Set without any locking.
type Set struct {
	hosts               []*Host
	healthyHosts        []*Host
	hostsPerZone        map[string][]*Host
	healthyHostsPerZone map[string][]*Host
}

// NewSet builds a Set from the given hosts, partitioning by zone and by
// effective health as of the moment of the call.
func NewSet(hosts []*Host) *Set {
	s := &Set{
		hosts:               hosts,
		hostsPerZone:        map[string][]*Host{},
		healthyHostsPerZone: map[string][]*Host{},
	}
	for _, h := range hosts {
		s.hostsPerZone[h.Zone()] = append(s.hostsPerZone[h.Zone()], h)
		if h.EffectiveHealthy() {
			s.healthyHosts = append(s.healthyHosts, h)
			s.healthyHostsPerZone[h.Zone()] = append(s.healthyHostsPerZone[h.Zone()], h)
		}
	}
	return s
}

// Empty is the zero-value Set: no hosts, used before a cluster's first
// resolution completes.
func Empty() *Set {
	return &Set{hostsPerZone: map[string][]*Host{}, healthyHostsPerZone: map[string][]*Host{}}
}

// Hosts returns every host in the set, in stable order.
func (s *Set) Hosts() []*Host { return s.hosts }

// HealthyHosts returns the effective-healthy subset, in stable order.
func (s *Set) HealthyHosts() []*Host { return s.healthyHosts }

// HostsPerZone returns all hosts partitioned by zone.
func (s *Set) HostsPerZone() map[string][]*Host { return s.hostsPerZone }

// HealthyHostsPerZone returns the effective-healthy subset, partitioned by zone.
func (s *Set) HealthyHostsPerZone() map[string][]*Host { return s.healthyHostsPerZone }

// Diff computes which hosts in next are not present (by identity) in prev,
// and which hosts in prev are no longer present in next. It is used by
// cluster implementations to compute the (added, removed) pair that gets
// emitted to member-update subscribers.
func Diff(prev, next []*Host) (added, removed []*Host) {
	prevSet := make(map[*Host]struct{}, len(prev))
	for _, h := range prev {
		prevSet[h] = struct{}{}
	}
	nextSet := make(map[*Host]struct{}, len(next))
	for _, h := range next {
		nextSet[h] = struct{}{}
		if _, ok := prevSet[h]; !ok {
			added = append(added, h)
		}
	}
	for _, h := range prev {
		if _, ok := nextSet[h]; !ok {
			removed = append(removed, h)
		}
	}
	return added, removed
}
