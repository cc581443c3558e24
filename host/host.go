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

// Package host represents backend endpoints and their point-in-time
// membership snapshots within a cluster.
package host

import (
	"sync/atomic"
)

// Host is one backend endpoint within a cluster. Its identity is the
// pointer itself: a host that is removed and later readded with the same
// address is a distinct *Host, which is what lets a connection-pool
// registry key pools by host identity without ever reusing a stale pool
// for a re-resolved address. The one deliberate exception is logicalDNS
// clusters, which retarget a single long-lived Host in place; see
// Retarget.
type Host struct {
	cluster  string
	zone     string
	hostPort atomic.Pointer[string]

	healthy        atomic.Bool
	outlierEjected atomic.Bool

	// inflight tracks outstanding requests for LeastRequest load balancing.
	inflight atomic.Int64
}

// New creates a Host. New hosts start healthy and not outlier-ejected.
func New(cluster, hostPort, zone string) *Host {
	h := &Host{cluster: cluster, zone: zone}
	h.hostPort.Store(&hostPort)
	h.healthy.Store(true)
	return h
}

// Cluster is the name of the cluster this host belongs to.
func (h *Host) Cluster() string { return h.cluster }

// HostPort is the resolved "host:port" address of this host.
func (h *Host) HostPort() string { return *h.hostPort.Load() }

// Zone is this host's availability zone, used for zone-aware load balancing.
func (h *Host) Zone() string { return h.zone }

// Healthy reports the active-health-check verdict for this host.
func (h *Host) Healthy() bool { return h.healthy.Load() }

// SetHealthy flips the active-health-check verdict for this host. Called
// from the health checker when a probe round completes.
func (h *Host) SetHealthy(healthy bool) { h.healthy.Store(healthy) }

// OutlierEjected reports whether the outlier detector has currently
// ejected this host.
func (h *Host) OutlierEjected() bool { return h.outlierEjected.Load() }

// SetOutlierEjected flips the outlier-ejection verdict for this host.
func (h *Host) SetOutlierEjected(ejected bool) { h.outlierEjected.Store(ejected) }

// EffectiveHealthy is true iff the host is healthy and not outlier-ejected.
func (h *Host) EffectiveHealthy() bool {
	return h.healthy.Load() && !h.outlierEjected.Load()
}

// Retarget updates this host's address in place. It is used only by
// logicalDNS clusters, which present a single logical host that re-targets
// on each resolution instead of being removed and readded; existing
// connections to the old address are not closed as a result.
func (h *Host) Retarget(newHostPort string) {
	h.hostPort.Store(&newHostPort)
}

// IncRequests records the start of a request against this host, for
// LeastRequest load balancing.
func (h *Host) IncRequests() { h.inflight.Add(1) }

// DecRequests records the completion of a request against this host.
func (h *Host) DecRequests() { h.inflight.Add(-1) }

// Requests returns the current number of in-flight requests against this host.
func (h *Host) Requests() int64 { return h.inflight.Load() }

func (h *Host) String() string {
	return h.cluster + "/" + h.HostPort()
}
