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

package clustermanager

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"

	"github.com/frontproxy/clustermanager/cluster"
	"github.com/frontproxy/clustermanager/connpool"
	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/xrand"
	"github.com/frontproxy/clustermanager/loadbalancer"
)

// clusterEntry is the per-worker, thread-local view of one primary
// cluster: its own copy of the HostSet, plus the LoadBalancer chosen for
// it.
type clusterEntry struct {
	info     cluster.Info
	set      *host.Set
	balancer loadbalancer.Balancer
}

// WorkerView implements the ThreadLocalClusterManager: the per-worker
// handle data-plane code uses
// to obtain a connection to a selected host. Everything here runs on one
// worker's dispatcher queue, so no locking is needed.
type WorkerView struct {
	id       int
	manager  *Manager
	registry *connpool.Registry
	rng      *rand.Rand

	entries          map[string]*clusterEntry
	localClusterName string
}

func newWorkerView(m *Manager, id int, deps Deps) *WorkerView {
	rng := deps.Rand
	if rng == nil {
		rng = xrand.New()
	}
	d := &connpool.DefaultPoolFactory{Runtime: deps.Runtime, Dialer: net.Dialer{}}
	registry := connpool.NewRegistry(d, deps.Dispatcher, id, &responseReporter{m: m})
	return &WorkerView{
		id:               id,
		manager:          m,
		registry:         registry,
		rng:              rng,
		entries:          map[string]*clusterEntry{},
		localClusterName: m.localClusterName,
	}
}

// applyUpdate is invoked on this worker's dispatcher queue whenever the
// primary cluster named clusterName publishes a membership update. It
// replaces the ClusterEntry's HostSet and drains pools for removed hosts.
func (w *WorkerView) applyUpdate(clusterName string, update cluster.MemberUpdate) {
	entry, ok := w.entries[clusterName]
	if !ok {
		w.manager.mu.Lock()
		pc, found := w.manager.clusters[clusterName]
		w.manager.mu.Unlock()
		if !found {
			return
		}
		entry = &clusterEntry{
			info:     pc.c.Info(),
			balancer: loadbalancer.New(pc.c.Info().LBKind, w.manager.deps.Zone, w.manager.deps.Runtime, w.manager.deps.Stats, w.rng),
		}
		w.entries[clusterName] = entry
	}
	entry.set = update.Set

	for _, h := range update.Removed {
		w.registry.Remove(h)
	}
}

func (w *WorkerView) get(clusterName string) (cluster.Info, bool) {
	entry, ok := w.entries[clusterName]
	if !ok {
		return cluster.Info{}, false
	}
	return entry.info, true
}

func (w *WorkerView) localSet() *host.Set {
	if w.localClusterName == "" {
		return nil
	}
	if entry, ok := w.entries[w.localClusterName]; ok {
		return entry.set
	}
	return nil
}

// chooseHost picks a host from entry's current healthy set, short-circuiting
// to nil (and counting upstream_cx_none_healthy) before ever asking the
// LoadBalancer to choose. LoadBalancer.Choose's own panic-mode fallback is
// allowed to hand back an unhealthy host once the healthy set is empty but
// the raw host list is not; that is a different contract from the
// ClusterManager's "no healthy host" short-circuit (spec.md §8 scenario 4),
// so the two must not be conflated here.
func (w *WorkerView) chooseHost(entry *clusterEntry) *host.Host {
	if len(entry.set.HealthyHosts()) == 0 {
		w.manager.deps.Stats.Counter("upstream_cx_none_healthy").Inc()
		return nil
	}
	return entry.balancer.Choose(entry.set, w.localSet())
}

// HTTPConnPool returns the pool for a host chosen from clusterName's
// healthy set at the given priority. Panics if clusterName is unknown (a
// programmer error per the cluster manager's error-handling design) or
// returns nil if no healthy host is available.
func (w *WorkerView) HTTPConnPool(clusterName string, priority connpool.Priority) connpool.Pool {
	entry, ok := w.entries[clusterName]
	if !ok {
		panic("clustermanager: unknown cluster " + clusterName)
	}
	h := w.chooseHost(entry)
	if h == nil {
		return nil
	}
	return w.registry.HTTPPool(h, priority, entry.info.Feature.HTTP2)
}

// TCPConn dials a raw TCP connection to a host chosen from clusterName's
// healthy set. Returns (nil, nil) and increments upstream_cx_none_healthy
// if there is no healthy host.
func (w *WorkerView) TCPConn(clusterName string) (net.Conn, *host.Host) {
	entry, ok := w.entries[clusterName]
	if !ok {
		panic("clustermanager: unknown cluster " + clusterName)
	}
	h := w.chooseHost(entry)
	if h == nil {
		return nil, nil
	}
	conn, err := net.Dial("tcp", h.HostPort())
	if err != nil {
		return nil, nil
	}
	return conn, h
}

// HTTPAsyncClient returns an *http.Client bound to clusterName: every
// request it sends re-selects a host from the cluster's current healthy set
// and round-trips through that host's connection pool, the way the
// collaborator's AsyncClient forwards each call to a freshly chosen pool
// instead of a connection pinned at construction time. Unknown cluster is
// fatal, reported as an error rather than a panic here since an AsyncClient
// is typically handed to long-lived caller code that should get a chance to
// react instead of crashing the worker.
func (w *WorkerView) HTTPAsyncClient(clusterName string) (*http.Client, error) {
	if _, ok := w.entries[clusterName]; !ok {
		return nil, fmt.Errorf("clustermanager: unknown cluster %q", clusterName)
	}
	return &http.Client{Transport: &asyncClientTransport{w: w, clusterName: clusterName}}, nil
}

// asyncClientTransport implements http.RoundTripper for HTTPAsyncClient,
// deferring host selection to HTTPConnPool on every request.
type asyncClientTransport struct {
	w           *WorkerView
	clusterName string
}

func (t *asyncClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	pool := t.w.HTTPConnPool(t.clusterName, connpool.Default)
	if pool == nil {
		return nil, fmt.Errorf("clustermanager: no healthy host in cluster %q", t.clusterName)
	}
	return pool.RoundTrip(req)
}
