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

// Package clustermanager implements the primary ClusterManager: the
// control-plane component that owns clusters, fans out membership deltas
// to every worker, and exposes the per-worker API data-plane code uses to
// obtain a connection to a selected host.
package clustermanager

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frontproxy/clustermanager/cluster"
	"github.com/frontproxy/clustermanager/config"
	"github.com/frontproxy/clustermanager/connpool"
	"github.com/frontproxy/clustermanager/dispatcher"
	"github.com/frontproxy/clustermanager/healthcheck"
	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/frontproxy/clustermanager/internal/xrand"
	"github.com/frontproxy/clustermanager/loadbalancer"
	"github.com/frontproxy/clustermanager/log"
	"github.com/frontproxy/clustermanager/outlierdetector"
	"github.com/frontproxy/clustermanager/runtime"
	"github.com/frontproxy/clustermanager/stats"
)

// Deps bundles the external collaborators the manager is constructed
// with, mirroring the "Collaborator contracts consumed" surface.
type Deps struct {
	Dispatcher  dispatcher.Dispatcher
	Runtime     runtime.Snapshot
	Stats       *stats.Registry
	PoolFactory connpool.PoolFactory
	Clock       clock.Clock
	HTTPClient  *http.Client
	Zone        string
	// Rand seeds the default RNG used by load balancers when non-nil;
	// otherwise each worker gets an xrand-seeded source.
	Rand *rand.Rand
	// Logger receives operational events (cluster load, initialization,
	// health transitions). Defaults to log.New() if nil.
	Logger *zap.SugaredLogger
}

// primaryCluster bundles a cluster.Cluster with its own health checker
// and outlier detector, the unit the control plane tracks per cluster.
type primaryCluster struct {
	c        cluster.Cluster
	checker  *healthcheck.Checker
	detector outlierdetector.Interface
	sds      *cluster.SDS // non-nil only for SDS clusters
}

// Manager is the primary ClusterManager.
type Manager struct {
	deps Deps

	mu               sync.Mutex
	clusters         map[string]*primaryCluster
	localClusterName string

	pendingInit int
	initOnce    sync.Once
	initCb      func()

	workers []*WorkerView
}

// New parses cfg, constructs every cluster, and builds a WorkerView for
// each of deps.Dispatcher's worker slots. Clusters with hosts available at
// construction time (e.g. static) fan out an initial membership update
// before New returns, so worker-local HostSets are non-empty on first
// use.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Manager, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = log.New()
	}

	m := &Manager{
		deps:             deps,
		clusters:         map[string]*primaryCluster{},
		localClusterName: cfg.LocalClusterName,
	}

	// Every ThreadLocalClusterManager is constructed on its own worker via
	// a dispatcher-scheduled callback rather than built directly on the
	// calling goroutine, matching the documented construction contract.
	numWorkers := deps.Dispatcher.NumWorkers()
	m.workers = make([]*WorkerView, numWorkers)
	if err := deps.Dispatcher.RunOnAllWorkers(ctx, func(worker int) {
		m.workers[worker] = newWorkerView(m, worker, deps)
	}); err != nil {
		return nil, err
	}

	ordered := orderClusters(cfg.Clusters, cfg.LocalClusterName)

	nonSDS := make([]config.ClusterConfig, 0, len(ordered))
	sdsConfigs := make([]config.ClusterConfig, 0)
	for _, cc := range ordered {
		if cc.Type == "sds" {
			sdsConfigs = append(sdsConfigs, cc)
		} else {
			nonSDS = append(nonSDS, cc)
		}
	}
	// Each SDS entry reports Initialized twice: once for its bootstrap
	// cluster and once for itself after its first successful poll.
	m.pendingInit = len(ordered) + len(sdsConfigs)

	for _, cc := range nonSDS {
		if err := m.loadCluster(ctx, cc); err != nil {
			return nil, err
		}
	}
	// SDS clusters are loaded after every non-SDS cluster has been
	// constructed and started; loadSDSCluster builds each SDS cluster's
	// bootstrap cluster itself.
	for _, cc := range sdsConfigs {
		if err := m.loadSDSCluster(ctx, cc); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// orderClusters places the local cluster first (so every worker can
// construct its ClusterEntries with the local cluster's HostSet already
// available) and leaves the rest in configured order, with SDS clusters
// moved after their dependencies are handled separately by New.
func orderClusters(clusters []config.ClusterConfig, localName string) []config.ClusterConfig {
	if localName == "" {
		return clusters
	}
	ordered := make([]config.ClusterConfig, 0, len(clusters))
	for _, cc := range clusters {
		if cc.Name == localName {
			ordered = append([]config.ClusterConfig{cc}, ordered...)
		} else {
			ordered = append(ordered, cc)
		}
	}
	return ordered
}

func (m *Manager) loadCluster(ctx context.Context, cc config.ClusterConfig) error {
	zone := m.deps.Zone
	var c cluster.Cluster
	info := cluster.Info{Name: cc.Name, LBKind: loadbalancer.Kind(cc.LBType), Feature: cluster.Features{HTTP2: cc.Features.HTTP2}}

	switch cc.Type {
	case "static":
		addrs := make([]string, len(cc.Hosts))
		for i, h := range cc.Hosts {
			addrs[i] = h.Address
		}
		c = cluster.NewStatic(info, zone, addrs)
	case "strict_dns":
		hostnames := make([]string, len(cc.Hosts))
		for i, h := range cc.Hosts {
			hostnames[i] = h.Address
		}
		c = cluster.NewStrictDNS(info, hostnames, "80", zone, m.deps.Clock, cluster.NewNetResolver(nil, 3), 30*time.Second, m.deps.Stats)
	case "logical_dns":
		if len(cc.Hosts) == 0 {
			return &config.Error{Cluster: cc.Name, Msg: "logical_dns cluster requires exactly one host"}
		}
		c = cluster.NewLogicalDNS(info, cc.Hosts[0].Address, "80", zone, m.deps.Clock, cluster.NewNetResolver(nil, 3), 30*time.Second, m.deps.Stats)
	default:
		return &config.Error{Cluster: cc.Name, Msg: fmt.Sprintf("unsupported cluster type %q here", cc.Type)}
	}

	pc := &primaryCluster{c: c}
	m.wireHealthAndOutlierDetection(pc, cc)
	m.clusters[cc.Name] = pc

	c.Subscribe(func(update cluster.MemberUpdate) { m.propagate(cc.Name, update) })
	m.deps.Logger.Infow("cluster loading", "cluster", cc.Name, "type", cc.Type)
	c.Start(ctx, func() {
		m.deps.Logger.Infow("cluster initialized", "cluster", cc.Name)
		m.onClusterInitialized()
	})
	return nil
}

func (m *Manager) loadSDSCluster(ctx context.Context, cc config.ClusterConfig) error {
	if cc.SDS == nil {
		return &config.Error{Cluster: cc.Name, Msg: "sds cluster requires an \"sds\" configuration block"}
	}
	bootstrapInfo := cluster.Info{Name: cc.SDS.Cluster.Name}
	bootstrapAddrs := make([]string, len(cc.SDS.Cluster.Hosts))
	for i, h := range cc.SDS.Cluster.Hosts {
		bootstrapAddrs[i] = h.Address
	}
	bootstrap := cluster.NewStatic(bootstrapInfo, m.deps.Zone, bootstrapAddrs)
	bootstrapPC := &primaryCluster{c: bootstrap}
	m.clusters[cc.SDS.Cluster.Name] = bootstrapPC
	bootstrap.Subscribe(func(update cluster.MemberUpdate) { m.propagate(cc.SDS.Cluster.Name, update) })

	info := cluster.Info{Name: cc.Name, LBKind: loadbalancer.Kind(cc.LBType)}
	rng := m.deps.Rand
	if rng == nil {
		rng = xrand.New()
	}
	bootstrapLB := loadbalancer.New(loadbalancer.RoundRobin, "", m.deps.Runtime, m.deps.Stats, rng)

	refresh := time.Duration(cc.SDS.RefreshDelayMs) * time.Millisecond
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	sds := cluster.NewSDS(info, bootstrap, bootstrapLB, cc.SDS.Path, m.deps.Zone, m.deps.HTTPClient, m.deps.Clock, refresh, 3, m.deps.Stats)
	sdsPC := &primaryCluster{c: sds, sds: sds}
	m.wireHealthAndOutlierDetection(sdsPC, cc)
	m.clusters[cc.Name] = sdsPC
	sds.Subscribe(func(update cluster.MemberUpdate) { m.propagate(cc.Name, update) })

	// Bootstrap's own Initialized must fire before SDS begins polling.
	bootstrap.Start(ctx, func() {
		m.onClusterInitialized()
		sds.Start(ctx, m.onClusterInitialized)
		sds.BeginPolling()
	})
	return nil
}

func (m *Manager) wireHealthAndOutlierDetection(pc *primaryCluster, cc config.ClusterConfig) {
	if cc.HealthCheck != nil {
		var prober healthcheck.Prober
		switch cc.HealthCheck.Type {
		case "http":
			prober = healthcheck.NewHTTPProber(m.deps.HTTPClient, cc.HealthCheck.Path)
		case "tcp":
			prober = &healthcheck.TCPProber{Send: []byte(cc.HealthCheck.SendText), Expect: []byte(cc.HealthCheck.ExpectText)}
		}
		if prober != nil {
			pc.checker = healthcheck.New(prober, m.deps.Clock, healthcheck.Config{
				Interval:       time.Duration(cc.HealthCheck.IntervalMs) * time.Millisecond,
				Timeout:        time.Duration(cc.HealthCheck.TimeoutMs) * time.Millisecond,
				UnhealthyAfter: cc.HealthCheck.UnhealthyThreshold,
				HealthyAfter:   cc.HealthCheck.HealthyThreshold,
			}, &healthTracker{m: m, clusterName: cc.Name})
		}
	}

	if cc.OutlierDetect != nil {
		var logger outlierdetector.EventLogger
		if cc.OutlierDetect.EventLogPath != "" {
			logger = newFileEventLogger(cc.OutlierDetect.EventLogPath)
		} else {
			logger = noopEventLogger{}
		}
		enforcing := 100
		if cc.OutlierDetect.EnforcingConsecutiveError != nil {
			enforcing = *cc.OutlierDetect.EnforcingConsecutiveError
		}
		pc.detector = outlierdetector.New(outlierdetector.Config{
			BaseEjectionTime:          time.Duration(cc.OutlierDetect.BaseEjectionTimeMs) * time.Millisecond,
			ConsecutiveError:          cc.OutlierDetect.ConsecutiveError,
			MaxEjectionPercent:        cc.OutlierDetect.MaxEjectionPercent,
			EnforcingConsecutiveError: enforcing,
		}, m.deps.Clock, m.deps.Runtime, m.deps.Stats, logger, &ejectionTracker{m: m, clusterName: cc.Name}, func() int {
			return len(pc.c.Set().Hosts())
		}, func(fn func()) { m.deps.Dispatcher.Post(0, fn) })
	} else {
		pc.detector = outlierdetector.NullDetector{}
	}

	m.wireMembershipTracking(pc)
}

// wireMembershipTracking keeps the cluster's health checker and outlier
// detector in sync with membership: every added host starts being probed
// and tracked for ejection, and every removed host stops.
func (m *Manager) wireMembershipTracking(pc *primaryCluster) {
	trackers := map[*host.Host]io.Closer{}
	pc.c.Subscribe(func(update cluster.MemberUpdate) {
		for _, h := range update.Added {
			if pc.detector != nil {
				pc.detector.AddHost(h)
			}
			if pc.checker != nil {
				trackers[h] = pc.checker.Track(h)
			}
		}
		for _, h := range update.Removed {
			if pc.detector != nil {
				pc.detector.RemoveHost(h)
			}
			if closer, ok := trackers[h]; ok {
				_ = closer.Close()
				delete(trackers, h)
			}
		}
	})
}

func (m *Manager) onClusterInitialized() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingInit--
	if m.pendingInit == 0 && m.initCb != nil {
		m.initOnce.Do(func() { m.initCb() })
	}
}

// SetInitializedCb registers cb to run exactly once, after every cluster
// (including SDS-discovered ones) has reported Initialized.
func (m *Manager) SetInitializedCb(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCb = cb
	if m.pendingInit == 0 {
		m.initOnce.Do(cb)
	}
}

// propagate snapshots update and posts it to every worker, per the
// membership-propagation algorithm: every worker observes the same
// (added, removed) pair for a given primary cluster event.
func (m *Manager) propagate(clusterName string, update cluster.MemberUpdate) {
	for _, w := range m.workers {
		w := w
		m.deps.Dispatcher.Post(w.id, func() {
			w.applyUpdate(clusterName, update)
		})
	}
}

// Get returns the named cluster's descriptor from the given worker's
// view, or false if unknown.
func (m *Manager) Get(workerID int, clusterName string) (cluster.Info, bool) {
	return m.workers[workerID].get(clusterName)
}

// Worker returns the WorkerView for the given worker slot.
func (m *Manager) Worker(workerID int) *WorkerView {
	return m.workers[workerID]
}

// Close tears down every cluster and clears every worker's connection
// pool registry.
func (m *Manager) Close() {
	m.mu.Lock()
	for name, pc := range m.clusters {
		pc.c.Close()
		if pc.detector != nil {
			pc.detector.Close()
		}
		m.deps.Logger.Infow("cluster torn down", "cluster", name)
	}
	m.mu.Unlock()

	for _, w := range m.workers {
		w := w
		m.deps.Dispatcher.Post(w.id, func() { w.registry.Clear() })
	}
}

type healthTracker struct {
	m           *Manager
	clusterName string
}

func (h *healthTracker) HealthTransitioned(hst *host.Host, _ bool) {
	h.m.mu.Lock()
	pc, ok := h.m.clusters[h.clusterName]
	h.m.mu.Unlock()
	if !ok {
		return
	}
	_ = hst
	h.m.republishHealthOnly(h.clusterName, pc)
}

type ejectionTracker struct {
	m           *Manager
	clusterName string
}

func (e *ejectionTracker) EjectionChanged(hst *host.Host, _ bool) {
	e.m.mu.Lock()
	pc, ok := e.m.clusters[e.clusterName]
	e.m.mu.Unlock()
	if !ok {
		return
	}
	_ = hst
	e.m.republishHealthOnly(e.clusterName, pc)
}

// responseReporter feeds observed HTTP response codes back to a host's
// cluster's OutlierDetector, satisfying connpool.ResponseReporter. Detector
// state (per-host consecutive-5xx counts) is not itself safe for concurrent
// access, so every report is posted onto worker 0's dispatcher queue:
// regardless of which worker actually served the request, a given cluster's
// detector is only ever touched from that one goroutine.
type responseReporter struct {
	m *Manager
}

func (r *responseReporter) PutHTTPResponseCode(h *host.Host, statusCode int) {
	r.m.deps.Dispatcher.Post(0, func() {
		r.m.mu.Lock()
		pc, ok := r.m.clusters[h.Cluster()]
		r.m.mu.Unlock()
		if !ok {
			return
		}
		pc.detector.PutHTTPResponseCode(h, statusCode)
	})
}

// republishHealthOnly re-snapshots pc's current host list (no add/remove)
// and fans it out, used when a health check or outlier detector flips a
// host's effective-healthy flag.
func (m *Manager) republishHealthOnly(clusterName string, pc *primaryCluster) {
	update := cluster.MemberUpdate{Set: host.NewSet(pc.c.Set().Hosts())}
	m.propagate(clusterName, update)
}
