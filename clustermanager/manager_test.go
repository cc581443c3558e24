package clustermanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frontproxy/clustermanager/config"
	"github.com/frontproxy/clustermanager/connpool"
	"github.com/frontproxy/clustermanager/dispatcher"
	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/frontproxy/clustermanager/log"
	"github.com/frontproxy/clustermanager/runtime"
	"github.com/frontproxy/clustermanager/stats"
)

func testDeps(t *testing.T, numWorkers int) (Deps, dispatcher.Dispatcher) {
	t.Helper()
	d := dispatcher.New(numWorkers, 32)
	deps := Deps{
		Dispatcher: d,
		Runtime:    runtime.NewStatic(),
		Stats:      stats.NewRegistry(),
		Clock:      clock.Real(),
		Logger:     log.Nop(),
	}
	return deps, d
}

func waitForEntry(t *testing.T, w *WorkerView, clusterName string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := w.get(clusterName)
		return ok
	}, time.Second, time.Millisecond)
}

func TestStaticClusterRoundRobinAcrossWorkers(t *testing.T) {
	t.Parallel()

	deps, d := testDeps(t, 2)
	defer d.Close()

	cfg := &config.Config{Clusters: []config.ClusterConfig{
		{Name: "c1", Type: "static", LBType: "round_robin", Hosts: []config.HostConfig{
			{Address: "h1:80"}, {Address: "h2:80"},
		}},
	}}

	ctx := context.Background()
	m, err := New(ctx, cfg, deps)
	require.NoError(t, err)
	defer m.Close()

	for worker := 0; worker < 2; worker++ {
		w := m.Worker(worker)
		waitForEntry(t, w, "c1")

		p1 := w.HTTPConnPool("c1", connpool.Default)
		p2 := w.HTTPConnPool("c1", connpool.Default)
		p3 := w.HTTPConnPool("c1", connpool.Default)
		p4 := w.HTTPConnPool("c1", connpool.Default)

		require.Same(t, p1, p3)
		require.Same(t, p2, p4)
		require.NotSame(t, p1, p2)
	}
}

func TestUnhealthyHostExcludedFromRoundRobin(t *testing.T) {
	t.Parallel()

	deps, d := testDeps(t, 1)
	defer d.Close()

	cfg := &config.Config{Clusters: []config.ClusterConfig{
		{Name: "c1", Type: "static", LBType: "round_robin", Hosts: []config.HostConfig{
			{Address: "h1:80"}, {Address: "h2:80"},
		}},
	}}

	ctx := context.Background()
	m, err := New(ctx, cfg, deps)
	require.NoError(t, err)
	defer m.Close()

	w := m.Worker(0)
	waitForEntry(t, w, "c1")

	// Mark h1 unhealthy directly and republish, simulating what the
	// health checker would do on a failed probe.
	m.mu.Lock()
	pc := m.clusters["c1"]
	hosts := pc.c.Set().Hosts()
	m.mu.Unlock()
	h1 := hosts[0]
	h1.SetHealthy(false)
	m.republishHealthOnly("c1", pc)

	require.Eventually(t, func() bool {
		p := w.HTTPConnPool("c1", connpool.Default)
		p2 := w.HTTPConnPool("c1", connpool.Default)
		return p == p2 // only h2 remains, same pool every time
	}, time.Second, time.Millisecond)

	require.Equal(t, float64(0), deps.Stats.Counter("upstream_cx_none_healthy").Value())
}

func TestNoHealthyHostTCPConnReturnsEmptyAndIncrementsCounter(t *testing.T) {
	t.Parallel()

	deps, d := testDeps(t, 1)
	defer d.Close()

	cfg := &config.Config{Clusters: []config.ClusterConfig{
		{Name: "c1", Type: "static", LBType: "round_robin", Hosts: []config.HostConfig{
			{Address: "h1:80"},
		}},
	}}

	ctx := context.Background()
	m, err := New(ctx, cfg, deps)
	require.NoError(t, err)
	defer m.Close()

	w := m.Worker(0)
	waitForEntry(t, w, "c1")

	m.mu.Lock()
	pc := m.clusters["c1"]
	h1 := pc.c.Set().Hosts()[0]
	m.mu.Unlock()
	h1.SetHealthy(false)
	m.republishHealthOnly("c1", pc)

	require.Eventually(t, func() bool {
		conn, h := w.TCPConn("c1")
		return conn == nil && h == nil
	}, time.Second, time.Millisecond)

	require.GreaterOrEqual(t, deps.Stats.Counter("upstream_cx_none_healthy").Value(), float64(1))
}

func TestBothHostsUnhealthyTCPConnReturnsEmptyWithoutPanicFallback(t *testing.T) {
	t.Parallel()

	deps, d := testDeps(t, 1)
	defer d.Close()

	cfg := &config.Config{Clusters: []config.ClusterConfig{
		{Name: "c1", Type: "static", LBType: "round_robin", Hosts: []config.HostConfig{
			{Address: "h1:80"}, {Address: "h2:80"},
		}},
	}}

	ctx := context.Background()
	m, err := New(ctx, cfg, deps)
	require.NoError(t, err)
	defer m.Close()

	w := m.Worker(0)
	waitForEntry(t, w, "c1")

	m.mu.Lock()
	pc := m.clusters["c1"]
	hosts := pc.c.Set().Hosts()
	m.mu.Unlock()
	for _, h := range hosts {
		h.SetHealthy(false)
	}
	m.republishHealthOnly("c1", pc)

	require.Eventually(t, func() bool {
		conn, h := w.TCPConn("c1")
		return conn == nil && h == nil
	}, time.Second, time.Millisecond)

	require.GreaterOrEqual(t, deps.Stats.Counter("upstream_cx_none_healthy").Value(), float64(1))
	// The short-circuit in WorkerView.chooseHost must fire before the
	// LoadBalancer is ever asked to choose, so its panic-mode fallback
	// (which would have handed back one of the unhealthy hosts) never runs.
	require.Equal(t, float64(0), deps.Stats.Counter("lb_healthy_panic").Value())
}

func TestMissingLocalClusterAbortsConstruction(t *testing.T) {
	t.Parallel()

	deps, d := testDeps(t, 1)
	defer d.Close()

	cfg := &config.Config{
		Clusters:         []config.ClusterConfig{{Name: "c1", Type: "static"}},
		LocalClusterName: "does-not-exist",
	}

	_, err := New(context.Background(), cfg, deps)
	require.Error(t, err)
	require.Contains(t, err.Error(), "does-not-exist")
}

func TestInitializedCallbackFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	deps, d := testDeps(t, 1)
	defer d.Close()

	cfg := &config.Config{Clusters: []config.ClusterConfig{
		{Name: "c1", Type: "static", Hosts: []config.HostConfig{{Address: "h1:80"}}},
		{Name: "c2", Type: "static", Hosts: []config.HostConfig{{Address: "h2:80"}}},
	}}

	m, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	defer m.Close()

	var calls int
	m.SetInitializedCb(func() { calls++ })
	require.Equal(t, 1, calls)
}
