package cluster

import (
	"context"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/frontproxy/clustermanager/internal/clock/clocktest"
	"github.com/frontproxy/clustermanager/loadbalancer"
	"github.com/frontproxy/clustermanager/runtime"
	"github.com/frontproxy/clustermanager/stats"
)

func TestStaticInitializesImmediatelyWithAllHosts(t *testing.T) {
	t.Parallel()

	c := NewStatic(Info{Name: "c1"}, "z1", []string{"a:1", "b:1"})
	var initialized bool
	var updates []MemberUpdate
	c.Subscribe(func(u MemberUpdate) { updates = append(updates, u) })

	c.Start(context.Background(), func() { initialized = true })

	require.True(t, initialized)
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Added, 2)
	require.Empty(t, updates[0].Removed)
	require.Len(t, c.Set().Hosts(), 2)
}

type fakeResolver struct {
	results map[string][]string
	errs    map[string]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{results: map[string][]string{}, errs: map[string]error{}}
}

func (f *fakeResolver) set(hostname string, addrs []string, err error) {
	f.results[hostname] = addrs
	f.errs[hostname] = err
}

func (f *fakeResolver) Resolve(_ context.Context, hostname string) ([]string, error) {
	return f.results[hostname], f.errs[hostname]
}

func TestStrictDNSPreservesHostIdentityAcrossRefresh(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	resolver := newFakeResolver()
	resolver.set("svc.local", []string{"10.0.0.1", "10.0.0.2"}, nil)
	reg := stats.NewRegistry()

	c := NewStrictDNS(Info{Name: "c1"}, []string{"svc.local"}, "80", "z1", clk, resolver, time.Second, reg)
	var initialized bool
	c.Start(context.Background(), func() { initialized = true })
	// Start resolves on its own goroutine, which registers the refresh
	// ticker only after the first resolution has been published.
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	require.True(t, initialized)
	require.Len(t, c.Set().Hosts(), 2)
	first := c.Set().Hosts()

	// Re-resolve with the same addresses: identity must be preserved.
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(c.Set().Hosts()) == 2 }, time.Second, time.Millisecond)
	second := c.Set().Hosts()
	require.ElementsMatch(t, first, second)
}

func TestStrictDNSDropsVanishedAddress(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	resolver := newFakeResolver()
	resolver.set("svc.local", []string{"10.0.0.1", "10.0.0.2"}, nil)
	reg := stats.NewRegistry()

	c := NewStrictDNS(Info{Name: "c1"}, []string{"svc.local"}, "80", "z1", clk, resolver, time.Second, reg)
	c.Start(context.Background(), func() {})
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	require.Len(t, c.Set().Hosts(), 2)

	resolver.set("svc.local", []string{"10.0.0.1"}, nil)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(c.Set().Hosts()) == 1 }, time.Second, time.Millisecond)
}

func TestLogicalDNSRetargetsSameObject(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	resolver := newFakeResolver()
	resolver.set("svc.local", []string{"10.0.0.1"}, nil)
	reg := stats.NewRegistry()

	c := NewLogicalDNS(Info{Name: "c1"}, "svc.local", "80", "z1", clk, resolver, time.Second, reg)
	c.Start(context.Background(), func() {})
	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	require.Len(t, c.Set().Hosts(), 1)
	original := c.Set().Hosts()[0]
	require.Equal(t, "10.0.0.1:80", original.HostPort())

	resolver.set("svc.local", []string{"10.0.0.2"}, nil)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return c.Set().Hosts()[0].HostPort() == "10.0.0.2:80" }, time.Second, time.Millisecond)
	require.Same(t, original, c.Set().Hosts()[0])
}

func TestSDSDoesNotPollBeforeBootstrapInitialized(t *testing.T) {
	t.Parallel()

	bootstrap := NewStatic(Info{Name: "bootstrap"}, "", []string{"10.0.0.1:8080"})
	bootstrap.Start(context.Background(), func() {})

	rt := runtime.NewStatic()
	reg := stats.NewRegistry()
	lb := loadbalancer.New(loadbalancer.RoundRobin, "", rt, reg, rand.New(rand.NewSource(1)))

	clk := clocktest.NewFakeClock()
	sds := NewSDS(Info{Name: "sds"}, bootstrap, lb, "/hosts", "", nil, clk, time.Second, 3, reg)
	sds.Start(context.Background(), func() {})

	// Never called BeginPolling: no host added, no crash.
	require.Empty(t, sds.Set().Hosts())
	sds.Close()
}

func TestSDSRetriesTransientPollFailureBeforeGivingUp(t *testing.T) {
	t.Parallel()

	var attempts int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"address":"10.0.0.9:80"}]`))
	}))
	defer ts.Close()

	bootstrap := NewStatic(Info{Name: "bootstrap"}, "", []string{strings.TrimPrefix(ts.URL, "http://")})
	bootstrap.Start(context.Background(), func() {})

	rt := runtime.NewStatic()
	reg := stats.NewRegistry()
	lb := loadbalancer.New(loadbalancer.RoundRobin, "", rt, reg, rand.New(rand.NewSource(1)))

	sds := NewSDS(Info{Name: "sds"}, bootstrap, lb, "/hosts", "", ts.Client(), clock.Real(), time.Minute, 3, reg)
	sds.Start(context.Background(), func() {})
	sds.BeginPolling()
	defer sds.Close()

	require.Eventually(t, func() bool { return len(sds.Set().Hosts()) == 1 }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}
