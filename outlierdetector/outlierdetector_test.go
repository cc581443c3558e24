package outlierdetector

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/frontproxy/clustermanager/dispatcher"
	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/clock/clocktest"
	"github.com/frontproxy/clustermanager/runtime"
	"github.com/frontproxy/clustermanager/stats"
)

type recordingLogger struct {
	mu        sync.Mutex
	ejects    []string
	unejects  []string
}

func (r *recordingLogger) LogEject(h *host.Host, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ejects = append(r.ejects, h.HostPort())
}

func (r *recordingLogger) LogUneject(h *host.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unejects = append(r.unejects, h.HostPort())
}

type recordingTracker struct {
	mu      sync.Mutex
	changes int
}

func (r *recordingTracker) EjectionChanged(_ *host.Host, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes++
}

// syncPost runs fn immediately instead of posting it onto a worker queue,
// since these tests drive a Detector directly with no dispatcher present.
func syncPost(fn func()) { fn() }

func TestEjectsAfterConsecutive5xx(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	rt := runtime.NewStatic()
	rt.SetFeature(enforcingRuntimeKey, 100)
	reg := stats.NewRegistry()
	logger := &recordingLogger{}
	tracker := &recordingTracker{}

	h := host.New("c1", "a:1", "")
	d := New(Config{ConsecutiveError: 3, BaseEjectionTime: time.Minute}, clk, rt, reg, logger, tracker, func() int { return 1 }, syncPost)
	d.AddHost(h)

	d.PutHTTPResponseCode(h, 500)
	d.PutHTTPResponseCode(h, 500)
	require.False(t, h.OutlierEjected())
	d.PutHTTPResponseCode(h, 503)

	require.True(t, h.OutlierEjected())
	require.Equal(t, float64(1), reg.Counter("outlier_detection.ejections_total").Value())
	require.Equal(t, float64(1), reg.Gauge("outlier_detection.ejections_active").Value())
	require.Len(t, logger.ejects, 1)
}

func TestUnejectsAfterTimer(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	rt := runtime.NewStatic()
	rt.SetFeature(enforcingRuntimeKey, 100)
	reg := stats.NewRegistry()
	logger := &recordingLogger{}
	tracker := &recordingTracker{}

	h := host.New("c1", "a:1", "")
	d := New(Config{ConsecutiveError: 1, BaseEjectionTime: time.Second}, clk, rt, reg, logger, tracker, func() int { return 1 }, syncPost)
	d.AddHost(h)

	d.PutHTTPResponseCode(h, 500)
	require.True(t, h.OutlierEjected())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return !h.OutlierEjected() }, time.Second, time.Millisecond)
	require.Len(t, logger.unejects, 1)
}

func TestOverflowCounterWhenCapExceeded(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	rt := runtime.NewStatic()
	rt.SetFeature(enforcingRuntimeKey, 100)
	reg := stats.NewRegistry()
	logger := &recordingLogger{}
	tracker := &recordingTracker{}

	h1 := host.New("c1", "a:1", "")
	h2 := host.New("c1", "b:1", "")
	d := New(Config{ConsecutiveError: 1, BaseEjectionTime: time.Minute, MaxEjectionPercent: 50}, clk, rt, reg, logger, tracker, func() int { return 2 }, syncPost)
	d.AddHost(h1)
	d.AddHost(h2)

	d.PutHTTPResponseCode(h1, 500)
	require.True(t, h1.OutlierEjected())

	d.PutHTTPResponseCode(h2, 500)
	require.False(t, h2.OutlierEjected(), "second ejection should overflow past the 50%% cap")
	require.Equal(t, float64(1), reg.Counter("outlier_detection.ejections_overflow").Value())
}

func TestRemoveHostCancelsUnejectTimer(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	rt := runtime.NewStatic()
	rt.SetFeature(enforcingRuntimeKey, 100)
	reg := stats.NewRegistry()
	logger := &recordingLogger{}
	tracker := &recordingTracker{}

	h := host.New("c1", "a:1", "")
	d := New(Config{ConsecutiveError: 1, BaseEjectionTime: time.Second}, clk, rt, reg, logger, tracker, func() int { return 1 }, syncPost)
	d.AddHost(h)
	d.PutHTTPResponseCode(h, 500)
	require.True(t, h.OutlierEjected())

	d.RemoveHost(h)
	clk.Advance(time.Second)
	// No panic, no uneject recorded since tracking stopped.
	require.Empty(t, logger.unejects)
}

// TestAddHostSerializedAcrossGoroutines drives AddHost from many concurrent
// goroutines through a real dispatcher worker, the way a cluster's own
// refresh goroutine calls it in production. Before sinks mutations were
// posted through post, this reproduced a concurrent map write.
func TestAddHostSerializedAcrossGoroutines(t *testing.T) {
	t.Parallel()

	clk := clocktest.NewFakeClock()
	rt := runtime.NewStatic()
	reg := stats.NewRegistry()
	logger := &recordingLogger{}
	tracker := &recordingTracker{}

	d2 := dispatcher.New(1, 64)
	defer d2.Close()
	post := func(fn func()) { d2.Post(0, fn) }

	d := New(Config{}, clk, rt, reg, logger, tracker, func() int { return 100 }, post)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		h := host.New("c1", fmt.Sprintf("h%d:1", i), "")
		wg.Add(1)
		go func(h *host.Host) {
			defer wg.Done()
			d.AddHost(h)
		}(h)
	}
	wg.Wait()

	count := make(chan int, 1)
	d2.Post(0, func() { count <- len(d.sinks) })
	require.Equal(t, n, <-count)
}

func TestNullDetectorIsNoOp(t *testing.T) {
	t.Parallel()

	var d NullDetector
	h := host.New("c1", "a:1", "")
	d.AddHost(h)
	d.PutHTTPResponseCode(h, 500)
	require.False(t, h.OutlierEjected())
	d.RemoveHost(h)
	d.Close()
}
