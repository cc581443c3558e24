package connpool

import (
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/frontproxy/clustermanager/dispatcher"
	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/runtime"
)

type fakePool struct {
	closed     atomic.Bool
	statusCode int
}

func (f *fakePool) RoundTrip(_ *http.Request) (*http.Response, error) {
	code := f.statusCode
	if code == 0 {
		code = http.StatusOK
	}
	return &http.Response{StatusCode: code}, nil
}
func (f *fakePool) Drain(onDrained func()) { onDrained() }
func (f *fakePool) Close() error           { f.closed.Store(true); return nil }

type recordingReporter struct {
	hosts []*host.Host
	codes []int
}

func (r *recordingReporter) PutHTTPResponseCode(h *host.Host, statusCode int) {
	r.hosts = append(r.hosts, h)
	r.codes = append(r.codes, statusCode)
}

type fakeFactory struct {
	created []*fakePool
}

func (f *fakeFactory) New(_ *host.Host, _ bool) Pool {
	p := &fakePool{}
	f.created = append(f.created, p)
	return p
}

func TestHTTPPoolCreatesOncePerHostPriority(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := dispatcher.New(1, 4)
	defer d.Close()
	reg := NewRegistry(factory, d, 0, nil)

	h := host.New("c1", "a:1", "")
	p1 := reg.HTTPPool(h, Default, false)
	p2 := reg.HTTPPool(h, Default, false)
	require.Same(t, p1, p2)
	require.Len(t, factory.created, 1)

	p3 := reg.HTTPPool(h, High, false)
	require.NotSame(t, p1, p3)
}

func TestDefaultPoolFactoryChoosesHTTP2WhenCapable(t *testing.T) {
	t.Parallel()

	rt := runtime.NewStatic()
	f := &DefaultPoolFactory{Runtime: rt}
	h := host.New("c1", "a:1", "")

	p := f.New(h, true)
	require.NotNil(t, p)
	var _ io.Closer = p
	_, isHTTP2 := p.(*pool).transport.(*http2.Transport)
	require.True(t, isHTTP2)
}

func TestRemoveDrainsAllPoolsForHost(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := dispatcher.New(1, 4)
	defer d.Close()
	reg := NewRegistry(factory, d, 0, nil)

	h := host.New("c1", "a:1", "")
	reg.HTTPPool(h, Default, false)
	reg.HTTPPool(h, High, false)
	require.Len(t, factory.created, 2)

	reg.Remove(h)
	for _, p := range factory.created {
		require.Eventually(t, p.closed.Load, time.Second, time.Millisecond)
	}

	// Container removed; requesting again creates fresh pools.
	reg.HTTPPool(h, Default, false)
	require.Len(t, factory.created, 3)
}

func TestHTTPPoolReportsResponseCodeToReporter(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := dispatcher.New(1, 4)
	defer d.Close()
	reporter := &recordingReporter{}
	reg := NewRegistry(factory, d, 0, reporter)

	h := host.New("c1", "a:1", "")
	p1 := reg.HTTPPool(h, Default, false)
	p2 := reg.HTTPPool(h, Default, false)
	require.Same(t, p1, p2, "wrapping must happen once at creation so pool identity is stable")

	factory.created[0].statusCode = http.StatusServiceUnavailable
	_, err := p1.RoundTrip(&http.Request{})
	require.NoError(t, err)

	require.Equal(t, []*host.Host{h}, reporter.hosts)
	require.Equal(t, []int{http.StatusServiceUnavailable}, reporter.codes)
}

func TestHTTPPoolReporterNilDisablesWrapping(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	d := dispatcher.New(1, 4)
	defer d.Close()
	reg := NewRegistry(factory, d, 0, nil)

	h := host.New("c1", "a:1", "")
	p := reg.HTTPPool(h, Default, false)
	require.Same(t, Pool(factory.created[0]), p)
}
