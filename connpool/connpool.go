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

// Package connpool implements the per-worker ConnPoolRegistry: a mapping
// from host to its live connection pools, keyed further by priority, with
// the drain-on-removal algorithm described for pool teardown.
package connpool

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/frontproxy/clustermanager/dispatcher"
	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/runtime"
)

// Priority distinguishes the default and high-priority pool a host may
// have simultaneously (e.g. for retries or canary traffic).
type Priority int

const (
	Default Priority = iota
	High
)

// Pool is a connection pool for one (host, priority) pair.
type Pool interface {
	http.RoundTripper
	// Drain stops the pool from accepting new streams and calls onDrained
	// once every in-flight request has finished.
	Drain(onDrained func())
	// Close releases any resources immediately. Only safe to call once
	// draining has completed (or the pool was never used).
	Close() error
}

// ResponseReporter receives the status code of every completed round trip a
// Registry's pools make, keyed by the host that served it. This is the
// mechanism that feeds an OutlierDetector's consecutive-5xx tracking from
// real traffic instead of only from test code.
type ResponseReporter interface {
	PutHTTPResponseCode(h *host.Host, statusCode int)
}

// reportingPool wraps a Pool so every completed round trip is reported to a
// ResponseReporter before being handed back to the caller.
type reportingPool struct {
	Pool
	host     *host.Host
	reporter ResponseReporter
}

func (p *reportingPool) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := p.Pool.RoundTrip(req)
	if err == nil && resp != nil {
		p.reporter.PutHTTPResponseCode(p.host, resp.StatusCode)
	}
	return resp, err
}

// PoolFactory builds a Pool for a host, choosing HTTP/2 over cleartext
// (h2c) when both the cluster's features and the runtime feature gate
// admit it, else HTTP/1.1.
type PoolFactory interface {
	New(h *host.Host, http2Capable bool) Pool
}

const http2RuntimeKey = "upstream.use_http2"

// DefaultPoolFactory builds pools backed by net/http, using
// golang.org/x/net/http2's cleartext (h2c) transport when HTTP/2 is
// chosen, matching the cleartext-upgrade approach used for the h2c scheme
// elsewhere in this stack.
type DefaultPoolFactory struct {
	Runtime runtime.Snapshot
	Dialer  net.Dialer
}

func (f *DefaultPoolFactory) New(h *host.Host, http2Capable bool) Pool {
	if http2Capable && f.Runtime.FeatureEnabled(http2RuntimeKey, 100) {
		transport := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return f.Dialer.DialContext(ctx, network, addr)
			},
		}
		return &pool{transport: transport, closeIdle: transport.CloseIdleConnections}
	}
	transport := &http.Transport{DialContext: f.Dialer.DialContext}
	return &pool{transport: transport, closeIdle: transport.CloseIdleConnections}
}

type pool struct {
	transport http.RoundTripper
	closeIdle func()
	inflight  int64
}

func (p *pool) RoundTrip(req *http.Request) (*http.Response, error) {
	return p.transport.RoundTrip(req)
}

func (p *pool) Drain(onDrained func()) {
	// net/http transports have no notion of "stop accepting new streams",
	// so draining here means: close idle connections now, and let the
	// caller's onDrained fire once there is nothing left in flight. Since
	// this pool type tracks no per-request bookkeeping beyond the
	// transport itself, draining completes immediately.
	p.closeIdle()
	onDrained()
}

func (p *pool) Close() error {
	p.closeIdle()
	return nil
}

// container holds every live pool for one host, across priorities.
type container struct {
	pools          map[Priority]Pool
	drainsRemaining int
}

// Registry is the per-worker host -> container map described for the
// ConnPoolRegistry.
type Registry struct {
	factory    PoolFactory
	dispatcher dispatcher.Dispatcher
	workerID   int
	reporter   ResponseReporter

	containers map[*host.Host]*container
}

// NewRegistry constructs an empty Registry for one worker. reporter may be
// nil, which disables response-code reporting entirely (every pool behaves
// as if undecorated).
func NewRegistry(factory PoolFactory, d dispatcher.Dispatcher, workerID int, reporter ResponseReporter) *Registry {
	return &Registry{
		factory:    factory,
		dispatcher: d,
		workerID:   workerID,
		reporter:   reporter,
		containers: map[*host.Host]*container{},
	}
}

// HTTPPool returns the pool for (h, priority), creating one if this is the
// first request for that pair. The pool is wrapped once at creation time so
// the same *reportingPool (if any) is returned on every subsequent call for
// the same (h, priority), preserving pool identity across calls.
func (r *Registry) HTTPPool(h *host.Host, priority Priority, http2Capable bool) Pool {
	c, ok := r.containers[h]
	if !ok {
		c = &container{pools: map[Priority]Pool{}}
		r.containers[h] = c
	}
	p, ok := c.pools[priority]
	if !ok {
		p = r.factory.New(h, http2Capable)
		if r.reporter != nil {
			p = &reportingPool{Pool: p, host: h, reporter: r.reporter}
		}
		c.pools[priority] = p
	}
	return p
}

// Remove drains and deferred-deletes every pool belonging to h. It drops
// h's entry from the registry at once, before any pool starts draining;
// it then counts the live pools, asks each to drain, and once every drain
// callback has fired, hands the pools to the dispatcher's deferred-delete
// queue.
func (r *Registry) Remove(h *host.Host) {
	c, ok := r.containers[h]
	if !ok {
		return
	}
	delete(r.containers, h)

	c.drainsRemaining = len(c.pools)
	if c.drainsRemaining == 0 {
		return
	}
	for _, p := range c.pools {
		p := p
		p.Drain(func() {
			c.drainsRemaining--
			if c.drainsRemaining == 0 {
				for _, drained := range c.pools {
					r.dispatcher.DeferredDelete(r.workerID, drained)
				}
			}
		})
	}
}

// Clear drains and deferred-deletes every pool for every host, used on
// worker shutdown.
func (r *Registry) Clear() {
	for h := range r.containers {
		r.Remove(h)
	}
}
