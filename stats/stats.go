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

// Package stats implements the Stats store collaborator: counter and
// gauge creation by fully-qualified name, backed by Prometheus so the
// resulting values are exportable, but also readable in-process (the
// Prometheus client makes values awkward to read back directly, which
// tests need to do).
package stats

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is a monotonically increasing value.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a value that can move in either direction.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Value() float64
}

// Registry creates and caches counters/gauges by fully-qualified name and
// registers them with an owned Prometheus registry, so that multiple
// Registry instances (e.g. one per test) never collide on Prometheus's
// global default registry.
type Registry struct {
	prom *prometheus.Registry

	mu       sync.Mutex
	counters map[string]*counter
	gauges   map[string]*gauge
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*counter{},
		gauges:   map[string]*gauge{},
	}
}

// Gatherer exposes the underlying Prometheus registry, e.g. for wiring up
// promhttp.HandlerFor on a metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.prom }

// Counter returns the named counter, creating it if this is the first
// reference to that name.
func (r *Registry) Counter(name string) Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &counter{prom: prometheus.NewCounter(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: name,
	})}
	r.prom.MustRegister(c.prom)
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it if this is the first
// reference to that name.
func (r *Registry) Gauge(name string) Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &gauge{prom: prometheus.NewGauge(prometheus.GaugeOpts{
		Name: sanitize(name),
		Help: name,
	})}
	r.prom.MustRegister(g.prom)
	r.gauges[name] = g
	return g
}

type counter struct {
	prom  prometheus.Counter
	value atomic.Uint64 // bits of a float64, via math.Float64bits
}

func (c *counter) Inc()              { c.Add(1) }
func (c *counter) Add(delta float64) { addFloat(&c.value, delta); c.prom.Add(delta) }
func (c *counter) Value() float64    { return loadFloat(&c.value) }

type gauge struct {
	prom  prometheus.Gauge
	value atomic.Uint64
}

func (g *gauge) Set(v float64)       { storeFloat(&g.value, v); g.prom.Set(v) }
func (g *gauge) Inc()                { g.Add(1) }
func (g *gauge) Dec()                { g.Add(-1) }
func (g *gauge) Add(delta float64)   { addFloat(&g.value, delta); g.prom.Add(delta) }
func (g *gauge) Value() float64      { return loadFloat(&g.value) }

// sanitize maps a fully-qualified dotted stat name (e.g.
// "cluster.c1.upstream_cx_none_healthy") into a Prometheus-legal metric
// name, since Prometheus disallows dots.
func sanitize(name string) string {
	return strings.ReplaceAll(name, ".", "_")
}

func loadFloat(v *atomic.Uint64) float64 {
	return math.Float64frombits(v.Load())
}

func storeFloat(v *atomic.Uint64, f float64) {
	v.Store(math.Float64bits(f))
}

func addFloat(v *atomic.Uint64, delta float64) {
	for {
		old := v.Load()
		newVal := math.Float64bits(math.Float64frombits(old) + delta)
		if v.CompareAndSwap(old, newVal) {
			return
		}
	}
}
