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

// Package outlierdetector implements the OutlierDetector collaborator:
// per-host consecutive-5xx tracking, ejection/un-ejection, and the
// event log and stats that go with it.
package outlierdetector

import (
	"time"

	"go.uber.org/zap"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/frontproxy/clustermanager/runtime"
	"github.com/frontproxy/clustermanager/stats"
)

// Interface is the common surface of Detector and NullDetector, so
// call sites never need to branch on whether detection is enabled.
type Interface interface {
	AddHost(h *host.Host)
	RemoveHost(h *host.Host)
	Close()
	PutHTTPResponseCode(h *host.Host, statusCode int)
}

var (
	_ Interface = (*Detector)(nil)
	_ Interface = NullDetector{}
)

// Tracker is notified whenever ejection state changes, mirroring
// healthcheck.Tracker: the cluster manager reacts by snapshotting the
// updated healthy set and propagating it to workers.
type Tracker interface {
	EjectionChanged(h *host.Host, ejected bool)
}

// EventLogger records ejection and un-ejection events. NewZapEventLogger
// is the production implementation; tests may supply their own.
type EventLogger interface {
	LogEject(h *host.Host, reason string)
	LogUneject(h *host.Host)
}

// Config controls a Detector's thresholds.
type Config struct {
	IntervalTime              time.Duration
	BaseEjectionTime          time.Duration
	ConsecutiveError          int // consecutive 5xx responses before ejection
	MaxEjectionPercent        int // cap on cluster-wide ejected host percentage
	EnforcingConsecutiveError int // runtime-configurable enforcement percentage (0-100)
}

const enforcingRuntimeKey = "outlier_detection.enforcing_consecutive_5xx"

// Detector tracks per-host response codes for one cluster and ejects hosts
// that cross the consecutive-5xx threshold.
//
// sinks is touched from AddHost, RemoveHost, PutHTTPResponseCode, and the
// un-eject timer callback, which in production run on three different
// goroutines (a cluster's own refresh loop, a connection pool's caller,
// and time.AfterFunc's runtime timer goroutine respectively). None of
// those calls may run concurrently with each other, so every one of them
// must be posted through post onto the single control-plane goroutine
// before touching sinks; the Detector itself holds no lock.
type Detector struct {
	cfg     Config
	clk     clock.Clock
	rt      runtime.Snapshot
	logger  EventLogger
	tracker Tracker
	post    func(func())

	ejectionsTotal     stats.Counter
	ejectionsActive    stats.Gauge
	ejectionsOverflow  stats.Counter
	ejectionsConsec5xx stats.Counter

	sinks map[*host.Host]*hostSink

	clusterSize func() int // total member count, for the overflow cap
}

// New constructs a Detector scoped to one cluster. clusterSize reports the
// cluster's current total host count, used to enforce MaxEjectionPercent.
// post schedules fn to run on the single goroutine that owns this
// Detector's state; callers typically post onto one fixed dispatcher
// worker, the same way connpool's ResponseReporter does.
func New(cfg Config, clk clock.Clock, rt runtime.Snapshot, reg *stats.Registry, logger EventLogger, tracker Tracker, clusterSize func() int, post func(func())) *Detector {
	if cfg.ConsecutiveError <= 0 {
		cfg.ConsecutiveError = 5
	}
	if cfg.MaxEjectionPercent <= 0 {
		cfg.MaxEjectionPercent = 10
	}
	return &Detector{
		cfg:                cfg,
		clk:                clk,
		rt:                 rt,
		logger:             logger,
		tracker:            tracker,
		post:               post,
		ejectionsTotal:     reg.Counter("outlier_detection.ejections_total"),
		ejectionsActive:    reg.Gauge("outlier_detection.ejections_active"),
		ejectionsOverflow:  reg.Counter("outlier_detection.ejections_overflow"),
		ejectionsConsec5xx: reg.Counter("outlier_detection.ejections_consecutive_5xx"),
		sinks:              map[*host.Host]*hostSink{},
		clusterSize:        clusterSize,
	}
}

// AddHost starts tracking h. Hosts removed from the cluster must be
// removed via RemoveHost so their un-eject timer is cancelled. Callers may
// invoke this from any goroutine; the actual mutation is posted onto the
// Detector's single owning goroutine.
func (d *Detector) AddHost(h *host.Host) {
	d.post(func() {
		d.sinks[h] = &hostSink{host: h}
	})
}

// RemoveHost stops tracking h and cancels any pending un-eject timer, per
// the rule that cluster teardown must not leave dangling timers behind.
// Safe to call from any goroutine, for the same reason as AddHost.
func (d *Detector) RemoveHost(h *host.Host) {
	d.post(func() {
		if sink, ok := d.sinks[h]; ok {
			if sink.unejectTimer != nil {
				sink.unejectTimer.Stop()
			}
			delete(d.sinks, h)
		}
	})
}

// Close cancels every outstanding un-eject timer, for use when the owning
// cluster is being torn down entirely. Safe to call from any goroutine.
func (d *Detector) Close() {
	d.post(func() {
		for _, sink := range d.sinks {
			if sink.unejectTimer != nil {
				sink.unejectTimer.Stop()
			}
		}
		d.sinks = map[*host.Host]*hostSink{}
	})
}

// PutHTTPResponseCode records one response's status code against h,
// possibly ejecting it if the consecutive-5xx threshold is crossed.
func (d *Detector) PutHTTPResponseCode(h *host.Host, statusCode int) {
	sink, ok := d.sinks[h]
	if !ok {
		return
	}
	if statusCode >= 500 {
		sink.consecutive5xx++
		if sink.consecutive5xx >= d.cfg.ConsecutiveError {
			d.ejectionsConsec5xx.Inc()
			d.maybeEject(h, sink, "consecutive_5xx")
		}
		return
	}
	sink.consecutive5xx = 0
}

func (d *Detector) maybeEject(h *host.Host, sink *hostSink, reason string) {
	if h.OutlierEjected() {
		return
	}
	if !d.rt.FeatureEnabled(enforcingRuntimeKey, d.cfg.EnforcingConsecutiveError) {
		return
	}
	if d.ejectedPercent() >= d.cfg.MaxEjectionPercent {
		d.ejectionsOverflow.Inc()
		return
	}

	h.SetOutlierEjected(true)
	sink.consecutive5xx = 0
	sink.numEjections++
	sink.ejectionTime = d.clk.Now()

	d.ejectionsTotal.Inc()
	d.ejectionsActive.Inc()
	d.logger.LogEject(h, reason)
	d.tracker.EjectionChanged(h, true)

	delay := d.cfg.BaseEjectionTime * time.Duration(sink.numEjections)
	// AfterFunc's callback runs on its own timer goroutine (time.AfterFunc
	// in production), so it must post back through the same serialization
	// as every other sinks mutation instead of calling uneject directly.
	sink.unejectTimer = d.clk.AfterFunc(delay, func() { d.post(func() { d.uneject(h) }) })
}

func (d *Detector) uneject(h *host.Host) {
	sink, ok := d.sinks[h]
	if !ok || !h.OutlierEjected() {
		return
	}
	h.SetOutlierEjected(false)
	d.ejectionsActive.Dec()
	d.logger.LogUneject(h)
	d.tracker.EjectionChanged(h, false)
	_ = sink
}

func (d *Detector) ejectedPercent() int {
	total := d.clusterSize()
	if total == 0 {
		return 0
	}
	ejected := 0
	for h := range d.sinks {
		if h.OutlierEjected() {
			ejected++
		}
	}
	return ejected * 100 / total
}

type hostSink struct {
	host           *host.Host
	consecutive5xx int
	numEjections   int
	ejectionTime   time.Time
	unejectTimer   clock.Timer
}

// NullDetector is used for clusters with outlier detection disabled. It
// satisfies the same call sites as Detector so data-plane code never needs
// a conditional.
type NullDetector struct{}

func (NullDetector) AddHost(*host.Host)                      {}
func (NullDetector) RemoveHost(*host.Host)                   {}
func (NullDetector) Close()                                  {}
func (NullDetector) PutHTTPResponseCode(*host.Host, int)     {}

// ZapEventLogger writes ejection/un-ejection events as JSON lines via a
// zap logger, matching the teacher library's structured-logging idiom.
type ZapEventLogger struct {
	log *zap.Logger
}

// NewZapEventLogger wraps an existing zap.Logger. Callers typically build
// one pointed at a dedicated output path via zap's own config.
func NewZapEventLogger(log *zap.Logger) *ZapEventLogger {
	return &ZapEventLogger{log: log}
}

func (z *ZapEventLogger) LogEject(h *host.Host, reason string) {
	z.log.Info("outlier_ejection",
		zap.String("cluster", h.Cluster()),
		zap.String("host", h.HostPort()),
		zap.String("reason", reason),
	)
}

func (z *ZapEventLogger) LogUneject(h *host.Host) {
	z.log.Info("outlier_uneject",
		zap.String("cluster", h.Cluster()),
		zap.String("host", h.HostPort()),
	)
}
