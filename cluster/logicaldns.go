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

package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/frontproxy/clustermanager/stats"
)

// LogicalDNS resolves one hostname and presents a single logical host
// that re-targets its address on each resolution, rather than being
// replaced. This is the one place a Host's address may change after
// construction: existing connections through it are not closed on
// re-resolution.
type LogicalDNS struct {
	*base

	hostname     string
	port         string
	zone         string
	clk          clock.Clock
	resolver     DNSResolver
	refreshEvery time.Duration

	resolveErrors stats.Counter

	cancel context.CancelFunc
	h      *host.Host
}

// NewLogicalDNS builds a LogicalDNS cluster for one hostname.
func NewLogicalDNS(info Info, hostname, port, zone string, clk clock.Clock, resolver DNSResolver, refreshEvery time.Duration, reg *stats.Registry) *LogicalDNS {
	return &LogicalDNS{
		base:          newBase(info),
		hostname:      hostname,
		port:          port,
		zone:          zone,
		clk:           clk,
		resolver:      resolver,
		refreshEvery:  refreshEvery,
		resolveErrors: reg.Counter(fmt.Sprintf("cluster.%s.update_failure", info.Name)),
	}
}

func (l *LogicalDNS) Start(ctx context.Context, onInitialized func()) {
	l.setOnInitialized(onInitialized)
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.refreshLoop(ctx)
}

func (l *LogicalDNS) refreshLoop(ctx context.Context) {
	l.refreshOnce(ctx)
	ticker := l.clk.NewTicker(l.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			l.refreshOnce(ctx)
		}
	}
}

func (l *LogicalDNS) refreshOnce(ctx context.Context) {
	addrs, err := l.resolver.Resolve(ctx, l.hostname)
	if err != nil || len(addrs) == 0 {
		l.resolveErrors.Inc()
		return
	}
	hostPort := addrs[0] + ":" + l.port

	if l.h == nil {
		l.h = host.New(l.info.Name, hostPort, l.zone)
		l.publish([]*host.Host{l.h})
		return
	}
	if l.h.HostPort() == hostPort {
		return
	}
	l.h.Retarget(hostPort)
	// The Host object is unchanged, so there is no added/removed delta;
	// republish so subscribers that cache by address (none should, but
	// logging/metrics might) still observe the new address.
	l.republishHealth()
}

func (l *LogicalDNS) Close() {
	if l.cancel != nil {
		l.cancel()
	}
}
