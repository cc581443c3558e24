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

// StrictDNS resolves a fixed list of hostnames on a refresh timer; the
// host set is the union of addresses across all names, and hosts dropped
// from a DNS response are removed from the set.
type StrictDNS struct {
	*base

	hostnames    []string
	port         string
	zone         string
	clk          clock.Clock
	resolver     DNSResolver
	refreshEvery time.Duration

	resolveErrors stats.Counter

	cancel context.CancelFunc

	// lastGoodAddrs and byAddr reconcile resolutions by address so a host
	// whose address reappears across refreshes keeps its identity (and
	// therefore its connection pools); only a genuinely new or vanished
	// address changes the set of Host objects.
	lastGoodAddrs map[string][]string // hostname -> addresses, from its last successful resolve
	byAddr        map[string]*host.Host
}

// NewStrictDNS builds a StrictDNS cluster. hostnames are resolved without
// a port; port is appended to each resolved address.
func NewStrictDNS(info Info, hostnames []string, port, zone string, clk clock.Clock, resolver DNSResolver, refreshEvery time.Duration, reg *stats.Registry) *StrictDNS {
	return &StrictDNS{
		base:          newBase(info),
		hostnames:     hostnames,
		port:          port,
		zone:          zone,
		clk:           clk,
		resolver:      resolver,
		refreshEvery:  refreshEvery,
		resolveErrors: reg.Counter(fmt.Sprintf("cluster.%s.update_failure", info.Name)),
		lastGoodAddrs: map[string][]string{},
		byAddr:        map[string]*host.Host{},
	}
}

func (s *StrictDNS) Start(ctx context.Context, onInitialized func()) {
	s.setOnInitialized(onInitialized)
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.refreshLoop(ctx)
}

func (s *StrictDNS) refreshLoop(ctx context.Context) {
	s.refreshOnce(ctx)
	ticker := s.clk.NewTicker(s.refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.refreshOnce(ctx)
		}
	}
}

// refreshOnce resolves every configured hostname and reconciles the
// result against the previous resolution by address: an address that
// reappears reuses its existing Host object (preserving identity, and
// with it any live connection pools), while a genuinely new address gets
// a fresh Host. An address absent from this resolution is dropped, so its
// next appearance (even with the same address) is a brand new object. A
// hostname whose resolve fails this round contributes its last-good
// addresses instead of dropping out of the set. A round in which every
// hostname fails before the cluster has initialized publishes nothing.
func (s *StrictDNS) refreshOnce(ctx context.Context) {
	seen := map[string]struct{}{}
	var union []string
	failures := 0

	for _, hostname := range s.hostnames {
		addrs, err := s.resolver.Resolve(ctx, hostname)
		if err != nil {
			s.resolveErrors.Inc()
			failures++
			addrs = s.lastGoodAddrs[hostname]
		} else {
			s.lastGoodAddrs[hostname] = addrs
		}
		for _, addr := range addrs {
			hostPort := addr + ":" + s.port
			if _, dup := seen[hostPort]; dup {
				continue
			}
			seen[hostPort] = struct{}{}
			union = append(union, hostPort)
		}
	}
	if !s.initialized && len(s.hostnames) > 0 && failures == len(s.hostnames) {
		return
	}

	resolved := make([]*host.Host, 0, len(union))
	next := make(map[string]*host.Host, len(union))
	for _, hostPort := range union {
		h, ok := s.byAddr[hostPort]
		if !ok {
			h = host.New(s.info.Name, hostPort, s.zone)
		}
		resolved = append(resolved, h)
		next[hostPort] = h
	}
	s.byAddr = next

	s.publish(resolved)
}

func (s *StrictDNS) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
