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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/frontproxy/clustermanager/loadbalancer"
	"github.com/frontproxy/clustermanager/stats"
)

// sdsHost is one entry in an SDS endpoint's JSON response body.
type sdsHost struct {
	Address string `json:"address"`
	Zone    string `json:"zone"`
}

// SDS polls a service-discovery endpoint, reached through its own
// bootstrap cluster, every refresh interval. It must not begin polling
// until the bootstrap cluster has itself initialized, since SDS needs a
// resolved host to poll.
type SDS struct {
	*base

	bootstrap    Cluster
	bootstrapLB  loadbalancer.Balancer
	path         string
	zone         string
	client       *http.Client
	clk          clock.Clock
	refreshEvery time.Duration
	attempts     uint

	resolveErrors stats.Counter

	cancel  context.CancelFunc
	waitCtx context.Context
	byAddr  map[string]*host.Host
}

// NewSDS builds an SDS cluster polling bootstrap's chosen host at path.
// bootstrapLB selects which of bootstrap's current hosts to poll. attempts
// bounds the retries applied to each poll, the same bounded-retry approach
// NewNetResolver uses for DNS lookups; 0 defaults to 3.
func NewSDS(info Info, bootstrap Cluster, bootstrapLB loadbalancer.Balancer, path, zone string, client *http.Client, clk clock.Clock, refreshEvery time.Duration, attempts uint, reg *stats.Registry) *SDS {
	if attempts == 0 {
		attempts = 3
	}
	return &SDS{
		base:          newBase(info),
		bootstrap:     bootstrap,
		bootstrapLB:   bootstrapLB,
		path:          path,
		zone:          zone,
		client:        client,
		clk:           clk,
		refreshEvery:  refreshEvery,
		attempts:      attempts,
		resolveErrors: reg.Counter(fmt.Sprintf("cluster.%s.update_failure", info.Name)),
		byAddr:        map[string]*host.Host{},
	}
}

// Start does not begin polling: it records onInitialized and the
// context, and the first poll happens only when BeginPolling is called
// (the cluster manager's load sequence calls it once the bootstrap
// cluster has reported Initialized).
func (s *SDS) Start(ctx context.Context, onInitialized func()) {
	s.setOnInitialized(onInitialized)
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.waitCtx = ctx
}

// BeginPolling is invoked by the cluster manager once the bootstrap
// cluster has reported Initialized; it is the gate described for SDS
// clusters ("must not begin polling until its bootstrap cluster has
// initialized").
func (s *SDS) BeginPolling() {
	if s.waitCtx == nil {
		return
	}
	go s.refreshLoop(s.waitCtx)
}

func (s *SDS) refreshLoop(ctx context.Context) {
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

// refreshOnce polls the bootstrap cluster's currently-chosen host, using
// the same bounded-retry wrapper NewNetResolver applies to DNS lookups so
// one transient failure against the SDS endpoint doesn't immediately
// empty the cluster's HostSet.
func (s *SDS) refreshOnce(ctx context.Context) {
	target := s.bootstrapLB.Choose(s.bootstrap.Set(), nil)
	if target == nil {
		s.resolveErrors.Inc()
		return
	}

	var entries []sdsHost
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+target.HostPort()+s.path, nil)
			if err != nil {
				return err
			}
			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("sds: poll of %s returned status %d", target.HostPort(), resp.StatusCode)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			var parsed []sdsHost
			if err := json.Unmarshal(body, &parsed); err != nil {
				return err
			}
			entries = parsed
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.LastErrorOnly(true),
		retry.Delay(50*time.Millisecond),
	)
	if err != nil {
		s.resolveErrors.Inc()
		return
	}

	resolved := make([]*host.Host, 0, len(entries))
	next := make(map[string]*host.Host, len(entries))
	for _, entry := range entries {
		zone := entry.Zone
		if zone == "" {
			zone = s.zone
		}
		h, ok := s.byAddr[entry.Address]
		if !ok {
			h = host.New(s.info.Name, entry.Address, zone)
		}
		resolved = append(resolved, h)
		next[entry.Address] = h
	}
	s.byAddr = next
	s.publish(resolved)
}

func (s *SDS) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}
