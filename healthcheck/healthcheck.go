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

// Package healthcheck implements the HealthChecker collaborator: active
// HTTP and TCP probes that flip a Host's healthy flag and report the
// transition to a Tracker.
package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/internal/clock"
)

// Tracker is notified whenever a probe changes a host's healthy flag. The
// cluster manager uses it to trigger a member-update snapshot and
// propagate without the health checker needing to know anything about
// worker snapshots.
type Tracker interface {
	HealthTransitioned(h *host.Host, healthy bool)
}

// Prober issues a single health probe against a host and reports whether
// it passed.
type Prober interface {
	Probe(ctx context.Context, hostPort string) error
}

// Config controls probe cadence for a Checker.
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	RetryAttempts  uint
	UnhealthyAfter int // consecutive probe failures before flipping unhealthy
	HealthyAfter   int // consecutive probe successes before flipping healthy
}

// Checker runs one Prober on an interval timer against whatever hosts it is
// told to track, flipping Host.SetHealthy on state transitions.
type Checker struct {
	prober  Prober
	clk     clock.Clock
	cfg     Config
	tracker Tracker
}

// New returns a Checker that uses prober to probe tracked hosts.
func New(prober Prober, clk clock.Clock, cfg Config, tracker Tracker) *Checker {
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = 1
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 1
	}
	return &Checker{prober: prober, clk: clk, cfg: cfg, tracker: tracker}
}

// Track starts probing h on the Checker's interval until the returned
// io.Closer is closed.
func (c *Checker) Track(h *host.Host) io.Closer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tracked{host: h, checker: c, cancel: cancel}
	go t.run(ctx)
	return t
}

type tracked struct {
	host    *host.Host
	checker *Checker
	cancel  context.CancelFunc

	consecutiveOK   int
	consecutiveFail int
}

func (t *tracked) run(ctx context.Context) {
	ticker := t.checker.clk.NewTicker(t.checker.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.probeOnce(ctx)
		}
	}
}

func (t *tracked) probeOnce(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, t.checker.cfg.Timeout)
	defer cancel()

	err := retry.Do(
		func() error { return t.checker.prober.Probe(probeCtx, t.host.HostPort()) },
		retry.Context(probeCtx),
		retry.Attempts(t.checker.cfg.RetryAttempts+1),
		retry.LastErrorOnly(true),
	)

	if err == nil {
		t.consecutiveOK++
		t.consecutiveFail = 0
		if !t.host.Healthy() && t.consecutiveOK >= t.checker.cfg.HealthyAfter {
			t.host.SetHealthy(true)
			t.checker.tracker.HealthTransitioned(t.host, true)
		}
		return
	}

	t.consecutiveFail++
	t.consecutiveOK = 0
	if t.host.Healthy() && t.consecutiveFail >= t.checker.cfg.UnhealthyAfter {
		t.host.SetHealthy(false)
		t.checker.tracker.HealthTransitioned(t.host, false)
	}
}

func (t *tracked) Close() error {
	t.cancel()
	return nil
}

// HTTPProber issues a GET against hostPort+path and expects a 2xx response
// within the caller's context deadline.
type HTTPProber struct {
	Client *http.Client
	Path   string
}

// NewHTTPProber constructs an HTTPProber using the given *http.Client,
// which the caller is responsible for configuring (timeouts, transport).
func NewHTTPProber(client *http.Client, path string) *HTTPProber {
	return &HTTPProber{Client: client, Path: path}
}

func (p *HTTPProber) Probe(ctx context.Context, hostPort string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+hostPort+p.Path, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// TCPProber dials hostPort and optionally writes Send and expects an Expect
// prefix echoed back, within the caller's context deadline.
type TCPProber struct {
	Dialer net.Dialer
	Send   []byte
	Expect []byte
}

func (p *TCPProber) Probe(ctx context.Context, hostPort string) error {
	conn, err := p.Dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if len(p.Send) > 0 {
		if _, err := conn.Write(p.Send); err != nil {
			return err
		}
	}
	if len(p.Expect) == 0 {
		return nil
	}
	buf := make([]byte, len(p.Expect))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return err
	}
	for i := range buf {
		if buf[i] != p.Expect[i] {
			return fmt.Errorf("health probe: unexpected tcp echo")
		}
	}
	return nil
}
