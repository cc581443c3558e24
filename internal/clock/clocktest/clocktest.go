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

// Package clocktest adapts github.com/jonboulle/clockwork's FakeClock to
// the clock.Clock interface. Compatibility between Go interfaces is
// shallow: the three Clock methods that return a Timer or Ticker need
// their return values re-boxed, since clockwork's Timer/Ticker types are
// nominally distinct even though structurally identical to ours.
package clocktest

import (
	"context"
	"time"

	"github.com/frontproxy/clustermanager/internal/clock"
	"github.com/jonboulle/clockwork"
)

// FakeClock is a clock.Clock that can be advanced manually, for deterministic
// tests of timer-driven code (health check intervals, outlier un-eject
// timers, DNS/SDS refresh).
type FakeClock interface {
	clock.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock backed by clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

func (f fakeClock) NewTicker(d time.Duration) clock.Ticker {
	return f.FakeClock.NewTicker(d)
}

func (f fakeClock) NewTimer(d time.Duration) clock.Timer {
	timer := f.FakeClock.NewTimer(d)
	if d == 0 {
		// Reproduce pre-1.23 timer behavior since clockwork hasn't fixed this:
		// https://github.com/jonboulle/clockwork/issues/98
		if !timer.Stop() {
			<-timer.Chan()
		}
	}
	return timer
}

func (f fakeClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
