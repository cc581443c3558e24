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

	"github.com/frontproxy/clustermanager/host"
)

// Static materializes its hosts at construction time from configuration
// and becomes Initialized immediately.
type Static struct {
	*base
}

// NewStatic builds a Static cluster from a fixed list of host addresses.
func NewStatic(info Info, zone string, hostPorts []string) *Static {
	s := &Static{base: newBase(info)}
	hosts := make([]*host.Host, len(hostPorts))
	for i, hp := range hostPorts {
		hosts[i] = host.New(info.Name, hp, zone)
	}
	s.set.Store(host.NewSet(hosts))
	return s
}

func (s *Static) Start(_ context.Context, onInitialized func()) {
	s.setOnInitialized(onInitialized)
	// publish against the already-populated set so Diff reports every host
	// as added, matching the "initial membership update" requirement, and
	// so the initialized callback fires through the same path as every
	// other variant.
	hosts := s.set.Load().Hosts()
	s.set.Store(host.Empty())
	s.publish(hosts)
}

func (s *Static) Close() {}
