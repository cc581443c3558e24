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
	"net"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// DNSResolver resolves a hostname to a set of addresses. Production code
// uses NewNetResolver, which wraps *net.Resolver with bounded retry so a
// transient failure doesn't immediately mutate the cluster's HostSet.
type DNSResolver interface {
	Resolve(ctx context.Context, hostname string) ([]string, error)
}

type netResolver struct {
	resolver *net.Resolver
	attempts uint
}

// NewNetResolver wraps resolver (or net.DefaultResolver if nil) with up to
// attempts tries before surfacing a resolve error.
func NewNetResolver(resolver *net.Resolver, attempts uint) DNSResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if attempts == 0 {
		attempts = 1
	}
	return &netResolver{resolver: resolver, attempts: attempts}
}

func (r *netResolver) Resolve(ctx context.Context, hostname string) ([]string, error) {
	var addrs []string
	err := retry.Do(
		func() error {
			ips, err := r.resolver.LookupHost(ctx, hostname)
			if err != nil {
				return err
			}
			addrs = ips
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.LastErrorOnly(true),
		retry.Delay(50*time.Millisecond),
	)
	return addrs, err
}
