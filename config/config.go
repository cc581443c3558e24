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

// Package config parses and validates the cluster manager's JSON
// configuration document.
package config

import (
	"encoding/json"
	"fmt"
)

// Config is the top-level configuration document.
type Config struct {
	Clusters         []ClusterConfig `json:"clusters"`
	LocalClusterName string          `json:"local_cluster_name,omitempty"`
}

// ClusterConfig describes one upstream cluster.
type ClusterConfig struct {
	Name            string                  `json:"name"`
	Type            string                  `json:"type"` // static, strict_dns, logical_dns, sds
	LBType          string                  `json:"lb_type"`
	Hosts           []HostConfig            `json:"hosts,omitempty"`
	Features        FeaturesConfig          `json:"features,omitempty"`
	HealthCheck     *HealthCheckConfig      `json:"health_check,omitempty"`
	OutlierDetect   *OutlierDetectionConfig `json:"outlier_detection,omitempty"`
	SDS             *SDSConfig              `json:"sds,omitempty"`
	RefreshDelayMs  int64                   `json:"refresh_delay_ms,omitempty"`
}

// HostConfig is one statically-configured or DNS-resolved host.
type HostConfig struct {
	Address string `json:"address"`
	Zone    string `json:"zone,omitempty"`
}

// FeaturesConfig holds cluster capability bits.
type FeaturesConfig struct {
	HTTP2 bool `json:"http2,omitempty"`
}

// HealthCheckConfig configures an active health checker.
type HealthCheckConfig struct {
	Type               string `json:"type"` // http, tcp
	Path               string `json:"path,omitempty"`
	IntervalMs         int64  `json:"interval_ms"`
	TimeoutMs          int64  `json:"timeout_ms"`
	UnhealthyThreshold int    `json:"unhealthy_threshold,omitempty"`
	HealthyThreshold   int    `json:"healthy_threshold,omitempty"`
	SendText           string `json:"send_text,omitempty"`
	ExpectText         string `json:"expect_text,omitempty"`
}

// OutlierDetectionConfig configures the outlier detector for a cluster.
type OutlierDetectionConfig struct {
	IntervalMs         int64  `json:"interval_ms,omitempty"`
	BaseEjectionTimeMs int64  `json:"base_ejection_time_ms,omitempty"`
	ConsecutiveError   int    `json:"consecutive_5xx,omitempty"`
	MaxEjectionPercent int    `json:"max_ejection_percent,omitempty"`
	EventLogPath       string `json:"event_log_path,omitempty"`
	// EnforcingConsecutiveError is the runtime-configurable percentage of
	// detected outliers that are actually ejected (Envoy's
	// outlier_detection.enforcing_consecutive_5xx). Nil means "not set in
	// config", defaulted to 100 by the cluster manager, matching Envoy's
	// own default; an explicit 0 disables enforcement entirely.
	EnforcingConsecutiveError *int `json:"enforcing_consecutive_5xx,omitempty"`
}

// SDSConfig configures an SDS cluster's bootstrap endpoint and poll rate.
type SDSConfig struct {
	Cluster        ClusterConfig `json:"cluster"`
	RefreshDelayMs int64         `json:"refresh_delay_ms"`
	Path           string        `json:"path,omitempty"`
}

// Error is a configuration error naming the offending cluster, per the
// error-handling design's requirement that configuration errors report
// the offending name.
type Error struct {
	Cluster string
	Msg     string
}

func (e *Error) Error() string {
	if e.Cluster == "" {
		return e.Msg
	}
	return fmt.Sprintf("cluster %q: %s", e.Cluster, e.Msg)
}

// Parse decodes a JSON configuration document and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("invalid json: %v", err)}
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validTypes = map[string]bool{"static": true, "strict_dns": true, "logical_dns": true, "sds": true}
var validLBTypes = map[string]bool{"round_robin": true, "least_request": true, "random": true, "": true}
var validHealthCheckTypes = map[string]bool{"http": true, "tcp": true}

// Validate checks a parsed Config for the configuration errors named in
// the error-handling design: duplicate names, unknown types, a missing
// local cluster, and an SDS cluster without SDS configuration.
func Validate(cfg *Config) error {
	seen := map[string]bool{}
	for _, c := range cfg.Clusters {
		if c.Name == "" {
			return &Error{Msg: "cluster missing required field \"name\""}
		}
		if seen[c.Name] {
			return &Error{Cluster: c.Name, Msg: "duplicate cluster name"}
		}
		seen[c.Name] = true

		if !validTypes[c.Type] {
			return &Error{Cluster: c.Name, Msg: fmt.Sprintf("unknown cluster type %q", c.Type)}
		}
		if !validLBTypes[c.LBType] {
			return &Error{Cluster: c.Name, Msg: fmt.Sprintf("unknown lb_type %q", c.LBType)}
		}
		if c.Type == "sds" && c.SDS == nil {
			return &Error{Cluster: c.Name, Msg: "sds cluster requires an \"sds\" configuration block"}
		}
		if c.HealthCheck != nil && !validHealthCheckTypes[c.HealthCheck.Type] {
			return &Error{Cluster: c.Name, Msg: fmt.Sprintf("unknown health_check type %q", c.HealthCheck.Type)}
		}
	}
	if cfg.LocalClusterName != "" && !seen[cfg.LocalClusterName] {
		return &Error{Cluster: cfg.LocalClusterName, Msg: "local_cluster_name does not reference a configured cluster"}
	}
	return nil
}
