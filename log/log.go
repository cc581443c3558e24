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

// Package log centralizes the structured logging conventions shared
// across the cluster manager: a zap SugaredLogger for free-form
// operational messages, built the same way in every collaborator that
// needs one.
package log

import "go.uber.org/zap"

// New builds a production-configured SugaredLogger: JSON output to
// stderr, info level and above, caller and stacktrace on error.
func New() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// Nop returns a logger that discards everything, for tests that don't
// want operational noise.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
