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

package clustermanager

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/frontproxy/clustermanager/host"
	"github.com/frontproxy/clustermanager/outlierdetector"
)

// newFileEventLogger builds an outlierdetector.EventLogger that writes
// JSON-line ejection/un-ejection records to path, matching the teacher
// stack's structured-logging idiom.
func newFileEventLogger(path string) outlierdetector.EventLogger {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return noopEventLogger{}
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "time"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	return outlierdetector.NewZapEventLogger(zap.New(core))
}

type noopEventLogger struct{}

func (noopEventLogger) LogEject(*host.Host, string) {}
func (noopEventLogger) LogUneject(*host.Host)       {}
