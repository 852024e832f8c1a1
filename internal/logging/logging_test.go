// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modbus.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.Encoding = "json"

	logger, level, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())

	logger.Debug("hidden")
	logger.Info("visible")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"visible"`)
	assert.NotContains(t, string(data), "hidden")

	level.SetLevel(zapcore.DebugLevel)
	logger.Debug("now shown")
	require.NoError(t, logger.Sync())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "now shown")
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Config{Encoding: "xml"})
	assert.Error(t, err)
}
