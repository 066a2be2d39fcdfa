// Copyright (c) 2025, Google LLC.  All rights reserved.
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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/metrics"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, metrics.DefaultAddr, cfg.MetricsAddr)
	assert.Equal(t, 5, cfg.RPCTimeoutSeconds)
	assert.Empty(t, cfg.LibtpuPath)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tpu-info.toml")
	contents := `
metricsAddr = "localhost:9999"
rpcTimeoutSeconds = 30
libtpuPath = "/opt/libtpu/libtpu.so"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9999", cfg.MetricsAddr)
	assert.Equal(t, 30, cfg.RPCTimeoutSeconds)
	assert.Equal(t, "/opt/libtpu/libtpu.so", cfg.LibtpuPath)
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tpu-info.toml")
	require.NoError(t, os.WriteFile(path, []byte(`metricsAddr = "localhost:9999"`), 0o644))

	t.Setenv(envMetricsAddr, "localhost:7777")
	t.Setenv(envRPCTimeout, "12")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7777", cfg.MetricsAddr)
	assert.Equal(t, 12, cfg.RPCTimeoutSeconds)
}

func TestLoadConfigRejectsNonPositiveTimeout(t *testing.T) {
	t.Setenv(envRPCTimeout, "0")

	_, err := loadConfig("")
	assert.Error(t, err)
}

func TestLoadConfigMissingFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
