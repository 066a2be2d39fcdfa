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
	"fmt"

	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/configmanager"
	"github.com/AI-Hypercomputer/cloud-accelerator-diagnostics/pkg/metrics"
)

const (
	envMetricsAddr = "TPU_INFO_METRICS_ADDR"
	envRPCTimeout  = "TPU_INFO_RPC_TIMEOUT"
	envLibtpuPath  = "TPU_INFO_LIBTPU_PATH"
)

// config is the tool configuration. File values are applied first and
// environment variables override them.
type config struct {
	MetricsAddr       string `toml:"metricsAddr"`
	RPCTimeoutSeconds int    `toml:"rpcTimeoutSeconds"`
	LibtpuPath        string `toml:"libtpuPath"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		MetricsAddr:       metrics.DefaultAddr,
		RPCTimeoutSeconds: int(metrics.DefaultTimeout.Seconds()),
	}

	if path != "" {
		if err := configmanager.LoadTOMLConfig(path, &cfg); err != nil {
			return config{}, err
		}
	}

	var err error

	cfg.MetricsAddr, err = configmanager.GetEnvVar[string](envMetricsAddr, &cfg.MetricsAddr, nil)
	if err != nil {
		return config{}, err
	}

	cfg.RPCTimeoutSeconds, err = configmanager.GetEnvVar[int](envRPCTimeout, &cfg.RPCTimeoutSeconds, func(v int) error {
		if v <= 0 {
			return fmt.Errorf("timeout must be positive, got %d", v)
		}

		return nil
	})
	if err != nil {
		return config{}, err
	}

	cfg.LibtpuPath, err = configmanager.GetEnvVar[string](envLibtpuPath, &cfg.LibtpuPath, nil)
	if err != nil {
		return config{}, err
	}

	return cfg, nil
}
