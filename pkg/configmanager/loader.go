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

// Package configmanager loads tpu-info configuration from TOML files and
// environment variables. File values are applied first; environment
// variables override them.
package configmanager

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadTOMLConfig loads configuration from a TOML file into the provided
// config struct. The config parameter should be a pointer to a struct with
// TOML tags. Defaults and validation are the caller's responsibility after
// loading.
//
// Example usage:
//
//	type Config struct {
//	    MetricsAddr    string `toml:"metricsAddr"`
//	    TimeoutSeconds int    `toml:"timeoutSeconds"`
//	}
//
//	var cfg Config
//	if err := configmanager.LoadTOMLConfig("/etc/tpu-info/config.toml", &cfg); err != nil {
//	    ...
//	}
func LoadTOMLConfig[T any](path string, config *T) error {
	if _, err := toml.DecodeFile(path, config); err != nil {
		return fmt.Errorf("failed to decode TOML file %s: %w", path, err)
	}

	return nil
}
