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

package configmanager

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GetEnvVar retrieves an environment variable and converts it to type T.
// The type must be explicitly specified: GetEnvVar[int]("TPU_INFO_RPC_TIMEOUT", nil, nil).
// If defaultValue is nil, the environment variable is required. An optional
// validator runs against the final value, whether it came from the
// environment or the default.
//
// Supported types: string, int, float64, bool.
func GetEnvVar[T any](name string, defaultValue *T, validator func(T) error) (T, error) {
	var zero T

	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return handleMissingEnvVar(name, defaultValue, validator)
	}

	value, err := parseValue[T](valueStr)
	if err != nil {
		return zero, fmt.Errorf("error converting %s: %w", name, err)
	}

	if validator != nil {
		if err := validator(value); err != nil {
			return zero, fmt.Errorf("validation failed for %s: %w", name, err)
		}
	}

	return value, nil
}

func handleMissingEnvVar[T any](name string, defaultValue *T, validator func(T) error) (T, error) {
	var zero T

	if defaultValue == nil {
		return zero, fmt.Errorf("environment variable %s is not set", name)
	}

	if validator != nil {
		if err := validator(*defaultValue); err != nil {
			return zero, fmt.Errorf("validation failed for default value of %s: %w", name, err)
		}
	}

	return *defaultValue, nil
}

func parseValue[T any](valueStr string) (T, error) {
	var zero T

	switch any(zero).(type) {
	case string:
		return any(valueStr).(T), nil
	case int:
		return parseAndConvert[T](parseInt(valueStr))
	case float64:
		return parseAndConvert[T](strconv.ParseFloat(valueStr, 64))
	case bool:
		return parseAndConvert[T](parseBool(valueStr))
	default:
		return zero, fmt.Errorf("unsupported type %T", zero)
	}
}

func parseAndConvert[T any](value any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	}

	return any(value).(T), nil
}

func parseInt(valueStr string) (int, error) {
	v, err := strconv.ParseInt(valueStr, 10, 0)
	if err != nil {
		return 0, err
	}

	return int(v), nil
}

// parseBool parses boolean values (accepts "true" or "false")
func parseBool(valueStr string) (bool, error) {
	valueStr = strings.ToLower(strings.TrimSpace(valueStr))

	switch valueStr {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s (must be 'true' or 'false')", valueStr)
	}
}
