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

package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const defaultProcRoot = "/proc"

// ErrUnparsableFdLink reports a file-descriptor link that points at a TPU
// device but whose own path does not have the /proc/<pid>/fd/<fd> shape.
// procfs guarantees that shape, so hitting this means an assumption about
// the platform has broken and the scan must not silently continue.
var ErrUnparsableFdLink = errors.New("fd link path does not match /proc/<pid>/fd/<fd>")

// tpuDevicePattern matches the device special files handed out by either
// TPU driver model: /dev/accel<N> (legacy) or /dev/vfio/<N>.
var tpuDevicePattern = regexp.MustCompile(`^/dev/(?:accel|vfio/)\d+$`)

// OwnerScanner maps TPU device paths to the processes holding them open.
type OwnerScanner struct {
	procRoot string
}

// NewOwnerScanner returns an OwnerScanner reading the host's procfs.
func NewOwnerScanner() *OwnerScanner {
	return &OwnerScanner{procRoot: defaultProcRoot}
}

// NewOwnerScannerWithRoot returns an OwnerScanner reading an alternate proc
// root. Used by tests with synthetic symlink trees.
func NewOwnerScannerWithRoot(root string) *OwnerScanner {
	return &OwnerScanner{procRoot: root}
}

// ChipOwners walks every process's open file descriptors and returns a map
// from TPU device path to the pid holding it open. Links that vanish
// mid-scan (the process exited) are skipped. The map is rebuilt from scratch
// on every call; nothing is cached.
func (s *OwnerScanner) ChipOwners() (map[string]int, error) {
	links, err := filepath.Glob(filepath.Join(s.procRoot, "*", "fd", "*"))
	if err != nil {
		return nil, fmt.Errorf("globbing fd links under %s: %w", s.procRoot, err)
	}

	owners := make(map[string]int)

	for _, link := range links {
		target, err := os.Readlink(link)
		if err != nil {
			// The process exited between the glob and the read.
			continue
		}

		if !tpuDevicePattern.MatchString(target) {
			continue
		}

		pid, err := s.pidFromLink(link)
		if err != nil {
			return nil, err
		}

		owners[target] = pid
	}

	return owners, nil
}

// pidFromLink extracts the owning pid from a /proc/<pid>/fd/<fd> link path.
func (s *OwnerScanner) pidFromLink(link string) (int, error) {
	rel, err := filepath.Rel(s.procRoot, link)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparsableFdLink, link)
	}

	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 3 || parts[1] != "fd" {
		return 0, fmt.Errorf("%w: %s", ErrUnparsableFdLink, link)
	}

	pid, err := strconv.Atoi(parts[0])
	if err != nil || pid < 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnparsableFdLink, link)
	}

	if _, err := strconv.Atoi(parts[2]); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnparsableFdLink, link)
	}

	return pid, nil
}
