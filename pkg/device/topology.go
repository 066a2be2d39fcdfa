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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const defaultPCIDevicesRoot = "/sys/bus/pci/devices"

// ErrMixedChipFamilies reports that more than one TPU generation was found
// on one host. Mixed-generation hosts are not a supported configuration, so
// the scan fails loudly instead of guessing which family to report.
var ErrMixedChipFamilies = errors.New("multiple TPU chip families detected")

// CoreInfo describes one TPU core (PCI device function) on a chip.
type CoreInfo struct {
	// CoreIndex is the zero-based index of the core on its chip, taken
	// from the PCI function suffix.
	CoreIndex int
	// DeviceID is the raw PCI device id, e.g. "0x006f".
	DeviceID string
	// VFIOPath is the /dev/vfio control path derived from the device's
	// IOMMU group.
	VFIOPath string
	// FullAddr is the full PCI address including the function suffix.
	FullAddr string
}

// ChipInfo describes one physical TPU chip and its cores.
type ChipInfo struct {
	// BaseAddr is the PCI address without the function suffix
	// (domain:bus:device).
	BaseAddr string
	// Cores maps the zero-based core index to its CoreInfo.
	Cores map[int]CoreInfo
}

// Scanner enumerates TPU hardware from PCI sysfs metadata.
type Scanner struct {
	pciRoot string
}

// NewScanner returns a Scanner reading the host's PCI devices.
func NewScanner() *Scanner {
	return &Scanner{pciRoot: defaultPCIDevicesRoot}
}

// NewScannerWithRoot returns a Scanner reading PCI metadata under an
// alternate root. Used by tests with synthetic sysfs trees.
func NewScannerWithRoot(root string) *Scanner {
	return &Scanner{pciRoot: root}
}

// ScanSimple returns the TPU chip family attached to this host and how many
// chips were found. Entries whose metadata cannot be read are skipped.
// Hosts with no TPUs yield (FamilyUnknown, 0, nil); hosts exposing more than
// one family yield ErrMixedChipFamilies.
func (s *Scanner) ScanSimple() (ChipFamily, int, error) {
	entries, err := os.ReadDir(s.pciRoot)
	if err != nil {
		slog.Debug("PCI devices root not readable", "root", s.pciRoot, "error", err)
		return FamilyUnknown, 0, nil
	}

	tally := make(map[ChipFamily]int)

	for _, entry := range entries {
		devicePath := filepath.Join(s.pciRoot, entry.Name())

		vendorID, err := readSysfsValue(devicePath, "vendor")
		if err != nil || vendorID != GooglePCIVendorID {
			continue
		}

		deviceID, err := readSysfsValue(devicePath, "device")
		if err != nil {
			continue
		}

		subsystemID, err := readSysfsValue(devicePath, "subsystem_device")
		if err != nil {
			continue
		}

		if family, ok := ResolveChipFamily(deviceID, subsystemID); ok {
			tally[family]++
		}
	}

	if len(tally) > 1 {
		return FamilyUnknown, 0, fmt.Errorf("%w: %s", ErrMixedChipFamilies, tallySummary(tally))
	}

	for family, count := range tally {
		return family, count, nil
	}

	return FamilyUnknown, 0, nil
}

// ScanDetailed returns per-chip topology for the attached TPUs, grouping PCI
// device functions that share a base address (domain:bus:device) into one
// chip. Entries lacking readable vendor, device, or IOMMU group metadata are
// skipped. Chips are sorted by the VFIO path of their lowest-indexed core so
// the order is stable across scans.
func (s *Scanner) ScanDetailed() ([]ChipInfo, error) {
	entries, err := os.ReadDir(s.pciRoot)
	if err != nil {
		slog.Debug("PCI devices root not readable", "root", s.pciRoot, "error", err)
		return nil, nil
	}

	chipsByBaseAddr := make(map[string]ChipInfo)

	for _, entry := range entries {
		pciAddr := entry.Name()
		devicePath := filepath.Join(s.pciRoot, pciAddr)

		vendorID, err := readSysfsValue(devicePath, "vendor")
		if err != nil || vendorID != GooglePCIVendorID {
			continue
		}

		iommuLink, err := os.Readlink(filepath.Join(devicePath, "iommu_group"))
		if err != nil {
			continue
		}

		deviceID, err := readSysfsValue(devicePath, "device")
		if err != nil {
			continue
		}

		dot := strings.LastIndex(pciAddr, ".")
		if dot < 0 {
			continue
		}

		coreIndex, err := strconv.Atoi(pciAddr[dot+1:])
		if err != nil {
			continue
		}

		baseAddr := pciAddr[:dot]

		chip, ok := chipsByBaseAddr[baseAddr]
		if !ok {
			chip = ChipInfo{BaseAddr: baseAddr, Cores: make(map[int]CoreInfo)}
		}

		// Last write wins if a core index repeats on one chip. That
		// would indicate broken bus metadata and should not happen.
		chip.Cores[coreIndex] = CoreInfo{
			CoreIndex: coreIndex,
			DeviceID:  deviceID,
			VFIOPath:  fmt.Sprintf("/dev/vfio/%s", filepath.Base(iommuLink)),
			FullAddr:  pciAddr,
		}

		chipsByBaseAddr[baseAddr] = chip
	}

	chips := make([]ChipInfo, 0, len(chipsByBaseAddr))
	for _, chip := range chipsByBaseAddr {
		chips = append(chips, chip)
	}

	sort.Slice(chips, func(i, j int) bool {
		return chipSortKey(chips[i]) < chipSortKey(chips[j])
	})

	return chips, nil
}

// chipSortKey orders chips by the VFIO path of core 0, falling back to the
// lowest-indexed core, or "" for a chip with no cores.
func chipSortKey(chip ChipInfo) string {
	if core, ok := chip.Cores[0]; ok {
		return core.VFIOPath
	}

	if len(chip.Cores) == 0 {
		return ""
	}

	indexes := make([]int, 0, len(chip.Cores))
	for idx := range chip.Cores {
		indexes = append(indexes, idx)
	}

	sort.Ints(indexes)

	return chip.Cores[indexes[0]].VFIOPath
}

func tallySummary(tally map[ChipFamily]int) string {
	parts := make([]string, 0, len(tally))
	for family, count := range tally {
		parts = append(parts, fmt.Sprintf("%s x%d", family, count))
	}

	sort.Strings(parts)

	return strings.Join(parts, ", ")
}

func readSysfsValue(devicePath, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(devicePath, name))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}
