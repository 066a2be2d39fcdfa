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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePCIDevice struct {
	addr        string
	vendorID    string
	deviceID    string
	subsystemID string
	// iommuGroup is the IOMMU group name; empty means no iommu_group
	// link is created.
	iommuGroup string
	// omitDeviceID leaves the device file out to simulate an unreadable
	// entry.
	omitDeviceID bool
}

func writeFakePCITree(t *testing.T, devices []fakePCIDevice) string {
	t.Helper()

	root := t.TempDir()

	for _, dev := range devices {
		dir := filepath.Join(root, dev.addr)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(dev.vendorID+"\n"), 0o644))

		if !dev.omitDeviceID {
			require.NoError(t, os.WriteFile(filepath.Join(dir, "device"), []byte(dev.deviceID+"\n"), 0o644))
		}

		require.NoError(t, os.WriteFile(filepath.Join(dir, "subsystem_device"), []byte(dev.subsystemID+"\n"), 0o644))

		if dev.iommuGroup != "" {
			target := filepath.Join("..", "..", "kernel", "iommu_groups", dev.iommuGroup)
			require.NoError(t, os.Symlink(target, filepath.Join(dir, "iommu_group")))
		}
	}

	return root
}

func repeatedDevices(count int, vendorID, deviceID, subsystemID string) []fakePCIDevice {
	devices := make([]fakePCIDevice, 0, count)
	for i := 0; i < count; i++ {
		devices = append(devices, fakePCIDevice{
			addr:        fmt.Sprintf("0000:00:%02x.0", i+1),
			vendorID:    vendorID,
			deviceID:    deviceID,
			subsystemID: subsystemID,
		})
	}

	return devices
}

func TestScanSimple(t *testing.T) {
	tests := []struct {
		name           string
		vendorID       string
		deviceID       string
		subsystemID    string
		count          int
		expectedFamily ChipFamily
		expectedCount  int
	}{
		{
			name:           "v2 host",
			vendorID:       GooglePCIVendorID,
			deviceID:       "0x0027",
			subsystemID:    "0x004e",
			count:          4,
			expectedFamily: V2,
			expectedCount:  4,
		},
		{
			name:           "v3 host",
			vendorID:       GooglePCIVendorID,
			deviceID:       "0x0027",
			subsystemID:    "0x004f",
			count:          4,
			expectedFamily: V3,
			expectedCount:  4,
		},
		{
			name:           "v4 host",
			vendorID:       GooglePCIVendorID,
			deviceID:       "0x005e",
			subsystemID:    "0x0000",
			count:          4,
			expectedFamily: V4,
			expectedCount:  4,
		},
		{
			name:           "v5e host",
			vendorID:       GooglePCIVendorID,
			deviceID:       "0x0063",
			subsystemID:    "0x0000",
			count:          8,
			expectedFamily: V5E,
			expectedCount:  8,
		},
		{
			name:           "not a google device",
			vendorID:       "0x1234",
			deviceID:       "0x0000",
			subsystemID:    "0x0000",
			count:          1,
			expectedFamily: FamilyUnknown,
			expectedCount:  0,
		},
		{
			name:           "unrecognized device id",
			vendorID:       GooglePCIVendorID,
			deviceID:       "0x9999",
			subsystemID:    "0x0000",
			count:          1,
			expectedFamily: FamilyUnknown,
			expectedCount:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := writeFakePCITree(t, repeatedDevices(tt.count, tt.vendorID, tt.deviceID, tt.subsystemID))

			family, count, err := NewScannerWithRoot(root).ScanSimple()
			require.NoError(t, err)
			assert.Equal(t, tt.expectedFamily, family)
			assert.Equal(t, tt.expectedCount, count)
		})
	}
}

func TestScanSimpleMixedFamiliesFails(t *testing.T) {
	devices := []fakePCIDevice{
		{addr: "0000:00:01.0", vendorID: GooglePCIVendorID, deviceID: "0x005e", subsystemID: "0x0000"},
		{addr: "0000:00:02.0", vendorID: GooglePCIVendorID, deviceID: "0x0063", subsystemID: "0x0000"},
	}
	root := writeFakePCITree(t, devices)

	_, _, err := NewScannerWithRoot(root).ScanSimple()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMixedChipFamilies)
}

func TestScanSimpleSkipsUnreadableEntries(t *testing.T) {
	devices := []fakePCIDevice{
		{addr: "0000:00:01.0", vendorID: GooglePCIVendorID, deviceID: "0x005e", subsystemID: "0x0000"},
		{addr: "0000:00:02.0", vendorID: GooglePCIVendorID, subsystemID: "0x0000", omitDeviceID: true},
	}
	root := writeFakePCITree(t, devices)

	family, count, err := NewScannerWithRoot(root).ScanSimple()
	require.NoError(t, err)
	assert.Equal(t, V4, family)
	assert.Equal(t, 1, count)
}

func TestScanSimpleMissingRoot(t *testing.T) {
	family, count, err := NewScannerWithRoot(filepath.Join(t.TempDir(), "missing")).ScanSimple()
	require.NoError(t, err)
	assert.Equal(t, FamilyUnknown, family)
	assert.Equal(t, 0, count)
}

func TestScanDetailedGroupsFunctionsIntoChips(t *testing.T) {
	// Two chips with two cores each, v2-style multi-function layout.
	devices := []fakePCIDevice{
		{addr: "0000:00:05.0", vendorID: GooglePCIVendorID, deviceID: "0x0027", subsystemID: "0x004e", iommuGroup: "0"},
		{addr: "0000:00:05.1", vendorID: GooglePCIVendorID, deviceID: "0x0027", subsystemID: "0x004e", iommuGroup: "1"},
		{addr: "0000:00:06.0", vendorID: GooglePCIVendorID, deviceID: "0x0027", subsystemID: "0x004e", iommuGroup: "2"},
		{addr: "0000:00:06.1", vendorID: GooglePCIVendorID, deviceID: "0x0027", subsystemID: "0x004e", iommuGroup: "3"},
		// Non-google devices are ignored.
		{addr: "0000:00:07.0", vendorID: "0x8086", deviceID: "0x1234", subsystemID: "0x0000", iommuGroup: "9"},
	}
	root := writeFakePCITree(t, devices)

	chips, err := NewScannerWithRoot(root).ScanDetailed()
	require.NoError(t, err)
	require.Len(t, chips, 2)

	totalCores := 0
	for _, chip := range chips {
		totalCores += len(chip.Cores)
	}

	assert.Equal(t, 4, totalCores)

	first := chips[0]
	assert.Equal(t, "0000:00:05", first.BaseAddr)
	require.Contains(t, first.Cores, 0)
	require.Contains(t, first.Cores, 1)
	assert.Equal(t, "/dev/vfio/0", first.Cores[0].VFIOPath)
	assert.Equal(t, "/dev/vfio/1", first.Cores[1].VFIOPath)
	assert.Equal(t, "0000:00:05.1", first.Cores[1].FullAddr)
	assert.Equal(t, "0x0027", first.Cores[0].DeviceID)

	second := chips[1]
	assert.Equal(t, "0000:00:06", second.BaseAddr)
	assert.Equal(t, "/dev/vfio/2", second.Cores[0].VFIOPath)
}

func TestScanDetailedSkipsDevicesWithoutIOMMUGroup(t *testing.T) {
	devices := []fakePCIDevice{
		{addr: "0000:00:05.0", vendorID: GooglePCIVendorID, deviceID: "0x006f", subsystemID: "0x0000", iommuGroup: "4"},
		{addr: "0000:00:06.0", vendorID: GooglePCIVendorID, deviceID: "0x006f", subsystemID: "0x0000"},
	}
	root := writeFakePCITree(t, devices)

	chips, err := NewScannerWithRoot(root).ScanDetailed()
	require.NoError(t, err)
	require.Len(t, chips, 1)
	assert.Equal(t, "0000:00:05", chips[0].BaseAddr)
}

func TestScanDetailedSortsByVFIOPath(t *testing.T) {
	devices := []fakePCIDevice{
		{addr: "0000:00:09.0", vendorID: GooglePCIVendorID, deviceID: "0x006f", subsystemID: "0x0000", iommuGroup: "1"},
		{addr: "0000:00:03.0", vendorID: GooglePCIVendorID, deviceID: "0x006f", subsystemID: "0x0000", iommuGroup: "0"},
	}
	root := writeFakePCITree(t, devices)

	chips, err := NewScannerWithRoot(root).ScanDetailed()
	require.NoError(t, err)
	require.Len(t, chips, 2)
	assert.Equal(t, "/dev/vfio/0", chips[0].Cores[0].VFIOPath)
	assert.Equal(t, "/dev/vfio/1", chips[1].Cores[0].VFIOPath)
}

// End-to-end detection scenario: four single-core 32 GiB chips.
func TestScanSimpleV4EndToEnd(t *testing.T) {
	root := writeFakePCITree(t, repeatedDevices(4, GooglePCIVendorID, "0x005e", "0x0000"))

	family, count, err := NewScannerWithRoot(root).ScanSimple()
	require.NoError(t, err)
	assert.Equal(t, V4, family)
	assert.Equal(t, 4, count)
	assert.Equal(t, 32, family.Spec().HBMGiB)
	assert.Equal(t, "/dev/accel2", DevicePath(family, 2))
}
