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

// Package device detects locally-attached TPU devices through PCI bus
// metadata and maps them to the processes using them.
package device

import "fmt"

// GooglePCIVendorID is the PCI vendor id shared by all TPU generations.
const GooglePCIVendorID = "0x1ae0"

// ChipFamily identifies a TPU chip generation.
type ChipFamily int

const (
	FamilyUnknown ChipFamily = iota
	V2
	V3
	V4
	V5E
	V5P
	V6E
	V7X
)

// ChipSpec holds the immutable attributes of a TPU chip generation.
type ChipSpec struct {
	// Name is the short generation name, e.g. "v5e".
	Name string
	// HBMGiB is the high-bandwidth memory capacity per chip.
	HBMGiB int
	// DevicesPerChip is the number of device functions (cores) the chip
	// exposes on the bus: 1 or 2.
	DevicesPerChip int
}

var chipSpecs = map[ChipFamily]ChipSpec{
	V2:  {Name: "v2", HBMGiB: 8, DevicesPerChip: 2},
	V3:  {Name: "v3", HBMGiB: 16, DevicesPerChip: 2},
	V4:  {Name: "v4", HBMGiB: 32, DevicesPerChip: 1},
	V5E: {Name: "v5e", HBMGiB: 16, DevicesPerChip: 1},
	V5P: {Name: "v5p", HBMGiB: 95, DevicesPerChip: 1},
	V6E: {Name: "v6e", HBMGiB: 32, DevicesPerChip: 1},
	V7X: {Name: "7x", HBMGiB: 192, DevicesPerChip: 2},
}

// Spec returns the static attributes for the chip family. It panics on
// FamilyUnknown: callers must resolve a family before asking for specs.
func (f ChipFamily) Spec() ChipSpec {
	spec, ok := chipSpecs[f]
	if !ok {
		panic(fmt.Sprintf("no chip spec for family %d", int(f)))
	}

	return spec
}

// String returns the human-readable chip name, e.g. "TPU v4 chip".
func (f ChipFamily) String() string {
	if f == FamilyUnknown {
		return "unknown chip"
	}

	// TPU7x is branded without the "v" prefix.
	if f == V7X {
		return "TPU7x chip"
	}

	return fmt.Sprintf("TPU %s chip", f.Spec().Name)
}

// TPU v2 and v3 share a PCI device id and are told apart by subsystem id.
const sharedV2V3DeviceID = "0x0027"

var subsystemIDToFamily = map[string]ChipFamily{
	"0x004e": V2,
	"0x004f": V3,
}

var deviceIDToFamily = map[string]ChipFamily{
	"0x005e": V4,
	"0x0063": V5E,
	"0x0062": V5P,
	"0x006f": V6E,
	"0x0076": V7X,
}

// ResolveChipFamily returns the TPU chip family for the given PCI device and
// subsystem ids. Unrecognized hardware yields (FamilyUnknown, false), not an
// error: callers skip entries that are not TPUs.
func ResolveChipFamily(deviceID, subsystemID string) (ChipFamily, bool) {
	if deviceID == sharedV2V3DeviceID {
		family, ok := subsystemIDToFamily[subsystemID]
		return family, ok
	}

	family, ok := deviceIDToFamily[deviceID]

	return family, ok
}

// DevicePath returns the expected /dev path for the index-th device of the
// given chip family. Families served by the VFIO driver expose
// /dev/vfio/{index}; older generations expose /dev/accel{index}.
func DevicePath(family ChipFamily, index int) string {
	switch family {
	case V5E, V5P, V6E, V7X:
		return fmt.Sprintf("/dev/vfio/%d", index)
	default:
		return fmt.Sprintf("/dev/accel%d", index)
	}
}
