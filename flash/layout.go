// Copyright 2024 The Armored Token Boot authors. All Rights Reserved.
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

package flash

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Flash memory map.
const (
	Capacity = 0x100000

	BitstreamAddr = 0x00000
	BitstreamSize = 0x20000

	TableAddr0 = 0x20000
	TableAddr1 = 0xf0000
	TableSize  = SectorSize

	PreloadAddr0 = 0x30000
	PreloadAddr1 = 0x50000
	PreloadSize  = 0x20000

	StorageAddr0 = 0x70000
	StorageSize  = 0x20000

	// NumPreloadSlots is the number of preloaded application slots.
	NumPreloadSlots = 2
	// NumStorageAreas is the number of application storage areas.
	NumStorageAreas = 4
)

// TableAddr returns the address of the given partition table copy.
func TableAddr(copy int) uint32 {
	if copy == 0 {
		return TableAddr0
	}
	return TableAddr1
}

// PreloadAddr returns the base address of a preloaded application slot.
func PreloadAddr(slot int) uint32 {
	if slot == 0 {
		return PreloadAddr0
	}
	return PreloadAddr1
}

// StorageAddr returns the base address of an application storage area.
func StorageAddr(area int) uint32 {
	return StorageAddr0 + uint32(area)*StorageSize
}

// CheckRange verifies that [addr, addr+n) lies within [0, limit).
// All violations are reported, each wrapping ErrBounds.
func CheckRange(limit, addr, n uint32) error {
	var result *multierror.Error

	end := uint64(addr) + uint64(n)

	if addr >= limit && n > 0 {
		result = multierror.Append(result, fmt.Errorf("%w: start %#x >= limit %#x", ErrBounds, addr, limit))
	}
	if end > uint64(limit) {
		result = multierror.Append(result, fmt.Errorf("%w: end %#x > limit %#x", ErrBounds, end, limit))
	}

	return result.ErrorOrNil()
}

// CheckAligned verifies that both v and, when non-zero, n are multiples of
// align.
func CheckAligned(align, v, n uint32) error {
	var result *multierror.Error

	if v%align != 0 {
		result = multierror.Append(result, fmt.Errorf("%w: offset %#x not multiple of %d", ErrAlignment, v, align))
	}
	if n%align != 0 {
		result = multierror.Append(result, fmt.Errorf("%w: length %d not multiple of %d", ErrAlignment, n, align))
	}

	return result.ErrorOrNil()
}
