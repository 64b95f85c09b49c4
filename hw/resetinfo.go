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

package hw

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// BootMode selects where the next application comes from.
type BootMode uint32

// Boot modes.
const (
	BootDefault BootMode = iota
	BootFlash0
	BootFlash1
	BootFlash0Verify
	BootFlash1Verify
	BootClient
	BootClientVerify
)

func (m BootMode) String() string {
	switch m {
	case BootDefault:
		return "default"
	case BootFlash0:
		return "flash0"
	case BootFlash1:
		return "flash1"
	case BootFlash0Verify:
		return "flash0-verify"
	case BootFlash1Verify:
		return "flash1-verify"
	case BootClient:
		return "client"
	case BootClientVerify:
		return "client-verify"
	}
	return fmt.Sprintf("unknown(%d)", uint32(m))
}

// ResetInfo layout.
const (
	ResetInfoSize = 256
	CarrySize     = 184

	// FlagSeedDerived selects the measured chain identifier as CDI input.
	FlagSeedDerived = 0
)

// ResetInfo represents the record preserved across a system reset.
type ResetInfo struct {
	Mode           BootMode
	Flags          uint32
	ExpectedDigest [32]byte
	ChainID        [32]byte
	Carry          [CarrySize]byte
}

// SeedDerived returns whether the CDI is to be derived from ChainID.
func (ri *ResetInfo) SeedDerived() bool {
	return bits.Get(&ri.Flags, FlagSeedDerived, 1) == 1
}

// SetSeedDerived sets or clears the seed derivation flag.
func (ri *ResetInfo) SetSeedDerived(on bool) {
	bits.SetTo(&ri.Flags, FlagSeedDerived, on)
}

// Consume clears the fields which must only be honoured once.
func (ri *ResetInfo) Consume() {
	ri.Mode = BootDefault
	ri.SetSeedDerived(false)
	clear(ri.ChainID[:])
}

// Bytes returns the register image.
func (ri *ResetInfo) Bytes() []byte {
	buf := make([]byte, ResetInfoSize)

	binary.LittleEndian.PutUint32(buf[0:], uint32(ri.Mode))
	binary.LittleEndian.PutUint32(buf[4:], ri.Flags)
	copy(buf[8:40], ri.ExpectedDigest[:])
	copy(buf[40:72], ri.ChainID[:])
	copy(buf[72:], ri.Carry[:])

	return buf
}

// Unpack decodes a register image.
func (ri *ResetInfo) Unpack(buf []byte) error {
	if len(buf) != ResetInfoSize {
		return fmt.Errorf("invalid reset info size %d", len(buf))
	}

	ri.Mode = BootMode(binary.LittleEndian.Uint32(buf[0:]))
	ri.Flags = binary.LittleEndian.Uint32(buf[4:])
	copy(ri.ExpectedDigest[:], buf[8:40])
	copy(ri.ChainID[:], buf[40:72])
	copy(ri.Carry[:], buf[72:])

	return nil
}
