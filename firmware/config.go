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

package firmware

import (
	"fmt"

	"github.com/coreos/go-semver/semver"

	"github.com/transparency-dev/armored-token-boot/api"
	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/boot"
)

// DefaultMaxAppSize is the size of the application RAM.
const DefaultMaxAppSize = 0x20000

// Config represents the device configuration.
type Config struct {
	// Name0 and Name1 are the four character device name halves.
	Name0 string
	Name1 string
	// Version is the firmware semantic version.
	Version string
	// UDI is the Unique Device Identifier.
	UDI api.UDI

	// MaxAppSize is the largest loadable application.
	MaxAppSize uint32
	// ChecksumKey keys the partition table checksum, nil for the plain
	// BLAKE2s-256 digest.
	ChecksumKey []byte
	// MgmtDigest is the management application measurement, zero for the
	// compiled-in one.
	MgmtDigest [32]byte
}

// DefaultConfig returns the configuration of an unprovisioned device.
func DefaultConfig() *Config {
	return &Config{
		Name0:      "tk1 ",
		Name1:      "mkdf",
		Version:    "6.0.0",
		UDI:        api.UDI{VendorID: 0x1337, ProductID: 2, Revision: 1},
		MaxAppSize: DefaultMaxAppSize,
		MgmtDigest: auth.MgmtAppDigest(),
	}
}

// VersionRegister packs a version into the firmware version register.
func VersionRegister(v *semver.Version) (uint32, error) {
	if v.Major > 0xffff || v.Minor > 0xff || v.Patch > 0xff {
		return 0, fmt.Errorf("version %v does not fit the version register", v)
	}

	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Patch), nil
}

// ParseVersionRegister unpacks the firmware version register.
func ParseVersionRegister(r uint32) *semver.Version {
	return &semver.Version{
		Major: int64(r >> 16),
		Minor: int64(r >> 8 & 0xff),
		Patch: int64(r & 0xff),
	}
}

func name(s string) (n [4]byte, err error) {
	if len(s) != len(n) {
		return n, fmt.Errorf("device name %q must be %d characters", s, len(n))
	}

	copy(n[:], s)

	return
}

// Identity returns the values reported to the host.
func (c *Config) Identity() (id boot.Identity, err error) {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return id, fmt.Errorf("invalid version: %w", err)
	}

	nv := &id.NameVersion

	if nv.Version, err = VersionRegister(v); err != nil {
		return
	}

	if nv.Name0, err = name(c.Name0); err != nil {
		return
	}

	if nv.Name1, err = name(c.Name1); err != nil {
		return
	}

	id.UDI = c.UDI

	return
}
