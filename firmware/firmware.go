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

// Package firmware assembles the device firmware: it boots an application
// and then serves its system calls.
package firmware

import (
	"io"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/boot"
	"github.com/transparency-dev/armored-token-boot/cdi"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/partition"
	"github.com/transparency-dev/armored-token-boot/preload"
	"github.com/transparency-dev/armored-token-boot/storage"
)

// Devices represents the peripherals used by the firmware.
type Devices struct {
	Flash     flash.Device
	UDS       hw.UDS
	TRNG      hw.TRNG
	Timer     hw.Timer
	CDI       hw.CDI
	ResetInfo hw.ResetInfoRegister
	RAM       hw.AppRAM
	System    hw.System
	Handoff   hw.Handoff

	// Channel carries command frames from the host.
	Channel io.ReadWriter
}

// Firmware holds the state shared by the boot sequence and the system
// calls of a single boot.
type Firmware struct {
	Devices Devices

	Identity   boot.Identity
	MaxAppSize uint32

	Flash     *flash.Store
	Table     *partition.Store
	Authority *auth.Authority
	Deriver   *cdi.Deriver
	Preload   *preload.Manager
	Storage   *storage.Manager
}

// New returns the firmware for the given configuration and peripherals.
func New(cfg *Config, dev Devices) (*Firmware, error) {
	id, err := cfg.Identity()
	if err != nil {
		return nil, err
	}

	mgmt := cfg.MgmtDigest
	if mgmt == ([32]byte{}) {
		mgmt = auth.MgmtAppDigest()
	}

	maxAppSize := cfg.MaxAppSize
	if maxAppSize == 0 {
		maxAppSize = DefaultMaxAppSize
	}

	f := &Firmware{
		Devices:    dev,
		Identity:   id,
		MaxAppSize: maxAppSize,
		Flash:      flash.NewStore(dev.Flash),
		Authority:  auth.NewAuthority(mgmt),
	}

	f.Table = partition.NewStore(f.Flash, cfg.ChecksumKey)

	f.Deriver = &cdi.Deriver{
		UDS:   dev.UDS,
		TRNG:  dev.TRNG,
		Timer: dev.Timer,
		CDI:   dev.CDI,
	}

	f.Preload = &preload.Manager{
		Flash:      f.Flash,
		Table:      f.Table,
		Authority:  f.Authority,
		MaxAppSize: maxAppSize,
	}

	f.Storage = &storage.Manager{
		Flash: f.Flash,
		Table: f.Table,
		TRNG:  dev.TRNG,
		CDI:   dev.CDI,
	}

	return f, nil
}

// Boot runs the boot sequence, on success the returned application is
// running and may issue system calls through RPC.
func (f *Firmware) Boot() (*boot.Result, error) {
	klog.Infof("firmware: %s%s %v", f.Identity.NameVersion.Name0[:], f.Identity.NameVersion.Name1[:],
		ParseVersionRegister(f.Identity.NameVersion.Version))

	o := &boot.Orchestrator{
		Channel:    f.Devices.Channel,
		RAM:        f.Devices.RAM,
		ResetInfo:  f.Devices.ResetInfo,
		Deriver:    f.Deriver,
		Preload:    f.Preload,
		Authority:  f.Authority,
		Handoff:    f.Devices.Handoff,
		Identity:   f.Identity,
		MaxAppSize: f.MaxAppSize,
	}

	return o.Run()
}

// RPC returns the system call receiver of the running application.
func (f *Firmware) RPC() *RPC {
	return &RPC{fw: f}
}
