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

// Package cdi implements the derivation of the Compound Device Identity,
// the per application secret combining the Unique Device Secret with the
// measurement of the application being started.
package cdi

import (
	"fmt"

	"github.com/usbarmory/tamago/bits"
	"golang.org/x/crypto/blake2s"

	"github.com/transparency-dev/armored-token-boot/hw"
)

// Source identifies where the started application was loaded from.
type Source uint8

// Application sources.
const (
	SourceNone Source = iota
	SourceFlash0
	SourceFlash1
	SourceClient
)

func (s Source) String() string {
	switch s {
	case SourceNone:
		return "none"
	case SourceFlash0:
		return "flash0"
	case SourceFlash1:
		return "flash1"
	case SourceClient:
		return "client"
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Domain byte fields.
const (
	domainSource = 0
	domainUSS    = 2
	domainChain  = 3
)

// jitterMask bounds the random delay before the UDS is accessed.
const jitterMask = 0xffff

// Domain represents the derivation domain separation tag.
type Domain struct {
	Source Source
	// USS is set when a User Supplied Secret is mixed in.
	USS bool
	// Chain is set when the material is a measured chain identifier
	// rather than the application measurement.
	Chain bool
}

// Byte packs the domain tag.
func (d Domain) Byte() byte {
	var b uint32

	bits.SetN(&b, domainSource, 0b11, uint32(d.Source))
	bits.SetTo(&b, domainUSS, d.USS)
	bits.SetTo(&b, domainChain, d.Chain)

	return byte(b)
}

// Compute returns BLAKE2s-256(uds || domain || material || uss), the USS is
// only included when not nil. Intermediate buffers are wiped.
func Compute(uds *[32]byte, domain Domain, material *[32]byte, uss *[32]byte) (cdi [32]byte) {
	domain.USS = uss != nil

	buf := make([]byte, 0, 32+1+32+32)
	buf = append(buf, uds[:]...)
	buf = append(buf, domain.Byte())
	buf = append(buf, material[:]...)

	if uss != nil {
		buf = append(buf, uss[:]...)
	}

	cdi = blake2s.Sum256(buf)
	clear(buf[:cap(buf)])

	return
}

// ChainID returns the measured chain identifier keyed with the CDI of the
// application requesting it.
func ChainID(cdi *[32]byte, seed *[32]byte) (id [32]byte, err error) {
	h, err := blake2s.New256(cdi[:])
	if err != nil {
		return
	}

	h.Write(seed[:])
	copy(id[:], h.Sum(nil))

	return
}

// Deriver computes CDIs from the device registers.
type Deriver struct {
	UDS   hw.UDS
	TRNG  hw.TRNG
	Timer hw.Timer
	CDI   hw.CDI
}

// Derive waits a random number of timer ticks, reads the UDS, computes the
// CDI and latches it into the CDI register. The UDS register is read-once,
// therefore Derive is only meaningful once per boot.
func (d *Deriver) Derive(domain Domain, material *[32]byte, uss *[32]byte) [32]byte {
	hw.Sleep(d.Timer, hw.Word(d.TRNG)&jitterMask)

	var uds [32]byte
	d.UDS.Read(&uds)

	cdi := Compute(&uds, domain, material, uss)
	clear(uds[:])

	d.CDI.Write(&cdi)

	return cdi
}
