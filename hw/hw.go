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

// Package hw defines typed access to the token peripherals used by the
// firmware.
//
// Each interface documents the side effects of its registers, the firmware
// never touches memory mapped I/O directly.
package hw

import (
	"io"
)

// AppRAMBase is the application RAM address at which loaded images start.
const AppRAMBase = 0x40000000

// TRNG represents the True Random Number Generator.
type TRNG interface {
	// Ready returns whether a fresh entropy word is available.
	Ready() bool
	// Entropy returns the current entropy word.
	Entropy() uint32
}

// Word polls the TRNG until ready and returns one entropy word.
func Word(t TRNG) uint32 {
	for !t.Ready() {
	}
	return t.Entropy()
}

// Read fills buf with TRNG output, one word at a time.
func Read(t TRNG, buf []byte) {
	for i := 0; i < len(buf); i += 4 {
		w := Word(t)
		for j := 0; j < 4 && i+j < len(buf); j++ {
			buf[i+j] = byte(w >> (8 * j))
		}
	}
}

// Timer represents the down counting hardware timer.
type Timer interface {
	// Start loads the timer with the given number of ticks and starts it.
	Start(ticks uint32)
	// Running returns whether the timer has not yet expired.
	Running() bool
}

// Sleep busy waits for the given number of timer ticks.
func Sleep(t Timer, ticks uint32) {
	t.Start(ticks)
	for t.Running() {
	}
}

// UDS represents the Unique Device Secret register.
//
// The register returns the secret exactly once per power cycle, every
// subsequent read returns all zeroes.
type UDS interface {
	Read(out *[32]byte)
}

// CDI represents the Compound Device Identity register, it is writable by
// the firmware and read-only for applications.
type CDI interface {
	Write(cdi *[32]byte)
	Read(out *[32]byte)
}

// ResetInfoRegister represents the memory area preserved across a system
// reset.
type ResetInfoRegister interface {
	Load() *ResetInfo
	Store(ri *ResetInfo)
}

// AppRAM represents the application RAM execution image.
type AppRAM interface {
	io.ReaderAt
	io.WriterAt
	Size() int
}

// System represents system wide controls.
type System interface {
	// Reset triggers a system reset, on real hardware it does not return.
	Reset()
}

// Handoff transfers execution to the application image at entry, after the
// firmware stack has been cleared, with the given CDI latched. On real
// hardware it does not return.
type Handoff interface {
	Handoff(entry uint32)
}
