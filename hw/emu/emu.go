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

// Package emu provides host emulations of the token peripherals.
package emu

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"

	"github.com/transparency-dev/armored-token-boot/hw"
)

// TRNG emulates the entropy source with a seeded PRNG, every word becomes
// available after Stall not-ready polls.
type TRNG struct {
	Stall int

	rng  *rand.Rand
	wait int
}

// NewTRNG returns a deterministic TRNG for the given seed.
func NewTRNG(seed uint64) *TRNG {
	return &TRNG{rng: rand.New(rand.NewPCG(seed, ^seed))}
}

// NewRandomTRNG returns a TRNG seeded from the host entropy source.
func NewRandomTRNG() (*TRNG, error) {
	var seed [32]byte

	if _, err := crand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("could not seed TRNG, %w", err)
	}

	return &TRNG{rng: rand.New(rand.NewChaCha8(seed))}, nil
}

// Ready implements hw.TRNG.
func (t *TRNG) Ready() bool {
	if t.wait < t.Stall {
		t.wait++
		return false
	}
	return true
}

// Entropy implements hw.TRNG.
func (t *TRNG) Entropy() uint32 {
	t.wait = 0
	return t.rng.Uint32()
}

// Timer emulates the hardware timer, each Running poll consumes a tick.
type Timer struct {
	left uint32

	// Ticks accumulates all ticks waited for.
	Ticks uint64
}

// Start implements hw.Timer.
func (t *Timer) Start(ticks uint32) {
	t.left = ticks
}

// Running implements hw.Timer.
func (t *Timer) Running() bool {
	if t.left == 0 {
		return false
	}

	t.left--
	t.Ticks++

	return true
}

// UDS emulates the read-once Unique Device Secret register.
type UDS struct {
	secret [32]byte
	read   bool
}

// NewUDS returns a UDS register holding the given secret.
func NewUDS(secret [32]byte) *UDS {
	return &UDS{secret: secret}
}

// Read implements hw.UDS.
func (u *UDS) Read(out *[32]byte) {
	if u.read {
		clear(out[:])
		return
	}

	*out = u.secret
	clear(u.secret[:])
	u.read = true
}

// CDI emulates the Compound Device Identity register.
type CDI struct {
	value [32]byte
}

// Write implements hw.CDI.
func (c *CDI) Write(cdi *[32]byte) {
	c.value = *cdi
}

// Read implements hw.CDI.
func (c *CDI) Read(out *[32]byte) {
	*out = c.value
}

// ResetInfo emulates the reset preserved memory area.
type ResetInfo struct {
	buf [hw.ResetInfoSize]byte
}

// Load implements hw.ResetInfoRegister.
func (r *ResetInfo) Load() *hw.ResetInfo {
	ri := &hw.ResetInfo{}
	// the buffer size always matches
	_ = ri.Unpack(r.buf[:])
	return ri
}

// Store implements hw.ResetInfoRegister.
func (r *ResetInfo) Store(ri *hw.ResetInfo) {
	copy(r.buf[:], ri.Bytes())
}

// RAM emulates the application RAM.
type RAM struct {
	mem []byte
}

// NewRAM returns a zeroed RAM of the given size.
func NewRAM(size int) *RAM {
	return &RAM{mem: make([]byte, size)}
}

// Size implements hw.AppRAM.
func (r *RAM) Size() int {
	return len(r.mem)
}

// ReadAt implements hw.AppRAM.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.mem)) {
		return 0, fmt.Errorf("RAM read @ %#x+%d out of range", off, len(p))
	}
	return copy(p, r.mem[off:]), nil
}

// WriteAt implements hw.AppRAM.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(r.mem)) {
		return 0, fmt.Errorf("RAM write @ %#x+%d out of range", off, len(p))
	}
	return copy(r.mem[off:], p), nil
}

// Bytes returns the RAM content.
func (r *RAM) Bytes() []byte {
	return r.mem
}

// System emulates system controls.
type System struct {
	Resets int

	// OnReset is invoked on every reset request.
	OnReset func()
}

// Reset implements hw.System.
func (s *System) Reset() {
	s.Resets++

	if s.OnReset != nil {
		s.OnReset()
	}
}

// Handoff records application handoffs.
type Handoff struct {
	Entry  uint32
	Called bool

	// OnHandoff is invoked in place of jumping to the application.
	OnHandoff func(entry uint32)
}

// Handoff implements hw.Handoff.
func (h *Handoff) Handoff(entry uint32) {
	h.Entry = entry
	h.Called = true

	if h.OnHandoff != nil {
		h.OnHandoff(entry)
	}
}
