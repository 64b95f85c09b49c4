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

// Package testonly provides support for flash tests.
package testonly

import (
	"fmt"
	"sync"
)

const (
	pageSize    = 256
	sectorSize  = 4 << 10
	block32Size = 32 << 10
	block64Size = 64 << 10
)

// Op is a single recorded device instruction.
type Op struct {
	Name string
	Addr uint32
	Len  int
}

// MemFlash is a simple in-memory NOR flash device.
//
// Programming ANDs the new data with the existing content, erasing sets bytes
// to 0xff, as on real parts.
type MemFlash struct {
	mu sync.Mutex

	Storage []byte

	// Ops records every instruction issued to the device.
	Ops []Op

	// BusyCycles is the number of Busy() calls returning true after each
	// program or erase instruction.
	BusyCycles int
	busy       int

	// Fail, when set, is consulted before each instruction and its error
	// returned in place of performing it.
	Fail func(op string, addr uint32) error

	// OnProgrammed is called just after a page has been programmed.
	OnProgrammed func(addr uint32)
}

// NewMemFlash returns an erased device of the given size.
func NewMemFlash(size int) *MemFlash {
	m := &MemFlash{Storage: make([]byte, size)}
	for i := range m.Storage {
		m.Storage[i] = 0xff
	}
	return m
}

// Size returns the device capacity.
func (m *MemFlash) Size() uint32 {
	return uint32(len(m.Storage))
}

func (m *MemFlash) record(name string, addr uint32, n int) error {
	m.Ops = append(m.Ops, Op{Name: name, Addr: addr, Len: n})

	if m.Fail != nil {
		if err := m.Fail(name, addr); err != nil {
			return err
		}
	}

	if end := int(addr) + n; end > len(m.Storage) {
		return fmt.Errorf("%s: end (%#x) > device size (%#x)", name, end, len(m.Storage))
	}

	return nil
}

// ReadData implements flash.Device.
func (m *MemFlash) ReadData(addr uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("read", addr, len(buf)); err != nil {
		return err
	}

	copy(buf, m.Storage[addr:])
	return nil
}

// PageProgram implements flash.Device.
func (m *MemFlash) PageProgram(addr uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("program", addr, len(data)); err != nil {
		return err
	}

	if len(data) > pageSize || int(addr%pageSize)+len(data) > pageSize {
		return fmt.Errorf("program @ %#x+%d crosses page boundary", addr, len(data))
	}

	for i, b := range data {
		m.Storage[int(addr)+i] &= b
	}

	m.busy = m.BusyCycles

	if m.OnProgrammed != nil {
		m.OnProgrammed(addr)
	}

	return nil
}

func (m *MemFlash) erase(name string, addr uint32, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := addr &^ (size - 1)

	if err := m.record(name, base, int(size)); err != nil {
		return err
	}

	for i := base; i < base+size; i++ {
		m.Storage[i] = 0xff
	}

	m.busy = m.BusyCycles

	return nil
}

// SectorErase implements flash.Device.
func (m *MemFlash) SectorErase(addr uint32) error {
	return m.erase("sector_erase", addr, sectorSize)
}

// BlockErase32 implements flash.Device.
func (m *MemFlash) BlockErase32(addr uint32) error {
	return m.erase("block32_erase", addr, block32Size)
}

// BlockErase64 implements flash.Device.
func (m *MemFlash) BlockErase64(addr uint32) error {
	return m.erase("block64_erase", addr, block64Size)
}

// Busy implements flash.Device.
func (m *MemFlash) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.busy > 0 {
		m.busy--
		return true
	}

	return false
}

// Count returns the number of recorded instructions with the given name, or
// all of them if name is empty.
func (m *MemFlash) Count(name string) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range m.Ops {
		if name == "" || op.Name == name {
			n++
		}
	}

	return
}

// Reset clears the recorded instructions.
func (m *MemFlash) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Ops = nil
}
