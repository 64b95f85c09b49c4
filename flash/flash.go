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

// Package flash implements byte-addressable access to the SPI NOR flash chip
// holding the partition table, preloaded applications and application
// storage areas.
//
// The raw SPI transfers are performed by a Device, this package only enforces
// the chip granularity rules (4/32/64 KiB erase, 256 byte page program) and
// the ordering of each operation with respect to the chip busy flag.
package flash

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

const (
	// PageSize is the page program granularity.
	PageSize = 256
	// SectorSize is the smallest erase granularity.
	SectorSize = 4 << 10
	// Block32Size is the 32 KiB block erase granularity.
	Block32Size = 32 << 10
	// Block64Size is the 64 KiB block erase granularity.
	Block64Size = 64 << 10
)

var (
	// ErrAlignment is returned when an address or length does not respect
	// the granularity of the requested operation.
	ErrAlignment = errors.New("misaligned flash access")
	// ErrBounds is returned when an access falls outside of the device or
	// outside of the region it is restricted to.
	ErrBounds = errors.New("flash access out of bounds")
)

// IOError represents a failure reported by the underlying device.
type IOError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("flash %s @ %#x failed: %v", e.Op, e.Addr, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Device represents the SPI flash capability, each method maps to a single
// chip instruction.
type Device interface {
	// Size returns the device capacity in bytes.
	Size() uint32
	// ReadData reads len(buf) bytes starting at addr.
	ReadData(addr uint32, buf []byte) error
	// PageProgram programs up to PageSize bytes, the range must not cross
	// a page boundary. Programming can only clear bits.
	PageProgram(addr uint32, data []byte) error
	// SectorErase erases the 4 KiB sector containing addr.
	SectorErase(addr uint32) error
	// BlockErase32 erases the 32 KiB block containing addr.
	BlockErase32(addr uint32) error
	// BlockErase64 erases the 64 KiB block containing addr.
	BlockErase64(addr uint32) error
	// Busy returns the status register busy bit.
	Busy() bool
}

// Store serializes flash operations over a Device, every mutating operation
// completes (including its busy wait) before returning.
type Store struct {
	dev Device
}

// NewStore returns a Store for the given device.
func NewStore(dev Device) *Store {
	return &Store{dev: dev}
}

// Size returns the capacity of the underlying device.
func (s *Store) Size() uint32 {
	return s.dev.Size()
}

func (s *Store) waitBusy() {
	// no timeout: a stuck chip hangs the caller
	for s.dev.Busy() {
	}
}

func (s *Store) inDevice(addr uint32, n int) error {
	return CheckRange(s.dev.Size(), addr, uint32(n))
}

// Read reads len(buf) bytes at addr.
func (s *Store) Read(addr uint32, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}

	if err := s.inDevice(addr, len(buf)); err != nil {
		return err
	}

	if err := s.dev.ReadData(addr, buf); err != nil {
		return &IOError{Op: "read", Addr: addr, Err: err}
	}

	return nil
}

// Write programs data at addr one page at a time, addr must be page aligned
// and the target range must have been previously erased.
func (s *Store) Write(addr uint32, data []byte) error {
	if addr%PageSize != 0 {
		return fmt.Errorf("%w: write address %#x not aligned to %d", ErrAlignment, addr, PageSize)
	}

	if err := s.inDevice(addr, len(data)); err != nil {
		return err
	}

	for off := 0; off < len(data); off += PageSize {
		end := off + PageSize
		if end > len(data) {
			end = len(data)
		}

		a := addr + uint32(off)

		if err := s.dev.PageProgram(a, data[off:end]); err != nil {
			return &IOError{Op: "program", Addr: a, Err: err}
		}

		s.waitBusy()
	}

	klog.V(2).Infof("flash: programmed %d bytes @ %#x", len(data), addr)

	return nil
}

func (s *Store) erase(op string, addr uint32, size uint32, fn func(uint32) error) error {
	if addr%size != 0 {
		return fmt.Errorf("%w: %s address %#x not aligned to %d", ErrAlignment, op, addr, size)
	}

	if err := s.inDevice(addr, int(size)); err != nil {
		return err
	}

	if err := fn(addr); err != nil {
		return &IOError{Op: op, Addr: addr, Err: err}
	}

	s.waitBusy()

	klog.V(2).Infof("flash: %s @ %#x", op, addr)

	return nil
}

// EraseSector erases the 4 KiB sector at addr.
func (s *Store) EraseSector(addr uint32) error {
	return s.erase("sector erase", addr, SectorSize, s.dev.SectorErase)
}

// EraseBlock32 erases the 32 KiB block at addr.
func (s *Store) EraseBlock32(addr uint32) error {
	return s.erase("block32 erase", addr, Block32Size, s.dev.BlockErase32)
}

// EraseBlock64 erases the 64 KiB block at addr.
func (s *Store) EraseBlock64(addr uint32) error {
	return s.erase("block64 erase", addr, Block64Size, s.dev.BlockErase64)
}

// Erase erases size bytes starting at addr, both must be sector aligned.
// The largest erase instruction fitting the remaining range is used.
func (s *Store) Erase(addr uint32, size uint32) (err error) {
	if addr%SectorSize != 0 || size%SectorSize != 0 {
		return fmt.Errorf("%w: erase %#x+%d not sector aligned", ErrAlignment, addr, size)
	}

	if err = CheckRange(s.dev.Size(), addr, size); err != nil {
		return
	}

	for end := addr + size; addr < end; {
		switch left := end - addr; {
		case addr%Block64Size == 0 && left >= Block64Size:
			err = s.EraseBlock64(addr)
			addr += Block64Size
		case addr%Block32Size == 0 && left >= Block32Size:
			err = s.EraseBlock32(addr)
			addr += Block32Size
		default:
			err = s.EraseSector(addr)
			addr += SectorSize
		}

		if err != nil {
			return
		}
	}

	return
}
