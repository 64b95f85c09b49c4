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

// Package preload manages the applications stored in the flash preloaded
// application slots.
package preload

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/partition"
)

// MaxChunkSize is the largest chunk accepted by StoreChunk.
const MaxChunkSize = 4096

// loadChunk is the flash read size used when loading to RAM.
const loadChunk = 4096

var (
	ErrInvalidSlot = errors.New("invalid preload slot")
	ErrInvalidSize = errors.New("invalid application size")
	ErrSlotInUse   = errors.New("preload slot in use")
	ErrSlotEmpty   = errors.New("preload slot empty")
)

// Manager performs operations on preloaded application slots, every call
// reads the partition table afresh.
type Manager struct {
	Flash     *flash.Store
	Table     *partition.Store
	Authority *auth.Authority

	// MaxAppSize is the largest loadable application.
	MaxAppSize uint32
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= flash.NumPreloadSlots {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return nil
}

// Load copies the application in slot to RAM and returns its measurement.
func (m *Manager) Load(slot int, ram hw.AppRAM) (measurement [32]byte, size uint32, err error) {
	if err = checkSlot(slot); err != nil {
		return
	}

	t, _, err := m.Table.Read()
	if err != nil {
		return
	}

	size = t.Preload[slot].Size

	switch {
	case size == 0:
		return measurement, 0, fmt.Errorf("slot %d: %w", slot, ErrSlotEmpty)
	case size > m.MaxAppSize || int(size) > ram.Size():
		return measurement, 0, fmt.Errorf("slot %d: %w (%d)", slot, ErrInvalidSize, size)
	}

	h, _ := blake2s.New256(nil)
	buf := make([]byte, loadChunk)
	base := flash.PreloadAddr(slot)

	for off := uint32(0); off < size; off += loadChunk {
		n := min(size-off, loadChunk)

		if err = m.Flash.Read(base+off, buf[:n]); err != nil {
			return
		}

		if _, err = ram.WriteAt(buf[:n], int64(off)); err != nil {
			return
		}

		h.Write(buf[:n])
	}

	copy(measurement[:], h.Sum(nil))

	klog.Infof("preload: loaded slot %d (%d bytes) %x", slot, size, measurement)

	return
}

// StoreChunk writes application data at offset of an empty slot.
func (m *Manager) StoreChunk(slot int, offset uint32, data []byte) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	if len(data) == 0 || len(data) > MaxChunkSize {
		return fmt.Errorf("%w: chunk of %d bytes", ErrInvalidSize, len(data))
	}

	if offset%flash.PageSize != 0 {
		return fmt.Errorf("%w: offset %#x", flash.ErrAlignment, offset)
	}

	if err := flash.CheckRange(flash.PreloadSize, offset, uint32(len(data))); err != nil {
		return err
	}

	if err := m.Authority.Authenticate(); err != nil {
		return err
	}

	t, _, err := m.Table.Read()
	if err != nil {
		return err
	}

	if !t.Preload[slot].Empty() {
		return fmt.Errorf("slot %d: %w", slot, ErrSlotInUse)
	}

	return m.Flash.Write(flash.PreloadAddr(slot)+offset, data)
}

// Finalize records the metadata of an application previously written with
// StoreChunk.
func (m *Manager) Finalize(slot int, size uint32, digest [32]byte, signature [64]byte) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	if size == 0 || size > m.MaxAppSize || size > flash.PreloadSize {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	if err := m.Authority.Authenticate(); err != nil {
		return err
	}

	t, _, err := m.Table.Read()
	if err != nil {
		return err
	}

	e := &t.Preload[slot]

	if !e.Empty() {
		return fmt.Errorf("slot %d: %w", slot, ErrSlotInUse)
	}

	e.Size = size
	e.Digest = digest
	e.Signature = signature

	if err = m.Table.Write(t); err != nil {
		return err
	}

	klog.Infof("preload: slot %d finalized (%d bytes) %x", slot, size, digest)

	return nil
}

// Delete clears the slot metadata, persists it and then erases the slot.
func (m *Manager) Delete(slot int) error {
	if err := checkSlot(slot); err != nil {
		return err
	}

	if err := m.Authority.Authenticate(); err != nil {
		return err
	}

	t, _, err := m.Table.Read()
	if err != nil {
		return err
	}

	t.Preload[slot] = partition.PreloadEntry{}

	if err = m.Table.Write(t); err != nil {
		return err
	}

	base := flash.PreloadAddr(slot)

	for off := uint32(0); off < flash.PreloadSize; off += flash.Block64Size {
		if err = m.Flash.EraseBlock64(base + off); err != nil {
			return err
		}
	}

	klog.Infof("preload: slot %d deleted", slot)

	return nil
}

// Entry returns the metadata of a populated slot.
func (m *Manager) Entry(slot int) (*partition.PreloadEntry, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}

	if err := m.Authority.Authenticate(); err != nil {
		return nil, err
	}

	t, _, err := m.Table.Read()
	if err != nil {
		return nil, err
	}

	e := t.Preload[slot]

	if e.Empty() {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrSlotEmpty)
	}

	return &e, nil
}

// VerifySignature checks the entry Ed25519 signature over its digest.
func VerifySignature(e *partition.PreloadEntry) bool {
	return ed25519.Verify(e.Pubkey[:], e.Digest[:], e.Signature[:])
}
