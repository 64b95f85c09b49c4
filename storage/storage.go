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

// Package storage implements per application persistent storage areas.
//
// An area belongs to whichever application can reproduce the CDI it was
// allocated under, no application identifier is ever stored.
package storage

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/partition"
)

// AreaSize is the size of each storage area.
const AreaSize = flash.StorageSize

var (
	// ErrNoFreeArea is returned when all areas are allocated.
	ErrNoFreeArea = errors.New("no free storage area")
	// ErrInvalidSize is returned for zero length requests.
	ErrInvalidSize = errors.New("invalid size")
)

// Manager performs storage area operations on behalf of the running
// application, identified by the CDI register content.
type Manager struct {
	Flash *flash.Store
	Table *partition.Store
	TRNG  hw.TRNG
	CDI   hw.CDI
}

func (m *Manager) cdi() (cdi [32]byte) {
	m.CDI.Read(&cdi)
	return
}

func findOwned(t *partition.Table, cdi *[32]byte) (int, bool) {
	for i := range t.Storage {
		e := &t.Storage[i]

		if e.Free() {
			continue
		}

		if e.Auth.Verify(cdi) {
			return i, true
		}
	}

	return -1, false
}

// Owned returns the index of the area owned by the running application.
func (m *Manager) Owned() (int, bool, error) {
	t, _, err := m.Table.Read()
	if err != nil {
		return -1, false, err
	}

	cdi := m.cdi()
	defer clear(cdi[:])

	i, ok := findOwned(t, &cdi)

	return i, ok, nil
}

func (m *Manager) owned() (base uint32, err error) {
	i, ok, err := m.Owned()
	if err != nil {
		return
	}

	if !ok {
		return 0, fmt.Errorf("storage area: %w", auth.ErrUnauthorized)
	}

	return flash.StorageAddr(i), nil
}

// Allocate assigns a free area to the running application, it succeeds
// without side effects if one is already owned.
func (m *Manager) Allocate() error {
	t, _, err := m.Table.Read()
	if err != nil {
		return err
	}

	cdi := m.cdi()
	defer clear(cdi[:])

	if i, ok := findOwned(t, &cdi); ok {
		klog.V(1).Infof("storage: area %d already allocated", i)
		return nil
	}

	free := -1

	for i := range t.Storage {
		if t.Storage[i].Free() {
			free = i
			break
		}
	}

	if free < 0 {
		return ErrNoFreeArea
	}

	if err = m.Flash.Erase(flash.StorageAddr(free), AreaSize); err != nil {
		return err
	}

	t.Storage[free] = partition.StorageEntry{
		Status: 1,
		Auth:   *auth.NewToken(m.TRNG, &cdi),
	}

	if err = m.Table.Write(t); err != nil {
		return err
	}

	klog.Infof("storage: area %d allocated", free)

	return nil
}

// Deallocate releases the area owned by the running application, the area
// is marked free and persisted before being erased.
func (m *Manager) Deallocate() error {
	t, _, err := m.Table.Read()
	if err != nil {
		return err
	}

	cdi := m.cdi()
	defer clear(cdi[:])

	i, ok := findOwned(t, &cdi)
	if !ok {
		return fmt.Errorf("storage area: %w", auth.ErrUnauthorized)
	}

	t.Storage[i] = partition.StorageEntry{}

	if err = m.Table.Write(t); err != nil {
		return err
	}

	if err = m.Flash.Erase(flash.StorageAddr(i), AreaSize); err != nil {
		return err
	}

	klog.Infof("storage: area %d deallocated", i)

	return nil
}

func checkAccess(offset uint32, n uint64) error {
	if n > AreaSize {
		return fmt.Errorf("%w: %d bytes > area size %#x", flash.ErrBounds, n, AreaSize)
	}

	if err := flash.CheckRange(AreaSize, offset, uint32(n)); err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSize, n)
	}

	return nil
}

// Read reads len(buf) bytes at offset of the owned area.
func (m *Manager) Read(offset uint32, buf []byte) error {
	if err := checkAccess(offset, uint64(len(buf))); err != nil {
		return err
	}

	base, err := m.owned()
	if err != nil {
		return err
	}

	return m.Flash.Read(base+offset, buf)
}

// Write programs data at offset of the owned area, offset must be page
// aligned and the range previously erased.
func (m *Manager) Write(offset uint32, data []byte) error {
	var result *multierror.Error

	if offset%flash.PageSize != 0 {
		result = multierror.Append(result, fmt.Errorf("%w: offset %#x", flash.ErrAlignment, offset))
	}

	if err := checkAccess(offset, uint64(len(data))); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	base, err := m.owned()
	if err != nil {
		return err
	}

	return m.Flash.Write(base+offset, data)
}

// Erase erases size bytes at offset of the owned area, both must be
// sector aligned.
func (m *Manager) Erase(offset uint32, size uint32) error {
	var result *multierror.Error

	if err := flash.CheckAligned(flash.SectorSize, offset, size); err != nil {
		result = multierror.Append(result, err)
	}

	if err := checkAccess(offset, uint64(size)); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	base, err := m.owned()
	if err != nil {
		return err
	}

	return m.Flash.Erase(base+offset, size)
}
