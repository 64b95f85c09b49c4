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

// Package partition implements the on-flash inventory of preloaded
// applications and application storage areas.
//
// The table is stored twice, each copy followed by its own BLAKE2s-256
// checksum. Reads fall back to the second copy when the first one fails
// verification, writes always rewrite both copies in order.
package partition

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/flash"
)

// Version is the partition table format version.
const Version = 1

var (
	// TableSize is the size of the encoded table.
	TableSize = binary.Size(Table{})
	// Size is the size of the encoded table and its checksum.
	Size = TableSize + blake2s.Size
)

// ErrCorrupt is returned when no stored copy passes verification.
var ErrCorrupt = errors.New("partition table corrupt")

// PreloadEntry describes a preloaded application slot, a zero size marks
// the slot as empty.
type PreloadEntry struct {
	Size      uint32
	Digest    [32]byte
	Signature [64]byte
	Pubkey    [32]byte
}

// Empty returns whether the slot holds no application.
func (e *PreloadEntry) Empty() bool {
	return e.Size == 0
}

// StorageEntry describes an application storage area, a zero status marks
// the area as free.
type StorageEntry struct {
	Status uint8
	Auth   auth.Token
}

// Free returns whether the area is unallocated.
func (e *StorageEntry) Free() bool {
	return e.Status == 0
}

// Table represents the partition table content.
type Table struct {
	Version uint8
	Preload [flash.NumPreloadSlots]PreloadEntry
	Storage [flash.NumStorageAreas]StorageEntry
}

// Record represents a stored table copy.
type Record struct {
	Table    Table
	Checksum [32]byte
}

// Bytes returns the packed little-endian table encoding.
func (t *Table) Bytes() []byte {
	buf := new(bytes.Buffer)
	buf.Grow(TableSize)

	// writes to a bytes.Buffer of a fixed size struct cannot fail
	_ = binary.Write(buf, binary.LittleEndian, t)

	return buf.Bytes()
}

// Checksum computes the table checksum, an empty key yields a plain
// BLAKE2s-256 digest.
func Checksum(t *Table, key []byte) (sum [32]byte, err error) {
	h, err := blake2s.New256(key)
	if err != nil {
		return
	}

	h.Write(t.Bytes())
	copy(sum[:], h.Sum(nil))

	return
}

// Bytes returns the encoded record.
func (r *Record) Bytes() []byte {
	return append(r.Table.Bytes(), r.Checksum[:]...)
}

// Unpack decodes an encoded record.
func (r *Record) Unpack(buf []byte) error {
	if len(buf) < Size {
		return fmt.Errorf("short partition record (%d < %d)", len(buf), Size)
	}

	if err := binary.Read(bytes.NewReader(buf[:TableSize]), binary.LittleEndian, &r.Table); err != nil {
		return err
	}

	copy(r.Checksum[:], buf[TableSize:Size])

	return nil
}

// Verify returns whether the stored checksum matches the table.
func (r *Record) Verify(key []byte) bool {
	sum, err := Checksum(&r.Table, key)
	if err != nil {
		return false
	}
	return hmac.Equal(sum[:], r.Checksum[:])
}

// Store reads and writes the partition table copies.
type Store struct {
	flash *flash.Store
	key   []byte
}

// NewStore returns a Store over the given flash, key is the optional
// checksum key.
func NewStore(f *flash.Store, key []byte) *Store {
	return &Store{
		flash: f,
		key:   key,
	}
}

func (s *Store) readCopy(n int) (*Record, error) {
	buf := make([]byte, Size)

	if err := s.flash.Read(flash.TableAddr(n), buf); err != nil {
		return nil, err
	}

	r := &Record{}

	if err := r.Unpack(buf); err != nil {
		return nil, err
	}

	if !r.Verify(s.key) {
		return nil, fmt.Errorf("copy %d checksum mismatch", n)
	}

	return r, nil
}

// Read returns the first valid table copy, degraded is set when the primary
// copy failed verification.
func (s *Store) Read() (t *Table, degraded bool, err error) {
	r, err0 := s.readCopy(0)
	if err0 == nil {
		return &r.Table, false, nil
	}

	klog.Warningf("partition: primary table invalid, %v", err0)

	r, err1 := s.readCopy(1)
	if err1 == nil {
		return &r.Table, true, nil
	}

	klog.Errorf("partition: backup table invalid, %v", err1)

	return nil, false, fmt.Errorf("%w: %v, %v", ErrCorrupt, err0, err1)
}

// Write computes the checksum of t and rewrites both table copies, primary
// first. The two writes are not atomic.
func (s *Store) Write(t *Table) (err error) {
	r := &Record{Table: *t}

	if r.Checksum, err = Checksum(t, s.key); err != nil {
		return
	}

	buf := r.Bytes()

	for n := 0; n < 2; n++ {
		addr := flash.TableAddr(n)

		if err = s.flash.EraseSector(addr); err != nil {
			return fmt.Errorf("copy %d erase: %w", n, err)
		}

		if err = s.flash.Write(addr, buf); err != nil {
			return fmt.Errorf("copy %d write: %w", n, err)
		}
	}

	klog.V(1).Infof("partition: table written")

	return
}
