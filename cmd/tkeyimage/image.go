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

package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2s"

	"github.com/transparency-dev/armored-token-boot/firmware"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/partition"
	"github.com/transparency-dev/armored-token-boot/preload"
)

// Image describes the content of a provisioned flash.
type Image struct {
	Bitstream []byte

	// App0 is the management application.
	App0 []byte

	// App1 is the optional preloaded user application, its signature is
	// verified when present.
	App1          []byte
	App1Signature *[64]byte
	App1Pubkey    *[32]byte

	ChecksumKey []byte
}

func entry(app []byte) (e partition.PreloadEntry, err error) {
	if len(app) > firmware.DefaultMaxAppSize {
		return e, fmt.Errorf("application too large (%s > %s)",
			humanize.IBytes(uint64(len(app))), humanize.IBytes(firmware.DefaultMaxAppSize))
	}

	e.Size = uint32(len(app))
	e.Digest = blake2s.Sum256(app)

	return
}

// Table returns the partition table describing the image.
func (img *Image) Table() (*partition.Table, error) {
	t := &partition.Table{Version: partition.Version}

	if len(img.App0) == 0 {
		return nil, errors.New("missing management application")
	}

	var err error

	if t.Preload[0], err = entry(img.App0); err != nil {
		return nil, fmt.Errorf("app0: %w", err)
	}

	if len(img.App1) == 0 {
		return t, nil
	}

	e := &t.Preload[1]

	if *e, err = entry(img.App1); err != nil {
		return nil, fmt.Errorf("app1: %w", err)
	}

	switch {
	case img.App1Signature == nil && img.App1Pubkey == nil:
	case img.App1Signature == nil || img.App1Pubkey == nil:
		return nil, errors.New("app1: signature and public key must be both set")
	default:
		e.Signature = *img.App1Signature
		e.Pubkey = *img.App1Pubkey

		if !preload.VerifySignature(e) {
			return nil, errors.New("app1: invalid signature")
		}
	}

	return t, nil
}

// Write provisions the image on dev.
func (img *Image) Write(dev flash.Device) (*partition.Table, error) {
	t, err := img.Table()
	if err != nil {
		return nil, err
	}

	if len(img.Bitstream) > flash.BitstreamSize {
		return nil, fmt.Errorf("bitstream too large (%s)", humanize.IBytes(uint64(len(img.Bitstream))))
	}

	fs := flash.NewStore(dev)

	regions := []struct {
		addr uint32
		size uint32
		data []byte
	}{
		{flash.BitstreamAddr, flash.BitstreamSize, img.Bitstream},
		{flash.PreloadAddr(0), flash.PreloadSize, img.App0},
		{flash.PreloadAddr(1), flash.PreloadSize, img.App1},
	}

	for _, r := range regions {
		if err = fs.Erase(r.addr, r.size); err != nil {
			return nil, err
		}

		if len(r.data) == 0 {
			continue
		}

		if err = fs.Write(r.addr, r.data); err != nil {
			return nil, err
		}
	}

	// storage areas of a previous owner are left unreachable
	for i := 0; i < flash.NumStorageAreas; i++ {
		if err = fs.Erase(flash.StorageAddr(i), flash.StorageSize); err != nil {
			return nil, err
		}
	}

	if err = partition.NewStore(fs, img.ChecksumKey).Write(t); err != nil {
		return nil, err
	}

	return t, nil
}

// TableRecord returns a standalone encoded partition table record.
func TableRecord(t *partition.Table, key []byte) ([]byte, error) {
	sum, err := partition.Checksum(t, key)
	if err != nil {
		return nil, err
	}

	r := &partition.Record{Table: *t, Checksum: sum}

	return r.Bytes(), nil
}

// Describe returns a human readable summary of the partition table found
// on dev.
func Describe(dev flash.Device, key []byte) (string, error) {
	t, degraded, err := partition.NewStore(flash.NewStore(dev), key).Read()
	if err != nil {
		return "", err
	}

	b := &strings.Builder{}

	fmt.Fprintf(b, "partition table v%d", t.Version)

	if degraded {
		fmt.Fprint(b, " (primary copy invalid)")
	}

	fmt.Fprintln(b)

	for i := range t.Preload {
		e := &t.Preload[i]

		if e.Empty() {
			fmt.Fprintf(b, "app%d: empty\n", i)
			continue
		}

		fmt.Fprintf(b, "app%d: %s digest:%x", i, humanize.IBytes(uint64(e.Size)), e.Digest)

		if e.Pubkey != ([32]byte{}) {
			fmt.Fprintf(b, " pubkey:%x signature:%v", e.Pubkey, preload.VerifySignature(e))
		}

		fmt.Fprintln(b)
	}

	used := 0

	for i := range t.Storage {
		if !t.Storage[i].Free() {
			used++
		}
	}

	fmt.Fprintf(b, "storage: %d/%d areas allocated (%s each)\n",
		used, len(t.Storage), humanize.IBytes(flash.StorageSize))

	return b.String(), nil
}
