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
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/blake2s"

	"github.com/transparency-dev/armored-token-boot/firmware"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/flash/testonly"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/hw/emu"
	"github.com/transparency-dev/armored-token-boot/partition"
)

var (
	app0 = bytes.Repeat([]byte("mgmt"), 1000)
	app1 = bytes.Repeat([]byte("signed app"), 2000)
)

func signedImage(t *testing.T) *Image {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	digest := blake2s.Sum256(app1)
	sig := [64]byte(ed25519.Sign(priv, digest[:]))
	pk := [32]byte(pub)

	return &Image{
		Bitstream:     []byte("bitstream"),
		App0:          app0,
		App1:          app1,
		App1Signature: &sig,
		App1Pubkey:    &pk,
	}
}

func TestTable(t *testing.T) {
	img := signedImage(t)

	tbl, err := img.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	want := partition.PreloadEntry{
		Size:      uint32(len(app1)),
		Digest:    blake2s.Sum256(app1),
		Signature: *img.App1Signature,
		Pubkey:    *img.App1Pubkey,
	}

	if d := cmp.Diff(want, tbl.Preload[1]); d != "" {
		t.Fatalf("app1 entry mismatch (-want +got):\n%s", d)
	}

	rec, err := TableRecord(tbl, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(rec) != partition.Size {
		t.Fatalf("record of %d bytes, want %d", len(rec), partition.Size)
	}

	for name, f := range map[string]func(img *Image){
		"no app0":       func(img *Image) { img.App0 = nil },
		"app0 too big":  func(img *Image) { img.App0 = make([]byte, firmware.DefaultMaxAppSize+1) },
		"bad signature": func(img *Image) { img.App1 = append([]byte{0}, app1...) },
		"no pubkey":     func(img *Image) { img.App1Pubkey = nil },
	} {
		img := signedImage(t)
		f(img)

		if _, err := img.Table(); err == nil {
			t.Errorf("%s: Table() succeeded", name)
		}
	}
}

func TestWriteAndBoot(t *testing.T) {
	dev := testonly.NewMemFlash(flash.Capacity)

	// leftovers of a previous provisioning
	for i := range dev.Storage {
		dev.Storage[i] = 0
	}

	img := signedImage(t)

	if _, err := img.Write(dev); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !bytes.HasPrefix(dev.Storage[flash.BitstreamAddr:], img.Bitstream) {
		t.Fatal("bitstream not written")
	}

	if dev.Storage[flash.StorageAddr(3)] != 0xff {
		t.Fatal("storage areas not erased")
	}

	s, err := Describe(dev, nil)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}

	for _, want := range []string{"app0: 3.9 KiB", "signature:true", "0/4 areas"} {
		if !strings.Contains(s, want) {
			t.Errorf("Describe() = %q, missing %q", s, want)
		}
	}

	cfg := firmware.DefaultConfig()
	cfg.MgmtDigest = blake2s.Sum256(app0)

	for _, mode := range []hw.BootMode{hw.BootDefault, hw.BootFlash1} {
		ri := &emu.ResetInfo{}
		ri.Store(&hw.ResetInfo{Mode: mode})

		f, err := firmware.New(cfg, firmware.Devices{
			Flash:     dev,
			UDS:       emu.NewUDS([32]byte{1}),
			TRNG:      emu.NewTRNG(1),
			Timer:     &emu.Timer{},
			CDI:       &emu.CDI{},
			ResetInfo: ri,
			RAM:       emu.NewRAM(firmware.DefaultMaxAppSize),
			System:    &emu.System{},
			Handoff:   &emu.Handoff{},
		})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := f.Boot(); err != nil {
			t.Fatalf("%v: Boot: %v", mode, err)
		}
	}
}
