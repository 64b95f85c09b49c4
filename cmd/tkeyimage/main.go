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

// The tkeyimage tool builds flash images and partition table files for
// device provisioning, and inspects existing images.
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/hw/emu"
)

var (
	outputFile    = flag.String("output_file", "", "Flash image file to write.")
	tableFile     = flag.String("table_file", "", "Partition table record file to write.")
	inspectFile   = flag.String("inspect_file", "", "Flash image file to inspect.")
	bitstreamFile = flag.String("bitstream_file", "", "FPGA bitstream to include.")
	app0File      = flag.String("app0_file", "", "Management application binary.")
	app1File      = flag.String("app1_file", "", "Preloaded application binary.")
	app1SigFile   = flag.String("app1_sig_file", "", "File containing the hex Ed25519 signature of the app1 digest.")
	app1PubFile   = flag.String("app1_pubkey_file", "", "File containing the hex Ed25519 public key verifying app1_sig_file.")
	checksumKey   = flag.String("checksum_key", "", "Hex partition table checksum key, if any.")
)

func init() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
}

func main() {
	flag.Parse()
	defer klog.Flush()

	key := hexOrDie(*checksumKey, "checksum key")

	if len(*inspectFile) > 0 {
		dev := openOrDie(*inspectFile)

		s, err := Describe(dev, key)
		if err != nil {
			klog.Exitf("Failed to read partition table: %v", err)
		}

		klog.Infof("%s:\n%s", *inspectFile, s)

		return
	}

	img := &Image{
		Bitstream:   readOrDie(*bitstreamFile, "bitstream"),
		App0:        readOrDie(*app0File, "app0"),
		App1:        readOrDie(*app1File, "app1"),
		ChecksumKey: key,
	}

	if len(*app1SigFile) > 0 {
		sig := [ed25519.SignatureSize]byte(keyFileOrDie(*app1SigFile, "signature", ed25519.SignatureSize))
		img.App1Signature = &sig
	}

	if len(*app1PubFile) > 0 {
		pub := [ed25519.PublicKeySize]byte(keyFileOrDie(*app1PubFile, "public key", ed25519.PublicKeySize))
		img.App1Pubkey = &pub
	}

	if len(*tableFile) > 0 {
		t, err := img.Table()
		if err != nil {
			klog.Exitf("Invalid image: %v", err)
		}

		rec, err := TableRecord(t, key)
		if err != nil {
			klog.Exitf("Failed to encode partition table: %v", err)
		}

		if err := os.WriteFile(*tableFile, rec, 0o644); err != nil {
			klog.Exitf("WriteFile: %v", err)
		}

		klog.Infof("Wrote %d bytes of partition table to %q", len(rec), *tableFile)
	}

	if len(*outputFile) == 0 {
		return
	}

	dev := openOrDie(*outputFile)

	if _, err := img.Write(dev); err != nil {
		klog.Exitf("Failed to provision image: %v", err)
	}

	if err := dev.Sync(); err != nil {
		klog.Exitf("Failed to write %q: %v", *outputFile, err)
	}

	s, _ := Describe(dev, key)
	klog.Infof("Wrote flash image to %q:\n%s", *outputFile, s)
}

func openOrDie(p string) *emu.Flash {
	dev, err := emu.OpenFlash(p, flash.Capacity)
	if err != nil {
		klog.Exitf("Failed to open flash image %q: %v", p, err)
	}
	return dev
}

func readOrDie(p string, thing string) []byte {
	if len(p) == 0 {
		return nil
	}

	b, err := os.ReadFile(p)
	if err != nil {
		klog.Exitf("Failed to read %s %q: %v", thing, p, err)
	}

	return b
}

func hexOrDie(s string, thing string) []byte {
	if len(s) == 0 {
		return nil
	}

	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		klog.Exitf("Invalid %s %q: %v", thing, s, err)
	}

	return b
}

func keyFileOrDie(p string, thing string, size int) []byte {
	b := hexOrDie(string(readOrDie(p, thing)), thing)

	if len(b) != size {
		klog.Exitf("Invalid %s length in %q: %d != %d", thing, p, len(b), size)
	}

	return b
}
