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

// tkey-emu boots the firmware on emulated peripherals, backed by a flash
// image file.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"golang.org/x/crypto/blake2s"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/firmware"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/hw/emu"
)

// initialized at compile time (see Makefile)
var (
	Build    string
	Revision string
	Version  string
)

var (
	flashImage = flag.String("flash", "tkey-flash.bin", "flash image file, created if missing")
	udsHex     = flag.String("uds", "", "Unique Device Secret (hex), random if empty")
	serial     = flag.Uint("serial", 1, "device serial number")
	bootMode   = flag.String("mode", hw.BootDefault.String(), "boot mode of the first boot")
	appPath    = flag.String("app", "", "application to load in client mode")
	uss        = flag.String("uss", "", "User Supplied Secret passphrase for -app")
	listen     = flag.String("listen", "", "unix socket accepting the command channel")
	rpcAddr    = flag.String("rpc", "", "TCP address serving application system calls")
)

func init() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")
}

func parseMode(s string) (hw.BootMode, error) {
	for m := hw.BootDefault; m <= hw.BootClientVerify; m++ {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown boot mode %q", s)
}

func deviceSecret() (uds [32]byte, err error) {
	if len(*udsHex) == 0 {
		_, err = rand.Read(uds[:])
		return
	}

	b, err := hex.DecodeString(*udsHex)
	if err != nil {
		return
	}

	if len(b) != len(uds) {
		return uds, fmt.Errorf("UDS must be %d bytes", len(uds))
	}

	copy(uds[:], b)

	return
}

// newHost returns the command channel provider selected by the flags.
func newHost() (*host, error) {
	h := &host{}

	switch {
	case len(*appPath) > 0:
		bin, err := os.ReadFile(*appPath)
		if err != nil {
			return nil, err
		}

		h.app = bin

		if len(*uss) > 0 {
			s := blake2s.Sum256([]byte(*uss))
			h.secret = &s
		}
	case len(*listen) > 0:
		l, err := net.Listen("unix", *listen)
		if err != nil {
			return nil, err
		}

		h.listener = l
	}

	return h, nil
}

func main() {
	flag.Parse()
	defer klog.Flush()

	klog.Infof("%s/%s (%s) • TKey firmware emulator • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)

	mode, err := parseMode(*bootMode)
	if err != nil {
		klog.Exit(err)
	}

	secret, err := deviceSecret()
	if err != nil {
		klog.Exitf("invalid UDS, %v", err)
	}

	fl, err := emu.OpenFlash(*flashImage, flash.Capacity)
	if err != nil {
		klog.Exitf("could not open flash image, %v", err)
	}

	h, err := newHost()
	if err != nil {
		klog.Exitf("could not open command channel, %v", err)
	}
	defer h.Close()

	cfg := firmware.DefaultConfig()
	cfg.UDI.Serial = uint32(*serial)

	if len(Version) > 0 {
		cfg.Version = strings.TrimPrefix(Version, "v")
	}

	ri := &emu.ResetInfo{}
	ri.Store(&hw.ResetInfo{Mode: mode})

	reset := make(chan struct{}, 1)
	sys := &emu.System{
		OnReset: func() {
			select {
			case reset <- struct{}{}:
			default:
			}
		},
	}

	for {
		ch, err := h.open(ri.Load().Mode)
		if err != nil {
			klog.Exitf("could not open command channel, %v", err)
		}

		trng, err := emu.NewRandomTRNG()
		if err != nil {
			klog.Exit(err)
		}

		f, err := firmware.New(cfg, firmware.Devices{
			Flash:     fl,
			UDS:       emu.NewUDS(secret),
			TRNG:      trng,
			Timer:     &emu.Timer{},
			CDI:       &emu.CDI{},
			ResetInfo: ri,
			RAM:       emu.NewRAM(int(cfg.MaxAppSize)),
			System:    sys,
			Handoff:   &emu.Handoff{},
			Channel:   ch,
		})
		if err != nil {
			klog.Exitf("invalid configuration, %v", err)
		}

		res, err := f.Boot()

		if serr := fl.Sync(); serr != nil {
			klog.Errorf("could not save flash image, %v", serr)
		}

		if err != nil {
			klog.Exitf("boot failed, %v", err)
		}

		klog.Infof("running %v application (%d bytes)", res.Source, res.Size)

		if len(*rpcAddr) == 0 {
			return
		}

		l, err := net.Listen("tcp", *rpcAddr)
		if err != nil {
			klog.Exitf("could not serve system calls, %v", err)
		}

		if err = serve(l, f.RPC(), reset); err != nil {
			klog.Errorf("could not close system call listener, %v", err)
		}

		if err := fl.Sync(); err != nil {
			klog.Errorf("could not save flash image, %v", err)
		}

		klog.Infof("reset requested")
	}
}
