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

package firmware

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/rpc/jsonrpc"
	"strings"
	"testing"

	"github.com/coreos/go-semver/semver"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/blake2s"

	sysrpc "github.com/transparency-dev/armored-token-boot/api/rpc"
	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/cdi"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/flash/testonly"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/hw/emu"
	"github.com/transparency-dev/armored-token-boot/partition"
	"github.com/transparency-dev/armored-token-boot/preload"
	"github.com/transparency-dev/armored-token-boot/storage"
)

var (
	uds     = blake2s.Sum256([]byte("unique device secret"))
	mgmtApp = bytes.Repeat([]byte("management "), 200)
	userApp = bytes.Repeat([]byte("user "), 333)
)

func testConfig() *Config {
	c := DefaultConfig()
	c.UDI.Serial = 0xcafe
	c.MgmtDigest = blake2s.Sum256(mgmtApp)
	return c
}

// device holds the peripherals preserved across resets.
type device struct {
	flash *testonly.MemFlash
	ri    *emu.ResetInfo
	sys   *emu.System
}

func newDevice(t *testing.T) *device {
	t.Helper()

	d := &device{
		flash: testonly.NewMemFlash(flash.Capacity),
		ri:    &emu.ResetInfo{},
		sys:   &emu.System{},
	}

	fs := flash.NewStore(d.flash)
	table := partition.NewStore(fs, nil)
	tbl := &partition.Table{Version: partition.Version}

	for slot, app := range [][]byte{mgmtApp, userApp} {
		if err := fs.Write(flash.PreloadAddr(slot), app); err != nil {
			t.Fatal(err)
		}

		tbl.Preload[slot] = partition.PreloadEntry{
			Size:   uint32(len(app)),
			Digest: blake2s.Sum256(app),
		}
	}

	if err := table.Write(tbl); err != nil {
		t.Fatal(err)
	}

	return d
}

// boot powers the device on and boots it in the given mode, unless the
// reset information already holds one.
func (d *device) boot(t *testing.T, mode hw.BootMode) (*Firmware, *emu.CDI) {
	t.Helper()

	if mode != hw.BootDefault {
		d.ri.Store(&hw.ResetInfo{Mode: mode})
	}

	c := &emu.CDI{}

	f, err := New(testConfig(), Devices{
		Flash:     d.flash,
		UDS:       emu.NewUDS(uds),
		TRNG:      emu.NewTRNG(7),
		Timer:     &emu.Timer{},
		CDI:       c,
		ResetInfo: d.ri,
		RAM:       emu.NewRAM(DefaultMaxAppSize),
		System:    d.sys,
		Handoff:   &emu.Handoff{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := f.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	return f, c
}

func TestPreloadSyscalls(t *testing.T) {
	d := newDevice(t)
	f, _ := d.boot(t, hw.BootDefault)
	r := f.RPC()

	if errno := r.Syscall(sysrpc.RegMgmt, nil, nil); errno != EOK {
		t.Fatalf("RegMgmt: %d", errno)
	}

	if errno := r.Syscall(sysrpc.PreloadStore, sysrpc.PreloadChunk{Data: []byte{1}}, nil); errno != EInUse {
		t.Fatalf("PreloadStore over installed app: %d, want %d", errno, EInUse)
	}

	if errno := r.Syscall(sysrpc.PreloadDelete, nil, nil); errno != EOK {
		t.Fatalf("PreloadDelete: %d", errno)
	}

	if errno := r.Syscall(sysrpc.PreloadGetDigsig, nil, &sysrpc.DigestSignature{}); errno != ENotFound {
		t.Fatalf("PreloadGetDigestSignature on empty slot: %d, want %d", errno, ENotFound)
	}

	app := bytes.Repeat([]byte("new app "), 1000)

	for off := 0; off < len(app); off += preload.MaxChunkSize {
		chunk := sysrpc.PreloadChunk{
			Offset: uint32(off),
			Data:   app[off:min(off+preload.MaxChunkSize, len(app))],
		}

		if errno := r.Syscall(sysrpc.PreloadStore, chunk, nil); errno != EOK {
			t.Fatalf("PreloadStore(%d): %d", off, errno)
		}
	}

	fin := sysrpc.PreloadFinalize{
		Size:      uint32(len(app)),
		Digest:    blake2s.Sum256(app),
		Signature: [64]byte{1, 2, 3},
	}

	if errno := r.Syscall(sysrpc.PreloadStoreFin, fin, nil); errno != EOK {
		t.Fatalf("PreloadStoreFinalize: %d", errno)
	}

	ds := &sysrpc.DigestSignature{}

	if errno := r.Syscall(sysrpc.PreloadGetDigsig, nil, ds); errno != EOK {
		t.Fatalf("PreloadGetDigestSignature: %d", errno)
	}

	if d := cmp.Diff(&sysrpc.DigestSignature{Digest: fin.Digest, Signature: fin.Signature}, ds); d != "" {
		t.Fatalf("digest signature mismatch (-want +got):\n%s", d)
	}

	// the new application boots from slot 1
	f, _ = d.boot(t, hw.BootFlash1)

	if f.Authority.Check() {
		t.Fatal("slot 1 application holds management privileges")
	}
}

func TestStorageSyscalls(t *testing.T) {
	d := newDevice(t)
	f, _ := d.boot(t, hw.BootFlash1)
	r := f.RPC()

	for _, test := range []struct {
		name  string
		num   int
		args  any
		reply any
		want  int32
	}{
		{name: "write before alloc", num: sysrpc.WriteData, args: sysrpc.Write{Data: []byte{1}}, want: EUnauthorized},
		{name: "dealloc before alloc", num: sysrpc.DeallocArea, want: EUnauthorized},
		{name: "alloc", num: sysrpc.AllocArea, want: EOK},
		{name: "alloc again", num: sysrpc.AllocArea, want: EOK},
		{name: "write", num: sysrpc.WriteData, args: sysrpc.Write{Offset: 256, Data: []byte("hello")}, want: EOK},
		{name: "write misaligned", num: sysrpc.WriteData, args: sysrpc.Write{Offset: 1, Data: []byte{1}}, want: EInvalid},
		{name: "write past end", num: sysrpc.WriteData, args: sysrpc.Write{Offset: storage.AreaSize - 256, Data: make([]byte, 257)}, want: EInvalid},
		{name: "read past end", num: sysrpc.ReadData, args: sysrpc.Read{Offset: storage.AreaSize, Size: 1}, reply: new([]byte), want: EInvalid},
		{name: "erase misaligned", num: sysrpc.EraseData, args: sysrpc.Erase{Offset: 256, Size: flash.SectorSize}, want: EInvalid},
		{name: "preload store", num: sysrpc.PreloadStore, args: sysrpc.PreloadChunk{Data: []byte{1}}, want: EUnauthorized},
		{name: "preload delete", num: sysrpc.PreloadDelete, want: EUnauthorized},
		{name: "preload digest", num: sysrpc.PreloadGetDigsig, reply: &sysrpc.DigestSignature{}, want: EUnauthorized},
		{name: "management", num: sysrpc.RegMgmt, want: EUnauthorized},
		{name: "wrong argument type", num: sysrpc.WriteData, args: "hello", want: EInvalid},
		{name: "unknown", num: 99, want: EInvalid},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := r.Syscall(test.num, test.args, test.reply); got != test.want {
				t.Fatalf("Syscall(%d) = %d, want %d", test.num, got, test.want)
			}
		})
	}

	var buf []byte

	if errno := r.Syscall(sysrpc.ReadData, sysrpc.Read{Offset: 256, Size: 5}, &buf); errno != EOK {
		t.Fatalf("ReadData: %d", errno)
	}

	if string(buf) != "hello" {
		t.Fatalf("ReadData = %q", buf)
	}

	if errno := r.Syscall(sysrpc.EraseData, sysrpc.Erase{Size: flash.SectorSize}, nil); errno != EOK {
		t.Fatalf("EraseData: %d", errno)
	}

	if errno := r.Syscall(sysrpc.ReadData, sysrpc.Read{Offset: 256, Size: 5}, &buf); errno != EOK {
		t.Fatalf("ReadData: %d", errno)
	}

	if !bytes.Equal(buf, bytes.Repeat([]byte{0xff}, 5)) {
		t.Fatalf("ReadData after erase = % x", buf)
	}

	// the area survives a reboot of the same application
	f, _ = d.boot(t, hw.BootFlash1)

	if _, ok, _ := f.Storage.Owned(); !ok {
		t.Fatal("area not owned after reboot")
	}

	// but not a different one
	f, _ = d.boot(t, hw.BootDefault)

	if _, ok, _ := f.Storage.Owned(); ok {
		t.Fatal("area owned by another application")
	}
}

func TestReset(t *testing.T) {
	d := newDevice(t)
	f, cdiReg := d.boot(t, hw.BootFlash1)
	r := f.RPC()

	if errno := r.Syscall(sysrpc.Reset, sysrpc.ResetRequest{Carry: make([]byte, hw.CarrySize+1)}, nil); errno != EInvalid {
		t.Fatalf("oversized carry: %d, want %d", errno, EInvalid)
	}

	if errno := r.Syscall(sysrpc.Reset, sysrpc.ResetRequest{Mode: 7}, nil); errno != EInvalid {
		t.Fatalf("invalid mode: %d, want %d", errno, EInvalid)
	}

	if d.sys.Resets != 0 {
		t.Fatal("rejected request reset the device")
	}

	seed := [32]byte{0x5e, 0xed}
	digest := blake2s.Sum256(userApp)

	req := sysrpc.ResetRequest{
		Mode:      uint32(hw.BootFlash1Verify),
		Digest:    digest,
		ChainSeed: &seed,
		Carry:     []byte("carried"),
	}

	if errno := r.Syscall(sysrpc.Reset, req, nil); errno != EOK {
		t.Fatalf("Reset: %d", errno)
	}

	if d.sys.Resets != 1 {
		t.Fatalf("%d resets, want 1", d.sys.Resets)
	}

	var first [32]byte
	cdiReg.Read(&first)

	chain, err := cdi.ChainID(&first, &seed)
	if err != nil {
		t.Fatal(err)
	}

	ri := d.ri.Load()

	if ri.Mode != hw.BootFlash1Verify || !ri.SeedDerived() || ri.ChainID != chain || ri.ExpectedDigest != digest {
		t.Fatalf("reset info %+v", ri)
	}

	f, cdiReg = d.boot(t, hw.BootDefault)

	secret := uds
	want := cdi.Compute(&secret, cdi.Domain{Source: cdi.SourceFlash1, Chain: true}, &chain, nil)

	var got [32]byte
	cdiReg.Read(&got)

	if got != want {
		t.Fatalf("CDI after chained reset %x, want %x", got, want)
	}

	var carry []byte

	if errno := f.RPC().Syscall(sysrpc.GetCarriedAppData, nil, &carry); errno != EOK {
		t.Fatalf("GetCarriedAppData: %d", errno)
	}

	if len(carry) != hw.CarrySize || !bytes.HasPrefix(carry, []byte("carried")) {
		t.Fatalf("carried data % x", carry)
	}
}

func TestGetVidPidStatus(t *testing.T) {
	d := newDevice(t)
	f, _ := d.boot(t, hw.BootFlash1)
	r := f.RPC()

	var vpr uint32

	if errno := r.Syscall(sysrpc.GetVidPid, nil, &vpr); errno != EOK {
		t.Fatalf("GetVidPid: %d", errno)
	}

	c := testConfig()
	if vpr != c.UDI.VPR() {
		t.Fatalf("GetVidPid = %#x, want %#x", vpr, c.UDI.VPR())
	}

	var status uint32

	if errno := r.Syscall(sysrpc.Status, nil, &status); errno != EOK || status != 0 {
		t.Fatalf("GetStatus = %d, %d", status, errno)
	}

	d.flash.Storage[flash.TableAddr0+10] ^= 0xff

	if errno := r.Syscall(sysrpc.Status, nil, &status); errno != EOK || status != 1 {
		t.Fatalf("GetStatus with corrupt copy 0 = %d, %d", status, errno)
	}

	d.flash.Storage[flash.TableAddr1+10] ^= 0xff

	if errno := r.Syscall(sysrpc.Status, nil, &status); errno != EIO {
		t.Fatalf("GetStatus with corrupt table: %d, want %d", errno, EIO)
	}
}

func TestServe(t *testing.T) {
	d := newDevice(t)
	f, _ := d.boot(t, hw.BootFlash1)

	dev, host := net.Pipe()

	go func() {
		if err := f.RPC().Serve(dev); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()

	c := jsonrpc.NewClient(host)
	defer c.Close()

	var vpr uint32

	if err := c.Call("RPC.GetVidPid", nil, &vpr); err != nil {
		t.Fatalf("GetVidPid: %v", err)
	}

	if want := testConfig().UDI.VPR(); vpr != want {
		t.Fatalf("GetVidPid = %#x, want %#x", vpr, want)
	}

	if err := c.Call("RPC.AllocArea", nil, nil); err != nil {
		t.Fatalf("AllocArea: %v", err)
	}

	if err := c.Call("RPC.WriteData", sysrpc.Write{Data: []byte("remote")}, nil); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	var buf []byte

	if err := c.Call("RPC.ReadData", sysrpc.Read{Size: 6}, &buf); err != nil || string(buf) != "remote" {
		t.Fatalf("ReadData = %q, %v", buf, err)
	}

	err := c.Call("RPC.PreloadDelete", nil, nil)
	if err == nil || !strings.Contains(err.Error(), auth.ErrUnauthorized.Error()) {
		t.Fatalf("PreloadDelete: %v", err)
	}
}

func TestErrno(t *testing.T) {
	for _, test := range []struct {
		err  error
		want int32
	}{
		{err: nil, want: EOK},
		{err: errors.New("boom"), want: EGeneric},
		{err: fmt.Errorf("area: %w", auth.ErrUnauthorized), want: EUnauthorized},
		{err: storage.ErrNoFreeArea, want: ENoSpace},
		{err: preload.ErrSlotInUse, want: EInUse},
		{err: preload.ErrSlotEmpty, want: ENotFound},
		{err: partition.ErrCorrupt, want: EIO},
		{err: &flash.IOError{Op: "program", Err: errors.New("timeout")}, want: EIO},
		{err: flash.CheckRange(16, 8, 16), want: EInvalid},
		{err: flash.CheckAligned(4096, 1, 1), want: EInvalid},
		{err: ErrInvalidArgument, want: EInvalid},
	} {
		t.Run(fmt.Sprintf("%v", test.err), func(t *testing.T) {
			if got := Errno(test.err); got != test.want {
				t.Fatalf("Errno(%v) = %d, want %d", test.err, got, test.want)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	c := testConfig()
	c.Version = "1.2.3"

	id, err := c.Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}

	if got, want := id.NameVersion.Version, uint32(0x010203); got != want {
		t.Fatalf("version register %#x, want %#x", got, want)
	}

	if got := ParseVersionRegister(id.NameVersion.Version); !got.Equal(*semver.New("1.2.3")) {
		t.Fatalf("ParseVersionRegister = %v", got)
	}

	if got := string(id.NameVersion.Name0[:]) + string(id.NameVersion.Name1[:]); got != "tk1 mkdf" {
		t.Fatalf("name %q", got)
	}

	for _, bad := range []func(c *Config){
		func(c *Config) { c.Version = "v1" },
		func(c *Config) { c.Version = "1.256.0" },
		func(c *Config) { c.Name0 = "tk1" },
	} {
		c := testConfig()
		bad(c)

		if _, err := c.Identity(); err == nil {
			t.Errorf("Identity(%+v) succeeded", c)
		}
	}
}
