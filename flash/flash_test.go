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

package flash_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/flash/testonly"
)

func TestWriteRead(t *testing.T) {
	dev := testonly.NewMemFlash(flash.Capacity)
	dev.BusyCycles = 3
	s := flash.NewStore(dev)

	data := bytes.Repeat([]byte{0x5a, 0xa5, 0x00}, 300)

	if err := s.Write(flash.StorageAddr(1), data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got, want := dev.Count("program"), 4; got != want {
		t.Errorf("got %d page programs, want %d", got, want)
	}

	got := make([]byte, len(data))
	if err := s.Read(flash.StorageAddr(1), got); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if d := cmp.Diff(data, got); d != "" {
		t.Fatalf("read back mismatch (-want +got):\n%s", d)
	}

	if dev.Busy() {
		t.Error("device still busy after Write returned")
	}
}

func TestProgramOnlyClearsBits(t *testing.T) {
	dev := testonly.NewMemFlash(flash.Capacity)
	s := flash.NewStore(dev)

	if err := s.Write(0, []byte{0xf0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(0, []byte{0x0f}); err != nil {
		t.Fatal(err)
	}

	b := make([]byte, 1)
	if err := s.Read(0, b); err != nil {
		t.Fatal(err)
	}
	if b[0] != 0x00 {
		t.Fatalf("got %#x, want 0x00", b[0])
	}

	if err := s.EraseSector(0); err != nil {
		t.Fatal(err)
	}
	if err := s.Read(0, b); err != nil {
		t.Fatal(err)
	}
	if b[0] != 0xff {
		t.Fatalf("got %#x after erase, want 0xff", b[0])
	}
}

func TestErase(t *testing.T) {
	for _, test := range []struct {
		name    string
		addr    uint32
		size    uint32
		wantOps []testonly.Op
		wantErr error
	}{
		{
			name: "two 64k blocks",
			addr: flash.StorageAddr(0),
			size: flash.StorageSize,
			wantOps: []testonly.Op{
				{Name: "block64_erase", Addr: 0x70000, Len: flash.Block64Size},
				{Name: "block64_erase", Addr: 0x80000, Len: flash.Block64Size},
			},
		}, {
			name: "mixed",
			addr: 0x77000,
			size: 0x1000 + 0x8000 + 0x10000,
			wantOps: []testonly.Op{
				{Name: "sector_erase", Addr: 0x77000, Len: flash.SectorSize},
				{Name: "block32_erase", Addr: 0x78000, Len: flash.Block32Size},
				{Name: "block64_erase", Addr: 0x80000, Len: flash.Block64Size},
			},
		}, {
			name:    "misaligned",
			addr:    0x70100,
			size:    flash.SectorSize,
			wantErr: flash.ErrAlignment,
		}, {
			name:    "past end",
			addr:    0xff000,
			size:    2 * flash.SectorSize,
			wantErr: flash.ErrBounds,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dev := testonly.NewMemFlash(flash.Capacity)
			s := flash.NewStore(dev)

			err := s.Erase(test.addr, test.size)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("got error %v, want %v", err, test.wantErr)
			}

			if d := cmp.Diff(test.wantOps, dev.Ops); d != "" {
				t.Fatalf("ops mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestRejectsBeforeDeviceAccess(t *testing.T) {
	dev := testonly.NewMemFlash(flash.Capacity)
	s := flash.NewStore(dev)

	for _, f := range []func() error{
		func() error { return s.Read(flash.Capacity-1, make([]byte, 2)) },
		func() error { return s.Write(0x101, []byte{1}) },
		func() error { return s.Write(flash.Capacity-flash.PageSize, make([]byte, 2*flash.PageSize)) },
		func() error { return s.EraseBlock64(flash.SectorSize) },
		func() error { return s.EraseBlock32(flash.Capacity) },
	} {
		if err := f(); err == nil {
			t.Error("expected error")
		}
	}

	if n := dev.Count(""); n != 0 {
		t.Fatalf("device saw %d instructions, want 0", n)
	}
}

func TestIOError(t *testing.T) {
	dev := testonly.NewMemFlash(flash.Capacity)
	bad := errors.New("spi timeout")
	dev.Fail = func(op string, addr uint32) error {
		if op == "program" && addr == 0x100 {
			return bad
		}
		return nil
	}
	s := flash.NewStore(dev)

	err := s.Write(0, make([]byte, 3*flash.PageSize))

	var ioErr *flash.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("got %v, want *IOError", err)
	}
	if ioErr.Addr != 0x100 || !errors.Is(err, bad) {
		t.Fatalf("unexpected error %+v", ioErr)
	}
}

func TestCheckRange(t *testing.T) {
	for _, test := range []struct {
		limit, addr, n uint32
		wantErr        bool
	}{
		{limit: 10, addr: 0, n: 10},
		{limit: 10, addr: 10, n: 0},
		{limit: 10, addr: 5, n: 6, wantErr: true},
		{limit: 10, addr: 11, n: 1, wantErr: true},
		{limit: 10, addr: 0xffffffff, n: 2, wantErr: true},
	} {
		err := flash.CheckRange(test.limit, test.addr, test.n)
		if gotErr := err != nil; gotErr != test.wantErr {
			t.Errorf("CheckRange(%d, %d, %d) = %v, want err %v", test.limit, test.addr, test.n, err, test.wantErr)
		}
		if err != nil && !errors.Is(err, flash.ErrBounds) {
			t.Errorf("CheckRange: %v does not wrap ErrBounds", err)
		}
	}
}
