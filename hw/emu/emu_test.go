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

package emu_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/hw/emu"
)

func words(t hw.TRNG, n int) []uint32 {
	w := make([]uint32, n)
	for i := range w {
		w[i] = t.Entropy()
	}
	return w
}

func TestTRNGSeeding(t *testing.T) {
	if d := cmp.Diff(words(emu.NewTRNG(3), 8), words(emu.NewTRNG(3), 8)); d != "" {
		t.Fatalf("seeded TRNGs differ:\n%s", d)
	}

	a, err := emu.NewRandomTRNG()
	if err != nil {
		t.Fatal(err)
	}

	b, err := emu.NewRandomTRNG()
	if err != nil {
		t.Fatal(err)
	}

	if cmp.Equal(words(a, 8), words(b, 8)) {
		t.Fatal("randomly seeded TRNGs produce the same entropy")
	}
}

func TestRandomTRNGNonces(t *testing.T) {
	cdi := [32]byte{1}
	seen := map[[16]byte]bool{}

	for i := 0; i < 2; i++ {
		trng, err := emu.NewRandomTRNG()
		if err != nil {
			t.Fatal(err)
		}

		tok := auth.NewToken(trng, &cdi)

		if seen[tok.Nonce] {
			t.Fatalf("nonce %x repeated across devices", tok.Nonce)
		}

		seen[tok.Nonce] = true
	}
}
