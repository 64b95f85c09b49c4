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

package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/blake2s"

	"github.com/transparency-dev/armored-token-boot/hw/emu"
)

func TestToken(t *testing.T) {
	rng := emu.NewTRNG(7)

	cdiA := blake2s.Sum256([]byte("A"))
	cdiB := blake2s.Sum256([]byte("B"))

	tok := NewToken(rng, &cdiA)

	if !tok.Verify(&cdiA) {
		t.Fatal("token does not verify under its own CDI")
	}

	if tok.Verify(&cdiB) {
		t.Fatal("token verifies under a different CDI")
	}

	other := NewToken(rng, &cdiA)
	if other.Nonce == tok.Nonce {
		t.Fatal("nonce reused")
	}

	sum := blake2s.Sum256(append(cdiA[:], tok.Nonce[:]...))
	if string(sum[:16]) != string(tok.Digest[:]) {
		t.Fatalf("digest %x is not the truncated BLAKE2s %x", tok.Digest, sum[:16])
	}
}

func TestAuthority(t *testing.T) {
	allowed := blake2s.Sum256([]byte("mgmt app"))

	for _, test := range []struct {
		name     string
		register *[32]byte
		want     bool
	}{
		{
			name: "nothing registered",
		}, {
			name:     "allowed",
			register: &allowed,
			want:     true,
		}, {
			name:     "other app",
			register: &[32]byte{1},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			a := NewAuthority(allowed)

			if test.register != nil {
				a.Register(*test.register)
			}

			if got := a.Check(); got != test.want {
				t.Fatalf("Check() = %v, want %v", got, test.want)
			}

			if err := a.Authenticate(); (err == nil) != test.want || (err != nil && !errors.Is(err, ErrUnauthorized)) {
				t.Fatalf("Authenticate() = %v", err)
			}
		})
	}
}

func TestMgmtAppDigest(t *testing.T) {
	want, err := ParseDigest("28f2020309ed8d38bde6d402a1ce416c75302cddfc1b2644cb6fd33f00f7194e")
	if err != nil {
		t.Fatal(err)
	}

	if got := MgmtAppDigest(); got != want {
		t.Fatalf("embedded digest %x, want %x", got, want)
	}

	if _, err := ParseDigest("abcd"); err == nil {
		t.Fatal("short digest accepted")
	}
}
