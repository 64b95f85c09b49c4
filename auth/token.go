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

// Package auth implements the authentication of running applications towards
// firmware managed resources.
//
// Storage areas are bound to the CDI of the application that allocated them
// through a Token, while preloaded application management is restricted to
// a single allow-listed application measurement.
package auth

import (
	"crypto/hmac"
	"errors"

	"golang.org/x/crypto/blake2s"

	"github.com/transparency-dev/armored-token-boot/hw"
)

// ErrUnauthorized is returned when the caller fails authentication.
var ErrUnauthorized = errors.New("unauthorized")

// Token binds a resource to whoever can reproduce the CDI it was created
// with.
type Token struct {
	Nonce  [16]byte
	Digest [16]byte
}

func digest(cdi *[32]byte, nonce *[16]byte) (d [16]byte) {
	buf := make([]byte, 0, 48)
	buf = append(buf, cdi[:]...)
	buf = append(buf, nonce[:]...)

	sum := blake2s.Sum256(buf)
	copy(d[:], sum[:16])

	clear(buf)
	clear(sum[:])

	return
}

// NewToken creates a token bound to cdi with a fresh nonce.
func NewToken(rng hw.TRNG, cdi *[32]byte) *Token {
	t := &Token{}

	hw.Read(rng, t.Nonce[:])
	t.Digest = digest(cdi, &t.Nonce)

	return t
}

// Verify returns whether the token was created under cdi.
func (t *Token) Verify(cdi *[32]byte) bool {
	d := digest(cdi, &t.Nonce)
	return hmac.Equal(d[:], t.Digest[:])
}
