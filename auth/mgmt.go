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
	"crypto/hmac"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"

	"k8s.io/klog/v2"
)

// mgmtAppDigest is the BLAKE2s-256 digest of the only application allowed
// to manage preloaded applications.
//
//go:embed mgmt_app.digest
var mgmtAppDigest string

// ParseDigest decodes a hex encoded 32 byte digest.
func ParseDigest(s string) (d [32]byte, err error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return
	}

	if len(b) != len(d) {
		return d, fmt.Errorf("invalid digest length %d", len(b))
	}

	copy(d[:], b)

	return
}

// MgmtAppDigest returns the compiled in management application digest.
func MgmtAppDigest() [32]byte {
	d, err := ParseDigest(mgmtAppDigest)
	if err != nil {
		panic(fmt.Sprintf("invalid embedded management digest, %v", err))
	}
	return d
}

// Authority gates preloaded application management to the application
// registered at boot, as long as its measurement is the allowed one.
type Authority struct {
	allowed    [32]byte
	registered *[32]byte
}

// NewAuthority returns an Authority accepting the given measurement.
func NewAuthority(allowed [32]byte) *Authority {
	return &Authority{allowed: allowed}
}

// Allowed returns the allow-listed measurement.
func (a *Authority) Allowed() [32]byte {
	return a.allowed
}

// Register records the measurement of the application being started as
// the management application candidate.
func (a *Authority) Register(measurement [32]byte) {
	klog.Infof("mgmt: registered %x", measurement)
	a.registered = &measurement
}

// Check returns whether the registered application is the allowed one.
func (a *Authority) Check() bool {
	if a.registered == nil {
		return false
	}
	return hmac.Equal(a.registered[:], a.allowed[:])
}

// Authenticate returns ErrUnauthorized unless Check succeeds.
func (a *Authority) Authenticate() error {
	if !a.Check() {
		return fmt.Errorf("management application: %w", ErrUnauthorized)
	}
	return nil
}
