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

// Package rpc defines the arguments exchanged over the syscall boundary
// between a running application and the firmware.
package rpc

// Syscall numbers.
const (
	Reset             = 1
	AllocArea         = 2
	DeallocArea       = 3
	WriteData         = 4
	ReadData          = 5
	EraseData         = 6
	GetVidPid         = 7
	PreloadStore      = 8
	PreloadStoreFin   = 9
	PreloadDelete     = 10
	PreloadGetDigsig  = 11
	RegMgmt           = 12
	Status            = 13
	GetCarriedAppData = 14
)

// ResetRequest represents an application request to reset the device into
// a given boot mode.
type ResetRequest struct {
	// Mode is the boot mode to be used after the reset.
	Mode uint32
	// Digest is the application digest to verify the next boot against.
	Digest [32]byte
	// ChainSeed, when set, requests the next application CDI to be derived
	// from a measured chain identifier computed from it.
	ChainSeed *[32]byte
	// Carry is data to be made available to the next application.
	Carry []byte
}

// Write represents a request to write into the caller storage area.
type Write struct {
	Offset uint32
	Data   []byte
}

// Read represents a request to read from the caller storage area.
type Read struct {
	Offset uint32
	Size   uint32
}

// Erase represents a request to erase a range of the caller storage area.
type Erase struct {
	Offset uint32
	Size   uint32
}

// PreloadChunk represents a chunk of an application image being installed
// in the preloaded application slot.
type PreloadChunk struct {
	Offset uint32
	Data   []byte
}

// PreloadFinalize represents the metadata recorded once all chunks of a
// preloaded application have been stored.
type PreloadFinalize struct {
	Size      uint32
	Digest    [32]byte
	Signature [64]byte
}

// DigestSignature represents the metadata of a preloaded application.
type DigestSignature struct {
	Digest    [32]byte
	Signature [64]byte
	Pubkey    [32]byte
}
