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

// Package api implements the firmware command frame protocol spoken between
// a host and the token while no application is running.
package api

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/bits"
)

// Frame header bit fields.
const (
	hdrLen      = 0
	hdrStatus   = 2
	hdrEndpoint = 3
	hdrID       = 5
	hdrVersion  = 7
)

// Endpoint is the destination of a frame.
type Endpoint uint8

// Frame endpoints.
const (
	EndpointHWIFPGA Endpoint = iota
	EndpointHWAFPGA
	EndpointFW
	EndpointSW
)

// Length is the frame length class.
type Length uint8

// Frame length classes.
const (
	Len1 Length = iota
	Len4
	Len32
	Len128
)

// Bytes returns the number of payload bytes carried by the length class.
func (l Length) Bytes() int {
	switch l {
	case Len1:
		return 1
	case Len4:
		return 4
	case Len32:
		return 32
	default:
		return 128
	}
}

// LengthFor returns the length class for n payload bytes.
func LengthFor(n int) (Length, error) {
	switch n {
	case 1:
		return Len1, nil
	case 4:
		return Len4, nil
	case 32:
		return Len32, nil
	case 128:
		return Len128, nil
	}
	return 0, fmt.Errorf("invalid frame length %d", n)
}

// Status is the frame header status bit, it is only ever set by replies.
type Status uint8

// Response status values.
const (
	StatusOK  Status = 0
	StatusBad Status = 1
)

// Firmware command and response codes.
const (
	CmdNameVersion      = 0x01
	RspNameVersion      = 0x02
	CmdLoadApp          = 0x03
	RspLoadApp          = 0x04
	CmdLoadAppData      = 0x05
	RspLoadAppData      = 0x06
	RspLoadAppDataReady = 0x07
	CmdGetUDI           = 0x08
	RspGetUDI           = 0x09
)

// PayloadSize is the number of application bytes carried by a single
// LOAD_APP_DATA command.
const PayloadSize = 127

var (
	// ErrFrame is returned when a frame header cannot be parsed.
	ErrFrame = errors.New("invalid frame header")
	// ErrBadLength is returned when a command frame length does not match
	// the fixed length of the command.
	ErrBadLength = errors.New("bad command length")
)

// Header represents a frame header.
type Header struct {
	ID       uint8
	Endpoint Endpoint
	Status   Status
	Len      Length
}

// Byte encodes the frame header.
func (h Header) Byte() byte {
	var b uint32

	bits.SetN(&b, hdrID, 0b11, uint32(h.ID))
	bits.SetN(&b, hdrEndpoint, 0b11, uint32(h.Endpoint))
	bits.SetN(&b, hdrStatus, 0b1, uint32(h.Status))
	bits.SetN(&b, hdrLen, 0b11, uint32(h.Len))

	return byte(b)
}

// DecodeHeader decodes a frame header without validating it.
func DecodeHeader(in byte) (h Header) {
	b := uint32(in)

	h.ID = uint8(bits.Get(&b, hdrID, 0b11))
	h.Endpoint = Endpoint(bits.Get(&b, hdrEndpoint, 0b11))
	h.Status = Status(bits.Get(&b, hdrStatus, 0b1))
	h.Len = Length(bits.Get(&b, hdrLen, 0b11))

	return
}

// ParseHeader decodes a received command frame header, the version and
// status bits must be clear.
func ParseHeader(in byte) (h Header, err error) {
	b := uint32(in)

	if bits.Get(&b, hdrVersion, 1) == 1 {
		return h, fmt.Errorf("%w: version bit set (%#02x)", ErrFrame, in)
	}

	if bits.Get(&b, hdrStatus, 1) == 1 {
		return h, fmt.Errorf("%w: status bit set (%#02x)", ErrFrame, in)
	}

	return DecodeHeader(in), nil
}

// Frame represents a received command, Data holds Header.Len.Bytes() bytes
// with the command code in its first byte.
type Frame struct {
	Header Header
	Data   []byte
}

// Cmd returns the command code.
func (f *Frame) Cmd() byte {
	if len(f.Data) == 0 {
		return 0
	}
	return f.Data[0]
}

// CommandLength returns the fixed frame length for a firmware command.
func CommandLength(cmd byte) (Length, bool) {
	switch cmd {
	case CmdNameVersion, CmdGetUDI:
		return Len1, true
	case CmdLoadApp, CmdLoadAppData:
		return Len128, true
	}
	return 0, false
}

// ReplyLength returns the length class used for a firmware response code.
func ReplyLength(rsp byte) (Length, bool) {
	switch rsp {
	case RspNameVersion, RspGetUDI:
		return Len32, true
	case RspLoadApp, RspLoadAppData:
		return Len4, true
	case RspLoadAppDataReady:
		return Len128, true
	}
	return 0, false
}

// Reply represents a firmware response, Data excludes the response code.
type Reply struct {
	Code byte
	Data []byte
}

// Marshal encodes the reply as a frame answering the given command header.
func (r *Reply) Marshal(cmd Header) ([]byte, error) {
	l, ok := ReplyLength(r.Code)
	if !ok {
		return nil, fmt.Errorf("unknown response code %#02x", r.Code)
	}

	n := l.Bytes()

	if len(r.Data) > n-1 {
		return nil, fmt.Errorf("response %#02x data too large (%d > %d)", r.Code, len(r.Data), n-1)
	}

	hdr := Header{
		ID:       cmd.ID,
		Endpoint: cmd.Endpoint,
		Len:      l,
	}

	buf := make([]byte, 2+n-1)
	buf[0] = hdr.Byte()
	buf[1] = r.Code
	copy(buf[2:], r.Data)

	return buf, nil
}

// StatusReply returns a reply carrying a single status byte.
func StatusReply(code byte, status Status) *Reply {
	return &Reply{Code: code, Data: []byte{byte(status)}}
}

// NameVersion represents the device name and version.
type NameVersion struct {
	Name0   [4]byte
	Name1   [4]byte
	Version uint32
}

// Bytes encodes the NAME_VERSION response data.
func (n *NameVersion) Bytes() []byte {
	buf := make([]byte, 12)
	copy(buf[0:4], n.Name0[:])
	copy(buf[4:8], n.Name1[:])
	binary.LittleEndian.PutUint32(buf[8:12], n.Version)
	return buf
}

// Unpack decodes the NAME_VERSION response data.
func (n *NameVersion) Unpack(raw []byte) error {
	if len(raw) < 12 {
		return fmt.Errorf("short name/version (%d bytes)", len(raw))
	}

	copy(n.Name0[:], raw[0:4])
	copy(n.Name1[:], raw[4:8])
	n.Version = binary.LittleEndian.Uint32(raw[8:12])

	return nil
}

func (n *NameVersion) String() string {
	return fmt.Sprintf("%s-%s %#x", n.Name0[:], n.Name1[:], n.Version)
}

// UDI represents the Unique Device Identifier.
type UDI struct {
	Unnamed   uint8 // 4 bits
	VendorID  uint16
	ProductID uint8
	Revision  uint8 // 4 bits
	Serial    uint32
}

// VPR returns the vendor/product/revision word.
func (u *UDI) VPR() uint32 {
	var w uint32

	bits.SetN(&w, 28, 0xf, uint32(u.Unnamed))
	bits.SetN(&w, 12, 0xffff, uint32(u.VendorID))
	bits.SetN(&w, 4, 0xff, uint32(u.ProductID))
	bits.SetN(&w, 0, 0xf, uint32(u.Revision))

	return w
}

// Bytes returns the UDI as sent on the wire (2 little-endian words).
func (u *UDI) Bytes() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], u.VPR())
	binary.LittleEndian.PutUint32(buf[4:8], u.Serial)
	return buf
}

// Unpack decodes the UDI from its wire format.
func (u *UDI) Unpack(raw []byte) error {
	if len(raw) < 8 {
		return fmt.Errorf("short UDI (%d bytes)", len(raw))
	}

	vpr := binary.LittleEndian.Uint32(raw[0:4])

	u.Unnamed = uint8(bits.Get(&vpr, 28, 0xf))
	u.VendorID = uint16(bits.Get(&vpr, 12, 0xffff))
	u.ProductID = uint8(bits.Get(&vpr, 4, 0xff))
	u.Revision = uint8(bits.Get(&vpr, 0, 0xf))
	u.Serial = binary.LittleEndian.Uint32(raw[4:8])

	return nil
}

func (u *UDI) String() string {
	return fmt.Sprintf("%01x%04x:%02x:%01x:%08x", u.Unnamed, u.VendorID, u.ProductID, u.Revision, u.Serial)
}

// LoadApp represents the LOAD_APP command arguments.
type LoadApp struct {
	Size uint32
	USS  *[32]byte
}

// Bytes encodes the LOAD_APP command data (including the command code).
func (l *LoadApp) Bytes() []byte {
	buf := make([]byte, Len128.Bytes())
	buf[0] = CmdLoadApp
	binary.LittleEndian.PutUint32(buf[1:5], l.Size)

	if l.USS != nil {
		buf[5] = 1
		copy(buf[6:38], l.USS[:])
	}

	return buf
}

// Unpack decodes the LOAD_APP command data (including the command code).
func (l *LoadApp) Unpack(cmd []byte) error {
	if len(cmd) != Len128.Bytes() {
		return ErrBadLength
	}

	l.Size = binary.LittleEndian.Uint32(cmd[1:5])
	l.USS = nil

	if cmd[5] != 0 {
		uss := [32]byte{}
		copy(uss[:], cmd[6:38])
		l.USS = &uss
	}

	return nil
}
