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

package api

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"k8s.io/klog/v2"
)

// ReadFrame reads a command frame, the payload is read in full even when
// the frame is not addressed to the firmware.
func ReadFrame(r io.Reader) (*Frame, error) {
	b := make([]byte, 1)

	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}

	hdr, err := ParseHeader(b[0])
	if err != nil {
		return nil, err
	}

	f := &Frame{
		Header: hdr,
		Data:   make([]byte, hdr.Len.Bytes()),
	}

	if _, err := io.ReadFull(r, f.Data); err != nil {
		return nil, fmt.Errorf("frame payload: %w", err)
	}

	return f, nil
}

// NewCommand returns an encoded command frame addressed to the firmware.
func NewCommand(id uint8, data []byte) ([]byte, error) {
	l, err := LengthFor(len(data))
	if err != nil {
		return nil, err
	}

	hdr := Header{
		ID:       id,
		Endpoint: EndpointFW,
		Len:      l,
	}

	return append([]byte{hdr.Byte()}, data...), nil
}

// Client implements the host side of the firmware protocol.
type Client struct {
	rw io.ReadWriter
	id uint8

	// Progress, when set, is invoked with the number of application bytes
	// transferred by each LOAD_APP_DATA command.
	Progress func(n int)
}

// NewClient returns a client speaking over the given channel.
func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw, id: 2}
}

func (c *Client) command(data []byte) error {
	tx, err := NewCommand(c.id, data)
	if err != nil {
		return err
	}

	klog.V(2).Infof("tx % x", tx)

	_, err = c.rw.Write(tx)
	return err
}

func (c *Client) reply(expected byte) ([]byte, error) {
	b := make([]byte, 1)

	if _, err := io.ReadFull(c.rw, b); err != nil {
		return nil, err
	}

	hdr := DecodeHeader(b[0])
	data := make([]byte, hdr.Len.Bytes())

	if _, err := io.ReadFull(c.rw, data); err != nil {
		return nil, err
	}

	klog.V(2).Infof("rx %02x % x", b[0], data)

	switch {
	case hdr.Endpoint != EndpointFW:
		return nil, fmt.Errorf("reply from endpoint %d", hdr.Endpoint)
	case hdr.ID != c.id:
		return nil, fmt.Errorf("reply id %d, expected %d", hdr.ID, c.id)
	case data[0] != expected:
		return nil, fmt.Errorf("reply code %#02x, expected %#02x", data[0], expected)
	}

	return data[1:], nil
}

func (c *Client) status(rsp []byte, op string) error {
	if Status(rsp[0]) != StatusOK {
		return fmt.Errorf("%s: device returned bad status", op)
	}
	return nil
}

// GetNameVersion returns the device name and version.
func (c *Client) GetNameVersion() (*NameVersion, error) {
	if err := c.command([]byte{CmdNameVersion}); err != nil {
		return nil, err
	}

	rsp, err := c.reply(RspNameVersion)
	if err != nil {
		return nil, err
	}

	nv := &NameVersion{}

	return nv, nv.Unpack(rsp)
}

// GetUDI returns the Unique Device Identifier.
func (c *Client) GetUDI() (*UDI, error) {
	if err := c.command([]byte{CmdGetUDI}); err != nil {
		return nil, err
	}

	rsp, err := c.reply(RspGetUDI)
	if err != nil {
		return nil, err
	}

	if err = c.status(rsp, "GetUDI"); err != nil {
		return nil, err
	}

	udi := &UDI{}

	return udi, udi.Unpack(rsp[1:])
}

// LoadApp transfers an application binary, with an optional User Supplied
// Secret, and returns the measurement computed by the device after checking
// it against the local one.
func (c *Client) LoadApp(bin []byte, uss *[32]byte) (digest [32]byte, err error) {
	if len(bin) == 0 {
		return digest, errors.New("empty application")
	}

	req := &LoadApp{Size: uint32(len(bin)), USS: uss}

	if err = c.command(req.Bytes()); err != nil {
		return
	}

	rsp, err := c.reply(RspLoadApp)
	if err != nil {
		return
	}

	if err = c.status(rsp, "LoadApp"); err != nil {
		return
	}

	for off := 0; off < len(bin); off += PayloadSize {
		end := off + PayloadSize
		last := end >= len(bin)

		if last {
			end = len(bin)
		}

		cmd := make([]byte, Len128.Bytes())
		cmd[0] = CmdLoadAppData
		copy(cmd[1:], bin[off:end])

		if err = c.command(cmd); err != nil {
			return
		}

		expected := byte(RspLoadAppData)

		if last {
			expected = RspLoadAppDataReady
		}

		if rsp, err = c.reply(expected); err != nil {
			return
		}

		if err = c.status(rsp, "LoadAppData"); err != nil {
			return
		}

		if c.Progress != nil {
			c.Progress(end - off)
		}

		if last {
			copy(digest[:], rsp[1:33])
		}
	}

	if local := blake2s.Sum256(bin); local != digest {
		return digest, fmt.Errorf("digest mismatch, device %x != local %x", digest, local)
	}

	return
}
