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
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"net/rpc/jsonrpc"

	"k8s.io/klog/v2"

	sysrpc "github.com/transparency-dev/armored-token-boot/api/rpc"
	"github.com/transparency-dev/armored-token-boot/cdi"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/storage"
)

// PreloadSlot is the slot managed through system calls, slot 0 holds the
// management application and is provisioned at manufacturing.
const PreloadSlot = 1

// ErrInvalidArgument is returned for malformed system call arguments.
var ErrInvalidArgument = errors.New("invalid argument")

// RPC represents the receiver for application system calls.
type RPC struct {
	fw *Firmware
}

// Reset stores the requested boot parameters in the reset information
// register and resets the device.
func (r *RPC) Reset(req sysrpc.ResetRequest, _ *bool) error {
	if len(req.Carry) > hw.CarrySize {
		return fmt.Errorf("%w: carry data of %d bytes", ErrInvalidArgument, len(req.Carry))
	}

	if req.Mode > uint32(hw.BootClientVerify) {
		return fmt.Errorf("%w: boot mode %d", ErrInvalidArgument, req.Mode)
	}

	ri := &hw.ResetInfo{
		Mode:           hw.BootMode(req.Mode),
		ExpectedDigest: req.Digest,
	}

	copy(ri.Carry[:], req.Carry)

	if req.ChainSeed != nil {
		var current [32]byte
		r.fw.Devices.CDI.Read(&current)

		id, err := cdi.ChainID(&current, req.ChainSeed)
		clear(current[:])

		if err != nil {
			return err
		}

		ri.ChainID = id
		ri.SetSeedDerived(true)
	}

	klog.Infof("syscall: reset to %v", ri.Mode)

	r.fw.Devices.ResetInfo.Store(ri)
	r.fw.Devices.System.Reset()

	return nil
}

// AllocArea allocates a storage area to the running application.
func (r *RPC) AllocArea(_ any, _ *bool) error {
	return r.fw.Storage.Allocate()
}

// DeallocArea releases the storage area of the running application.
func (r *RPC) DeallocArea(_ any, _ *bool) error {
	return r.fw.Storage.Deallocate()
}

// WriteData writes to the storage area of the running application.
func (r *RPC) WriteData(xfer sysrpc.Write, _ *bool) error {
	return r.fw.Storage.Write(xfer.Offset, xfer.Data)
}

// ReadData reads from the storage area of the running application.
func (r *RPC) ReadData(xfer sysrpc.Read, buf *[]byte) error {
	if err := flash.CheckRange(storage.AreaSize, xfer.Offset, xfer.Size); err != nil {
		return err
	}

	b := make([]byte, xfer.Size)

	if err := r.fw.Storage.Read(xfer.Offset, b); err != nil {
		return err
	}

	*buf = b

	return nil
}

// EraseData erases a range of the storage area of the running application.
func (r *RPC) EraseData(xfer sysrpc.Erase, _ *bool) error {
	return r.fw.Storage.Erase(xfer.Offset, xfer.Size)
}

// GetVidPid returns the vendor, product and revision word of the UDI.
func (r *RPC) GetVidPid(_ any, vpr *uint32) error {
	*vpr = r.fw.Identity.UDI.VPR()
	return nil
}

// PreloadStore stores a chunk of the preloaded application.
func (r *RPC) PreloadStore(chunk sysrpc.PreloadChunk, _ *bool) error {
	return r.fw.Preload.StoreChunk(PreloadSlot, chunk.Offset, chunk.Data)
}

// PreloadStoreFinalize records the preloaded application metadata.
func (r *RPC) PreloadStoreFinalize(fin sysrpc.PreloadFinalize, _ *bool) error {
	return r.fw.Preload.Finalize(PreloadSlot, fin.Size, fin.Digest, fin.Signature)
}

// PreloadDelete removes the preloaded application.
func (r *RPC) PreloadDelete(_ any, _ *bool) error {
	return r.fw.Preload.Delete(PreloadSlot)
}

// PreloadGetDigestSignature returns the preloaded application metadata.
func (r *RPC) PreloadGetDigestSignature(_ any, ds *sysrpc.DigestSignature) error {
	e, err := r.fw.Preload.Entry(PreloadSlot)
	if err != nil {
		return err
	}

	*ds = sysrpc.DigestSignature{
		Digest:    e.Digest,
		Signature: e.Signature,
		Pubkey:    e.Pubkey,
	}

	return nil
}

// RegMgmt succeeds only for the management application.
func (r *RPC) RegMgmt(_ any, _ *bool) error {
	return r.fw.Authority.Authenticate()
}

// GetStatus returns 1 when the primary partition table copy is invalid.
func (r *RPC) GetStatus(_ any, status *uint32) error {
	_, degraded, err := r.fw.Table.Read()
	if err != nil {
		return err
	}

	*status = 0

	if degraded {
		*status = 1
	}

	return nil
}

// GetCarriedAppData returns the data carried across the last reset.
func (r *RPC) GetCarriedAppData(_ any, carry *[]byte) error {
	ri := r.fw.Devices.ResetInfo.Load()
	*carry = ri.Carry[:]
	return nil
}

func call[A, R any](fn func(A, *R) error, args any, reply any) error {
	var a A

	if args != nil {
		v, ok := args.(A)
		if !ok {
			return fmt.Errorf("%w: argument type %T", ErrInvalidArgument, args)
		}
		a = v
	}

	if reply == nil {
		return fn(a, new(R))
	}

	r, ok := reply.(*R)
	if !ok {
		return fmt.Errorf("%w: reply type %T", ErrInvalidArgument, reply)
	}

	return fn(a, r)
}

// Syscall dispatches a numbered system call and returns its error number.
func (r *RPC) Syscall(num int, args any, reply any) int32 {
	var err error

	switch num {
	case sysrpc.Reset:
		err = call(r.Reset, args, reply)
	case sysrpc.AllocArea:
		err = call(r.AllocArea, args, reply)
	case sysrpc.DeallocArea:
		err = call(r.DeallocArea, args, reply)
	case sysrpc.WriteData:
		err = call(r.WriteData, args, reply)
	case sysrpc.ReadData:
		err = call(r.ReadData, args, reply)
	case sysrpc.EraseData:
		err = call(r.EraseData, args, reply)
	case sysrpc.GetVidPid:
		err = call(r.GetVidPid, args, reply)
	case sysrpc.PreloadStore:
		err = call(r.PreloadStore, args, reply)
	case sysrpc.PreloadStoreFin:
		err = call(r.PreloadStoreFinalize, args, reply)
	case sysrpc.PreloadDelete:
		err = call(r.PreloadDelete, args, reply)
	case sysrpc.PreloadGetDigsig:
		err = call(r.PreloadGetDigestSignature, args, reply)
	case sysrpc.RegMgmt:
		err = call(r.RegMgmt, args, reply)
	case sysrpc.Status:
		err = call(r.GetStatus, args, reply)
	case sysrpc.GetCarriedAppData:
		err = call(r.GetCarriedAppData, args, reply)
	default:
		err = fmt.Errorf("%w: system call %d", ErrInvalidArgument, num)
	}

	if err != nil {
		klog.V(1).Infof("syscall: %d failed, %v", num, err)
	}

	return Errno(err)
}

// Serve serves system calls, encoded as JSON-RPC, over conn until it is
// closed.
func (r *RPC) Serve(conn io.ReadWriteCloser) error {
	s := rpc.NewServer()

	if err := s.RegisterName("RPC", r); err != nil {
		return err
	}

	s.ServeCodec(jsonrpc.NewServerCodec(conn))

	return nil
}
