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

package boot

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-token-boot/api"
	"github.com/transparency-dev/armored-token-boot/cdi"
	"github.com/transparency-dev/armored-token-boot/hw"
)

var (
	// ErrVerification is returned when the measurement of the loaded
	// application differs from the expected one.
	ErrVerification = errors.New("application verification failed")
	// ErrHalted is returned once the boot sequence enters the failure
	// state.
	ErrHalted = errors.New("boot halted")
)

// State represents a boot sequence state.
type State int

// Boot states, Start and Fail are terminal.
const (
	StateInitial State = iota
	StateWaitCommand
	StateLoading
	StateLoadFlash
	StateLoadFlashMgmt
	StateStart
	StateFail
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateWaitCommand:
		return "wait-command"
	case StateLoading:
		return "loading"
	case StateLoadFlash:
		return "load-flash"
	case StateLoadFlashMgmt:
		return "load-flash-mgmt"
	case StateStart:
		return "start"
	case StateFail:
		return "fail"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// EventKind represents the kind of input fed to the state machine.
type EventKind int

const (
	// EventBoot starts the sequence.
	EventBoot EventKind = iota
	// EventFrame carries a received command frame (or a receive error).
	EventFrame
	// EventLoaded carries the measurement of an image copied to RAM (or a
	// load error).
	EventLoaded
	// EventStarted signals that the CDI has been computed and the reset
	// information consumed.
	EventStarted
)

// Event represents an input to the state machine.
type Event struct {
	Kind        EventKind
	Frame       *api.Frame
	Measurement [32]byte
	Err         error
}

// EffectKind represents the kind of side effect requested by a transition.
type EffectKind int

const (
	EffectNone EffectKind = iota
	// EffectReply sends Reply.
	EffectReply
	// EffectStoreChunk writes Data to RAM at Offset, then sends Reply
	// unless Final is set, in which case the RAM image is measured and an
	// EventLoaded fed back.
	EffectStoreChunk
	// EffectLoadFlash loads Slot to RAM and feeds back EventLoaded, the
	// measurement is registered with the management authority when
	// Register is set.
	EffectLoadFlash
	// EffectStart sends Reply if present, computes the CDI, consumes the
	// reset information and feeds back EventStarted.
	EffectStart
	// EffectHandoff transfers control to the application.
	EffectHandoff
	// EffectHalt stops the device, Err holds the reason.
	EffectHalt
)

// Effect represents a side effect to be executed outside of the state
// machine.
type Effect struct {
	Kind   EffectKind
	Header api.Header
	Reply  *api.Reply

	Offset uint32
	Data   []byte
	Final  bool

	Slot     int
	Register bool

	Err error
}

// Identity holds the device values returned to the host.
type Identity struct {
	NameVersion api.NameVersion
	UDI         api.UDI
}

// Context represents the boot state carried across transitions, it never
// outlives a boot.
type Context struct {
	// Reset is the reset information captured at boot.
	Reset hw.ResetInfo
	// Identity is returned to NAME_VERSION and GET_UDI.
	Identity Identity
	// MaxAppSize is the largest loadable application.
	MaxAppSize uint32
	// MgmtDigest is the allow-listed management application measurement.
	MgmtDigest [32]byte

	// Size is the declared size of the application being received.
	Size uint32
	// Left is the number of bytes still to be received.
	Left uint32
	// Cursor is the RAM write offset.
	Cursor uint32
	// USS is the User Supplied Secret, if any.
	USS *[32]byte
	// Slot is the flash slot being loaded.
	Slot int
	// Expected is the measurement the application must match, if any.
	Expected *[32]byte
	// Source is the resolved application source.
	Source cdi.Source
	// Measurement is the loaded application measurement.
	Measurement [32]byte
	// Header is the header of the last command addressed to the firmware.
	Header api.Header
}

func halt(err error) (State, Effect) {
	return StateFail, Effect{Kind: EffectHalt, Err: err}
}

func reply(hdr api.Header, code byte, data ...byte) Effect {
	return Effect{
		Kind:   EffectReply,
		Header: hdr,
		Reply:  &api.Reply{Code: code, Data: data},
	}
}

func bad(hdr api.Header, code byte) Effect {
	return reply(hdr, code, byte(api.StatusBad))
}

func flashSource(slot int) cdi.Source {
	if slot == 0 {
		return cdi.SourceFlash0
	}
	return cdi.SourceFlash1
}

func expectedDigest(d [32]byte) *[32]byte {
	return &d
}

// Transition computes the next state and the side effect to perform for an
// event, it has no side effects other than updating ctx.
func Transition(s State, ev Event, ctx *Context) (State, Effect) {
	switch s {
	case StateInitial:
		if ev.Kind != EventBoot {
			return halt(fmt.Errorf("unexpected event %d in %v", ev.Kind, s))
		}
		return initial(ctx)
	case StateWaitCommand:
		if ev.Kind != EventFrame {
			return halt(fmt.Errorf("unexpected event %d in %v", ev.Kind, s))
		}
		return waitCommand(ev, ctx)
	case StateLoading:
		switch ev.Kind {
		case EventFrame:
			return loading(ev, ctx)
		case EventLoaded:
			if ev.Err != nil {
				return halt(ev.Err)
			}

			ctx.Measurement = ev.Measurement

			data := append([]byte{byte(api.StatusOK)}, ev.Measurement[:]...)
			e := reply(ctx.Header, api.RspLoadAppDataReady, data...)
			e.Kind = EffectStart

			return StateStart, e
		}
	case StateLoadFlash, StateLoadFlashMgmt:
		if ev.Kind != EventLoaded {
			break
		}

		if ev.Err != nil {
			return halt(fmt.Errorf("flash slot %d: %w", ctx.Slot, ev.Err))
		}

		ctx.Measurement = ev.Measurement

		return StateStart, Effect{Kind: EffectStart}
	case StateStart:
		if ev.Kind != EventStarted {
			break
		}

		if ctx.Expected != nil && *ctx.Expected != ctx.Measurement {
			return halt(fmt.Errorf("%w: measured %x, expected %x", ErrVerification, ctx.Measurement, *ctx.Expected))
		}

		return StateStart, Effect{Kind: EffectHandoff}
	case StateFail:
		return StateFail, Effect{Kind: EffectHalt, Err: ErrHalted}
	}

	return halt(fmt.Errorf("unexpected event %d in %v", ev.Kind, s))
}

func initial(ctx *Context) (State, Effect) {
	ri := &ctx.Reset

	switch ri.Mode {
	case hw.BootDefault, hw.BootFlash0:
		ctx.Slot = 0
		ctx.Source = cdi.SourceFlash0
		ctx.Expected = expectedDigest(ctx.MgmtDigest)

		return StateLoadFlashMgmt, Effect{Kind: EffectLoadFlash, Slot: 0, Register: true}
	case hw.BootFlash1:
		ctx.Slot = 1
		ctx.Source = cdi.SourceFlash1

		return StateLoadFlash, Effect{Kind: EffectLoadFlash, Slot: 1}
	case hw.BootFlash0Verify, hw.BootFlash1Verify:
		ctx.Slot = 0
		if ri.Mode == hw.BootFlash1Verify {
			ctx.Slot = 1
		}

		ctx.Source = flashSource(ctx.Slot)
		ctx.Expected = expectedDigest(ri.ExpectedDigest)

		return StateLoadFlash, Effect{Kind: EffectLoadFlash, Slot: ctx.Slot}
	case hw.BootClient:
		ctx.Source = cdi.SourceClient
		return StateWaitCommand, Effect{}
	case hw.BootClientVerify:
		ctx.Source = cdi.SourceClient
		ctx.Expected = expectedDigest(ri.ExpectedDigest)
		return StateWaitCommand, Effect{}
	}

	return halt(fmt.Errorf("unknown boot mode %v", ri.Mode))
}

// checkLength enforces the command fixed length, a mismatch is answered
// with a Bad status where the response carries one.
func checkLength(f *api.Frame) (State, Effect, bool) {
	l, _ := api.CommandLength(f.Cmd())

	if f.Header.Len == l {
		return 0, Effect{}, true
	}

	err := fmt.Errorf("%w: command %#02x", api.ErrBadLength, f.Cmd())

	var rsp byte

	switch f.Cmd() {
	case api.CmdGetUDI:
		rsp = api.RspGetUDI
	case api.CmdLoadApp:
		rsp = api.RspLoadApp
	case api.CmdLoadAppData:
		rsp = api.RspLoadAppData
	default:
		s, e := halt(err)
		return s, e, false
	}

	e := bad(f.Header, rsp)
	e.Err = err

	return StateFail, e, false
}

func waitCommand(ev Event, ctx *Context) (State, Effect) {
	if ev.Err != nil {
		return halt(ev.Err)
	}

	f := ev.Frame

	if f.Header.Endpoint != api.EndpointFW {
		return StateWaitCommand, Effect{}
	}

	ctx.Header = f.Header

	switch f.Cmd() {
	case api.CmdNameVersion, api.CmdGetUDI, api.CmdLoadApp:
	default:
		return halt(fmt.Errorf("unexpected command %#02x in %v", f.Cmd(), StateWaitCommand))
	}

	if s, e, ok := checkLength(f); !ok {
		return s, e
	}

	switch f.Cmd() {
	case api.CmdNameVersion:
		return StateWaitCommand, reply(f.Header, api.RspNameVersion, ctx.Identity.NameVersion.Bytes()...)
	case api.CmdGetUDI:
		data := append([]byte{byte(api.StatusOK)}, ctx.Identity.UDI.Bytes()...)
		return StateWaitCommand, reply(f.Header, api.RspGetUDI, data...)
	}

	req := &api.LoadApp{}

	if err := req.Unpack(f.Data); err != nil {
		return halt(err)
	}

	if req.Size == 0 || req.Size > ctx.MaxAppSize {
		return StateWaitCommand, bad(f.Header, api.RspLoadApp)
	}

	ctx.Size = req.Size
	ctx.Left = req.Size
	ctx.Cursor = 0
	ctx.USS = req.USS

	return StateLoading, reply(f.Header, api.RspLoadApp, byte(api.StatusOK))
}

func loading(ev Event, ctx *Context) (State, Effect) {
	if ev.Err != nil {
		return halt(ev.Err)
	}

	f := ev.Frame

	if f.Header.Endpoint != api.EndpointFW {
		return StateLoading, Effect{}
	}

	ctx.Header = f.Header

	if f.Cmd() != api.CmdLoadAppData {
		return halt(fmt.Errorf("unexpected command %#02x in %v", f.Cmd(), StateLoading))
	}

	if s, e, ok := checkLength(f); !ok {
		return s, e
	}

	n := min(ctx.Left, api.PayloadSize)

	e := Effect{
		Kind:   EffectStoreChunk,
		Header: f.Header,
		Offset: ctx.Cursor,
		Data:   f.Data[1 : 1+n],
	}

	ctx.Cursor += n
	ctx.Left -= n

	if ctx.Left == 0 {
		e.Final = true
	} else {
		e.Reply = &api.Reply{Code: api.RspLoadAppData, Data: []byte{byte(api.StatusOK)}}
	}

	return StateLoading, e
}
