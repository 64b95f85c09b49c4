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

// Package boot implements the firmware boot sequence: it selects, loads and
// measures the application, derives its CDI, optionally verifies it and
// finally hands off execution.
//
// The sequence is a state machine whose transitions (Transition) are free of
// side effects, all hardware access happens in the Orchestrator.
package boot

import (
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/api"
	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/cdi"
	"github.com/transparency-dev/armored-token-boot/hw"
	"github.com/transparency-dev/armored-token-boot/preload"
)

// Result describes the application handed off to.
type Result struct {
	Source      cdi.Source
	Size        uint32
	Measurement [32]byte
	CDI         [32]byte
}

// Orchestrator executes the boot sequence over the device peripherals.
type Orchestrator struct {
	// Channel carries command frames while waiting for a client
	// application.
	Channel io.ReadWriter

	RAM       hw.AppRAM
	ResetInfo hw.ResetInfoRegister
	Deriver   *cdi.Deriver
	Preload   *preload.Manager
	Authority *auth.Authority
	Handoff   hw.Handoff

	Identity   Identity
	MaxAppSize uint32
}

// Run executes the boot sequence until handoff, which on real hardware
// never returns. A failed boot returns an error wrapping ErrHalted.
func (o *Orchestrator) Run() (*Result, error) {
	ctx := &Context{
		Reset:      *o.ResetInfo.Load(),
		Identity:   o.Identity,
		MaxAppSize: o.MaxAppSize,
		MgmtDigest: o.Authority.Allowed(),
	}

	res := &Result{}
	state := StateInitial
	ev := Event{Kind: EventBoot}

	klog.Infof("boot: mode %v", ctx.Reset.Mode)

	for {
		next, e := Transition(state, ev, ctx)

		if next != state {
			klog.V(1).Infof("boot: %v -> %v", state, next)
		}

		state = next

		var feed *Event
		var err error

		switch e.Kind {
		case EffectNone:
		case EffectReply:
			err = o.reply(e.Header, e.Reply)
		case EffectStoreChunk:
			feed, err = o.storeChunk(ctx, e)
		case EffectLoadFlash:
			feed = o.loadFlash(e, res)
		case EffectStart:
			if e.Reply != nil {
				err = o.reply(e.Header, e.Reply)
			}

			if err == nil {
				o.start(ctx, res)
				feed = &Event{Kind: EventStarted}
			}
		case EffectHandoff:
			res.Source = ctx.Source
			res.Measurement = ctx.Measurement

			klog.Infof("boot: starting %v application %x", ctx.Source, ctx.Measurement)
			o.Handoff.Handoff(hw.AppRAMBase)

			return res, nil
		case EffectHalt:
			klog.Errorf("boot: halted, %v", e.Err)
			return nil, fmt.Errorf("%w: %w", ErrHalted, e.Err)
		}

		if err != nil {
			// channel errors are fatal
			klog.Errorf("boot: %v", err)
			return nil, fmt.Errorf("%w: %w", ErrHalted, err)
		}

		if state == StateFail {
			klog.Errorf("boot: halted, %v", e.Err)
			return nil, fmt.Errorf("%w: %w", ErrHalted, e.Err)
		}

		if feed != nil {
			ev = *feed
			continue
		}

		ev = o.readFrame()
	}
}

func (o *Orchestrator) readFrame() Event {
	f, err := api.ReadFrame(o.Channel)

	if err == nil {
		klog.V(2).Infof("boot: frame %+v cmd %#02x", f.Header, f.Cmd())
	}

	return Event{Kind: EventFrame, Frame: f, Err: err}
}

func (o *Orchestrator) reply(hdr api.Header, r *api.Reply) error {
	buf, err := r.Marshal(hdr)
	if err != nil {
		return err
	}

	_, err = o.Channel.Write(buf)

	return err
}

func (o *Orchestrator) storeChunk(ctx *Context, e Effect) (*Event, error) {
	if _, err := o.RAM.WriteAt(e.Data, int64(e.Offset)); err != nil {
		return &Event{Kind: EventLoaded, Err: err}, nil
	}

	if !e.Final {
		return nil, o.reply(e.Header, e.Reply)
	}

	img := make([]byte, ctx.Size)

	if _, err := o.RAM.ReadAt(img, 0); err != nil {
		return &Event{Kind: EventLoaded, Err: err}, nil
	}

	klog.Infof("boot: received %d bytes", ctx.Size)

	return &Event{Kind: EventLoaded, Measurement: blake2s.Sum256(img)}, nil
}

func (o *Orchestrator) loadFlash(e Effect, res *Result) *Event {
	m, size, err := o.Preload.Load(e.Slot, o.RAM)
	if err != nil {
		return &Event{Kind: EventLoaded, Err: err}
	}

	if e.Register {
		o.Authority.Register(m)
	}

	res.Size = size

	return &Event{Kind: EventLoaded, Measurement: m}
}

func (o *Orchestrator) start(ctx *Context, res *Result) {
	ri := o.ResetInfo.Load()

	domain := cdi.Domain{Source: ctx.Source}
	material := ctx.Measurement

	if ri.SeedDerived() {
		domain.Chain = true
		material = ri.ChainID
	}

	res.CDI = o.Deriver.Derive(domain, &material, ctx.USS)

	if ctx.Size != 0 {
		res.Size = ctx.Size
	}

	ri.Consume()
	o.ResetInfo.Store(ri)
}
