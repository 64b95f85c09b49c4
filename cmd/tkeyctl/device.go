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

package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2s"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/api"
)

type Device struct {
	rw     io.ReadWriteCloser
	client *api.Client
}

func open(path string) (*Device, error) {
	var rw io.ReadWriteCloser
	var err error

	if p, ok := strings.CutPrefix(path, "unix:"); ok {
		rw, err = net.Dial("unix", p)
	} else {
		// the serial port is expected to be configured already
		rw, err = os.OpenFile(path, os.O_RDWR, 0)
	}

	if err != nil {
		return nil, err
	}

	return &Device{rw: rw, client: api.NewClient(rw)}, nil
}

func (d *Device) Close() error {
	return d.rw.Close()
}

func (d *Device) status() (string, error) {
	nv, err := d.client.GetNameVersion()
	if err != nil {
		return "", err
	}

	udi, err := d.client.GetUDI()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%v UDI:%v", nv, udi), nil
}

func (d *Device) load(path string, uss string) error {
	bin, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var secret *[32]byte

	if len(uss) > 0 {
		s := blake2s.Sum256([]byte(uss))
		secret = &s
	}

	klog.Infof("loading %s (%s)", path, humanize.IBytes(uint64(len(bin))))

	bar := pb.Full.Start(len(bin))
	bar.Set(pb.Bytes, true)

	d.client.Progress = func(n int) {
		bar.Add(n)
	}

	digest, err := d.client.LoadApp(bin, secret)
	bar.Finish()

	if err != nil {
		return err
	}

	klog.Infof("application started, digest %x", digest)

	return nil
}
