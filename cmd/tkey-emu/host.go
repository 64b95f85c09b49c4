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
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/api"
	"github.com/transparency-dev/armored-token-boot/firmware"
	"github.com/transparency-dev/armored-token-boot/hw"
)

var errNoHost = errors.New("client boot requested without -app or -listen")

// host provides the command channel of every boot waiting for a client.
type host struct {
	// app is uploaded on each client boot, with the optional USS.
	app    []byte
	secret *[32]byte

	// listener accepts a host connection on each client boot, when app is
	// not set.
	listener net.Listener

	conn io.Closer
}

// open returns the command channel for a boot in mode, closing the one of
// the previous boot. Flash boots get none.
func (h *host) open(mode hw.BootMode) (io.ReadWriter, error) {
	h.Close()

	if mode != hw.BootClient && mode != hw.BootClientVerify {
		return nil, nil
	}

	switch {
	case len(h.app) > 0:
		hostEnd, dev := net.Pipe()
		h.conn = dev

		go loadApp(hostEnd, h.app, h.secret)

		return dev, nil
	case h.listener != nil:
		klog.Infof("waiting for host on %s", h.listener.Addr())

		conn, err := h.listener.Accept()
		if err != nil {
			return nil, err
		}

		h.conn = conn

		return conn, nil
	}

	return nil, errNoHost
}

// Close closes the current command channel.
func (h *host) Close() error {
	if h.conn == nil {
		return nil
	}

	err := h.conn.Close()
	h.conn = nil

	return err
}

func loadApp(rw io.ReadWriteCloser, bin []byte, secret *[32]byte) {
	defer rw.Close()

	c := api.NewClient(rw)

	bar := pb.Full.Start(len(bin))
	bar.Set(pb.Bytes, true)

	c.Progress = func(n int) {
		bar.Add(n)
	}

	digest, err := c.LoadApp(bin, secret)
	bar.Finish()

	if err != nil {
		klog.Errorf("could not load application, %v", err)
		return
	}

	klog.Infof("application loaded, digest %x", digest)
}

// serve serves system calls of the running application on l until it
// requests a reset, then closes l and every accepted connection.
func serve(l net.Listener, r *firmware.RPC, reset <-chan struct{}) error {
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		conns = map[net.Conn]struct{}{}
		done  = make(chan struct{})
	)

	klog.Infof("serving system calls on %s", l.Addr())

	go func() {
		defer close(done)

		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()

			wg.Add(1)

			go func() {
				defer wg.Done()

				if err := r.Serve(conn); err != nil {
					klog.Errorf("could not serve %s, %v", conn.RemoteAddr(), err)
				}

				mu.Lock()
				delete(conns, conn)
				mu.Unlock()

				conn.Close()
			}()
		}
	}()

	<-reset

	err := l.Close()
	<-done

	// connections must not outlive the boot they were accepted in
	mu.Lock()
	for conn := range conns {
		conn.Close()
	}
	mu.Unlock()

	wg.Wait()

	return err
}
