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

// tkeyctl talks to the firmware of a device waiting for a client
// application.
package main

import (
	"errors"
	"flag"

	"k8s.io/klog/v2"
)

type Config struct {
	dev *Device

	path string

	status bool

	app string
	uss string
}

var conf *Config

func init() {
	klog.InitFlags(nil)
	flag.Set("logtostderr", "true")

	conf = &Config{}

	flag.StringVar(&conf.path, "d", "", "device serial port, or unix:<path> for the emulator")
	flag.BoolVar(&conf.status, "s", false, "get device name, version and UDI")
	flag.StringVar(&conf.app, "a", "", "application to load")
	flag.StringVar(&conf.uss, "u", "", "User Supplied Secret passphrase")
}

func detect() (err error) {
	if conf.dev != nil {
		return
	}

	if len(conf.path) == 0 {
		return errors.New("no device specified (flag: -d)")
	}

	conf.dev, err = open(conf.path)

	return
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			klog.Exitf("fatal error, %v", err)
		}
	}()

	flag.Parse()

	if flag.NFlag() == 0 {
		return
	}

	if err = detect(); err != nil {
		return
	}
	defer conf.dev.Close()

	if conf.status {
		var s string

		if s, err = conf.dev.status(); err != nil {
			return
		}

		klog.Info(s)
	}

	if len(conf.app) > 0 {
		err = conf.dev.load(conf.app, conf.uss)
	}
}
