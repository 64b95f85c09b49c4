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

package emu

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-token-boot/flash/testonly"
)

// Flash emulates the SPI flash chip backed by an image file, changes are
// written back on Sync.
type Flash struct {
	*testonly.MemFlash

	path string
}

// OpenFlash loads the image at path, a missing file yields an erased device
// of the given size.
func OpenFlash(path string, size int) (*Flash, error) {
	f := &Flash{
		MemFlash: testonly.NewMemFlash(size),
		path:     path,
	}

	img, err := os.ReadFile(path)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		klog.Infof("emu: %s not found, starting with an erased flash", path)
		return f, nil
	case err != nil:
		return nil, err
	case len(img) > size:
		return nil, fmt.Errorf("flash image %s is larger than the device (%d > %d)", path, len(img), size)
	}

	copy(f.Storage, img)

	return f, nil
}

// Sync writes the device content back to the image file.
func (f *Flash) Sync() error {
	// the operation log is only of interest to tests
	f.Reset()
	return os.WriteFile(f.path, f.Storage, 0o600)
}
