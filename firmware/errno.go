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

	"github.com/transparency-dev/armored-token-boot/auth"
	"github.com/transparency-dev/armored-token-boot/flash"
	"github.com/transparency-dev/armored-token-boot/partition"
	"github.com/transparency-dev/armored-token-boot/preload"
	"github.com/transparency-dev/armored-token-boot/storage"
)

// System call error numbers.
const (
	EOK           int32 = 0
	EGeneric      int32 = -1
	EUnauthorized int32 = -2
	EInvalid      int32 = -3
	ENoSpace      int32 = -4
	EInUse        int32 = -5
	ENotFound     int32 = -6
	EIO           int32 = -7
)

// Errno maps a system call error to its error number.
func Errno(err error) int32 {
	var ioErr *flash.IOError

	switch {
	case err == nil:
		return EOK
	case errors.Is(err, auth.ErrUnauthorized):
		return EUnauthorized
	case errors.Is(err, storage.ErrNoFreeArea):
		return ENoSpace
	case errors.Is(err, preload.ErrSlotInUse):
		return EInUse
	case errors.Is(err, preload.ErrSlotEmpty):
		return ENotFound
	case errors.As(err, &ioErr), errors.Is(err, partition.ErrCorrupt):
		return EIO
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, flash.ErrBounds),
		errors.Is(err, flash.ErrAlignment),
		errors.Is(err, storage.ErrInvalidSize),
		errors.Is(err, preload.ErrInvalidSize),
		errors.Is(err, preload.ErrInvalidSlot):
		return EInvalid
	}

	return EGeneric
}
