// Copyright 2026 The MCU Update OS authors. All Rights Reserved.
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

// Package mbox implements the narrow command channel to the hardware
// root-of-trust. The update engine uses a fixed set of opaque commands; the
// root-of-trust's internal cryptography is not this package's concern.
package mbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Command codes used by the update engine.
const (
	CmdVerifyManifest   = 0x564d414e // "VMAN"
	CmdCaliptraFwUpload = 0x43465755 // "CFWU"
	CmdFwLoad           = 0x46574c44 // "FWLD"
	CmdActivateFirmware = 0x41435446 // "ACTF"
)

// Command results.
const (
	OperationOK = iota
	GeneralFailure
	AuthFailure
	Busy
	InvalidArgument
)

// OperationError is a failure result reported by the root-of-trust.
type OperationError struct {
	Result uint32
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("root-of-trust operation failed (%x)", e.Result)
}

// Channel is the root-of-trust command capability. Execute blocks the
// calling task until the command completes or ctx expires; commands carry
// an optional reset side effect which takes place after the response.
type Channel interface {
	Execute(ctx context.Context, cmd uint32, req []byte) (res []byte, err error)
}

const busyRetryInterval = 100 * time.Millisecond

// Execute issues a command through ch, retrying while the root-of-trust
// reports Busy, until ctx expires.
func Execute(ctx context.Context, ch Channel, cmd uint32, req []byte) ([]byte, error) {
	for {
		res, err := ch.Execute(ctx, cmd, req)

		var e *OperationError

		if !errors.As(err, &e) || e.Result != Busy {
			return res, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(busyRetryInterval):
		}
	}
}

// VerifyManifest authenticates a SoC manifest envelope.
func VerifyManifest(ctx context.Context, ch Channel, envelope []byte) error {
	_, err := Execute(ctx, ch, CmdVerifyManifest, envelope)
	return err
}

// LoadDescriptor locates an image for the root-of-trust DMA engine.
type LoadDescriptor struct {
	// Address is the physical address of the image as seen by the
	// root-of-trust DMA engine.
	Address uint32
	Length  uint32
}

func (d LoadDescriptor) encode(image []byte) []byte {
	buf := make([]byte, 8+len(image))
	binary.LittleEndian.PutUint32(buf, d.Address)
	binary.LittleEndian.PutUint32(buf[4:], d.Length)
	copy(buf[8:], image)
	return buf
}

// CaliptraFwUpload hands the Caliptra FMC+RT image to the root-of-trust.
func CaliptraFwUpload(ctx context.Context, ch Channel, d LoadDescriptor, image []byte) error {
	_, err := Execute(ctx, ch, CmdCaliptraFwUpload, d.encode(image))
	return err
}

// FwLoad hands a firmware image to the root-of-trust for loading.
func FwLoad(ctx context.Context, ch Channel, d LoadDescriptor, image []byte) error {
	_, err := Execute(ctx, ch, CmdFwLoad, d.encode(image))
	return err
}

// ActivateFirmware commits the loaded firmware; the root-of-trust may
// reset the subsystem after responding.
func ActivateFirmware(ctx context.Context, ch Channel) error {
	_, err := Execute(ctx, ch, CmdActivateFirmware, nil)
	return err
}
