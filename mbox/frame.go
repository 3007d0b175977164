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

package mbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"
)

const (
	frameHeaderLength = 8
	maxPayloadLength  = 1 << 24
)

// Frame is the mailbox wire format: command, length, payload, CRC32 (IEEE)
// over header and payload.
type Frame struct {
	Command uint32
	Payload []byte
}

// Encode serializes the frame with its trailing checksum.
func (f *Frame) Encode() []byte {
	buf := make([]byte, frameHeaderLength+len(f.Payload)+4)

	binary.LittleEndian.PutUint32(buf, f.Command)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(f.Payload)))
	copy(buf[frameHeaderLength:], f.Payload)

	crc := crc32.ChecksumIEEE(buf[:frameHeaderLength+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[frameHeaderLength+len(f.Payload):], crc)

	return buf
}

// ReadFrame parses one frame from r, validating its checksum.
func ReadFrame(r io.Reader) (*Frame, error) {
	hdr := make([]byte, frameHeaderLength)

	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(hdr[4:])

	if n > maxPayloadLength {
		return nil, fmt.Errorf("mailbox payload length %d exceeds limit", n)
	}

	buf := make([]byte, n+4)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	crc := crc32.ChecksumIEEE(append(hdr, buf[:n]...))

	if crc != binary.LittleEndian.Uint32(buf[n:]) {
		return nil, errors.New("mailbox frame checksum mismatch")
	}

	return &Frame{
		Command: binary.LittleEndian.Uint32(hdr),
		Payload: buf[:n],
	}, nil
}

// Conn is a Channel over a stream connection to the root-of-trust mailbox.
// Responses are frames whose command echoes the request and whose payload
// starts with a 4 byte result code.
type Conn struct {
	sync.Mutex

	rw io.ReadWriter
}

// NewConn returns a mailbox channel over rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw}
}

// readDeadliner is the subset of net.Conn used to interrupt a blocked
// response read when the context ends.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Execute sends one command frame and blocks for its response, or until ctx
// ends. The mailbox serializes commands; the lock enforces the single
// outstanding command the hardware allows.
func (c *Conn) Execute(ctx context.Context, cmd uint32, req []byte) ([]byte, error) {
	c.Lock()
	defer c.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d, ok := c.rw.(readDeadliner); ok {
		stop := make(chan struct{})
		exited := make(chan struct{})

		go func() {
			defer close(exited)

			select {
			case <-ctx.Done():
				d.SetReadDeadline(time.Unix(1, 0))
			case <-stop:
			}
		}()

		defer func() {
			close(stop)
			<-exited
			d.SetReadDeadline(time.Time{})
		}()
	}

	f := &Frame{Command: cmd, Payload: req}

	if _, err := c.rw.Write(f.Encode()); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, err
	}

	res, err := ReadFrame(c.rw)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, err
	}

	if res.Command != cmd {
		return nil, fmt.Errorf("mailbox response command %#x does not match request %#x", res.Command, cmd)
	}

	if len(res.Payload) < 4 {
		return nil, errors.New("mailbox response truncated")
	}

	if result := binary.LittleEndian.Uint32(res.Payload); result != OperationOK {
		return nil, &OperationError{Result: result}
	}

	return res.Payload[4:], nil
}
