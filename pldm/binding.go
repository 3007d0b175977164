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

package pldm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// MaxMessageSize bounds a single PLDM message on this binding, leaving
// ample room for the largest firmware data chunk plus headers.
const MaxMessageSize = 65536

// ErrTimeout is returned by Recv when the peer does not produce a message
// within the configured deadline.
var ErrTimeout = errors.New("transport timeout")

// deadliner is implemented by net.Conn and anything else that supports
// read deadlines.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Binding carries PLDM messages over a stream transport using a 4-byte
// little-endian length prefix per message. It substitutes for an MCTP
// binding in emulated and test setups.
type Binding struct {
	rw io.ReadWriter
}

// NewBinding returns a Binding over rw.
func NewBinding(rw io.ReadWriter) *Binding {
	return &Binding{rw: rw}
}

// Send transmits a single message.
func (b *Binding) Send(m Message) error {
	buf := m.Encode()

	if len(buf) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds limit", len(buf))
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(buf)))

	if _, err := b.rw.Write(hdr[:]); err != nil {
		return err
	}

	_, err := b.rw.Write(buf)

	return err
}

// Recv blocks until a message arrives or the timeout expires. A zero
// timeout blocks indefinitely.
func (b *Binding) Recv(timeout time.Duration) (Message, error) {
	if d, ok := b.rw.(deadliner); ok {
		var deadline time.Time

		if timeout > 0 {
			deadline = time.Now().Add(timeout)
		}

		if err := d.SetReadDeadline(deadline); err != nil {
			return Message{}, err
		}
	}

	var hdr [4]byte

	if _, err := io.ReadFull(b.rw, hdr[:]); err != nil {
		return Message{}, mapTimeout(err)
	}

	n := binary.LittleEndian.Uint32(hdr[:])

	if n > MaxMessageSize {
		return Message{}, fmt.Errorf("message size %d exceeds limit", n)
	}

	buf := make([]byte, n)

	if _, err := io.ReadFull(b.rw, buf); err != nil {
		return Message{}, mapTimeout(err)
	}

	return Decode(buf)
}

func mapTimeout(err error) error {
	var t interface{ Timeout() bool }

	if errors.As(err, &t) && t.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}

	return err
}
