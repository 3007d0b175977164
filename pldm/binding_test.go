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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	left := NewBinding(a)
	right := NewBinding(b)

	sent := Request(3, CmdGetStatus, []byte{0xaa})

	go func() {
		if err := left.Send(sent); err != nil {
			t.Error(err)
		}
	}()

	got, err := right.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, sent.Command, got.Command)
	assert.Equal(t, sent.Payload, got.Payload)
}

func TestBindingTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err := NewBinding(a).Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBindingRejectsOversizedMessage(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		// length prefix far beyond MaxMessageSize
		a.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()

	_, err := NewBinding(b).Recv(time.Second)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)

	m := Message{Payload: make([]byte, MaxMessageSize)}
	assert.Error(t, NewBinding(a).Send(m))
}
