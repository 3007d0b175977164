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

// Package pldm implements the PLDM for Firmware Update (Type 5) message
// encoding as defined by DMTF DSP0267 1.3.0. All multi-byte fields are
// little-endian per DSP0240.
package pldm

import (
	"errors"
	"fmt"
)

// TypeFirmwareUpdate is the PLDM type for firmware update messages.
// Table 5, DSP0245.
const TypeFirmwareUpdate = 0x05

const headerLength = 3

// Base PLDM completion codes, DSP0240.
const (
	Success             = 0x00
	Error               = 0x01
	ErrorInvalidData    = 0x02
	ErrorInvalidLength  = 0x03
	ErrorNotReady       = 0x04
	ErrorUnsupportedCmd = 0x05
)

// Header is the common PLDM message header, DSP0240 Table 2.
type Header struct {
	// Request is set for request messages, clear for responses.
	Request bool
	// Datagram is set for asynchronous datagram messages.
	Datagram bool
	// InstanceID matches a response to its request (5 bits).
	InstanceID uint8
	// Type is the PLDM message type (6 bits).
	Type uint8
	// Command is the command code within the type.
	Command uint8
}

// Message is one PLDM message: header plus command-specific payload.
type Message struct {
	Header
	Payload []byte
}

var errShortMessage = errors.New("message too short for PLDM header")

// Encode serializes the message header followed by its payload.
func (m Message) Encode() []byte {
	buf := make([]byte, headerLength+len(m.Payload))

	if m.Request {
		buf[0] |= 1 << 7
	}

	if m.Datagram {
		buf[0] |= 1 << 6
	}

	buf[0] |= m.InstanceID & 0x1f
	buf[1] = m.Type & 0x3f
	buf[2] = m.Command

	copy(buf[headerLength:], m.Payload)

	return buf
}

// Decode parses a raw PLDM message.
func Decode(buf []byte) (m Message, err error) {
	if len(buf) < headerLength {
		return m, errShortMessage
	}

	m.Request = buf[0]&(1<<7) != 0
	m.Datagram = buf[0]&(1<<6) != 0
	m.InstanceID = buf[0] & 0x1f
	m.Type = buf[1] & 0x3f
	m.Command = buf[2]
	m.Payload = buf[headerLength:]

	if m.Type != TypeFirmwareUpdate {
		return m, fmt.Errorf("unsupported PLDM type %#x", m.Type)
	}

	return
}

// Request builds a firmware update request message.
func Request(instanceID uint8, cmd uint8, payload []byte) Message {
	return Message{
		Header: Header{
			Request:    true,
			InstanceID: instanceID,
			Type:       TypeFirmwareUpdate,
			Command:    cmd,
		},
		Payload: payload,
	}
}

// Response builds the response message for the given request.
func (m Message) Response(payload []byte) Message {
	return Message{
		Header: Header{
			InstanceID: m.InstanceID,
			Type:       m.Type,
			Command:    m.Command,
		},
		Payload: payload,
	}
}

// CompletionCode returns the first payload byte of a response message.
func (m Message) CompletionCode() (uint8, error) {
	if m.Request {
		return 0, errors.New("completion code requested on a request message")
	}

	if len(m.Payload) < 1 {
		return 0, errors.New("empty response payload")
	}

	return m.Payload[0], nil
}
