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

// Package api holds the types shared between the update engine, the
// application handlers and the operator tooling.
package api

import (
	"bytes"
	"fmt"
)

// ErrorKind classifies a failure according to the severity rules of the
// update engine: protocol violations are refused without ending the session,
// staging and verification errors fail the current component only, transport
// timeouts and partition table corruption end the session.
type ErrorKind int

const (
	// ProtocolViolation indicates a request that is illegal for the
	// responder's current state. The request is refused, the session
	// continues.
	ProtocolViolation ErrorKind = iota + 1
	// TransportTimeout indicates the Update Agent (or the application
	// handler) did not respond in time. The session aborts to idle.
	TransportTimeout
	// TransportClosed indicates the Update Agent disconnected with a
	// session in progress. The session aborts to idle.
	TransportClosed
	// StagingIO indicates a staging memory read or write failure. The
	// current component fails, the session continues.
	StagingIO
	// VerificationFailed indicates manifest authentication or a component
	// digest comparison failed. Apply is refused for the component.
	VerificationFailed
	// PartitionTableCorrupt indicates the persisted partition table could
	// not be validated. Fatal, no update may proceed.
	PartitionTableCorrupt
	// RootOfTrust indicates a failure reported by the root-of-trust
	// command channel.
	RootOfTrust
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case TransportTimeout:
		return "transport timeout"
	case TransportClosed:
		return "transport closed"
	case StagingIO:
		return "staging I/O error"
	case VerificationFailed:
		return "verification failed"
	case PartitionTableCorrupt:
		return "partition table corrupt"
	case RootOfTrust:
		return "root-of-trust error"
	}
	return fmt.Sprintf("unknown error kind %d", int(k))
}

// Error wraps a failure with its ErrorKind so that the notification bridge
// can decide between component-level and session-level severity.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Kind extracts the ErrorKind from err, or 0 if err carries none.
func Kind(err error) ErrorKind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

// Status reports the device-side update engine state, as returned to the
// operator tool.
type Status struct {
	Serial          string
	Version         string
	ActivePartition string
	PartitionStatus string
	State           string
	Progress        uint8
}

// Print returns the update engine status in textual format.
func (s *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------- Update Engine ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", s.Serial))
	status.WriteString(fmt.Sprintf("Firmware version .......: %s\n", s.Version))
	status.WriteString(fmt.Sprintf("Active partition .......: %s\n", s.ActivePartition))
	status.WriteString(fmt.Sprintf("Partition status .......: %s\n", s.PartitionStatus))
	status.WriteString(fmt.Sprintf("Update state ...........: %s\n", s.State))
	status.WriteString(fmt.Sprintf("Progress ...............: %d%%", s.Progress))

	return status.String()
}

// UpdatePackage represents one "OTA" update bundle as assembled by the
// Update Agent: the signed SoC manifest plus the image for every component
// it lists, keyed by component identifier.
type UpdatePackage struct {
	// Manifest is the note-signed SoC manifest envelope.
	Manifest []byte
	// Images holds the raw image for each non-manifest component.
	Images map[uint16][]byte
}
