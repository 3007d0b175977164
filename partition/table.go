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

// Package partition owns the A/B partition table: a 16 byte structure kept
// in two alternating flash slots with a generation counter, so that a power
// loss mid-write can never produce a table without exactly one active
// partition.
package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ID selects one of the two redundant partitions.
type ID int

const (
	A ID = iota
	B
)

func (id ID) String() string {
	switch id {
	case A:
		return "A"
	case B:
		return "B"
	}
	return fmt.Sprintf("invalid(%d)", int(id))
}

// Other returns the complement partition.
func (id ID) Other() ID {
	if id == A {
		return B
	}
	return A
}

// Status of one partition.
type Status uint8

const (
	Invalid Status = iota
	Valid
	BootFailed
	BootSuccessful
)

func (s Status) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Valid:
		return "valid"
	case BootFailed:
		return "boot failed"
	case BootSuccessful:
		return "boot successful"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Bootable reports whether a partition in this status may be booted into as
// a rollback target.
func (s Status) Bootable() bool {
	return s == Valid || s == BootSuccessful
}

// TableSize is the persisted size of one table slot.
//
// Layout (little-endian):
//
//	0     active partition (0 = A, 1 = B)
//	1     status A
//	2     status B
//	3     rollback flag
//	4     boot attempt counts (A low nibble, B high nibble)
//	5-7   reserved
//	8-11  generation counter
//	12-15 CRC32 (IEEE) over bytes 0-11
const TableSize = 16

const crcOffset = TableSize - 4

// Entry is the volatile view of one partition slot.
type Entry struct {
	Status       Status
	BootAttempts uint8
}

// Table is the decoded partition table.
type Table struct {
	Active     ID
	Entries    [2]Entry
	Rollback   bool
	Generation uint32
}

var (
	// ErrChecksum indicates a slot failed CRC validation.
	ErrChecksum = errors.New("partition table checksum mismatch")

	errBadActive = errors.New("partition table active indicator out of range")
)

// Encode serializes the table into its 16 byte persisted form.
func (t *Table) Encode() []byte {
	buf := make([]byte, TableSize)

	buf[0] = byte(t.Active)
	buf[1] = byte(t.Entries[A].Status)
	buf[2] = byte(t.Entries[B].Status)

	if t.Rollback {
		buf[3] = 1
	}

	buf[4] = t.Entries[A].BootAttempts&0x0f | t.Entries[B].BootAttempts<<4
	binary.LittleEndian.PutUint32(buf[8:], t.Generation)
	binary.LittleEndian.PutUint32(buf[crcOffset:], crc32.ChecksumIEEE(buf[:crcOffset]))

	return buf
}

// DecodeTable parses and checksum-validates one table slot.
func DecodeTable(buf []byte) (*Table, error) {
	if len(buf) < TableSize {
		return nil, fmt.Errorf("partition table truncated (%d bytes)", len(buf))
	}

	if crc32.ChecksumIEEE(buf[:crcOffset]) != binary.LittleEndian.Uint32(buf[crcOffset:]) {
		return nil, ErrChecksum
	}

	if buf[0] > 1 {
		return nil, errBadActive
	}

	t := &Table{
		Active:     ID(buf[0]),
		Rollback:   buf[3] != 0,
		Generation: binary.LittleEndian.Uint32(buf[8:]),
	}

	t.Entries[A] = Entry{Status: Status(buf[1]), BootAttempts: buf[4] & 0x0f}
	t.Entries[B] = Entry{Status: Status(buf[2]), BootAttempts: buf[4] >> 4}

	return t, nil
}
