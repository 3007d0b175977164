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

// Package staging provides the staging memory capability: temporary storage
// receiving firmware bytes before they are verified and committed to the
// inactive partition. Offsets are relative to a component's claimed range,
// not absolute device addresses.
package staging

import (
	"errors"
	"fmt"
	"sync"
)

// Store is the staging memory contract the update engine requires. Writes
// are durable by the time the call returns; atomicity across calls is not
// assumed.
type Store interface {
	Read(offset uint32, size uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
}

// DMAMapping translates staging offsets to the physical addresses handed to
// the root-of-trust or storage DMA engine.
type DMAMapping interface {
	Physical(offset uint32) (uint32, error)
}

var errOutOfRange = errors.New("staging access out of range")

// Memory is a staging area backed by a contiguous memory region with a
// fixed physical base address. It hands out one claim per component.
type Memory struct {
	sync.Mutex

	buf  []byte
	phys uint32

	// next allocation offset; claims are released in bulk on session end
	next   uint32
	claims map[uint16]*Claim
}

// NewMemory returns a staging area of the given size, reachable by DMA at
// physical address phys.
func NewMemory(size uint32, phys uint32) *Memory {
	return &Memory{
		buf:    make([]byte, size),
		phys:   phys,
		claims: make(map[uint16]*Claim),
	}
}

// Physical implements DMAMapping for the whole staging area.
func (m *Memory) Physical(offset uint32) (uint32, error) {
	if offset >= uint32(len(m.buf)) {
		return 0, errOutOfRange
	}

	return m.phys + offset, nil
}

// Claim reserves a staging range of the given size for a component. A
// component holds at most one claim at a time.
func (m *Memory) Claim(identifier uint16, size uint32) (*Claim, error) {
	m.Lock()
	defer m.Unlock()

	if _, ok := m.claims[identifier]; ok {
		return nil, fmt.Errorf("component %#x already holds a staging claim", identifier)
	}

	if m.next+size > uint32(len(m.buf)) || m.next+size < m.next {
		return nil, fmt.Errorf("staging exhausted: %d requested, %d available",
			size, uint32(len(m.buf))-m.next)
	}

	c := &Claim{
		mem:        m,
		identifier: identifier,
		base:       m.next,
		size:       size,
	}

	m.next += size
	m.claims[identifier] = c

	return c, nil
}

// Reset releases every claim. Called on session end or abort; a restarted
// session re-claims and re-downloads from offset 0.
func (m *Memory) Reset() {
	m.Lock()
	defer m.Unlock()

	m.next = 0
	m.claims = make(map[uint16]*Claim)
}

// Claim is one component's staging range. It implements Store with offsets
// relative to the range base.
type Claim struct {
	mem        *Memory
	identifier uint16
	base       uint32
	size       uint32
}

// Size returns the claimed range size.
func (c *Claim) Size() uint32 {
	return c.size
}

// Read returns size bytes at offset within the claim.
func (c *Claim) Read(offset uint32, size uint32) ([]byte, error) {
	if offset+size > c.size || offset+size < offset {
		return nil, errOutOfRange
	}

	c.mem.Lock()
	defer c.mem.Unlock()

	buf := make([]byte, size)
	copy(buf, c.mem.buf[c.base+offset:])

	return buf, nil
}

// Write stores data at offset within the claim. Rewriting an offset
// replaces the bytes in place, so duplicate chunks cannot grow the staged
// image.
func (c *Claim) Write(offset uint32, data []byte) error {
	if offset+uint32(len(data)) > c.size {
		return errOutOfRange
	}

	c.mem.Lock()
	defer c.mem.Unlock()

	copy(c.mem.buf[c.base+offset:], data)

	return nil
}

// Physical returns the DMA address of the claim base.
func (c *Claim) Physical() (uint32, error) {
	return c.mem.Physical(c.base)
}

// Release returns the claim's range to the staging area. The range is only
// reusable after a full Reset, preventing a later component from aliasing
// bytes still being verified.
func (c *Claim) Release() {
	c.mem.Lock()
	defer c.mem.Unlock()

	delete(c.mem.claims, c.identifier)
}
