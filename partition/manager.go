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

package partition

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// RollbackThreshold is the number of failed boot attempts after which the
// previously good partition is restored.
const RollbackThreshold = 3

// Flash abstracts the storage holding the partition table and the two
// image regions, allowing substitutions for testing.
type Flash interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// Write writes data at offset on the underlying storage.
	Write(offset int64, data []byte) error
}

// Geometry locates the partition table slots and image regions on flash.
type Geometry struct {
	// TableOffset is the location of table slot 0; slot 1 follows
	// immediately at TableOffset+TableSize.
	TableOffset int64
	// ImageOffset locates the image region of each partition.
	ImageOffset [2]int64
	// ImageSize is the size of each image region.
	ImageSize int64
}

// ErrCorrupt indicates neither table slot validated; the manager operates
// on a fail-safe default and refuses mutations until reinitialized.
var ErrCorrupt = errors.New("partition table corrupt")

// Manager owns the on-flash partition table. The update engine is the sole
// writer during a session; the boot-time reader runs before any session
// exists, so the mutex here only serializes API calls within the engine.
type Manager struct {
	sync.Mutex

	flash Flash
	geo   Geometry

	table   *Table
	slot    int // slot holding the current table
	corrupt bool
}

// NewManager loads the partition table from flash. A manager is returned
// even when the table is corrupt, operating fail-safe on partition A; in
// that condition Corrupt reports true and all mutations fail.
func NewManager(flash Flash, geo Geometry) (*Manager, error) {
	m := &Manager{
		flash: flash,
		geo:   geo,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

// Format writes an initial table marking active as the running partition
// with BootSuccessful status and the other partition Invalid.
func Format(flash Flash, geo Geometry, active ID) error {
	t := &Table{
		Active:     active,
		Generation: 1,
	}
	t.Entries[active] = Entry{Status: BootSuccessful}

	if err := flash.Write(geo.TableOffset, t.Encode()); err != nil {
		return err
	}

	// invalidate the stale slot so it cannot shadow the fresh table
	return flash.Write(geo.TableOffset+TableSize, make([]byte, TableSize))
}

func (m *Manager) load() error {
	var best *Table
	slot := 0

	for i := 0; i < 2; i++ {
		buf, err := m.flash.Read(m.geo.TableOffset+int64(i*TableSize), TableSize)

		if err != nil {
			return fmt.Errorf("partition table read error: %w", err)
		}

		t, err := DecodeTable(buf)

		if err != nil {
			klog.V(1).Infof("partition table slot %d rejected: %v", i, err)
			continue
		}

		if best == nil || t.Generation > best.Generation {
			best = t
			slot = i
		}
	}

	if best == nil {
		// Fail safe: neither slot validated. Operate read-only on
		// partition A, never guessing a Valid status.
		m.table = &Table{Active: A}
		m.corrupt = true

		klog.Errorf("partition table corrupt in both slots, failing safe to %s", m.table.Active)

		return nil
	}

	m.table = best
	m.slot = slot

	return nil
}

// Corrupt reports whether the manager is operating on a fail-safe table.
func (m *Manager) Corrupt() bool {
	m.Lock()
	defer m.Unlock()

	return m.corrupt
}

// CurrentActive returns the active partition. With a corrupt table this is
// the fail-safe choice, not a validated read.
func (m *Manager) CurrentActive() ID {
	m.Lock()
	defer m.Unlock()

	return m.table.Active
}

// Inactive returns the complement of the active partition.
func (m *Manager) Inactive() ID {
	m.Lock()
	defer m.Unlock()

	return m.table.Active.Other()
}

// Snapshot returns a copy of the current table.
func (m *Manager) Snapshot() Table {
	m.Lock()
	defer m.Unlock()

	return *m.table
}

// Mark atomically updates the status of one partition.
func (m *Manager) Mark(id ID, status Status) error {
	m.Lock()
	defer m.Unlock()

	t := *m.table
	t.Entries[id].Status = status

	if status == BootSuccessful {
		t.Entries[id].BootAttempts = 0
	}

	return m.commit(&t)
}

// SwapActive flips the active partition. Only legal when the inactive
// partition holds a bootable image.
func (m *Manager) SwapActive() error {
	m.Lock()
	defer m.Unlock()

	inactive := m.table.Active.Other()

	if s := m.table.Entries[inactive].Status; !s.Bootable() {
		return fmt.Errorf("cannot swap to partition %s with status %s", inactive, s)
	}

	t := *m.table
	t.Active = inactive
	t.Rollback = false

	klog.Infof("swapping active partition %s -> %s", m.table.Active, inactive)

	return m.commit(&t)
}

// RecordBootAttempt records the outcome of a boot from the active
// partition. Repeated failure past RollbackThreshold restores the other
// partition when it holds a bootable image.
func (m *Manager) RecordBootAttempt(success bool) error {
	m.Lock()
	defer m.Unlock()

	t := *m.table
	active := t.Active

	if success {
		t.Entries[active].Status = BootSuccessful
		t.Entries[active].BootAttempts = 0
		t.Rollback = false

		return m.commit(&t)
	}

	if t.Entries[active].BootAttempts < 0x0f {
		t.Entries[active].BootAttempts++
	}

	if t.Entries[active].BootAttempts >= RollbackThreshold {
		t.Entries[active].Status = BootFailed

		if other := active.Other(); t.Entries[other].Status.Bootable() {
			t.Active = other
			t.Rollback = true

			klog.Warningf("partition %s failed %d boot attempts, rolling back to %s",
				active, t.Entries[active].BootAttempts, other)
		} else {
			klog.Errorf("partition %s failed %d boot attempts with no rollback target",
				active, t.Entries[active].BootAttempts)
		}
	}

	return m.commit(&t)
}

// commit persists t with an incremented generation to the stale slot and
// verifies the readback before adopting it. The previous slot remains
// intact throughout, so a power loss at any point leaves one valid table
// with exactly one active partition.
func (m *Manager) commit(t *Table) error {
	if m.corrupt {
		return ErrCorrupt
	}

	t.Generation = m.table.Generation + 1

	slot := 1 - m.slot
	offset := m.geo.TableOffset + int64(slot*TableSize)
	buf := t.Encode()

	if err := m.flash.Write(offset, buf); err != nil {
		return fmt.Errorf("partition table write error: %w", err)
	}

	readback, err := m.flash.Read(offset, TableSize)

	if err != nil {
		return fmt.Errorf("partition table readback error: %w", err)
	}

	if !bytes.Equal(buf, readback) {
		return errors.New("partition table readback mismatch")
	}

	m.table = t
	m.slot = slot

	return nil
}

// WriteImage writes data into the image region of the given partition.
func (m *Manager) WriteImage(id ID, offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > m.geo.ImageSize {
		return fmt.Errorf("image write [%d, %d) exceeds region size %d",
			offset, offset+int64(len(data)), m.geo.ImageSize)
	}

	return m.flash.Write(m.geo.ImageOffset[id]+offset, data)
}

// ReadImage reads from the image region of the given partition.
func (m *Manager) ReadImage(id ID, offset int64, size int64) ([]byte, error) {
	if offset < 0 || offset+size > m.geo.ImageSize {
		return nil, fmt.Errorf("image read [%d, %d) exceeds region size %d",
			offset, offset+size, m.geo.ImageSize)
	}

	return m.flash.Read(m.geo.ImageOffset[id]+offset, size)
}
