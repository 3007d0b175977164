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

// Package softrot is a software stand-in for the hardware root-of-trust,
// serving the mailbox command set over a stream connection. It performs
// real manifest signature verification and anti-rollback enforcement so
// that the update engine can be exercised end-to-end without silicon.
package softrot

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/manifest"
	"github.com/chipsalliance/mcu-update-os/mbox"
)

// Storage persists the sealed anti-rollback record across restarts.
type Storage interface {
	// Load returns the stored record, or an empty slice when none exists.
	Load() ([]byte, error)
	// Save replaces the stored record.
	Save(record []byte) error
}

// MemStorage is an in-memory Storage for tests.
type MemStorage struct {
	sync.Mutex
	record []byte
}

func (s *MemStorage) Load() ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	return append([]byte{}, s.record...), nil
}

func (s *MemStorage) Save(record []byte) error {
	s.Lock()
	defer s.Unlock()

	s.record = append([]byte{}, record...)

	return nil
}

const (
	epochRecordSize = 4 + sha256.Size

	derivationSalt = "anti-rollback epoch"
	derivationIter = 4096
)

// RoT emulates the root-of-trust side of the mailbox: it authenticates
// manifests against its trust anchors, enforces the security version epoch
// and tracks the firmware load sequence the activation requires.
type RoT struct {
	sync.Mutex

	verifiers []note.Verifier
	hmacKey   []byte
	store     Storage

	epoch uint32

	// per-session state, cleared on activation
	manifest *manifest.Manifest
	loaded   map[uint16]bool

	// busyBudget makes the next commands report Busy, for retry testing.
	busyBudget int
}

// New builds a root-of-trust with the given trust anchors. The secret
// stands in for the hardware unique key and seals the anti-rollback
// record; the sealed epoch is loaded from store.
func New(secret []byte, store Storage, verifiers ...note.Verifier) (*RoT, error) {
	r := &RoT{
		verifiers: verifiers,
		hmacKey:   pbkdf2.Key(secret, []byte(derivationSalt), derivationIter, sha256.Size, sha256.New),
		store:     store,
		loaded:    make(map[uint16]bool),
	}

	record, err := store.Load()

	if err != nil {
		return nil, fmt.Errorf("loading anti-rollback record: %w", err)
	}

	if len(record) > 0 {
		if r.epoch, err = r.unseal(record); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Epoch returns the current anti-rollback security version.
func (r *RoT) Epoch() uint32 {
	r.Lock()
	defer r.Unlock()

	return r.epoch
}

// SetBusyBudget makes the next n commands fail with Busy.
func (r *RoT) SetBusyBudget(n int) {
	r.Lock()
	defer r.Unlock()

	r.busyBudget = n
}

func (r *RoT) seal(epoch uint32) []byte {
	record := make([]byte, epochRecordSize)
	binary.LittleEndian.PutUint32(record, epoch)

	mac := hmac.New(sha256.New, r.hmacKey)
	mac.Write(record[:4])
	copy(record[4:], mac.Sum(nil))

	return record
}

func (r *RoT) unseal(record []byte) (uint32, error) {
	if len(record) != epochRecordSize {
		return 0, fmt.Errorf("anti-rollback record size %d, expected %d", len(record), epochRecordSize)
	}

	mac := hmac.New(sha256.New, r.hmacKey)
	mac.Write(record[:4])

	if !hmac.Equal(record[4:], mac.Sum(nil)) {
		return 0, errors.New("anti-rollback record authentication failed")
	}

	return binary.LittleEndian.Uint32(record), nil
}

// Serve answers mailbox frames on rw until it is closed.
func (r *RoT) Serve(rw io.ReadWriter) error {
	for {
		f, err := mbox.ReadFrame(rw)

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}

			return err
		}

		result, data := r.handle(f.Command, f.Payload)

		payload := make([]byte, 4+len(data))
		binary.LittleEndian.PutUint32(payload, result)
		copy(payload[4:], data)

		res := &mbox.Frame{Command: f.Command, Payload: payload}

		if _, err := rw.Write(res.Encode()); err != nil {
			return err
		}
	}
}

func (r *RoT) handle(cmd uint32, payload []byte) (result uint32, data []byte) {
	r.Lock()
	defer r.Unlock()

	if r.busyBudget > 0 {
		r.busyBudget--
		return mbox.Busy, nil
	}

	switch cmd {
	case mbox.CmdVerifyManifest:
		return r.verifyManifest(payload), nil
	case mbox.CmdCaliptraFwUpload:
		return r.fwLoad(payload, true), nil
	case mbox.CmdFwLoad:
		return r.fwLoad(payload, false), nil
	case mbox.CmdActivateFirmware:
		return r.activate(), nil
	default:
		klog.Errorf("unknown mailbox command %#x", cmd)
		return mbox.InvalidArgument, nil
	}
}

func (r *RoT) verifyManifest(envelope []byte) uint32 {
	m, err := manifest.Open(envelope, r.verifiers...)

	if err != nil {
		klog.Errorf("manifest rejected: %v", err)
		return mbox.AuthFailure
	}

	if m.SecurityVersion < r.epoch {
		klog.Errorf("manifest security version %d below epoch %d, refusing rollback",
			m.SecurityVersion, r.epoch)
		return mbox.AuthFailure
	}

	r.manifest = m
	r.loaded = make(map[uint16]bool)

	klog.V(1).Infof("manifest authenticated: %s %s, security version %d",
		m.FirmwareDeviceID, m.ImageSetVersion, m.SecurityVersion)

	return mbox.OperationOK
}

// fwLoad authenticates one image against the held manifest. The payload is
// a load descriptor followed by the image bytes; the image is matched to
// its manifest entry by digest, so a swapped or tampered image never loads.
func (r *RoT) fwLoad(payload []byte, caliptra bool) uint32 {
	if r.manifest == nil {
		klog.Errorf("firmware load without an authenticated manifest")
		return mbox.AuthFailure
	}

	if len(payload) < 8 {
		return mbox.InvalidArgument
	}

	length := binary.LittleEndian.Uint32(payload[4:])
	image := payload[8:]

	if uint32(len(image)) != length {
		klog.Errorf("load descriptor length %d does not match %d image bytes", length, len(image))
		return mbox.InvalidArgument
	}

	c := r.match(image)

	if c == nil {
		klog.Errorf("loaded image matches no manifest component")
		return mbox.AuthFailure
	}

	if caliptra != (c.Identifier == manifest.IdentifierCaliptraFMCRT) {
		klog.Errorf("component %#x loaded through the wrong command", c.Identifier)
		return mbox.InvalidArgument
	}

	r.loaded[c.Identifier] = true

	klog.V(1).Infof("component %s (%#x) loaded", c.Name, c.Identifier)

	return mbox.OperationOK
}

func (r *RoT) match(image []byte) *manifest.Component {
	actual := manifest.DigestImage(image)

	for i := range r.manifest.Components {
		c := &r.manifest.Components[i]

		expected, err := c.Digest()

		if err != nil {
			continue
		}

		if uint32(len(image)) == c.Size && bytes.Equal(expected, actual) {
			return c
		}
	}

	return nil
}

// activate commits the loaded firmware: every non-manifest component must
// have loaded, then the anti-rollback epoch advances to the manifest's
// security version before the subsystem would reset.
func (r *RoT) activate() uint32 {
	if r.manifest == nil {
		klog.Errorf("activation without an authenticated manifest")
		return mbox.AuthFailure
	}

	for i := range r.manifest.Components {
		c := &r.manifest.Components[i]

		if c.Identifier == manifest.IdentifierSoCManifest {
			continue
		}

		if !r.loaded[c.Identifier] {
			klog.Errorf("activation with component %s (%#x) not loaded", c.Name, c.Identifier)
			return mbox.GeneralFailure
		}
	}

	if v := r.manifest.SecurityVersion; v > r.epoch {
		if err := r.store.Save(r.seal(v)); err != nil {
			klog.Errorf("sealing anti-rollback epoch %d: %v", v, err)
			return mbox.GeneralFailure
		}

		r.epoch = v
	}

	klog.Infof("firmware activated, anti-rollback epoch %d", r.epoch)

	r.manifest = nil
	r.loaded = make(map[uint16]bool)

	return mbox.OperationOK
}
