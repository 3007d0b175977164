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

package update

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/api"
	"github.com/chipsalliance/mcu-update-os/manifest"
	"github.com/chipsalliance/mcu-update-os/mbox"
	"github.com/chipsalliance/mcu-update-os/partition"
	"github.com/chipsalliance/mcu-update-os/staging"
	"github.com/chipsalliance/mcu-update-os/verify"
)

// DefaultHandler is the in-core notification handler: it wires the staging
// memory, the verification pipeline, the partition manager and the
// root-of-trust channel so that a bare Responder performs a complete
// update without application involvement.
type DefaultHandler struct {
	sync.Mutex

	staging    *staging.Memory
	pipeline   *verify.Pipeline
	partitions *partition.Manager
	rot        mbox.Channel

	claims      map[uint16]*staging.Claim
	run         *verify.Run
	applyOffset int64
	applied     []*ComponentDescriptor
}

// NewDefaultHandler returns a default handler over the given capabilities.
func NewDefaultHandler(mem *staging.Memory, pipeline *verify.Pipeline, partitions *partition.Manager, rot mbox.Channel) *DefaultHandler {
	return &DefaultHandler{
		staging:    mem,
		pipeline:   pipeline,
		partitions: partitions,
		rot:        rot,
		claims:     make(map[uint16]*staging.Claim),
	}
}

func (h *DefaultHandler) updateAvailable(_ context.Context, meta *PackageMetadata) error {
	h.Lock()
	defer h.Unlock()

	// per-session state starts clean; an aborted predecessor may have
	// left claims behind
	h.staging.Reset()
	h.claims = make(map[uint16]*staging.Claim)
	h.run = nil
	h.applyOffset = 0
	h.applied = nil

	klog.Infof("update available: image set %s, %d components",
		meta.ImageSetVersion, meta.ComponentCount)

	return nil
}

func (h *DefaultHandler) updateComponent(_ context.Context, c *ComponentDescriptor) error {
	h.Lock()
	defer h.Unlock()

	claim, err := h.staging.Claim(c.Identifier, c.Size)

	if err != nil {
		return api.Errorf(api.StagingIO, "claiming staging for component %#x: %v", c.Identifier, err)
	}

	h.claims[c.Identifier] = claim

	return nil
}

func (h *DefaultHandler) firmwareData(_ context.Context, c *ComponentDescriptor, offset uint32, data []byte) error {
	h.Lock()
	claim := h.claims[c.Identifier]
	h.Unlock()

	if claim == nil {
		return api.Errorf(api.StagingIO, "no staging claim for component %#x", c.Identifier)
	}

	if err := claim.Write(offset, data); err != nil {
		return api.Errorf(api.StagingIO, "staging component %#x at offset %d: %v", c.Identifier, offset, err)
	}

	return nil
}

func (h *DefaultHandler) verifyComponent(ctx context.Context, c *ComponentDescriptor) error {
	h.Lock()
	claim := h.claims[c.Identifier]
	run := h.run
	h.Unlock()

	if claim == nil {
		return api.Errorf(api.StagingIO, "no staging claim for component %#x", c.Identifier)
	}

	staged, err := claim.Read(0, c.Size)

	if err != nil {
		return api.Errorf(api.StagingIO, "reading staged component %#x: %v", c.Identifier, err)
	}

	// The SoC manifest authenticates through the root-of-trust and opens
	// the verification run; everything else must follow it, in manifest
	// order.
	if c.Identifier == manifest.IdentifierSoCManifest {
		run, err := h.pipeline.Begin(ctx, staged)

		if err != nil {
			return &api.Error{Kind: api.VerificationFailed, Err: err}
		}

		h.Lock()
		h.run = run
		h.Unlock()

		return nil
	}

	if run == nil {
		return api.Errorf(api.VerificationFailed, "component %#x verified before the SoC manifest", c.Identifier)
	}

	if res := run.Verify(c.Identifier, staged); res.Status != verify.DigestMatch {
		return &api.Error{Kind: api.VerificationFailed, Err: res.Err}
	}

	return nil
}

func (h *DefaultHandler) applyComponent(_ context.Context, c *ComponentDescriptor) error {
	h.Lock()
	defer h.Unlock()

	claim := h.claims[c.Identifier]

	if claim == nil {
		return api.Errorf(api.StagingIO, "no staging claim for component %#x", c.Identifier)
	}

	staged, err := claim.Read(0, c.Size)

	if err != nil {
		return api.Errorf(api.StagingIO, "reading staged component %#x: %v", c.Identifier, err)
	}

	inactive := h.partitions.Inactive()

	if err = h.partitions.WriteImage(inactive, h.applyOffset, staged); err != nil {
		return api.Errorf(api.StagingIO, "writing component %#x to partition %s: %v", c.Identifier, inactive, err)
	}

	klog.Infof("component %#x applied to partition %s at offset %d (%d bytes)",
		c.Identifier, inactive, h.applyOffset, len(staged))

	h.applyOffset += int64(len(staged))
	h.applied = append(h.applied, c)

	return nil
}

func (h *DefaultHandler) activateFirmware(ctx context.Context, _ bool) error {
	h.Lock()
	applied := h.applied
	run := h.run
	h.Unlock()

	if run == nil || !run.Complete() {
		return api.Errorf(api.VerificationFailed, "activation requested with incomplete verification")
	}

	// Hand every applied image to the root-of-trust before committing:
	// the Caliptra FMC+RT goes through its dedicated upload command, the
	// manifest is already held by the root-of-trust, the rest load
	// through FW_LOAD.
	for _, c := range applied {
		if c.Identifier == manifest.IdentifierSoCManifest {
			continue
		}

		h.Lock()
		claim := h.claims[c.Identifier]
		h.Unlock()

		staged, err := claim.Read(0, c.Size)

		if err != nil {
			return api.Errorf(api.StagingIO, "reading staged component %#x: %v", c.Identifier, err)
		}

		addr, err := claim.Physical()

		if err != nil {
			return api.Errorf(api.StagingIO, "mapping component %#x for DMA: %v", c.Identifier, err)
		}

		desc := mbox.LoadDescriptor{Address: addr, Length: c.Size}

		if c.Identifier == manifest.IdentifierCaliptraFMCRT {
			err = mbox.CaliptraFwUpload(ctx, h.rot, desc, staged)
		} else {
			err = mbox.FwLoad(ctx, h.rot, desc, staged)
		}

		if err != nil {
			return &api.Error{Kind: api.RootOfTrust, Err: err}
		}
	}

	if err := mbox.ActivateFirmware(ctx, h.rot); err != nil {
		return &api.Error{Kind: api.RootOfTrust, Err: err}
	}

	if err := h.partitions.SwapActive(); err != nil {
		return &api.Error{Kind: api.PartitionTableCorrupt, Err: err}
	}

	klog.Infof("firmware activated, active partition now %s", h.partitions.CurrentActive())

	return nil
}

// releaseComponent drops the staging claim of a failed component.
func (h *DefaultHandler) releaseComponent(identifier uint16) {
	h.Lock()
	defer h.Unlock()

	if claim := h.claims[identifier]; claim != nil {
		claim.Release()
		delete(h.claims, identifier)
	}
}

func (h *DefaultHandler) abort() {
	h.Lock()
	defer h.Unlock()

	h.staging.Reset()
	h.claims = make(map[uint16]*staging.Claim)
	h.run = nil
	h.applyOffset = 0
	h.applied = nil
}
