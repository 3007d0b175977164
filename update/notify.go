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
)

// PackageMetadata is the per-session view of the announced image set,
// parsed once from RequestUpdate and the PassComponentTable sequence and
// discarded at session end.
type PackageMetadata struct {
	ImageSetVersion string
	ComponentCount  uint16
	MaxTransferSize uint32
	Components      []*ComponentDescriptor
}

// ComponentDescriptor identifies one updatable unit announced by the
// Update Agent. Immutable once announced for the current session.
type ComponentDescriptor struct {
	Classification      uint16
	Identifier          uint16
	ClassificationIndex uint8
	ComparisonStamp     uint32
	Version             string
	// Size is learned from UpdateComponent, zero until then.
	Size uint32
}

// Handlers holds the application-side notification handlers. Each call
// blocks the responder until it returns; a nil handler falls back to the
// in-core default. A non-nil error aborts the current component's update
// (the whole session for UpdateAvailable and ActivateFirmware) and is
// reported to the Update Agent as a component-level failure code.
type Handlers struct {
	// UpdateAvailable is notified when a RequestUpdate arrives while
	// idle. Returning an error refuses the session.
	UpdateAvailable func(ctx context.Context, meta *PackageMetadata) error
	// UpdateComponent is notified before a component download begins;
	// the handler claims staging for the component.
	UpdateComponent func(ctx context.Context, c *ComponentDescriptor) error
	// FirmwareData is notified for every received chunk; the handler
	// stages the bytes at the given component-relative offset.
	FirmwareData func(ctx context.Context, c *ComponentDescriptor, offset uint32, data []byte) error
	// VerifyComponent is notified when a component download completes.
	VerifyComponent func(ctx context.Context, c *ComponentDescriptor) error
	// ApplyComponent is notified after successful verification; the
	// handler commits the staged image to the inactive partition.
	ApplyComponent func(ctx context.Context, c *ComponentDescriptor) error
	// ActivateFirmware is notified on an ActivateFirmware request after
	// all components applied; the handler performs the activation
	// sequence.
	ActivateFirmware func(ctx context.Context, selfContained bool) error
}

// bridge decouples the state machine from the application: protocol events
// become ordered, synchronous notification calls, answered by the
// application handler when set and by the default handler otherwise.
type bridge struct {
	app Handlers
	def *DefaultHandler
}

func (b *bridge) updateAvailable(ctx context.Context, meta *PackageMetadata) error {
	if b.app.UpdateAvailable != nil {
		return b.app.UpdateAvailable(ctx, meta)
	}
	return b.def.updateAvailable(ctx, meta)
}

func (b *bridge) updateComponent(ctx context.Context, c *ComponentDescriptor) error {
	if b.app.UpdateComponent != nil {
		return b.app.UpdateComponent(ctx, c)
	}
	return b.def.updateComponent(ctx, c)
}

func (b *bridge) firmwareData(ctx context.Context, c *ComponentDescriptor, offset uint32, data []byte) error {
	if b.app.FirmwareData != nil {
		return b.app.FirmwareData(ctx, c, offset, data)
	}
	return b.def.firmwareData(ctx, c, offset, data)
}

func (b *bridge) verifyComponent(ctx context.Context, c *ComponentDescriptor) error {
	if b.app.VerifyComponent != nil {
		return b.app.VerifyComponent(ctx, c)
	}
	return b.def.verifyComponent(ctx, c)
}

func (b *bridge) applyComponent(ctx context.Context, c *ComponentDescriptor) error {
	if b.app.ApplyComponent != nil {
		return b.app.ApplyComponent(ctx, c)
	}
	return b.def.applyComponent(ctx, c)
}

func (b *bridge) activateFirmware(ctx context.Context, selfContained bool) error {
	if b.app.ActivateFirmware != nil {
		return b.app.ActivateFirmware(ctx, selfContained)
	}
	return b.def.activateFirmware(ctx, selfContained)
}

// abort releases default-handler session state on session end or abort.
// A responder running entirely on application handlers has no default
// handler state to release.
func (b *bridge) abort() {
	if b.def != nil {
		b.def.abort()
	}
}
