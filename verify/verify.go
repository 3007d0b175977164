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

// Package verify drives the verification pipeline: the SoC manifest is
// authenticated through the root-of-trust first, then every other
// subcomponent is digested locally and compared against the now-trusted
// manifest, strictly in manifest order. The pipeline stops at the first
// failure; there is no partial credit.
package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/manifest"
	"github.com/chipsalliance/mcu-update-os/mbox"
)

// Status is the per-component verification outcome.
type Status int

const (
	Unverified Status = iota
	ManifestValid
	DigestMatch
	Failed
)

func (s Status) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case ManifestValid:
		return "manifest valid"
	case DigestMatch:
		return "digest match"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Result is produced for each verified component.
type Result struct {
	Status Status
	// Err holds the failure reason when Status is Failed.
	Err error
}

// ErrManifestAuth indicates the root-of-trust refused the manifest.
var ErrManifestAuth = errors.New("manifest authentication failed")

// DigestMismatchError reports a component whose staged image digest does
// not match its manifest entry.
type DigestMismatchError struct {
	Component string
	Expected  []byte
	Actual    []byte
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("component %s digest mismatch (expected %s, got %s)",
		e.Component, hex.EncodeToString(e.Expected), hex.EncodeToString(e.Actual))
}

// Pipeline verifies one image set per run through the root-of-trust
// command channel.
type Pipeline struct {
	rot mbox.Channel
}

// New returns a pipeline using the given root-of-trust channel.
func New(rot mbox.Channel) *Pipeline {
	return &Pipeline{rot: rot}
}

// Begin authenticates the staged manifest envelope and starts a
// verification run over its component list.
func (p *Pipeline) Begin(ctx context.Context, envelope []byte) (*Run, error) {
	if err := mbox.VerifyManifest(ctx, p.rot, envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestAuth, err)
	}

	body, err := manifest.Body(envelope)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestAuth, err)
	}

	m, err := manifest.Parse(body)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestAuth, err)
	}

	klog.V(1).Infof("manifest authenticated, %d components, image set %s",
		len(m.Components), m.ImageSetVersion)

	return &Run{manifest: m}, nil
}

// Run is one sequential verification pass. A later subcomponent is
// verified only if every earlier one succeeded.
type Run struct {
	manifest *manifest.Manifest
	next     int
	failed   bool
}

// Manifest returns the authenticated manifest backing this run.
func (r *Run) Manifest() *manifest.Manifest {
	return r.manifest
}

// Verify checks the staged image of the next component in manifest order.
// Components presented out of order, or after an earlier failure, fail
// without being evaluated.
func (r *Run) Verify(identifier uint16, image []byte) Result {
	if r.failed {
		return Result{Status: Failed, Err: errors.New("verification already failed for an earlier component")}
	}

	if r.next >= len(r.manifest.Components) {
		r.failed = true
		return Result{Status: Failed, Err: errors.New("no components left to verify")}
	}

	c := &r.manifest.Components[r.next]

	if c.Identifier != identifier {
		r.failed = true
		return Result{Status: Failed, Err: fmt.Errorf(
			"component %#x presented out of manifest order, expected %#x (%s)",
			identifier, c.Identifier, c.Name)}
	}

	expected, err := c.Digest()

	if err != nil {
		r.failed = true
		return Result{Status: Failed, Err: err}
	}

	if uint32(len(image)) != c.Size {
		r.failed = true
		return Result{Status: Failed, Err: fmt.Errorf(
			"component %s staged %d bytes, manifest expects %d", c.Name, len(image), c.Size)}
	}

	actual := manifest.DigestImage(image)

	if !bytes.Equal(expected, actual) {
		r.failed = true
		return Result{Status: Failed, Err: &DigestMismatchError{
			Component: c.Name,
			Expected:  expected,
			Actual:    actual,
		}}
	}

	r.next++

	klog.V(1).Infof("component %s verified (%d/%d)", c.Name, r.next, len(r.manifest.Components))

	return Result{Status: DigestMatch}
}

// Complete reports whether every manifest component has been verified.
func (r *Run) Complete() bool {
	return !r.failed && r.next == len(r.manifest.Components)
}
