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

// Package manifest implements the SoC manifest: signed metadata listing the
// expected digest, size and version for each firmware subcomponent. The
// manifest travels as the body of a note-signed envelope which only the
// root-of-trust may authenticate.
package manifest

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
)

// Component classification, Table 19, DSP0267 1.3.0.
const ClassificationFirmware = 0x000a

// Component identifiers for the updatable units of the subsystem.
const (
	IdentifierCaliptraFMCRT = 0x0001
	IdentifierSoCManifest   = 0x0002
	IdentifierMCURT         = 0x0003
	// SoC images are numbered from IdentifierSoCImageBase upwards.
	IdentifierSoCImageBase = 0x1000
)

// DigestSize is the size of a component digest (SHA-384).
const DigestSize = sha512.Size384

// Component identifies one updatable unit. Immutable once announced for the
// current update session.
type Component struct {
	Name            string `json:"name"`
	Classification  uint16 `json:"classification"`
	Identifier      uint16 `json:"identifier"`
	ComparisonStamp uint32 `json:"comparison_stamp"`
	Version         string `json:"version"`
	Size            uint32 `json:"size"`
	// SHA384 is the hex encoded expected image digest.
	SHA384 string `json:"sha384"`
}

// Digest decodes the expected image digest.
func (c *Component) Digest() ([]byte, error) {
	d, err := hex.DecodeString(c.SHA384)

	if err != nil {
		return nil, fmt.Errorf("component %s: invalid digest encoding: %v", c.Name, err)
	}

	if len(d) != DigestSize {
		return nil, fmt.Errorf("component %s: digest length %d, expected %d", c.Name, len(d), DigestSize)
	}

	return d, nil
}

// Manifest is the parsed SoC manifest. Component order is normative: the
// verification pipeline walks it front to back.
type Manifest struct {
	// FirmwareDeviceID names the device the manifest applies to.
	FirmwareDeviceID string `json:"firmware_device_id"`
	// ImageSetVersion is the release version of the whole image set.
	ImageSetVersion string `json:"image_set_version"`
	// SecurityVersion is the anti-rollback epoch checked by the
	// root-of-trust. It never decreases across accepted manifests.
	SecurityVersion uint32      `json:"security_version"`
	Components      []Component `json:"components"`
}

// Component returns the manifest entry with the given identifier.
func (m *Manifest) Component(identifier uint16) (*Component, error) {
	for i := range m.Components {
		if m.Components[i].Identifier == identifier {
			return &m.Components[i], nil
		}
	}

	return nil, fmt.Errorf("component %#x not present in manifest", identifier)
}

// Parse decodes and validates a manifest body. It performs no signature
// verification, see Open.
func Parse(body []byte) (*Manifest, error) {
	m := &Manifest{}

	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("malformed manifest: %v", err)
	}

	if len(m.Components) == 0 {
		return nil, errors.New("manifest lists no components")
	}

	if _, err := semver.NewVersion(m.ImageSetVersion); err != nil {
		return nil, fmt.Errorf("invalid image set version %q: %v", m.ImageSetVersion, err)
	}

	seen := make(map[uint16]bool)

	for i := range m.Components {
		c := &m.Components[i]

		if seen[c.Identifier] {
			return nil, fmt.Errorf("duplicate component identifier %#x", c.Identifier)
		}
		seen[c.Identifier] = true

		if c.Size == 0 {
			return nil, fmt.Errorf("component %s has zero size", c.Name)
		}

		if _, err := semver.NewVersion(c.Version); err != nil {
			return nil, fmt.Errorf("component %s version %q: %v", c.Name, c.Version, err)
		}

		if _, err := c.Digest(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Open verifies the envelope signature against the given verifiers and
// parses the body. This is the authentication step the root-of-trust
// performs on VERIFY_MANIFEST.
func Open(envelope []byte, verifiers ...note.Verifier) (*Manifest, error) {
	n, err := note.Open(envelope, note.VerifierList(verifiers...))

	if err != nil {
		return nil, fmt.Errorf("manifest signature verification failed: %v", err)
	}

	return Parse([]byte(n.Text))
}

// Sign wraps a manifest in a signed note envelope. Used by package build
// tooling and tests; production manifests are signed by the vendor.
func Sign(m *Manifest, signer note.Signer) ([]byte, error) {
	body, err := json.Marshal(m)

	if err != nil {
		return nil, err
	}

	return note.Sign(&note.Note{Text: string(body) + "\n"}, signer)
}

// DigestImage computes the digest of an image in the manifest's algorithm.
func DigestImage(image []byte) []byte {
	d := sha512.Sum384(image)
	return d[:]
}

// Body extracts the unverified manifest text from a note envelope: the
// portion preceding the signature block. Callers must still authenticate
// the envelope through the root-of-trust before trusting the result.
func Body(envelope []byte) ([]byte, error) {
	i := bytes.Index(envelope, []byte("\n\n"))

	if i < 0 {
		return nil, errors.New("envelope has no signature block")
	}

	return envelope[:i+1], nil
}
