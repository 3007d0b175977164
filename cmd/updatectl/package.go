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

package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"gopkg.in/yaml.v2"

	"github.com/chipsalliance/mcu-update-os/api"
	"github.com/chipsalliance/mcu-update-os/manifest"
)

// A package directory holds the signed manifest under manifestFile and one
// image file per component, named after the component.
const (
	manifestFile = "manifest"
	templateFile = "manifest.yaml"
)

// packageTemplate is the unsigned manifest description consumed by -sign.
// Sizes and digests are computed from the image files, never declared.
type packageTemplate struct {
	FirmwareDeviceID string `yaml:"firmware_device_id"`
	ImageSetVersion  string `yaml:"image_set_version"`
	SecurityVersion  uint32 `yaml:"security_version"`

	Components []struct {
		Name            string `yaml:"name"`
		Identifier      uint16 `yaml:"identifier"`
		Classification  uint16 `yaml:"classification"`
		ComparisonStamp uint32 `yaml:"comparison_stamp"`
		Version         string `yaml:"version"`
	} `yaml:"components"`
}

// signPackage assembles the signed manifest for a package directory from
// its template and image files.
func signPackage(dir string, keyPath string) error {
	key, err := os.ReadFile(keyPath)

	if err != nil {
		return err
	}

	signer, err := note.NewSigner(strings.TrimSpace(string(key)))

	if err != nil {
		return err
	}

	buf, err := os.ReadFile(filepath.Join(dir, templateFile))

	if err != nil {
		return err
	}

	t := &packageTemplate{}

	if err := yaml.UnmarshalStrict(buf, t); err != nil {
		return fmt.Errorf("parsing package template: %v", err)
	}

	m := &manifest.Manifest{
		FirmwareDeviceID: t.FirmwareDeviceID,
		ImageSetVersion:  t.ImageSetVersion,
		SecurityVersion:  t.SecurityVersion,
	}

	for _, c := range t.Components {
		image, err := os.ReadFile(filepath.Join(dir, c.Name))

		if err != nil {
			return fmt.Errorf("reading image for component %s: %v", c.Name, err)
		}

		classification := c.Classification

		if classification == 0 {
			classification = manifest.ClassificationFirmware
		}

		m.Components = append(m.Components, manifest.Component{
			Name:            c.Name,
			Classification:  classification,
			Identifier:      c.Identifier,
			ComparisonStamp: c.ComparisonStamp,
			Version:         c.Version,
			Size:            uint32(len(image)),
			SHA384:          hex.EncodeToString(manifest.DigestImage(image)),
		})
	}

	envelope, err := manifest.Sign(m, signer)

	if err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, manifestFile), envelope, 0644); err != nil {
		return err
	}

	fmt.Printf("signed manifest for %s %s (%d components, security version %d)\n",
		m.FirmwareDeviceID, m.ImageSetVersion, len(m.Components), m.SecurityVersion)

	return nil
}

// loadPackage reads an update package directory. The manifest body is
// parsed without authentication, only the device's root-of-trust decides
// whether to trust it.
func loadPackage(dir string) (*api.UpdatePackage, error) {
	envelope, err := os.ReadFile(filepath.Join(dir, manifestFile))

	if err != nil {
		return nil, err
	}

	body, err := manifest.Body(envelope)

	if err != nil {
		return nil, err
	}

	m, err := manifest.Parse(body)

	if err != nil {
		return nil, err
	}

	pkg := &api.UpdatePackage{
		Manifest: envelope,
		Images:   make(map[uint16][]byte),
	}

	for i := range m.Components {
		c := &m.Components[i]

		image, err := os.ReadFile(filepath.Join(dir, c.Name))

		if err != nil {
			return nil, fmt.Errorf("reading image for component %s: %v", c.Name, err)
		}

		pkg.Images[c.Identifier] = image
	}

	return pkg, nil
}
