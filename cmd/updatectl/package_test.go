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
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/mod/sumdb/note"

	"github.com/chipsalliance/mcu-update-os/manifest"
)

const template = `
firmware_device_id: mcu-subsystem
image_set_version: 2.0.0
security_version: 3
components:
  - name: caliptra-fmc-rt
    identifier: 0x0001
    comparison_stamp: 2
    version: 2.0.0
  - name: mcu-rt
    identifier: 0x0003
    comparison_stamp: 2
    version: 2.0.0
`

func TestSignAndLoadPackage(t *testing.T) {
	dir := t.TempDir()

	skey, vkey, err := note.GenerateKey(rand.Reader, "vendor")
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "vendor.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(skey+"\n"), 0600))

	imageFMC := []byte("caliptra fmc+rt image")
	imageRT := []byte("mcu rt image")

	require.NoError(t, os.WriteFile(filepath.Join(dir, templateFile), []byte(template), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caliptra-fmc-rt"), imageFMC, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mcu-rt"), imageRT, 0644))

	require.NoError(t, signPackage(dir, keyPath))

	// the generated envelope authenticates against the vendor key
	envelope, err := os.ReadFile(filepath.Join(dir, manifestFile))
	require.NoError(t, err)

	verifier, err := note.NewVerifier(vkey)
	require.NoError(t, err)

	m, err := manifest.Open(envelope, verifier)
	require.NoError(t, err)
	require.Len(t, m.Components, 2)

	assert.Equal(t, uint32(3), m.SecurityVersion)
	assert.Equal(t, uint32(len(imageFMC)), m.Components[0].Size)
	assert.Equal(t, uint16(manifest.ClassificationFirmware), m.Components[0].Classification)

	pkg, err := loadPackage(dir)
	require.NoError(t, err)

	assert.Equal(t, envelope, pkg.Manifest)
	assert.Equal(t, imageFMC, pkg.Images[manifest.IdentifierCaliptraFMCRT])
	assert.Equal(t, imageRT, pkg.Images[manifest.IdentifierMCURT])
}

func TestLoadPackageMissingImage(t *testing.T) {
	dir := t.TempDir()

	skey, _, err := note.GenerateKey(rand.Reader, "vendor")
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "vendor.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(skey), 0600))

	require.NoError(t, os.WriteFile(filepath.Join(dir, templateFile), []byte(template), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caliptra-fmc-rt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mcu-rt"), []byte("b"), 0644))
	require.NoError(t, signPackage(dir, keyPath))

	require.NoError(t, os.Remove(filepath.Join(dir, "mcu-rt")))

	_, err = loadPackage(dir)
	assert.Error(t, err)
}
