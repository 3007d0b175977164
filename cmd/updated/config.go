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
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the updated daemon configuration.
type Config struct {
	// Listen is the address serving the PLDM stream binding.
	Listen string `yaml:"listen"`

	// Serial identifies the device to the Update Agent.
	Serial string `yaml:"serial"`
	// UUID is the hex encoded device UUID descriptor (16 bytes).
	UUID string `yaml:"uuid"`
	// Version is the active image set version.
	Version string `yaml:"version"`

	// FlashPath is the file backing the emulated flash device.
	FlashPath string `yaml:"flash_path"`
	// FlashSize is the size of the emulated flash device in bytes.
	FlashSize int64 `yaml:"flash_size"`
	// TableOffset locates partition table slot 0 on flash.
	TableOffset int64 `yaml:"table_offset"`
	// ImageOffsetA and ImageOffsetB locate the two image regions.
	ImageOffsetA int64 `yaml:"image_offset_a"`
	ImageOffsetB int64 `yaml:"image_offset_b"`
	// ImageSize is the size of each image region.
	ImageSize int64 `yaml:"image_size"`

	// StagingSize is the size of the staging memory area.
	StagingSize uint32 `yaml:"staging_size"`
	// StagingPhys is the physical base address reported for staging DMA.
	StagingPhys uint32 `yaml:"staging_phys"`

	// VendorKey is the note public key authenticating SoC manifests.
	VendorKey string `yaml:"vendor_key"`
	// SecretPath is the file holding the device unique secret.
	SecretPath string `yaml:"secret_path"`
	// EpochPath is the file persisting the sealed anti-rollback record.
	EpochPath string `yaml:"epoch_path"`

	// Timeout bounds each wait for the Update Agent during a session.
	Timeout time.Duration `yaml:"timeout"`
	// ChunkSize is the preferred firmware data transfer size.
	ChunkSize uint32 `yaml:"chunk_size"`

	// Components lists the active firmware components.
	Components []ComponentConfig `yaml:"components"`
}

// ComponentConfig describes one active component for the discovery
// commands.
type ComponentConfig struct {
	Identifier      uint16 `yaml:"identifier"`
	Classification  uint16 `yaml:"classification"`
	ComparisonStamp uint32 `yaml:"comparison_stamp"`
	Version         string `yaml:"version"`
}

// LoadConfig reads and validates a daemon configuration file.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	c := &Config{
		Listen:       "127.0.0.1:2347",
		FlashSize:    32 << 20,
		TableOffset:  0,
		ImageOffsetA: 1 << 20,
		ImageOffsetB: 16 << 20,
		ImageSize:    15 << 20,
		StagingSize:  16 << 20,
		StagingPhys:  0xa0000000,
		Timeout:      30 * time.Second,
		ChunkSize:    4096,
	}

	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %v", path, err)
	}

	switch {
	case c.FlashPath == "":
		return nil, errors.New("missing flash_path")
	case c.VendorKey == "":
		return nil, errors.New("missing vendor_key")
	case c.SecretPath == "":
		return nil, errors.New("missing secret_path")
	case c.EpochPath == "":
		return nil, errors.New("missing epoch_path")
	case len(c.UUID) != 32:
		return nil, errors.New("uuid must be 16 hex encoded bytes")
	case c.ImageOffsetA == c.ImageOffsetB:
		return nil, errors.New("image regions overlap")
	}

	return c, nil
}
