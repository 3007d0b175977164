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

package staging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimReadWrite(t *testing.T) {
	mem := NewMemory(1024, 0x80000000)

	c, err := mem.Claim(0x0001, 16)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), c.Size())

	require.NoError(t, c.Write(0, []byte("firmware")))
	require.NoError(t, c.Write(8, []byte("image!!!")))

	out, err := c.Read(0, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("firmwareimage!!!"), out)
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	mem := NewMemory(64, 0)

	c, err := mem.Claim(0x0001, 8)
	require.NoError(t, err)

	require.NoError(t, c.Write(0, []byte{1, 2, 3, 4}))
	require.NoError(t, c.Write(4, []byte{5, 6, 7, 8}))

	// a redelivered chunk replaces bytes in place
	require.NoError(t, c.Write(0, []byte{1, 2, 3, 4}))

	out, err := c.Read(0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, out)
}

func TestClaimBounds(t *testing.T) {
	mem := NewMemory(64, 0)

	c, err := mem.Claim(0x0001, 8)
	require.NoError(t, err)

	assert.Error(t, c.Write(6, []byte{1, 2, 3}))

	_, err = c.Read(4, 8)
	assert.Error(t, err)

	// offset+size overflow
	_, err = c.Read(0xfffffff0, 0x20)
	assert.Error(t, err)
}

func TestClaimPerComponent(t *testing.T) {
	mem := NewMemory(64, 0)

	_, err := mem.Claim(0x0001, 8)
	require.NoError(t, err)

	_, err = mem.Claim(0x0001, 8)
	assert.Error(t, err, "one claim per component")

	_, err = mem.Claim(0x0002, 8)
	assert.NoError(t, err)
}

func TestExhaustion(t *testing.T) {
	mem := NewMemory(64, 0)

	_, err := mem.Claim(0x0001, 48)
	require.NoError(t, err)

	_, err = mem.Claim(0x0002, 32)
	assert.Error(t, err)

	mem.Reset()

	_, err = mem.Claim(0x0002, 64)
	assert.NoError(t, err)
}

func TestPhysicalAddresses(t *testing.T) {
	mem := NewMemory(1024, 0x80000000)

	a, err := mem.Claim(0x0001, 256)
	require.NoError(t, err)

	b, err := mem.Claim(0x0002, 256)
	require.NoError(t, err)

	pa, err := a.Physical()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80000000), pa)

	pb, err := b.Physical()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80000100), pb)

	_, err = mem.Physical(2048)
	assert.Error(t, err)
}
