// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFirmware(t *testing.T, raw []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "firmware.bin")
	require.NoError(t, os.WriteFile(path, raw, 0644))
	return path
}

func TestLoadFirmware(t *testing.T) {
	path := writeTempFirmware(t, []byte{
		0x78, 0x56, 0x34, 0x12,
		0xEF, 0xBE, 0xAD, 0xDE,
	})

	image, err := LoadFirmware(path)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x12345678, 0xDEADBEEF}, image)
}

func TestLoadFirmwareRejectsRaggedLength(t *testing.T) {
	path := writeTempFirmware(t, []byte{1, 2, 3})

	_, err := LoadFirmware(path)
	require.Error(t, err)
	assert.True(t, IsArgument(err))
}

func TestLoadFirmwareMissingFile(t *testing.T) {
	_, err := LoadFirmware(filepath.Join(t.TempDir(), "nope.bin"))
	require.Error(t, err)
}

func TestFixLpcChecksum(t *testing.T) {
	image := []uint32{1, 2, 3, 4, 5, 6, 7, 0xFFFFFFFF}

	require.NoError(t, FixLpcChecksum(image))

	// Words 0..7 must now sum to zero mod 2^32.
	sum := uint32(0)
	for _, word := range image[:8] {
		sum += word
	}
	assert.Zero(t, sum)

	expected := uint32(1 + 2 + 3 + 4 + 5 + 6 + 7)
	assert.Equal(t, -expected, image[7])
}

func TestFixLpcChecksumTooShort(t *testing.T) {
	err := FixLpcChecksum([]uint32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, IsArgument(err))
}
