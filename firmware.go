// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"os"

	"github.com/juju/errors"
)

// lpcChecksumIndex is the vector table slot the LPC boot ROM checks: word 7
// must make words 0..7 sum to zero or the ROM refuses to boot the image.
const lpcChecksumIndex = 7

// LoadFirmware reads a raw little-endian ARM binary and returns it as
// words. The file length must be a multiple of 4 bytes.
func LoadFirmware(path string) ([]uint32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading firmware %q", path)
	}

	if len(raw)%4 != 0 {
		return nil, errors.Annotatef(
			NewSwdError(ErrorArgument, "firmware length %d is not a multiple of 4", len(raw)),
			"loading %q", path)
	}

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = leToHostU32(raw[i*4:])
	}

	return words, nil
}

// FixLpcChecksum recomputes the boot ROM checksum word in place: word 7
// becomes the two's complement of the sum of words 0..6.
func FixLpcChecksum(image []uint32) error {
	if len(image) <= lpcChecksumIndex {
		return NewSwdError(ErrorArgument,
			"image too short for a vector table (%d words)", len(image))
	}

	sum := uint32(0)
	for _, word := range image[:lpcChecksumIndex] {
		sum += word
	}

	image[lpcChecksumIndex] = -sum

	logger.Debugf("LPC checksum word set to %08X", image[lpcChecksumIndex])
	return nil
}
