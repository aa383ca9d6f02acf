// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// PinState is one precomputed line-level configuration for the adapter's
// MPSSE GPIO banks: value and direction for the low byte (ADBUS) and the
// high byte (ACBUS). Direction bit 1 = output.
type PinState struct {
	LowState      uint8
	LowDirection  uint8
	HighState     uint8
	HighDirection uint8
}

// ProgrammerConfig describes one FTDI-based SWD adapter: how to find it on
// the bus and how its pins map onto the four protocol states. Nothing in the
// driver hard-codes a particular adapter; new ones are new table entries.
type ProgrammerConfig struct {
	Vid       gousb.ID
	Pid       gousb.ID
	Interface int

	// IdleRead releases SWDIO so the target can drive it; IdleWrite takes
	// it back. ResetTarget additionally asserts nRST; ResetSWD holds
	// SWDIO high for the 50-clock line reset sequence.
	IdleRead    PinState
	IdleWrite   PinState
	ResetTarget PinState
	ResetSWD    PinState
}

var supportedProgrammers = map[string]ProgrammerConfig{
	"um232h": {
		Vid: 0x0403, Pid: 0x6014, Interface: 0,
		IdleRead:    PinState{0x09, 0x09, 0x00, 0x00},
		IdleWrite:   PinState{0x09, 0x0b, 0x00, 0x00},
		ResetTarget: PinState{0x01, 0x0b, 0x00, 0x00},
		ResetSWD:    PinState{0x0b, 0x0b, 0x00, 0x00},
	},
	"bus_blaster": {
		Vid: 0x0403, Pid: 0x6010, Interface: 0,
		IdleRead:    PinState{0x09, 0x29, 0xb7, 0x58},
		IdleWrite:   PinState{0x09, 0x2b, 0xa7, 0x58},
		ResetTarget: PinState{0x01, 0x2b, 0xa5, 0x5a},
		ResetSWD:    PinState{0x0b, 0x2b, 0xa7, 0x58},
	},
}

// LookupProgrammer returns the configuration for a named adapter.
func LookupProgrammer(name string) (ProgrammerConfig, error) {
	config, ok := supportedProgrammers[name]
	if !ok {
		return ProgrammerConfig{}, errors.NotFoundf("programmer %q", name)
	}
	return config, nil
}

// SupportedProgrammers lists the known adapter names.
func SupportedProgrammers() []string {
	names := make([]string, 0, len(supportedProgrammers))
	for name := range supportedProgrammers {
		names = append(names, name)
	}
	return names
}
