// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// scriptDriver verifies an exact sequence of SWD transactions. Each frame
// describes one expected Read or Write call and scripts its outcome.
type scriptDriver struct {
	t      *testing.T
	frames []frame
	pos    int
}

type frame struct {
	write bool
	addr  uint8
	dp    bool
	data  uint32 // expected data for writes, returned data for reads
	err   error
}

func newScriptDriver(t *testing.T, frames ...frame) *scriptDriver {
	return &scriptDriver{t: t, frames: frames}
}

func (d *scriptDriver) next(write bool, addr uint8, dp bool) *frame {
	require.Less(d.t, d.pos, len(d.frames), "unexpected extra SWD transaction")

	f := &d.frames[d.pos]
	d.pos++

	require.Equal(d.t, f.write, write, "transaction %d direction", d.pos-1)
	require.Equal(d.t, f.addr, addr, "transaction %d address", d.pos-1)
	require.Equal(d.t, f.dp, dp, "transaction %d port", d.pos-1)

	return f
}

func (d *scriptDriver) Initialize() (uint32, error) { return 0, nil }
func (d *scriptDriver) EnterReset() error           { return nil }
func (d *scriptDriver) LeaveReset() error           { return nil }

func (d *scriptDriver) Read(addr uint8, dp bool) (uint32, error) {
	f := d.next(false, addr, dp)
	return f.data, f.err
}

func (d *scriptDriver) Write(addr uint8, dp bool, data uint32) error {
	f := d.next(true, addr, dp)
	if f.err == nil {
		require.Equal(d.t, f.data, data, "transaction %d data", d.pos-1)
	}
	return f.err
}

func (d *scriptDriver) assertDone() {
	require.Equal(d.t, len(d.frames), d.pos, "not all scripted transactions consumed")
}

// simDriver is a behavioral model of a DP, one MEM-AP, sparse target
// memory, and enough of a Cortex-M debug unit to exercise the Target
// facade: DHCSR/DCRSR/DCRDR/DEMCR/DFSR/AIRCR semantics, posted AP reads,
// and TAR auto-increment.
type simDriver struct {
	mem  map[uint32]uint32
	regs [21]uint32

	selectReg uint32
	tar       uint32
	csw       uint32
	posted    uint32

	halted         bool
	dfsr           uint32
	demcr          uint32
	pollsUntilHalt int // countdown armed by an AIRCR reset request
	resetPending   bool

	// onResume runs when a DHCSR write clears C_HALT while halted; tests
	// use it to simulate target-side execution (IAP routines).
	onResume func(d *simDriver)

	// waitsRemaining injects a WAIT response into the next n
	// transactions.
	waitsRemaining int

	// Transaction counters for exact-traffic assertions.
	selectWrites int
	tarWrites    int
	drwWrites    int
	drwReads     int
}

func newSimDriver() *simDriver {
	return &simDriver{
		mem: make(map[uint32]uint32),
		csw: 0xA2000000, // arbitrary reserved bits that must round-trip
	}
}

func (d *simDriver) Initialize() (uint32, error) { return 0x0BB11477, nil }
func (d *simDriver) EnterReset() error           { return nil }
func (d *simDriver) LeaveReset() error           { return nil }

func (d *simDriver) wait() bool {
	if d.waitsRemaining > 0 {
		d.waitsRemaining--
		return true
	}
	return false
}

func (d *simDriver) addrInc() uint32 {
	if d.csw&cswAddrIncSingle != 0 {
		return 4
	}
	return 0
}

func (d *simDriver) Read(addr uint8, dp bool) (uint32, error) {
	if d.wait() {
		return 0, NewSwdError(ErrorWait, "simulated WAIT")
	}

	if dp {
		switch addr {
		case dpRegIDCODE:
			return 0x0BB11477, nil
		case dpRegCTRLSTAT:
			return CtrlStatCSYSPWRUPACK | CtrlStatCDBGPWRUPACK, nil
		case dpRegRDBUFF:
			return d.posted, nil
		}
		return 0, NewSwdError(ErrorFault, "unmodeled DP read %d", addr)
	}

	// AP read: posted semantics. The returned value belongs to the
	// previous AP read; this call itself posts a new one.
	result := d.posted

	switch d.apRegister(addr) {
	case memApCSW:
		d.posted = d.csw
	case memApTAR:
		d.posted = d.tar
	case memApDRW:
		d.drwReads++
		d.posted = d.memRead(d.tar)
		d.tar += d.addrInc()
	default:
		d.posted = 0
	}

	return result, nil
}

func (d *simDriver) Write(addr uint8, dp bool, data uint32) error {
	if d.wait() {
		return NewSwdError(ErrorWait, "simulated WAIT")
	}

	if dp {
		switch addr {
		case dpRegABORT:
			return nil
		case dpRegCTRLSTAT:
			return nil
		case dpRegSELECT:
			d.selectWrites++
			d.selectReg = data
			return nil
		}
		return NewSwdError(ErrorFault, "unmodeled DP write %d", addr)
	}

	switch d.apRegister(addr) {
	case memApCSW:
		d.csw = data
	case memApTAR:
		d.tarWrites++
		d.tar = data
	case memApDRW:
		d.drwWrites++
		d.memWrite(d.tar, data)
		d.tar += d.addrInc()
	}

	return nil
}

// apRegister reconstructs the 8-bit AP register address from the SELECT
// bank and the transaction's word address.
func (d *simDriver) apRegister(addr uint8) uint8 {
	return uint8(d.selectReg&selectAPBankMask) | addr<<2
}

func (d *simDriver) memRead(addr uint32) uint32 {
	switch addr {
	case regDHCSR.Bits():
		d.stepResetCountdown()
		value := dhcsrSREGRDY // register transfers complete instantly
		if d.halted {
			value |= dhcsrSHALT
		}
		return value

	case regDFSR.Bits():
		d.stepResetCountdown()
		return d.dfsr

	case regDEMCR.Bits():
		return d.demcr

	case regDCRDR.Bits():
		return d.mem[regDCRDR.Bits()]
	}

	return d.mem[addr]
}

func (d *simDriver) memWrite(addr uint32, data uint32) {
	switch addr {
	case regDHCSR.Bits():
		wasHalted := d.halted
		d.halted = data&dhcsrCHALT != 0
		if wasHalted && !d.halted && d.onResume != nil {
			d.onResume(d)
		}
		return

	case regDFSR.Bits():
		d.dfsr &^= data // write-1-to-clear
		return

	case regDEMCR.Bits():
		d.demcr = data
		return

	case regDCRSR.Bits():
		reg := data & 0x1F
		if data&dcrsrWrite != 0 {
			d.regs[reg] = d.mem[regDCRDR.Bits()]
		} else {
			d.mem[regDCRDR.Bits()] = d.regs[reg]
		}
		return

	case regAIRCR.Bits():
		if data == aircrVECTKEY|aircrSYSRESETREQ && d.demcr&demcrVCCORERESET != 0 {
			d.resetPending = true
			if d.pollsUntilHalt == 0 {
				d.pollsUntilHalt = 1
			}
		}
		return
	}

	d.mem[addr] = data
}

// stepResetCountdown models the core coming out of reset into the vector
// catch some polls after a reset request.
func (d *simDriver) stepResetCountdown() {
	if !d.resetPending {
		return
	}

	d.pollsUntilHalt--
	if d.pollsUntilHalt <= 0 {
		d.resetPending = false
		d.halted = true
		d.dfsr |= DfsrVCatch
	}
}

// newSimTarget wires a simDriver into a DAP and Target with defaults.
func newSimTarget(config TargetConfig) (*simDriver, *Target) {
	sim := newSimDriver()
	dap := NewDAP(sim)
	target := NewTarget(dap, 0, config)
	return sim, target
}
