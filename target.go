// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/juju/errors"
)

// TargetConfig adjusts Target behavior that the hardware leaves open.
type TargetConfig struct {
	// WaitForWriteCompletion makes every single-word write poll
	// CSW.TrInProg until the transaction has drained. Skipping the poll
	// appears to work on all known parts and is the default.
	WaitForWriteCompletion bool

	// HaltRetryBudget bounds the number of 1ms polls while waiting for
	// the core to halt. Zero selects the default.
	HaltRetryBudget int
}

// Target drives one MEM-AP and the Cortex-M debug blocks behind it: memory,
// core registers, halt/reset control, and hardware breakpoints. It holds no
// state beyond configuration and the breakpoint slot map.
type Target struct {
	dap        *DAP
	memApIndex uint8
	config     TargetConfig

	breakpoints bitmap.Bitmap
}

// NewTarget wraps a DAP. memApIndex selects the MEM-AP, typically 0.
func NewTarget(dap *DAP, memApIndex uint8, config TargetConfig) *Target {
	if config.HaltRetryBudget == 0 {
		config.HaltRetryBudget = HaltRetryBudget
	}

	return &Target{
		dap:         dap,
		memApIndex:  memApIndex,
		config:      config,
		breakpoints: bitmap.New(bpMaxBreakpoints),
	}
}

func (t *Target) writeAP(address uint8, data uint32) error {
	return t.dap.WriteAP(t.memApIndex, address, data)
}

func (t *Target) startReadAP(address uint8) error {
	return t.dap.StartReadAP(t.memApIndex, address)
}

func (t *Target) stepReadAP(address uint8) (uint32, error) {
	return t.dap.StepReadAP(t.memApIndex, address)
}

func (t *Target) finalReadAP() (uint32, error) {
	return t.dap.ReadRdBuff()
}

// readAPBlocking performs a complete (non-pipelined) AP read with the
// standard DAP retry budget.
func (t *Target) readAPBlocking(address uint8) (uint32, error) {
	if err := retryWait(DapRetryBudget, func() error {
		return t.startReadAP(address)
	}); err != nil {
		return 0, errors.Trace(err)
	}

	var data uint32
	err := retryWait(DapRetryBudget, func() error {
		var readErr error
		data, readErr = t.finalReadAP()
		return readErr
	})

	return data, errors.Trace(err)
}

// modifyCSW reads CSW, clears the transfer-shape bits, ORs in the new ones,
// and writes the result back. The reserved top bits round-trip unchanged.
func (t *Target) modifyCSW(shape uint32) error {
	csw, err := t.readAPBlocking(memApCSW)
	if err != nil {
		return errors.Annotate(err, "CSW read")
	}

	return errors.Annotate(t.writeAP(memApCSW, csw&cswReservedMask|shape), "CSW write")
}

// Initialize configures the MEM-AP for word transactions and, when
// enableDebug is set, switches on halting debug via DHCSR.
func (t *Target) Initialize(enableDebug bool) error {
	if err := t.modifyCSW(cswSize32); err != nil {
		return errors.Trace(err)
	}

	if !enableDebug {
		return nil
	}

	dhcsr, err := t.ReadWord(regDHCSR.Const())
	if err != nil {
		return errors.Trace(err)
	}

	if dhcsr&dhcsrCDEBUGEN == 0 {
		err = t.WriteWord(regDHCSR, dhcsr&0xFFFF|dhcsrDBGKEY|dhcsrCDEBUGEN)
		if err != nil {
			return errors.Annotate(err, "enabling halting debug")
		}
	}

	return nil
}

// WriteWord writes one word of target memory.
func (t *Target) WriteWord(addr WordPtr, data uint32) error {
	if addr.Bits()&3 != 0 {
		return NewSwdError(ErrorArgument, "unaligned word write to %08X", addr.Bits())
	}

	logger.Tracef("poke32(%08X, %08X)", addr.Bits(), data)

	if err := t.writeAP(memApTAR, addr.Bits()); err != nil {
		return errors.Trace(err)
	}

	if err := retryWait(DapRetryBudget, func() error {
		return t.writeAP(memApDRW, data)
	}); err != nil {
		return errors.Trace(err)
	}

	if !t.config.WaitForWriteCompletion {
		return nil
	}

	// Block until the MEM-AP reports the transaction drained.
	return retryWait(DapRetryBudget, func() error {
		csw, err := t.readAPBlocking(memApCSW)
		if err != nil {
			return err
		}
		if csw&cswTrInProg != 0 {
			return NewSwdError(ErrorWait, "MEM-AP transfer in progress")
		}
		return nil
	})
}

// ReadWord reads one word of target memory.
func (t *Target) ReadWord(addr ConstWordPtr) (uint32, error) {
	if addr.Bits()&3 != 0 {
		return 0, NewSwdError(ErrorArgument, "unaligned word read from %08X", addr.Bits())
	}

	if err := t.writeAP(memApTAR, addr.Bits()); err != nil {
		return 0, errors.Trace(err)
	}

	data, err := t.readAPBlocking(memApDRW)
	if err != nil {
		return 0, errors.Trace(err)
	}

	logger.Tracef("peek32(%08X) = %08X", addr.Bits(), data)
	return data, nil
}

// ReadByte reads a single byte by loading the containing word and shifting
// it out; the SWD layer is word-granular, so sub-word access is emulated
// here.
func (t *Target) ReadByte(addr ConstPtr[uint8]) (uint8, error) {
	word, err := t.ReadWord(NewConstPtr[Word](addr.Bits() &^ 3))
	if err != nil {
		return 0, errors.Trace(err)
	}

	return uint8(word >> ((addr.Bits() & 3) * 8)), nil
}

// ReadHalfword reads a 16-bit quantity, e.g. a Thumb instruction. The
// address must be halfword-aligned.
func (t *Target) ReadHalfword(addr ConstPtr[Halfword]) (uint16, error) {
	if addr.Bits()&1 != 0 {
		return 0, NewSwdError(ErrorArgument, "unaligned halfword read from %08X", addr.Bits())
	}

	word, err := t.ReadWord(NewConstPtr[Word](addr.Bits() &^ 3))
	if err != nil {
		return 0, errors.Trace(err)
	}

	if addr.Bits()&2 != 0 {
		return uint16(word >> 16), nil
	}
	return uint16(word), nil
}

// chunkToBoundary returns how many words may transfer starting at addr
// before the MEM-AP auto-increment wraps at its 1KiB boundary.
func chunkToBoundary(addr uint32, count int) int {
	room := int(autoIncBoundary-addr&(autoIncBoundary-1)) / 4
	if count < room {
		return count
	}
	return room
}

// WriteWords streams words from buffer into target memory using MEM-AP
// auto-increment: one TAR write, then back-to-back DRW writes. Transfers
// are split transparently on the auto-increment boundary.
func (t *Target) WriteWords(buffer []uint32, addr WordPtr) error {
	if addr.Bits()&3 != 0 {
		return NewSwdError(ErrorArgument, "unaligned bulk write to %08X", addr.Bits())
	}

	if err := t.modifyCSW(cswAddrIncSingle | cswSize32); err != nil {
		return errors.Trace(err)
	}

	for len(buffer) > 0 {
		n := chunkToBoundary(addr.Bits(), len(buffer))

		if err := t.writeAP(memApTAR, addr.Bits()); err != nil {
			return errors.Trace(err)
		}

		for _, word := range buffer[:n] {
			word := word
			if err := retryWait(DapRetryBudget, func() error {
				return t.writeAP(memApDRW, word)
			}); err != nil {
				return errors.Trace(err)
			}
		}

		buffer = buffer[n:]
		addr = addr.Add(n)
	}

	return nil
}

// ReadWords fills buffer from target memory using pipelined posted reads:
// one start, count-1 steps, and a final RDBUFF drain per chunk.
func (t *Target) ReadWords(addr ConstWordPtr, buffer []uint32) error {
	if addr.Bits()&3 != 0 {
		return NewSwdError(ErrorArgument, "unaligned bulk read from %08X", addr.Bits())
	}

	if err := t.modifyCSW(cswAddrIncSingle | cswSize32); err != nil {
		return errors.Trace(err)
	}

	for len(buffer) > 0 {
		n := chunkToBoundary(addr.Bits(), len(buffer))

		if err := t.writeAP(memApTAR, addr.Bits()); err != nil {
			return errors.Trace(err)
		}

		if err := retryWait(DapRetryBudget, func() error {
			return t.startReadAP(memApDRW)
		}); err != nil {
			return errors.Trace(err)
		}

		for i := 0; i < n-1; i++ {
			i := i
			if err := retryWait(DapRetryBudget, func() error {
				data, readErr := t.stepReadAP(memApDRW)
				if readErr != nil {
					return readErr
				}
				buffer[i] = data
				return nil
			}); err != nil {
				return errors.Trace(err)
			}
		}

		if err := retryWait(DapRetryBudget, func() error {
			data, readErr := t.finalReadAP()
			if readErr != nil {
				return readErr
			}
			buffer[n-1] = data
			return nil
		}); err != nil {
			return errors.Trace(err)
		}

		buffer = buffer[n:]
		addr = addr.Add(n)
	}

	return nil
}

// waitRegisterReady polls DHCSR.S_REGRDY after a DCRSR transfer request.
func (t *Target) waitRegisterReady() error {
	return retryWait(DapRetryBudget, func() error {
		dhcsr, err := t.ReadWord(regDHCSR.Const())
		if err != nil {
			return err
		}
		if dhcsr&dhcsrSREGRDY == 0 {
			return NewSwdError(ErrorWait, "core register transfer in progress")
		}
		return nil
	})
}

// ReadRegister reads a core or special-purpose register. The core must be
// halted.
func (t *Target) ReadRegister(reg CoreRegister) (uint32, error) {
	if !IsRegisterValid(reg) {
		return 0, NewSwdError(ErrorArgument, "invalid register index %d", reg)
	}

	if err := t.WriteWord(regDCRSR, dcrsrRead|uint32(reg)); err != nil {
		return 0, errors.Trace(err)
	}

	if err := t.waitRegisterReady(); err != nil {
		return 0, errors.Trace(err)
	}

	return t.ReadWord(regDCRDR.Const())
}

// WriteRegister replaces a core or special-purpose register. The core must
// be halted.
func (t *Target) WriteRegister(reg CoreRegister, data uint32) error {
	if !IsRegisterValid(reg) {
		return NewSwdError(ErrorArgument, "invalid register index %d", reg)
	}

	if err := t.WriteWord(regDCRDR, data); err != nil {
		return errors.Trace(err)
	}

	if err := t.WriteWord(regDCRSR, dcrsrWrite|uint32(reg)); err != nil {
		return errors.Trace(err)
	}

	return t.waitRegisterReady()
}

// Halt stops the core. Halting an already-halted core has no effect.
func (t *Target) Halt() error {
	return t.WriteWord(regDHCSR, dhcsrDBGKEY|dhcsrCHALT|dhcsrCDEBUGEN)
}

// Resume restarts the halted core at the Debug Return address.
func (t *Target) Resume() error {
	return t.WriteWord(regDHCSR, dhcsrDBGKEY|dhcsrCDEBUGEN)
}

// IsHalted reports whether the core is currently halted.
func (t *Target) IsHalted() (bool, error) {
	dhcsr, err := t.ReadWord(regDHCSR.Const())
	if err != nil {
		return false, errors.Trace(err)
	}
	return dhcsr&dhcsrSHALT != 0, nil
}

// ReadHaltState returns the DFSR halt reason bits.
func (t *Target) ReadHaltState() (uint32, error) {
	dfsr, err := t.ReadWord(regDFSR.Const())
	if err != nil {
		return 0, errors.Trace(err)
	}
	return dfsr & dfsrReasonMask, nil
}

// ResetHaltState clears all DFSR halt reasons (write-1-to-clear).
func (t *Target) ResetHaltState() error {
	return t.WriteWord(regDFSR, dfsrReasonMask)
}

// ResetAndHalt resets the core and catches it at the reset vector. DEMCR is
// snapshotted around the operation so the caller's vector catch
// configuration survives. If the poll budget runs out the CPU state is
// unobservable and the caller must re-issue Halt.
func (t *Target) ResetAndHalt() error {
	demcr, err := t.ReadWord(regDEMCR.Const())
	if err != nil {
		return errors.Trace(err)
	}

	err = t.WriteWord(regDEMCR, demcr|demcrVCCORERESET|demcrVCHARDERR|demcrDWTENA)
	if err != nil {
		return errors.Trace(err)
	}

	// SYSRESETREQ rather than VECTRESET: the latter does not exist on
	// ARMv6-M parts.
	err = t.WriteWord(regAIRCR, aircrVECTKEY|aircrSYSRESETREQ)
	if err != nil {
		return errors.Trace(err)
	}

	err = retryWait(t.config.HaltRetryBudget, func() error {
		return t.pollForHalt(DfsrVCatch)
	})
	if err != nil {
		return errors.Annotate(err, "core did not halt after reset")
	}

	return errors.Annotate(t.WriteWord(regDEMCR, demcr), "DEMCR restore")
}

func (t *Target) pollForHalt(dfsrMask uint32) error {
	dhcsr, err := t.ReadWord(regDHCSR.Const())
	if err != nil {
		return err
	}

	dfsr, err := t.ReadWord(regDFSR.Const())
	if err != nil {
		return err
	}

	logger.Tracef("pollForHalt: DHCSR=%08X DFSR=%08X", dhcsr, dfsr)

	if dhcsr&dhcsrSHALT != 0 && dfsr&dfsrMask != 0 {
		return nil
	}

	return NewSwdError(ErrorWait, "core still running")
}

// WaitForHalt polls until the core halts or the budget runs out, sleeping
// between polls.
func (t *Target) WaitForHalt(budget int, pollPeriod time.Duration) error {
	for attempt := 0; attempt < budget; attempt++ {
		halted, err := t.IsHalted()
		if err != nil {
			return errors.Trace(err)
		}
		if halted {
			return nil
		}
		time.Sleep(pollPeriod)
	}

	return NewSwdError(ErrorFault, "core did not halt within %d polls", budget)
}

// EnableBreakpoints switches the BPU on. The KEY bit must accompany every
// BP_CTRL write.
func (t *Target) EnableBreakpoints() error {
	return t.WriteWord(regBPCtrl, bpCtrlKey|bpCtrlEnable)
}

// DisableBreakpoints switches the BPU off without touching the
// comparators.
func (t *Target) DisableBreakpoints() error {
	return t.WriteWord(regBPCtrl, bpCtrlKey)
}

// AreBreakpointsEnabled reads back the BPU enable flag.
func (t *Target) AreBreakpointsEnabled() (bool, error) {
	ctrl, err := t.ReadWord(regBPCtrl.Const())
	if err != nil {
		return false, errors.Trace(err)
	}
	return ctrl&bpCtrlEnable != 0, nil
}

// GetBreakpointCount returns how many hardware comparators the part
// implements.
func (t *Target) GetBreakpointCount() (int, error) {
	ctrl, err := t.ReadWord(regBPCtrl.Const())
	if err != nil {
		return 0, errors.Trace(err)
	}
	return int(ctrl & bpCtrlNumCodeMask >> bpCtrlNumCodePos), nil
}

// EnableBreakpoint arms comparator n at the given code address. Bit 0 of
// the address is ignored to permit Thumb-style addresses; bit 1 selects
// which halfword of the word matches.
func (t *Target) EnableBreakpoint(n int, addr ConstPtr[Halfword]) error {
	if n < 0 || n >= bpMaxBreakpoints {
		return NewSwdError(ErrorArgument, "breakpoint index %d out of range", n)
	}

	if addr.Bits()&bpCodeRegionMask != 0 {
		return NewSwdError(ErrorArgument,
			"breakpoint address %08X outside the code region", addr.Bits())
	}

	match := bpCompMatchLow
	if addr.Bit(1) {
		match = bpCompMatchHigh
	}

	err := t.WriteWord(regBPComp0.Add(n), match|addr.Bits()&bpCompAddrMask|bpCompEnable)
	if err != nil {
		return errors.Trace(err)
	}

	t.breakpoints.Set(n, true)
	return nil
}

// DisableBreakpoint clears comparator n.
func (t *Target) DisableBreakpoint(n int) error {
	if n < 0 || n >= bpMaxBreakpoints {
		return NewSwdError(ErrorArgument, "breakpoint index %d out of range", n)
	}

	if err := t.WriteWord(regBPComp0.Add(n), 0); err != nil {
		return errors.Trace(err)
	}

	t.breakpoints.Set(n, false)
	return nil
}

// ClaimBreakpoint returns the lowest comparator index not yet armed by this
// Target, without touching the hardware.
func (t *Target) ClaimBreakpoint() (int, error) {
	count, err := t.GetBreakpointCount()
	if err != nil {
		return 0, errors.Trace(err)
	}

	for n := 0; n < count; n++ {
		if !t.breakpoints.Get(n) {
			return n, nil
		}
	}

	return 0, NewSwdError(ErrorFault, "all %d hardware breakpoints in use", count)
}
