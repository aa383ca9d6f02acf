// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Architectural features shared by ARMv6-M and ARMv7-M. Where a register
// has a compatible definition in both, the ARMv6-M name is used: the
// ARMv7-M Flash Patch and Breakpoint unit is backwards-compatible with the
// ARMv6-M BreakPoint Unit, so it is a BPU here.

package goswd

// CoreRegister numbers the processor registers as seen through DCRSR. The
// sequence has a gap: index 19 is unused.
type CoreRegister uint8

const (
	RegR0 CoreRegister = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegXPSR // union of the Processor Status Registers
	RegMSP  // Main Stack Pointer
	RegPSP  // Process Stack Pointer
	_regUnused19
	RegControl // CONTROL, PRIMASK and friends, packed

	// Aliases.
	RegSP          = RegR13
	RegLR          = RegR14
	RegPC          = RegR15
	RegDebugReturn = RegR15

	regHighest = RegControl
)

// IsRegisterValid reports whether n maps to an implemented core register.
func IsRegisterValid(n CoreRegister) bool {
	return n <= regHighest && n != _regUnused19
}

// System Control Block.
var (
	regAIRCR = NewPtr[Word](0xE000ED0C)
	regDFSR  = NewPtr[Word](0xE000ED30)
)

const (
	aircrVECTKEY     uint32 = 0x05FA << 16
	aircrSYSRESETREQ uint32 = 1 << 2

	// DFSR halt reasons; write-1-to-clear.
	DfsrExternal uint32 = 1 << 4
	DfsrVCatch   uint32 = 1 << 3
	DfsrDwtTrap  uint32 = 1 << 2
	DfsrBkpt     uint32 = 1 << 1
	DfsrHalted   uint32 = 1 << 0

	dfsrReasonMask = DfsrExternal | DfsrVCatch | DfsrDwtTrap | DfsrBkpt | DfsrHalted
)

// Debug Control Block.
var (
	regDHCSR = NewPtr[Word](0xE000EDF0)
	regDCRSR = NewPtr[Word](0xE000EDF4)
	regDCRDR = NewPtr[Word](0xE000EDF8)
	regDEMCR = NewPtr[Word](0xE000EDFC)
)

const (
	dhcsrDBGKEY   uint32 = 0xA05F << 16
	dhcsrSREGRDY  uint32 = 1 << 16
	dhcsrSHALT    uint32 = 1 << 17
	dhcsrCHALT    uint32 = 1 << 1
	dhcsrCDEBUGEN uint32 = 1 << 0

	dcrsrRead  uint32 = 0 << 16
	dcrsrWrite uint32 = 1 << 16

	demcrVCCORERESET uint32 = 1 << 0
	demcrVCHARDERR   uint32 = 1 << 10
	demcrDWTENA      uint32 = 1 << 24
)

// BreakPoint Unit.
var (
	regBPCtrl  = NewPtr[Word](0xE0002000)
	regBPComp0 = NewPtr[Word](0xE0002008)
)

const (
	bpCtrlKey    uint32 = 1 << 1
	bpCtrlEnable uint32 = 1 << 0

	bpCtrlNumCodePos  = 4
	bpCtrlNumCodeMask = uint32(0xF) << bpCtrlNumCodePos

	bpCompMatchLow  uint32 = 1 << 30
	bpCompMatchHigh uint32 = 2 << 30
	bpCompAddrMask  uint32 = 0x1FFFFFFC
	bpCompEnable    uint32 = 1 << 0

	// Breakpoints only match in the ADIv5 code region: the bottom
	// 512MiB of the address space.
	bpCodeRegionMask uint32 = 0xE0000000

	// Architecturally there can be up to 8 comparators.
	bpMaxBreakpoints = 8
)

// MEM-AP registers, as ADIv5 byte addresses.
const (
	memApCSW  uint8 = 0x00
	memApTAR  uint8 = 0x04
	memApDRW  uint8 = 0x0C
	memApIDR  uint8 = 0xFC
	memApBASE uint8 = 0xF8
)

// MEM-AP CSW fields. The top 20 bits are implementation defined or
// reserved and must be round-tripped.
const (
	cswReservedMask uint32 = 0xFFFFF000

	cswAddrIncOff    uint32 = 0 << 4
	cswAddrIncSingle uint32 = 1 << 4
	cswAddrIncPacked uint32 = 2 << 4

	cswSize8  uint32 = 0
	cswSize16 uint32 = 1
	cswSize32 uint32 = 2

	cswTrInProg uint32 = 1 << 7

	// MEM-AP auto-increment wraps at this boundary; bulk transfers must
	// be split on it.
	autoIncBoundary uint32 = 1 << 10
)
