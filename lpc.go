// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// NXP LPC11xx/13xx In-Application-Programming support. The IAP routines
// live in the boot ROM and are invoked on-target: the host stages a
// command table in RAM, points the core at the ROM entry, and catches the
// return with a hardware breakpoint.

package goswd

import (
	"time"

	"github.com/juju/errors"
)

// IAP entry point. This is an actual code pointer -- not a Thumb-style
// address with bit 0 set.
const iapEntry uint32 = 0x1FFF1FF0

// IAP command numbers.
const (
	iapPrepareSectors    uint32 = 50
	iapCopyRamToFlash    uint32 = 51
	iapEraseSectors      uint32 = 52
	iapBlankCheckSectors uint32 = 53
	iapReadPartID        uint32 = 54
)

// IAP status codes (result table word 0).
const (
	iapCmdSuccess     uint32 = 0
	iapSectorNotBlank uint32 = 8
)

const (
	iapMaxCommandWords  = 5
	iapMaxResponseWords = 5
	iapMinStackBytes    = 128
)

// SYSCON SYSMEMREMAP: selects what memory appears at the bottom of the
// address space. The boot ROM maps itself there after reset; flashing and
// dumping want user flash back.
var regSYSMEMREMAP = NewPtr[Word](0x40048000)

const sysMemRemapUserFlash uint32 = 2

// LpcChipInfo describes one LPC11xx/13xx part well enough to drive IAP.
type LpcChipInfo struct {
	RamStart   uint32
	RamSize    uint32
	FlashSize  uint32
	SectorSize uint32
	CclkKHz    uint32
}

var supportedLpcChips = map[string]LpcChipInfo{
	"LPC1111": {0x10000000, 0x0800, 0x2000, 0x1000, 12000},
	"LPC1113": {0x10000000, 0x2000, 0x6000, 0x1000, 12000},
	"LPC1114": {0x10000000, 0x1000, 0x8000, 0x1000, 12000},
	"LPC1313": {0x10000000, 0x2000, 0x8000, 0x1000, 12000},
	"LPC1343": {0x10000000, 0x2000, 0x8000, 0x1000, 12000},
}

// GetLpcChipInfo returns the IAP parameters for a named part.
func GetLpcChipInfo(name string) *LpcChipInfo {
	if info, ok := supportedLpcChips[name]; ok {
		return &info
	}
	return nil
}

// LpcFlasher programs LPC11xx/13xx flash through the Target facade using
// the on-chip IAP ROM.
type LpcFlasher struct {
	target *Target
	chip   LpcChipInfo
}

func NewLpcFlasher(target *Target, chip LpcChipInfo) *LpcFlasher {
	return &LpcFlasher{target: target, chip: chip}
}

// RAM layout while IAP runs: command table at the bottom, result table
// after it, the data buffer above both, stack at the top.
func (f *LpcFlasher) paramTableAddr() uint32 { return f.chip.RamStart }
func (f *LpcFlasher) resultTableAddr() uint32 {
	return f.chip.RamStart + iapMaxCommandWords*4
}
func (f *LpcFlasher) dataBufferAddr() uint32 {
	return f.chip.RamStart + (iapMaxCommandWords+iapMaxResponseWords)*4
}
func (f *LpcFlasher) stackTop() uint32 { return f.chip.RamStart + f.chip.RamSize }

// dataBufferSize returns the largest IAP copy granule that fits in RAM
// between the tables and the stack. copy_ram_to_flash accepts 256, 512,
// 1024 or 4096 bytes.
func (f *LpcFlasher) dataBufferSize() uint32 {
	room := f.stackTop() - iapMinStackBytes - f.dataBufferAddr()
	for _, granule := range []uint32{4096, 1024, 512, 256} {
		if granule <= room {
			return granule
		}
	}
	return 0
}

// UnmapBootSector maps user flash back into the bottom of the address
// space, undoing the boot ROM's remap.
func (f *LpcFlasher) UnmapBootSector() error {
	return f.target.WriteWord(regSYSMEMREMAP, sysMemRemapUserFlash)
}

// InvokeIAP stages one IAP command in target RAM, runs the ROM routine,
// and returns the result table. The core must be halted on entry and is
// halted again (by breakpoint) on successful return.
func (f *LpcFlasher) InvokeIAP(command uint32, params ...uint32) ([]uint32, error) {
	if len(params) > iapMaxCommandWords-1 {
		return nil, NewSwdError(ErrorArgument, "too many IAP parameters (%d)", len(params))
	}

	table := make([]uint32, iapMaxCommandWords)
	table[0] = command
	copy(table[1:], params)

	if err := f.target.WriteWords(table, NewPtr[Word](f.paramTableAddr())); err != nil {
		return nil, errors.Trace(err)
	}

	regs := []struct {
		reg   CoreRegister
		value uint32
	}{
		{RegR0, f.paramTableAddr()},
		{RegR1, f.resultTableAddr()},
		{RegSP, f.stackTop()},
		{RegDebugReturn, iapEntry},
		// The ROM returns into the param table; bit 0 keeps the core in
		// Thumb state, and the breakpoint below catches it there.
		{RegLR, f.paramTableAddr() | 1},
	}
	for _, r := range regs {
		if err := f.target.WriteRegister(r.reg, r.value); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if err := f.target.EnableBreakpoints(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := f.target.EnableBreakpoint(0, NewConstPtr[Halfword](f.paramTableAddr())); err != nil {
		return nil, errors.Trace(err)
	}
	if err := f.target.ResetHaltState(); err != nil {
		return nil, errors.Trace(err)
	}

	logger.Debugf("invoking IAP command %d", command)

	if err := f.target.Resume(); err != nil {
		return nil, errors.Trace(err)
	}

	if err := f.target.WaitForHalt(100, time.Millisecond); err != nil {
		return nil, errors.Annotate(err, "IAP routine did not return")
	}

	reason, err := f.target.ReadHaltState()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if reason&DfsrBkpt == 0 {
		return nil, errors.Annotatef(
			NewSwdError(ErrorFault, "target halted for unexpected reason %#x", reason),
			"IAP invocation")
	}

	if err := f.target.DisableBreakpoint(0); err != nil {
		return nil, errors.Trace(err)
	}

	result := make([]uint32, iapMaxResponseWords)
	err = f.target.ReadWords(NewConstPtr[Word](f.resultTableAddr()), result)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return result, nil
}

// iapCheck runs an IAP command and verifies the status word.
func (f *LpcFlasher) iapCheck(command uint32, params ...uint32) ([]uint32, error) {
	result, err := f.InvokeIAP(command, params...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if result[0] != iapCmdSuccess {
		return nil, errors.Annotatef(
			NewSwdError(ErrorFault, "IAP command %d failed with status %d", command, result[0]),
			"IAP")
	}

	return result, nil
}

// ReadPartID queries the chip's part identification word.
func (f *LpcFlasher) ReadPartID() (uint32, error) {
	result, err := f.iapCheck(iapReadPartID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return result[1], nil
}

// Program erases the sectors covered by image and writes it to flash
// starting at address 0. A failure mid-way leaves flash in an undefined
// state; IAP offers no rollback.
func (f *LpcFlasher) Program(image []uint32) error {
	imageBytes := uint32(len(image)) * 4
	if imageBytes > f.chip.FlashSize {
		return NewSwdError(ErrorArgument, "image (%d bytes) exceeds flash (%d bytes)",
			imageBytes, f.chip.FlashSize)
	}

	granule := f.dataBufferSize()
	if granule == 0 {
		return NewSwdError(ErrorFault, "chip RAM too small for an IAP transfer buffer")
	}

	lastSector := (imageBytes - 1) / f.chip.SectorSize

	logger.Infof("erasing sectors 0..%d", lastSector)

	if _, err := f.iapCheck(iapPrepareSectors, 0, lastSector); err != nil {
		return errors.Trace(err)
	}
	if _, err := f.iapCheck(iapEraseSectors, 0, lastSector, f.chip.CclkKHz); err != nil {
		return errors.Trace(err)
	}

	if result, err := f.InvokeIAP(iapBlankCheckSectors, 0, lastSector); err != nil {
		return errors.Trace(err)
	} else if result[0] != iapCmdSuccess {
		return errors.Annotatef(
			NewSwdError(ErrorFault, "sectors not blank after erase (status %d)", result[0]),
			"flash erase verify")
	}

	buffer := NewPtr[Word](f.dataBufferAddr())
	chunkWords := granule / 4

	for offset := uint32(0); offset < imageBytes; offset += granule {
		chunk := make([]uint32, chunkWords)
		copy(chunk, image[offset/4:])

		if err := f.target.WriteWords(chunk, buffer); err != nil {
			return errors.Trace(err)
		}

		sector := offset / f.chip.SectorSize

		if _, err := f.iapCheck(iapPrepareSectors, sector, sector); err != nil {
			return errors.Trace(err)
		}

		logger.Debugf("writing %d bytes at %08X", granule, offset)

		_, err := f.iapCheck(iapCopyRamToFlash,
			offset, f.dataBufferAddr(), granule, f.chip.CclkKHz)
		if err != nil {
			return errors.Trace(err)
		}
	}

	logger.Infof("programmed %d bytes", imageBytes)
	return nil
}
