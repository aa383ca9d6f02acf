// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLpcChipTable(t *testing.T) {
	info := GetLpcChipInfo("LPC1114")
	require.NotNil(t, info)
	assert.Equal(t, uint32(0x10000000), info.RamStart)
	assert.Equal(t, uint32(0x1000), info.RamSize)

	assert.Nil(t, GetLpcChipInfo("STM32F030"))
}

func TestFlasherRamLayout(t *testing.T) {
	_, target := newSimTarget(TargetConfig{})
	f := NewLpcFlasher(target, *GetLpcChipInfo("LPC1114"))

	assert.Equal(t, uint32(0x10000000), f.paramTableAddr())
	assert.Equal(t, uint32(0x10000014), f.resultTableAddr())
	assert.Equal(t, uint32(0x10000028), f.dataBufferAddr())
	assert.Equal(t, uint32(0x10001000), f.stackTop())

	// 4KiB RAM leaves room for a 1KiB copy granule but not 4KiB.
	assert.Equal(t, uint32(1024), f.dataBufferSize())
}

func TestInvokeIAP(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))
	require.NoError(t, target.Halt())

	chip := *GetLpcChipInfo("LPC1114")
	f := NewLpcFlasher(target, chip)

	// Pretend to be the IAP ROM: when the core is resumed, deposit a
	// success status and a part ID in the result table and halt at the
	// return breakpoint.
	sim.onResume = func(d *simDriver) {
		assert.Equal(t, iapReadPartID, d.mem[f.paramTableAddr()],
			"command staged in the param table")
		assert.Equal(t, f.paramTableAddr(), d.regs[0])
		assert.Equal(t, f.resultTableAddr(), d.regs[1])
		assert.Equal(t, f.stackTop(), d.regs[13])
		assert.Equal(t, iapEntry, d.regs[15])
		assert.Equal(t, f.paramTableAddr()|1, d.regs[14])

		d.mem[f.resultTableAddr()] = iapCmdSuccess
		d.mem[f.resultTableAddr()+4] = 0x0444102B
		d.halted = true
		d.dfsr |= DfsrBkpt
	}

	partID, err := f.ReadPartID()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0444102B), partID)

	// The return-catch breakpoint is released again afterwards.
	assert.Zero(t, sim.mem[regBPComp0.Bits()])
}

func TestInvokeIAPFailureStatus(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))
	require.NoError(t, target.Halt())

	f := NewLpcFlasher(target, *GetLpcChipInfo("LPC1114"))

	sim.onResume = func(d *simDriver) {
		d.mem[f.resultTableAddr()] = 9 // IAP status: sector not prepared
		d.halted = true
		d.dfsr |= DfsrBkpt
	}

	_, err := f.iapCheck(iapEraseSectors, 0, 0, 12000)
	require.Error(t, err)
	assert.True(t, IsFault(err))
}

func TestInvokeIAPTooManyParams(t *testing.T) {
	_, target := newSimTarget(TargetConfig{})
	f := NewLpcFlasher(target, *GetLpcChipInfo("LPC1114"))

	_, err := f.InvokeIAP(iapPrepareSectors, 1, 2, 3, 4, 5)
	assert.True(t, IsArgument(err))
}

func TestProgramRejectsOversizedImage(t *testing.T) {
	_, target := newSimTarget(TargetConfig{})
	chip := *GetLpcChipInfo("LPC1114")
	f := NewLpcFlasher(target, chip)

	image := make([]uint32, chip.FlashSize/4+1)
	assert.True(t, IsArgument(f.Program(image)))
}
