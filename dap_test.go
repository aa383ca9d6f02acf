// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadIDCode(t *testing.T) {
	driver := newScriptDriver(t,
		frame{write: false, addr: dpRegIDCODE, dp: true, data: 0x0BB11477},
	)

	dap := NewDAP(driver)

	idcode, err := dap.ReadIDCode()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0BB11477), idcode)
	driver.assertDone()
}

func TestResetStateFrames(t *testing.T) {
	driver := newScriptDriver(t,
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0},
		frame{write: true, addr: dpRegABORT, dp: true, data: 0x1E},
		frame{write: true, addr: dpRegCTRLSTAT, dp: true, data: 0x50000000},
	)

	dap := NewDAP(driver)
	require.NoError(t, dap.ResetState())
	driver.assertDone()
}

func TestResetStateIdempotent(t *testing.T) {
	// Two consecutive calls issue identical frames; the SELECT write is
	// never suppressed because ResetState must work on a DAP in an
	// unknown state.
	driver := newScriptDriver(t,
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0},
		frame{write: true, addr: dpRegABORT, dp: true, data: 0x1E},
		frame{write: true, addr: dpRegCTRLSTAT, dp: true, data: 0x50000000},
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0},
		frame{write: true, addr: dpRegABORT, dp: true, data: 0x1E},
		frame{write: true, addr: dpRegCTRLSTAT, dp: true, data: 0x50000000},
	)

	dap := NewDAP(driver)
	require.NoError(t, dap.ResetState())
	require.NoError(t, dap.ResetState())
	driver.assertDone()
}

func TestSelectCacheSuppressesRedundantWrites(t *testing.T) {
	driver := newScriptDriver(t,
		// First AP access selects AP 0 bank 0.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x00000000},
		frame{write: false, addr: 0, dp: false},
		// Same bank again: no SELECT traffic.
		frame{write: false, addr: 1, dp: false},
		// Bank 1: one SELECT write.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x00000010},
		frame{write: false, addr: 0, dp: false},
		// Different AP, same bank bits: one SELECT write.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x01000010},
		frame{write: true, addr: 0, dp: false, data: 0xCAFE0000},
	)

	dap := NewDAP(driver)

	require.NoError(t, dap.StartReadAP(0, 0x00))
	_, err := dap.StepReadAP(0, 0x04)
	require.NoError(t, err)
	require.NoError(t, dap.StartReadAP(0, 0x10))
	require.NoError(t, dap.WriteAP(1, 0x10, 0xCAFE0000))

	driver.assertDone()
}

func TestCtrlSelHandling(t *testing.T) {
	driver := newScriptDriver(t,
		// Expose WCR.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x00000001},
		// ReadCtrlStat must clear CTRLSEL first.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x00000000},
		frame{write: false, addr: dpRegCTRLSTAT, dp: true, data: 0xF0000040},
		// Second read: cache says CTRLSEL is clear, no SELECT write.
		frame{write: false, addr: dpRegCTRLSTAT, dp: true, data: 0xF0000040},
	)

	dap := NewDAP(driver)

	require.NoError(t, dap.WriteSelect(1))

	data, err := dap.ReadCtrlStat()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xF0000040), data)

	_, err = dap.ReadCtrlStat()
	require.NoError(t, err)

	driver.assertDone()
}

func TestCtrlSelPreservedAcrossBankSelect(t *testing.T) {
	driver := newScriptDriver(t,
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x00000001},
		// Bank select keeps the CTRLSEL bit.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0x00000011},
		frame{write: false, addr: 0, dp: false},
	)

	dap := NewDAP(driver)
	require.NoError(t, dap.WriteSelect(1))
	require.NoError(t, dap.StartReadAP(0, 0x10))
	driver.assertDone()
}

func TestUnalignedAPAddressRejected(t *testing.T) {
	dap := NewDAP(newScriptDriver(t))

	assert.True(t, IsArgument(dap.StartReadAP(0, 0x01)))
	assert.True(t, IsArgument(dap.WriteAP(0, 0x06, 0)))

	_, err := dap.StepReadAP(0, 0x03)
	assert.True(t, IsArgument(err))
}

func TestPostedReadOrdering(t *testing.T) {
	sim := newSimDriver()
	sim.mem[0x10000000] = 0x11111111
	sim.mem[0x10000004] = 0x22222222
	sim.mem[0x10000008] = 0x33333333

	dap := NewDAP(sim)

	// Point TAR at the first word with auto-increment on.
	require.NoError(t, dap.WriteAP(0, memApCSW, cswAddrIncSingle|cswSize32))
	require.NoError(t, dap.WriteAP(0, memApTAR, 0x10000000))

	require.NoError(t, dap.StartReadAP(0, memApDRW))

	x0, err := dap.StepReadAP(0, memApDRW)
	require.NoError(t, err)
	x1, err := dap.StepReadAP(0, memApDRW)
	require.NoError(t, err)
	x2, err := dap.ReadRdBuff()
	require.NoError(t, err)

	assert.Equal(t, []uint32{0x11111111, 0x22222222, 0x33333333}, []uint32{x0, x1, x2})
}

func TestWaitThenOK(t *testing.T) {
	sim := newSimDriver()
	sim.waitsRemaining = 1

	dap := NewDAP(sim)

	attempts := 0
	var data uint32

	err := retryWait(DapRetryBudget, func() error {
		attempts++
		var readErr error
		data, readErr = dap.ReadCtrlStat()
		return readErr
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, CtrlStatCSYSPWRUPACK|CtrlStatCDBGPWRUPACK, data)
}

func TestRetryBudgetHonoured(t *testing.T) {
	attempts := 0

	err := retryWait(7, func() error {
		attempts++
		return NewSwdError(ErrorWait, "always busy")
	})

	require.Error(t, err)
	assert.Equal(t, 7, attempts)
	assert.False(t, IsWait(err), "exhausted budget must not surface as retriable")
}

func TestFaultRecovery(t *testing.T) {
	driver := newScriptDriver(t,
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0},
		// The AP write faults.
		frame{write: true, addr: 3, dp: false, err: NewSwdError(ErrorFault, "FAULT")},
		// Recovery: the exact three reset_state frames.
		frame{write: true, addr: dpRegSELECT, dp: true, data: 0},
		frame{write: true, addr: dpRegABORT, dp: true, data: 0x1E},
		frame{write: true, addr: dpRegCTRLSTAT, dp: true, data: 0x50000000},
		// The retried write goes through.
		frame{write: true, addr: 3, dp: false, data: 0xDEADBEEF},
	)

	dap := NewDAP(driver)

	err := dap.WriteAP(0, memApDRW, 0xDEADBEEF)
	require.True(t, IsFault(err))

	require.NoError(t, dap.ResetState())
	require.NoError(t, dap.WriteAP(0, memApDRW, 0xDEADBEEF))

	driver.assertDone()
}
