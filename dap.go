// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"github.com/juju/errors"
)

// Debug Access Port registers defined by ADIv5, as SWD word addresses.
// Several addresses are shared between a read-only and a write-only
// register.
const (
	dpRegIDCODE uint8 = 0x0 // read-only
	dpRegABORT  uint8 = 0x0 // write-only

	dpRegCTRLSTAT uint8 = 0x1 // CTRL/STAT when SELECT.CTRLSEL=0, WCR when 1

	dpRegSELECT uint8 = 0x2 // write-only
	dpRegRESEND uint8 = 0x2 // read-only

	dpRegRDBUFF uint8 = 0x3 // read-only
)

// ABORT write bits: clear the four sticky error flags.
const (
	abortSTKCMPCLR  uint32 = 1 << 1
	abortSTKERRCLR  uint32 = 1 << 2
	abortWDERRCLR   uint32 = 1 << 3
	abortORUNERRCLR uint32 = 1 << 4

	abortAllStickyClear = abortSTKCMPCLR | abortSTKERRCLR | abortWDERRCLR | abortORUNERRCLR
)

// CTRL/STAT bits.
const (
	CtrlStatCSYSPWRUPREQ uint32 = 1 << 30
	CtrlStatCSYSPWRUPACK uint32 = 1 << 31
	CtrlStatCDBGPWRUPREQ uint32 = 1 << 28
	CtrlStatCDBGPWRUPACK uint32 = 1 << 29
)

// SELECT fields: APSEL[31:24], APBANKSEL[7:4], CTRLSEL[0].
const (
	selectCtrlSel    uint32 = 1 << 0
	selectAPBankMask uint32 = 0xF0
	selectAPSelShift        = 24
)

// selectCacheEmpty marks the SELECT cache as unknown; any 32-bit value
// differs from it.
const selectCacheEmpty int64 = -1

// DAP wraps a Driver with the ADIv5 DP/AP register model. It caches the last
// value written to SELECT so that redundant bank switches cost nothing.
//
// The DAP neither takes nor assumes ownership of the Driver. Only one DAP
// should exist per Driver, because the cache assumes it is the only writer
// of SELECT.
type DAP struct {
	swd Driver

	// selectCache holds the current contents of the SELECT DP register,
	// or selectCacheEmpty when unknown.
	selectCache int64
}

func NewDAP(swd Driver) *DAP {
	return &DAP{swd: swd, selectCache: selectCacheEmpty}
}

// ResetState erases leftover effects of previous debug sessions: SELECT
// back to bank 0/CTRLSEL=0, sticky errors cleared, and debug power switched
// on. It is idempotent and doubles as the FAULT recovery action.
func (d *DAP) ResetState() error {
	if err := d.WriteSelect(0); err != nil {
		return errors.Trace(err)
	}
	if err := d.WriteAbort(abortAllStickyClear); err != nil {
		return errors.Trace(err)
	}
	if err := d.WriteCtrlStat(CtrlStatCSYSPWRUPREQ | CtrlStatCDBGPWRUPREQ); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// ReadIDCode reads the IDCODE register. IDCODE is architecturally specified
// to never return WAIT, so the retry budget is zero.
func (d *DAP) ReadIDCode() (uint32, error) {
	return d.swd.Read(dpRegIDCODE, true)
}

// WriteAbort writes the ABORT register, used to clear sticky error
// conditions. ABORT never returns WAIT.
func (d *DAP) WriteAbort(data uint32) error {
	return d.swd.Write(dpRegABORT, true, data)
}

// ReadCtrlStat reads CTRL/STAT, clearing SELECT.CTRLSEL first if the cache
// says WCR is currently exposed.
func (d *DAP) ReadCtrlStat() (uint32, error) {
	if err := d.clearCtrlSel(); err != nil {
		return 0, errors.Trace(err)
	}
	return d.swd.Read(dpRegCTRLSTAT, true)
}

// WriteCtrlStat writes CTRL/STAT, clearing SELECT.CTRLSEL first if needed.
func (d *DAP) WriteCtrlStat(data uint32) error {
	if err := d.clearCtrlSel(); err != nil {
		return errors.Trace(err)
	}
	return d.swd.Write(dpRegCTRLSTAT, true, data)
}

func (d *DAP) clearCtrlSel() error {
	if d.selectCache == selectCacheEmpty {
		return d.WriteSelect(0)
	}
	if uint32(d.selectCache)&selectCtrlSel != 0 {
		return d.WriteSelect(uint32(d.selectCache) &^ selectCtrlSel)
	}
	return nil
}

// WriteSelect writes the SELECT register and updates the cache. Callers that
// might repeat a value should prefer SelectAPBank, which suppresses
// redundant writes.
func (d *DAP) WriteSelect(data uint32) error {
	if err := d.swd.Write(dpRegSELECT, true, data); err != nil {
		return errors.Trace(err)
	}

	d.selectCache = int64(data)
	return nil
}

// ReadResend reads the RESEND register.
func (d *DAP) ReadResend() (uint32, error) {
	return d.swd.Read(dpRegRESEND, true)
}

// ReadRdBuff drains the last posted AP read without issuing a new one.
// RDBUFF is read-once: reading it destroys its contents.
func (d *DAP) ReadRdBuff() (uint32, error) {
	return d.swd.Read(dpRegRDBUFF, true)
}

// SelectAPBank makes the bank containing the given AP register address
// visible. The SELECT write is skipped when the cached value already
// matches; the CTRLSEL bit is preserved.
func (d *DAP) SelectAPBank(ap uint8, address uint8) error {
	ctrlSel := uint32(0)
	if d.selectCache != selectCacheEmpty {
		ctrlSel = uint32(d.selectCache) & selectCtrlSel
	}

	sel := uint32(ap)<<selectAPSelShift | uint32(address)&selectAPBankMask | ctrlSel

	if d.selectCache == int64(sel) {
		return nil
	}

	return d.WriteSelect(sel)
}

// StartReadAP issues a posted read of an AP register and discards the stale
// result it returns. The register address is the ADIv5 8-bit byte address
// (bank in the top nibble); its low two bits must be zero.
func (d *DAP) StartReadAP(ap uint8, address uint8) error {
	if address&3 != 0 {
		return NewSwdError(ErrorArgument, "unaligned AP register address %#02x", address)
	}

	if err := d.SelectAPBank(ap, address); err != nil {
		return errors.Trace(err)
	}

	_, err := d.swd.Read(address>>2&3, false)
	return err
}

// StepReadAP issues a new posted read and returns the result of the
// previous one. Chained with StartReadAP and ReadRdBuff it pipelines reads
// from the same AP for throughput; switching banks in between breaks the
// pipeline, so callers must drain via ReadRdBuff first.
func (d *DAP) StepReadAP(ap uint8, address uint8) (uint32, error) {
	if address&3 != 0 {
		return 0, NewSwdError(ErrorArgument, "unaligned AP register address %#02x", address)
	}

	if err := d.SelectAPBank(ap, address); err != nil {
		return 0, errors.Trace(err)
	}

	return d.swd.Read(address>>2&3, false)
}

// WriteAP writes an AP register, selecting its bank first if necessary.
func (d *DAP) WriteAP(ap uint8, address uint8, data uint32) error {
	if address&3 != 0 {
		return NewSwdError(ErrorArgument, "unaligned AP register address %#02x", address)
	}

	if err := d.SelectAPBank(ap, address); err != nil {
		return errors.Trace(err)
	}

	return d.swd.Write(address>>2&3, false, data)
}
