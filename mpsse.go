// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// MPSSE is FTDI's Multi-Protocol Synchronous Serial Engine. The command
// vocabulary used here is the minimal subset needed to bit-bang SWD:
// GPIO writes for line turnaround, data-less clocking for resets, and
// LSB-first shifts sampled on the falling clock edge.
//
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf

package goswd

import (
	"time"

	"github.com/juju/errors"
)

// Shift command flag bits. ORed together they form the opcode byte.
const (
	mpsseWriteNeg byte = 0x01 // write on the falling clock edge
	mpsseBitmode  byte = 0x02 // bit count instead of byte count
	mpsseReadNeg  byte = 0x04 // sample on the falling clock edge
	mpsseLSB      byte = 0x08 // LSB-first
	mpsseDoWrite  byte = 0x10
	mpsseDoRead   byte = 0x20
)

// Standalone MPSSE opcodes.
const (
	mpsseSetBitsLow    byte = 0x80
	mpsseSetBitsHigh   byte = 0x82
	mpsseLoopbackOff   byte = 0x85
	mpsseClockDivisor  byte = 0x86
	mpsseDisableDiv5   byte = 0x8a
	mpsseEnable3Phase  byte = 0x8c
	mpsseDisable3Phase byte = 0x8d
	mpsseClockBits     byte = 0x8e
	mpsseClockBytes    byte = 0x8f
	mpsseNoAdaptive    byte = 0x97

	// An intentionally invalid opcode: the chip echoes it back behind an
	// 0xFA marker, which is how we probe that the engine is listening.
	mpsseBadCommand   byte = 0xaa
	mpsseBadCommandID byte = 0xfa
)

// ftl and fth encode MPSSE's count convention: a count N is transmitted as
// N-1, split over one or two bytes.
func ftl(n int) byte { return byte((n - 1) & 0xff) }
func fth(n int) byte { return byte(((n - 1) >> 8) & 0xff) }

// mpsseBuilder accumulates an MPSSE command stream. The builder is the only
// state the encoder has; each SWD transaction builds its stream from
// scratch.
type mpsseBuilder struct {
	Buffer
}

func newMpsseBuilder() *mpsseBuilder {
	b := &mpsseBuilder{}
	b.Grow(64)
	return b
}

// SetLow drives the ADBUS pins: four SWD lines plus whatever else the
// adapter routes there.
func (b *mpsseBuilder) SetLow(state uint8, direction uint8) {
	b.WriteByte(mpsseSetBitsLow)
	b.WriteByte(state)
	b.WriteByte(direction)
}

// SetHigh drives the ACBUS pins.
func (b *mpsseBuilder) SetHigh(state uint8, direction uint8) {
	b.WriteByte(mpsseSetBitsHigh)
	b.WriteByte(state)
	b.WriteByte(direction)
}

// SetPins emits both GPIO banks for a precomputed adapter pin state.
func (b *mpsseBuilder) SetPins(pins PinState) {
	b.SetLow(pins.LowState, pins.LowDirection)
	b.SetHigh(pins.HighState, pins.HighDirection)
}

// ClockBits runs the clock for n (1..8) cycles without shifting data.
func (b *mpsseBuilder) ClockBits(n int) {
	b.WriteByte(mpsseClockBits)
	b.WriteByte(ftl(n))
}

// ClockBytes runs the clock for n*8 cycles without shifting data.
func (b *mpsseBuilder) ClockBytes(n int) {
	b.WriteByte(mpsseClockBytes)
	b.WriteByte(ftl(n))
	b.WriteByte(fth(n))
}

// WriteBits shifts out the low n (1..8) bits of value, LSB first, writing on
// the rising edge.
func (b *mpsseBuilder) WriteBits(n int, value byte) {
	b.WriteByte(mpsseDoWrite | mpsseLSB | mpsseBitmode)
	b.WriteByte(ftl(n))
	b.WriteByte(value)
}

// WriteBytes shifts out whole bytes, LSB first.
func (b *mpsseBuilder) WriteBytes(data ...byte) {
	b.WriteByte(mpsseDoWrite | mpsseLSB)
	b.WriteByte(ftl(len(data)))
	b.WriteByte(fth(len(data)))
	b.Write(data)
}

// ReadBits clocks in n (1..8) bits, sampling on the falling edge. The chip
// returns one byte with the bits MSB-justified after the LSB-first shift.
func (b *mpsseBuilder) ReadBits(n int) {
	b.WriteByte(mpsseDoRead | mpsseReadNeg | mpsseLSB | mpsseBitmode)
	b.WriteByte(ftl(n))
}

// ReadBytes clocks in n whole bytes, sampling on the falling edge.
func (b *mpsseBuilder) ReadBytes(n int) {
	b.WriteByte(mpsseDoRead | mpsseReadNeg | mpsseLSB)
	b.WriteByte(ftl(n))
	b.WriteByte(fth(n))
}

// SetClockDivisor programs TCK = 30MHz / divisor (divide-by-5 disabled).
func (b *mpsseBuilder) SetClockDivisor(divisor uint16) {
	b.WriteByte(mpsseClockDivisor)
	b.WriteByte(byte(divisor - 1))
	b.WriteByte(byte((divisor - 1) >> 8))
}

func (b *mpsseBuilder) DisableDivideBy5() { b.WriteByte(mpsseDisableDiv5) }
func (b *mpsseBuilder) DisableAdaptive()  { b.WriteByte(mpsseNoAdaptive) }
func (b *mpsseBuilder) Disable3Phase()    { b.WriteByte(mpsseDisable3Phase) }
func (b *mpsseBuilder) DisableLoopback()  { b.WriteByte(mpsseLoopbackOff) }

// clockDivisor converts a requested SWD clock rate into the TCK divisor.
func clockDivisor(hz uint32) uint16 {
	if hz == 0 {
		return 60 / 2 // 1 MHz nominal
	}
	return uint16(30_000_000 / hz)
}

// mpsseTransaction sends a command stream and collects the expected
// response bytes. A nil or empty response slice makes it write-only.
func mpsseTransaction(pipe *FtdiDevice, commands []byte, response []byte,
	timeout time.Duration) error {

	if err := pipe.Write(commands); err != nil {
		return errors.Trace(err)
	}

	if len(response) == 0 {
		return nil
	}

	return errors.Trace(pipe.Read(response, timeout))
}

// mpsseSynchronize probes the MPSSE engine with an invalid opcode and
// expects the 0xFA 0xAA echo.
func mpsseSynchronize(pipe *FtdiDevice) error {
	var response [2]byte

	err := mpsseTransaction(pipe, []byte{mpsseBadCommand}, response[:], usbReadTimeout)
	if err != nil {
		return errors.Annotate(err, "MPSSE synchronize")
	}

	if response[0] != mpsseBadCommandID || response[1] != mpsseBadCommand {
		return errors.Annotatef(
			NewSwdError(ErrorProtocol, "unexpected echo %#02x %#02x", response[0], response[1]),
			"MPSSE synchronize")
	}

	return nil
}

// mpsseSetup brings the chip from an unknown state into MPSSE mode, clocked
// for SWD, with the bus idle and writable.
func mpsseSetup(pipe *FtdiDevice, config ProgrammerConfig, clockHz uint32) error {
	if err := pipe.PurgeBuffers(); err != nil {
		return errors.Trace(err)
	}

	if err := pipe.SetLatencyTimer(1); err != nil {
		return errors.Trace(err)
	}

	if err := pipe.SetBitmode(0x00, ftdiBitmodeReset); err != nil {
		return errors.Trace(err)
	}
	if err := pipe.SetBitmode(0x00, ftdiBitmodeMpsse); err != nil {
		return errors.Trace(err)
	}

	if err := mpsseSynchronize(pipe); err != nil {
		return errors.Trace(err)
	}

	b := newMpsseBuilder()
	b.DisableDivideBy5()
	b.DisableAdaptive()
	b.Disable3Phase()
	b.DisableLoopback()
	b.SetClockDivisor(clockDivisor(clockHz))
	b.SetPins(config.IdleWrite)

	return errors.Trace(pipe.Write(b.Bytes()))
}
