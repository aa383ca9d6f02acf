// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"math/bits"
	"time"

	"github.com/juju/errors"
)

// Driver is the low-level SWD transport: one ADIv5 read or write transaction
// per call. Client code should rarely touch it directly; the DAP wraps it
// with the register model and retry-friendly semantics.
type Driver interface {
	// Initialize performs the connection sequence (SWD line reset followed
	// by an IDCODE read) and returns the Debug Port's IDCODE.
	Initialize() (uint32, error)

	// EnterReset asserts the target's nRST line; LeaveReset releases it.
	EnterReset() error
	LeaveReset() error

	// Read performs one SWD read transaction. debugPort selects DP (true)
	// or AP (false) register space; address is the word address 0..3.
	// AP reads are posted: the value returned belongs to the previous AP
	// read transaction.
	Read(address uint8, debugPort bool) (uint32, error)

	// Write performs one SWD write transaction.
	Write(address uint8, debugPort bool, data uint32) error
}

// SWD request header bits.
const (
	swdHeaderStart  uint8 = 1 << 0
	swdHeaderAP     uint8 = 1 << 1
	swdHeaderRead   uint8 = 1 << 2
	swdHeaderParity uint8 = 1 << 5
	swdHeaderPark   uint8 = 1 << 7
)

// SWD three-bit ACK values, MSB-justified after the LSB-first shift-in.
const (
	swdAckOK    uint8 = 0x1
	swdAckWait  uint8 = 0x2
	swdAckFault uint8 = 0x4
)

// swdRequest builds the 8-bit SWD request header for (APnDP, RnW, A[3:2]).
// Parity covers the APnDP, RnW and address bits.
func swdRequest(address uint8, debugPort bool, write bool) uint8 {
	request := swdHeaderStart | swdHeaderPark | (address&0x3)<<3

	parity := false
	if !debugPort {
		request |= swdHeaderAP
		parity = !parity
	}
	if !write {
		request |= swdHeaderRead
		parity = !parity
	}
	if address&1 != 0 {
		parity = !parity
	}
	if address&2 != 0 {
		parity = !parity
	}

	if parity {
		request |= swdHeaderParity
	}

	return request
}

// swdParity returns the even parity bit over a 32-bit data word.
func swdParity(data uint32) bool {
	return bits.OnesCount32(data)%2 == 1
}

func ackToError(ack uint8) error {
	switch ack {
	case swdAckOK:
		return nil
	case swdAckWait:
		return NewSwdError(ErrorWait, "SWD WAIT response")
	case swdAckFault:
		return NewSwdError(ErrorFault, "SWD FAULT response")
	default:
		logger.Warnf("received unexpected SWD response %d", ack)
		return NewSwdError(ErrorProtocol, "unexpected SWD ACK %#03b", ack)
	}
}

// MpsseDriver drives SWD through an FTDI MPSSE adapter. It is not safe for
// concurrent use; the SWD bus itself permits only one outstanding
// transaction.
type MpsseDriver struct {
	pipe    *FtdiDevice
	config  ProgrammerConfig
	clockHz uint32
}

// NewMpsseDriver wraps an open FTDI device. The driver does not take
// ownership of the byte pipe; the caller still closes it.
func NewMpsseDriver(pipe *FtdiDevice, config ProgrammerConfig, clockHz uint32) *MpsseDriver {
	return &MpsseDriver{pipe: pipe, config: config, clockHz: clockHz}
}

// Initialize sets up the MPSSE engine, performs the SWD connection sequence
// and reads the Debug Port IDCODE.
func (d *MpsseDriver) Initialize() (uint32, error) {
	if err := mpsseSetup(d.pipe, d.config, d.clockHz); err != nil {
		return 0, errors.Annotate(err, "MPSSE setup")
	}

	if err := d.LineReset(); err != nil {
		return 0, errors.Trace(err)
	}

	idcode, err := d.Read(dpRegIDCODE, true)
	if err != nil {
		return 0, errors.Annotate(err, "IDCODE read")
	}

	logger.Debugf("Debug Port IDCODE = %08X", idcode)
	logger.Debugf("  version:  %X", idcode>>28)
	logger.Debugf("  part:     %X", (idcode>>12)&0xFFFF)
	logger.Debugf("  designer: %X", (idcode>>1)&0x7FF)

	return idcode, nil
}

// LineReset clocks 50 cycles with SWDIO held high, returns to the idle
// state, and clocks one more cycle. Afterwards the DP expects an IDCODE
// read.
func (d *MpsseDriver) LineReset() error {
	b := newMpsseBuilder()
	b.SetPins(d.config.ResetSWD)
	b.ClockBytes(6) // 48 clocks...
	b.ClockBits(2)  // ...and two more.
	b.SetPins(d.config.IdleWrite)
	b.ClockBits(1)

	return errors.Annotate(d.pipe.Write(b.Bytes()), "SWD line reset")
}

// EnterReset asserts the target's reset line. The caller decides how long to
// hold it.
func (d *MpsseDriver) EnterReset() error {
	b := newMpsseBuilder()
	b.SetPins(d.config.ResetTarget)

	return errors.Annotate(d.pipe.Write(b.Bytes()), "assert nRST")
}

// LeaveReset releases the target's reset line.
func (d *MpsseDriver) LeaveReset() error {
	b := newMpsseBuilder()
	b.SetPins(d.config.IdleWrite)

	return errors.Annotate(d.pipe.Write(b.Bytes()), "release nRST")
}

// ResetTarget pulses nRST for the given duration.
func (d *MpsseDriver) ResetTarget(hold time.Duration) error {
	if err := d.EnterReset(); err != nil {
		return errors.Trace(err)
	}

	time.Sleep(hold)

	return d.LeaveReset()
}

// Read implements one SWD read transaction: header, turnaround, ACK, then
// (on OK) 32 data bits, parity, and the trailing turnaround back to
// idle-write.
func (d *MpsseDriver) Read(address uint8, debugPort bool) (uint32, error) {
	logger.Tracef("SWD read %d debugPort=%v", address, debugPort)

	request := newMpsseBuilder()
	request.SetPins(d.config.IdleWrite)
	request.WriteBits(8, swdRequest(address, debugPort, false))
	// Release the bus and clock out a turnaround bit.
	request.SetPins(d.config.IdleRead)
	request.ClockBits(1)
	// Read in the three ACK bits.
	request.ReadBits(3)

	var ackByte [1]byte
	if err := mpsseTransaction(d.pipe, request.Bytes(), ackByte[:], usbReadTimeout); err != nil {
		return 0, errors.Trace(err)
	}

	ack := ackByte[0] >> 5
	data := uint32(0)
	var dataErr error

	if ack == swdAckOK {
		// Data, parity, and one discarded turnaround bit.
		phase := newMpsseBuilder()
		phase.ReadBytes(4)
		phase.ReadBits(2)

		var response [5]byte
		if err := mpsseTransaction(d.pipe, phase.Bytes(), response[:], usbReadTimeout); err != nil {
			return 0, errors.Trace(err)
		}

		data = leToHostU32(response[:4])
		parity := (response[4]>>6)&1 == 1

		if parity != swdParity(data) {
			dataErr = NewSwdError(ErrorProtocol, "data parity mismatch on read of %08X", data)
		}
	}

	// Take the bus back and clock out a turnaround bit, regardless of the
	// ACK: a failed transaction must still leave the line in idle-write.
	cleanup := newMpsseBuilder()
	cleanup.SetPins(d.config.IdleWrite)
	cleanup.ClockBits(1)

	if err := d.pipe.Write(cleanup.Bytes()); err != nil {
		return 0, errors.Trace(err)
	}

	if dataErr != nil {
		return 0, dataErr
	}
	if err := ackToError(ack); err != nil {
		return 0, err
	}

	logger.Tracef("SWD read (%d, %v) = %08X", address, debugPort, data)
	return data, nil
}

// Write implements one SWD write transaction: header, turnaround, ACK,
// turnaround back, then (on OK) 32 data bits and the parity bit.
func (d *MpsseDriver) Write(address uint8, debugPort bool, data uint32) error {
	logger.Tracef("SWD write %d debugPort=%v data=%08X", address, debugPort, data)

	request := newMpsseBuilder()
	request.SetPins(d.config.IdleWrite)
	request.WriteBits(8, swdRequest(address, debugPort, true))
	// Release the bus and clock out a turnaround bit.
	request.SetPins(d.config.IdleRead)
	request.ClockBits(1)
	// Read in the three ACK bits.
	request.ReadBits(3)
	// Take the bus back and clock out a turnaround bit.
	request.SetPins(d.config.IdleWrite)
	request.ClockBits(1)

	var ackByte [1]byte
	if err := mpsseTransaction(d.pipe, request.Bytes(), ackByte[:], usbReadTimeout); err != nil {
		return errors.Trace(err)
	}

	ack := ackByte[0] >> 5
	if err := ackToError(ack); err != nil {
		return err
	}

	phase := newMpsseBuilder()
	phase.WriteBytes(byte(data), byte(data>>8), byte(data>>16), byte(data>>24))
	parity := byte(0x00)
	if swdParity(data) {
		parity = 0xff
	}
	phase.WriteBits(1, parity)

	return errors.Trace(d.pipe.Write(phase.Bytes()))
}
