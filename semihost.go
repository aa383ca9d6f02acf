// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"time"

	"github.com/juju/errors"
)

// ARM semihosting: the target executes BKPT 0xAB (Thumb encoding 0xBEAB)
// with an operation number in R0 and a parameter in R1; the host performs
// the I/O, advances PC past the breakpoint, and resumes.
const (
	semihostBkptInstr uint16 = 0xBEAB

	SysWriteC uint32 = 0x03
	SysWrite0 uint32 = 0x04
	SysReadC  uint32 = 0x07
)

// Console is the host side of semihosted I/O. The swdhost tool backs it
// with a raw-mode terminal; tests back it with buffers.
type Console interface {
	WriteChar(c byte) error
	ReadChar() (byte, error)
}

// SemihostServer polls a running target and services its semihosting
// requests until an error occurs.
type SemihostServer struct {
	target  *Target
	console Console
}

func NewSemihostServer(target *Target, console Console) *SemihostServer {
	return &SemihostServer{target: target, console: console}
}

// Serve loops forever, waiting for the core to halt and dispatching each
// semihosting request. It returns only on error; a target that halts for
// any reason other than BKPT 0xAB is an error.
func (s *SemihostServer) Serve(pollPeriod time.Duration) error {
	for {
		halted, err := s.target.IsHalted()
		if err != nil {
			return errors.Trace(err)
		}

		if !halted {
			time.Sleep(pollPeriod)
			continue
		}

		if err := s.HandleHalt(); err != nil {
			return errors.Trace(err)
		}
	}
}

// HandleHalt inspects a halted core, services the semihosting request that
// stopped it, and resumes execution.
func (s *SemihostServer) HandleHalt() error {
	reason, err := s.target.ReadHaltState()
	if err != nil {
		return errors.Trace(err)
	}

	if reason != DfsrBkpt {
		return errors.Annotatef(
			NewSwdError(ErrorFault, "processor halted for unexpected reason %#x", reason),
			"semihosting")
	}

	pc, err := s.target.ReadRegister(RegPC)
	if err != nil {
		return errors.Trace(err)
	}

	instr, err := s.target.ReadHalfword(NewConstPtr[Halfword](pc))
	if err != nil {
		return errors.Trace(err)
	}

	if instr != semihostBkptInstr {
		return errors.Annotatef(
			NewSwdError(ErrorFault, "non-semihosting breakpoint %04X at %08X", instr, pc),
			"semihosting")
	}

	operation, err := s.target.ReadRegister(RegR0)
	if err != nil {
		return errors.Trace(err)
	}

	parameter, err := s.target.ReadRegister(RegR1)
	if err != nil {
		return errors.Trace(err)
	}

	switch operation {
	case SysWriteC:
		logger.Debugf("SYS_WRITEC %02X", parameter)
		err = s.console.WriteChar(byte(parameter))

	case SysWrite0:
		logger.Debugf("SYS_WRITE0 %08X", parameter)
		err = s.writeString(parameter)

	case SysReadC:
		logger.Debugf("SYS_READC")
		err = s.readChar()

	default:
		logger.Warnf("unsupported semihosting operation %#x", operation)
		return NewSwdError(ErrorFault, "unsupported semihosting operation %#x", operation)
	}

	if err != nil {
		return errors.Trace(err)
	}

	// Advance past the BKPT and let the target run on.
	if err := s.target.WriteRegister(RegPC, pc+2); err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.target.Resume())
}

// writeString services SYS_WRITE0: a zero-terminated byte string read from
// target memory. The target may only support word accesses, so the string
// is pulled a word at a time and unpacked here.
func (s *SemihostServer) writeString(parameter uint32) error {
	addr := NewConstPtr[Word](parameter &^ 0x3)

	word, err := s.target.ReadWord(addr)
	if err != nil {
		return errors.Trace(err)
	}

	word >>= (parameter & 0x3) * 8
	bytesLeft := 4 - parameter&0x3

	for {
		for ; bytesLeft > 0; bytesLeft-- {
			c := byte(word)
			word >>= 8

			if c == 0 {
				return nil
			}
			if err := s.console.WriteChar(c); err != nil {
				return errors.Trace(err)
			}
		}

		addr = addr.Add(1)
		if word, err = s.target.ReadWord(addr); err != nil {
			return errors.Trace(err)
		}
		bytesLeft = 4
	}
}

// readChar services SYS_READC: the read byte is returned to the target in
// R0. SYS_READC defines no standard EOF handling; the byte is passed along
// untouched.
func (s *SemihostServer) readChar() error {
	c, err := s.console.ReadChar()
	if err != nil {
		return errors.Trace(err)
	}

	return errors.Trace(s.target.WriteRegister(RegR0, uint32(c)))
}
