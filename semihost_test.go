// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferConsole struct {
	out []byte
	in  []byte
}

func (c *bufferConsole) WriteChar(b byte) error {
	c.out = append(c.out, b)
	return nil
}

func (c *bufferConsole) ReadChar() (byte, error) {
	b := c.in[0]
	c.in = c.in[1:]
	return b, nil
}

// haltAtBkpt stages the sim at a semihosting breakpoint: halted, DFSR.BKPT
// set, PC pointing at a BKPT 0xAB instruction.
func haltAtBkpt(sim *simDriver, pc uint32, op uint32, param uint32) {
	sim.halted = true
	sim.dfsr = DfsrBkpt
	sim.regs[15] = pc
	sim.regs[0] = op
	sim.regs[1] = param

	// BKPT 0xAB in the low halfword, anything in the high one.
	sim.mem[pc&^3] = 0x4770BEAB
}

func TestSemihostWriteChar(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	console := &bufferConsole{}
	server := NewSemihostServer(target, console)

	haltAtBkpt(sim, 0x00000100, SysWriteC, uint32('!'))

	require.NoError(t, server.HandleHalt())

	assert.Equal(t, []byte("!"), console.out)
	assert.Equal(t, uint32(0x102), sim.regs[15], "PC must advance past the BKPT")
	assert.False(t, sim.halted, "target must be resumed")
}

func TestSemihostWriteString(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	console := &bufferConsole{}
	server := NewSemihostServer(target, console)

	// "hello, swd\0" starting mid-word to exercise the unaligned head.
	stringAddr := uint32(0x10000002)
	sim.mem[0x10000000] = 0x6568FFFF // .. .. 'h' 'e'
	sim.mem[0x10000004] = 0x2C6F6C6C // 'l' 'l' 'o' ','
	sim.mem[0x10000008] = 0x64777320 // ' ' 's' 'w' 'd'
	sim.mem[0x1000000C] = 0x00000000

	haltAtBkpt(sim, 0x00000200, SysWrite0, stringAddr)

	require.NoError(t, server.HandleHalt())

	assert.Equal(t, "hello, swd", string(console.out))
	assert.False(t, sim.halted)
}

func TestSemihostReadChar(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	console := &bufferConsole{in: []byte{'q'}}
	server := NewSemihostServer(target, console)

	haltAtBkpt(sim, 0x00000300, SysReadC, 0)

	require.NoError(t, server.HandleHalt())

	assert.Equal(t, uint32('q'), sim.regs[0], "read byte returned in R0")
	assert.False(t, sim.halted)
}

func TestSemihostHighHalfwordBkpt(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	console := &bufferConsole{}
	server := NewSemihostServer(target, console)

	haltAtBkpt(sim, 0x00000102, SysWriteC, uint32('x'))
	sim.mem[0x100] = 0xBEAB4770 // BKPT in the high halfword this time

	require.NoError(t, server.HandleHalt())
	assert.Equal(t, []byte("x"), console.out)
}

func TestSemihostRejectsForeignBreakpoint(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	server := NewSemihostServer(target, &bufferConsole{})

	haltAtBkpt(sim, 0x00000100, SysWriteC, 0)
	sim.mem[0x100] = 0x4770BE00 // some other BKPT

	err := server.HandleHalt()
	require.Error(t, err)
	assert.True(t, sim.halted, "target must stay halted on foreign breakpoints")
}

func TestSemihostRejectsUnexpectedHaltReason(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	server := NewSemihostServer(target, &bufferConsole{})

	sim.halted = true
	sim.dfsr = DfsrDwtTrap

	require.Error(t, server.HandleHalt())
}

func TestSemihostRejectsUnknownOperation(t *testing.T) {
	sim, target := newSimTarget(TargetConfig{})
	require.NoError(t, target.Initialize(true))

	server := NewSemihostServer(target, &bufferConsole{})

	haltAtBkpt(sim, 0x00000100, 0x42, 0)

	require.Error(t, server.HandleHalt())
}
