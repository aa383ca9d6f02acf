// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"flag"
	"time"

	"github.com/google/gousb"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// CommonFlags holds the command line options shared by every tool.
type CommonFlags struct {
	Debug      *int
	Programmer *string
	Vid        *int
	Pid        *int
	Interface  *int
}

// RegisterCommonFlags declares the shared flags on the default flag set.
// Tools call this before flag.Parse.
func RegisterCommonFlags() *CommonFlags {
	return &CommonFlags{
		Debug:      flag.Int("debug", 0, "what level of debug logging to use"),
		Programmer: flag.String("programmer", "um232h", "FTDI-based programmer to use"),
		Vid:        flag.Int("vid", 0, "override the programmer's USB vendor ID"),
		Pid:        flag.Int("pid", 0, "override the programmer's USB product ID"),
		Interface:  flag.Int("interface", -1, "override the interface on the FTDI chip"),
	}
}

// SetupLogging configures the package logger for tool use.
func (c *CommonFlags) SetupLogging() {
	log := logrus.New()
	log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
	log.SetLevel(DebugLevelToLogrus(*c.Debug))

	SetLogger(log)
	logrus.SetLevel(DebugLevelToLogrus(*c.Debug))
	logrus.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
}

// ProgrammerConfig resolves the named adapter and applies any -vid/-pid/
// -interface overrides.
func (c *CommonFlags) ProgrammerConfig() (ProgrammerConfig, error) {
	config, err := LookupProgrammer(*c.Programmer)
	if err != nil {
		return ProgrammerConfig{}, errors.Trace(err)
	}

	if *c.Vid != 0 {
		config.Vid = gousb.ID(*c.Vid)
	}
	if *c.Pid != 0 {
		config.Pid = gousb.ID(*c.Pid)
	}
	if *c.Interface >= 0 {
		config.Interface = *c.Interface
	}

	return config, nil
}

// Session bundles one open debug connection: byte pipe, SWD driver, DAP and
// Target, torn down in reverse order by Close.
type Session struct {
	pipe   *FtdiDevice
	Driver *MpsseDriver
	DAP    *DAP
	Target *Target
	IDCode uint32
}

// SessionOptions tune how a session is brought up.
type SessionOptions struct {
	ClockHz      uint32
	ResetTarget  bool
	TargetConfig TargetConfig
}

// OpenSession opens the adapter, initializes the SWD link, resets the DAP
// state and configures the Target. The caller must have called
// InitializeUSB.
func OpenSession(config ProgrammerConfig, opts SessionOptions) (*Session, error) {
	pipe, err := OpenFtdi(config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	driver := NewMpsseDriver(pipe, config, opts.ClockHz)

	idcode, err := driver.Initialize()
	if err != nil && !IsTimeout(err) {
		// A confused target can garble the first connection attempt;
		// one more line reset usually clears it.
		logger.Warn("SWD initialization failed, retrying after line reset: ", err)
		idcode, err = driver.Initialize()
	}
	if err != nil {
		pipe.Close()
		return nil, errors.Annotate(err, "SWD initialization")
	}

	if opts.ResetTarget {
		if err := driver.ResetTarget(20 * time.Millisecond); err != nil {
			pipe.Close()
			return nil, errors.Trace(err)
		}
	}

	dap := NewDAP(driver)
	if err := dap.ResetState(); err != nil {
		pipe.Close()
		return nil, errors.Annotate(err, "DAP reset")
	}

	target := NewTarget(dap, 0, opts.TargetConfig)
	if err := target.Initialize(true); err != nil {
		pipe.Close()
		return nil, errors.Annotate(err, "target initialization")
	}

	return &Session{
		pipe:   pipe,
		Driver: driver,
		DAP:    dap,
		Target: target,
		IDCode: idcode,
	}, nil
}

// Recover attempts to bring the DAP back to a known state after a FAULT:
// one SWD line reset followed by ResetState.
func (s *Session) Recover() error {
	if err := s.Driver.LineReset(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(s.DAP.ResetState())
}

// Close releases the USB handle. Safe to call more than once.
func (s *Session) Close() {
	if s.pipe != nil {
		s.pipe.Close()
		s.pipe = nil
	}
}
