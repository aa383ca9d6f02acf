// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// swdhost provides semihosted console I/O for a target program: the target
// hits BKPT 0xAB and this tool services the request against the host
// terminal.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/openswd/goswd"
)

var (
	common        = goswd.RegisterCommonFlags()
	flagLocalEcho = flag.Bool("local-echo", false, "whether to echo keystrokes")
)

// terminalConsole implements goswd.Console against the raw-mode host
// terminal.
type terminalConsole struct{}

func (terminalConsole) WriteChar(c byte) error {
	_, err := os.Stdout.Write([]byte{c})
	return err
}

func (terminalConsole) ReadChar() (byte, error) {
	var buf [1]byte
	if _, err := os.Stdin.Read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func run(guard *terminalGuard) error {
	config, err := common.ProgrammerConfig()
	if err != nil {
		return errors.Trace(err)
	}

	if err := goswd.InitializeUSB(); err != nil {
		return errors.Trace(err)
	}
	defer goswd.CloseUSB()

	session, err := goswd.OpenSession(config, goswd.SessionOptions{})
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	// Hold the target in reset while debug state is prepared, so no
	// semihosting request is missed.
	if err := session.Driver.EnterReset(); err != nil {
		return errors.Trace(err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := session.DAP.ResetState(); err != nil {
		return errors.Trace(err)
	}
	if err := session.Target.Initialize(true); err != nil {
		return errors.Trace(err)
	}
	if err := session.Target.ResetHaltState(); err != nil {
		return errors.Trace(err)
	}

	if err := guard.makeRaw(*flagLocalEcho); err != nil {
		return errors.Annotate(err, "terminal setup")
	}

	if err := session.Driver.LeaveReset(); err != nil {
		return errors.Trace(err)
	}

	server := goswd.NewSemihostServer(session.Target, terminalConsole{})
	return errors.Trace(server.Serve(time.Millisecond))
}

func main() {
	flag.Parse()
	common.SetupLogging()

	guard := newTerminalGuard()
	defer guard.restore()

	// Restore the terminal even when interrupted, then exit with status 1.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		guard.restore()
		os.Exit(1)
	}()

	if err := run(guard); err != nil {
		guard.restore()
		color.Red("swdhost failed")
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		os.Exit(1)
	}
}
