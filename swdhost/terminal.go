// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package main

import (
	"golang.org/x/sys/unix"
)

// terminalGuard snapshots the host terminal settings and restores them on
// normal exit, error, or signal. restore is idempotent.
type terminalGuard struct {
	saved    *unix.Termios
	restored bool
}

func newTerminalGuard() *terminalGuard {
	return &terminalGuard{}
}

// makeRaw makes stdin unbuffered and, unless localEcho is set, disables
// echo. The previous settings are saved for restore.
func (g *terminalGuard) makeRaw(localEcho bool) error {
	termios, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return err
	}

	saved := *termios
	g.saved = &saved

	termios.Lflag &^= unix.ICANON
	if !localEcho {
		termios.Lflag &^= unix.ECHO
	}

	return unix.IoctlSetTermios(0, unix.TCSETS, termios)
}

func (g *terminalGuard) restore() {
	if g.saved == nil || g.restored {
		return
	}

	g.restored = true
	unix.IoctlSetTermios(0, unix.TCSETS, g.saved)
}
