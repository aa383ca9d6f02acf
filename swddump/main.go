// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// swddump halts the target and prints the first words of its flash.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/openswd/goswd"
)

var (
	common    = goswd.RegisterCommonFlags()
	flagCount = flag.Int("count", 32, "words to dump")
	flagChip  = flag.String("chip", "LPC1114", "target chip type")
)

func run() error {
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

	if err := session.Target.Halt(); err != nil {
		return errors.Trace(err)
	}

	if chip := goswd.GetLpcChipInfo(*flagChip); chip != nil {
		// Map user flash back over the boot ROM so address 0 reads what
		// was programmed.
		flasher := goswd.NewLpcFlasher(session.Target, *chip)
		if err := flasher.UnmapBootSector(); err != nil {
			return errors.Trace(err)
		}
	}

	color.Green("first %d words of flash:", *flagCount)

	words := make([]uint32, *flagCount)
	if err := session.Target.ReadWords(goswd.NewConstPtr[goswd.Word](0), words); err != nil {
		return errors.Trace(err)
	}

	addr := goswd.NewConstPtr[goswd.Word](0)
	for _, word := range words {
		fmt.Printf(" [%08X] %08X\n", addr.Bits(), word)
		addr = addr.Add(1)
	}

	return nil
}

func main() {
	flag.Parse()
	common.SetupLogging()

	if err := run(); err != nil {
		color.Red("swddump failed")
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		os.Exit(1)
	}
}
