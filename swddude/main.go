// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// swddude flashes a raw firmware image into an NXP LPC11xx/13xx part over
// SWD using the on-chip IAP ROM.
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
	common          = goswd.RegisterCommonFlags()
	flagFlash       = flag.String("flash", "", "binary program to load")
	flagFixChecksum = flag.Bool("fix_lpc_checksum", false,
		"recompute the LPC vector table checksum before flashing")
	flagChip = flag.String("chip", "LPC1114", "target chip type")
)

func run() error {
	if *flagFlash == "" {
		return errors.New("no firmware given; use -flash PATH")
	}

	chip := goswd.GetLpcChipInfo(*flagChip)
	if chip == nil {
		return errors.NotFoundf("chip %q", *flagChip)
	}

	image, err := goswd.LoadFirmware(*flagFlash)
	if err != nil {
		return errors.Trace(err)
	}

	if *flagFixChecksum {
		if err := goswd.FixLpcChecksum(image); err != nil {
			return errors.Trace(err)
		}
	}

	config, err := common.ProgrammerConfig()
	if err != nil {
		return errors.Trace(err)
	}

	if err := goswd.InitializeUSB(); err != nil {
		return errors.Trace(err)
	}
	defer goswd.CloseUSB()

	session, err := goswd.OpenSession(config, goswd.SessionOptions{ResetTarget: true})
	if err != nil {
		return errors.Trace(err)
	}
	defer session.Close()

	if err := session.Target.ResetAndHalt(); err != nil {
		return errors.Trace(err)
	}

	flasher := goswd.NewLpcFlasher(session.Target, *chip)

	if err := flasher.UnmapBootSector(); err != nil {
		return errors.Trace(err)
	}

	partID, err := flasher.ReadPartID()
	if err != nil {
		return errors.Annotate(err, "part identification")
	}
	fmt.Printf("part ID: %08X\n", partID)

	if err := flasher.Program(image); err != nil {
		return errors.Annotate(err, "flash programming")
	}

	// Verify by reading the image back through the MEM-AP.
	readback := make([]uint32, len(image))
	err = session.Target.ReadWords(goswd.NewConstPtr[goswd.Word](0), readback)
	if err != nil {
		return errors.Annotate(err, "flash verify readback")
	}

	for i := range image {
		if readback[i] != image[i] {
			return errors.Errorf("verify mismatch at word %d: wrote %08X, read %08X",
				i, image[i], readback[i])
		}
	}

	if err := session.Target.ResetAndHalt(); err != nil {
		return errors.Trace(err)
	}
	if err := session.Target.Resume(); err != nil {
		return errors.Trace(err)
	}

	color.Green("flashed %d words from %s", len(image), *flagFlash)
	return nil
}

func main() {
	flag.Parse()
	common.SetupLogging()

	if err := run(); err != nil {
		color.Red("swddude failed")
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		os.Exit(1)
	}
}
