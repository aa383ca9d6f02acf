// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// swdprobe connects to a target, reports the Debug Port IDCODE, and crawls
// the Access Ports looking for MEM-APs and their debug components.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/juju/errors"
	"github.com/openswd/goswd"
)

var common = goswd.RegisterCommonFlags()

func describeIDCode(idcode uint32) {
	color.Green("Debug Port IDCODE = %08X", idcode)
	fmt.Printf("  version:  %X\n", idcode>>28)
	fmt.Printf("  part:     %04X\n", (idcode>>12)&0xFFFF)
	fmt.Printf("  designer: %03X\n", (idcode>>1)&0x7FF)
}

func probeMemAp(session *goswd.Session, ap uint8) error {
	dap := session.DAP

	if err := dap.StartReadAP(ap, 0xF8); err != nil { // BASE
		return errors.Trace(err)
	}

	base, err := dap.ReadRdBuff()
	if err != nil {
		return errors.Trace(err)
	}

	fmt.Printf("  BASE = %08X\n", base)

	if base&3 != 3 {
		fmt.Println("  legacy device, not ADIv5 compliant")
		return nil
	}

	regfile := base &^ 0xFFF
	fmt.Printf("  debug register file at %08X\n", regfile)

	// The component ID words live in the last 16 bytes of the block.
	var componentID [4]uint32
	err = session.Target.ReadWords(goswd.NewConstPtr[goswd.Word](regfile+0xFF0), componentID[:])
	if err != nil {
		return errors.Trace(err)
	}

	for i, id := range componentID {
		fmt.Printf("  component ID %d = %08X\n", i, id)
	}

	if componentID[0] != 0x0D || componentID[2] != 0x05 || componentID[3] != 0xB1 {
		fmt.Println("  component ID preamble invalid")
		return nil
	}

	componentClass := componentID[1] >> 4 & 0xF
	fmt.Printf("  component class %X\n", componentClass)

	cpuid, err := session.Target.ReadWord(goswd.NewConstPtr[goswd.Word](0xE000ED00))
	if err == nil {
		fmt.Printf("  CPUID = %08X\n", cpuid)
	}

	return nil
}

func crawlAccessPorts(session *goswd.Session) error {
	dap := session.DAP

	for ap := 0; ap < 256; ap++ {
		// IDR is register 0xFC in the last bank.
		if err := dap.StartReadAP(uint8(ap), 0xFC); err != nil {
			return errors.Trace(err)
		}

		idr, err := dap.ReadRdBuff()
		if err != nil {
			return errors.Trace(err)
		}

		if idr == 0 {
			continue
		}

		color.Cyan("AP %02X IDR = %08X", ap, idr)

		if idr&(1<<16) != 0 {
			if err := probeMemAp(session, uint8(ap)); err != nil {
				fmt.Printf("  probe failed: %v\n", err)
			}
		} else {
			fmt.Println("  not a MEM-AP")
		}
	}

	return nil
}

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

	describeIDCode(session.IDCode)

	ctrlstat, err := session.DAP.ReadCtrlStat()
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("CTRL/STAT = %08X\n", ctrlstat)

	return crawlAccessPorts(session)
}

func main() {
	flag.Parse()
	common.SetupLogging()

	if err := run(); err != nil {
		color.Red("swdprobe failed")
		fmt.Fprintln(os.Stderr, errors.ErrorStack(err))
		os.Exit(1)
	}
}
