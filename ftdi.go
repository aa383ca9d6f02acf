// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"context"
	"time"

	"github.com/google/gousb"
	"github.com/juju/errors"
)

// FTDI vendor control requests, per the FTDI application notes. All are sent
// to the vendor/device recipient with wIndex selecting the channel (1-based).
const (
	ftdiReqReset           = 0x00
	ftdiReqSetLatencyTimer = 0x09
	ftdiReqSetBitmode      = 0x0b

	ftdiResetSIO     = 0
	ftdiResetPurgeRX = 1
	ftdiResetPurgeTX = 2

	ftdiBitmodeReset = 0x00
	ftdiBitmodeMpsse = 0x02
)

const usbReadTimeout = 1000 * time.Millisecond

// FtdiDevice is the byte pipe into an FTDI chip's MPSSE engine: blocking
// bulk writes plus deadline-bounded reads. It owns the USB handle; Close
// releases everything in reverse acquisition order.
type FtdiDevice struct {
	device  *gousb.Device
	config  *gousb.Config
	intf    *gousb.Interface
	inEp    *gousb.InEndpoint
	outEp   *gousb.OutEndpoint
	channel uint16
}

// OpenFtdi claims the FTDI device and interface described by config. It
// fails fast when the device is absent or already claimed by another
// process.
func OpenFtdi(config ProgrammerConfig) (*FtdiDevice, error) {
	if usbCtx == nil {
		return nil, errors.New("USB not initialized; call InitializeUSB first")
	}

	devices, err := usbFindDevices(config.Vid, config.Pid)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if len(devices) == 0 {
		return nil, errors.NotFoundf("FTDI device [%04x:%04x]",
			uint16(config.Vid), uint16(config.Pid))
	}

	// Extra matches are closed again; exactly one adapter per process.
	for _, dev := range devices[1:] {
		dev.Close()
	}

	f := &FtdiDevice{
		device:  devices[0],
		channel: uint16(config.Interface) + 1,
	}

	f.device.SetAutoDetach(true)

	f.config, err = f.device.Config(1)
	if err != nil {
		f.device.Close()
		return nil, errors.Annotate(err, "could not request configuration #1")
	}

	f.intf, err = f.config.Interface(config.Interface, 0)
	if err != nil {
		f.config.Close()
		f.device.Close()
		return nil, errors.Annotatef(err, "could not claim interface %d (device busy?)",
			config.Interface)
	}

	for _, ep := range f.intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionIn && f.inEp == nil {
			f.inEp, err = f.intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && f.outEp == nil {
			f.outEp, err = f.intf.OutEndpoint(ep.Number)
		}
		if err != nil {
			f.Close()
			return nil, errors.Trace(err)
		}
	}

	if f.inEp == nil || f.outEp == nil {
		f.Close()
		return nil, errors.New("FTDI interface lacks bulk in/out endpoints")
	}

	return f, nil
}

func (f *FtdiDevice) control(request uint8, value uint16) error {
	_, err := f.device.Control(
		gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice,
		request, value, f.channel, nil)
	if err != nil {
		return errors.Annotatef(err, "FTDI control request %#02x", request)
	}
	return nil
}

// Reset issues a chip reset followed by RX/TX purges, leaving both FIFOs
// empty.
func (f *FtdiDevice) Reset() error {
	if err := f.control(ftdiReqReset, ftdiResetSIO); err != nil {
		return errors.Trace(err)
	}
	return f.PurgeBuffers()
}

// PurgeBuffers drains any stale bytes from the chip's receive and transmit
// FIFOs.
func (f *FtdiDevice) PurgeBuffers() error {
	if err := f.control(ftdiReqReset, ftdiResetPurgeRX); err != nil {
		return errors.Trace(err)
	}
	return f.control(ftdiReqReset, ftdiResetPurgeTX)
}

// SetLatencyTimer sets the receive latency timer in milliseconds. The MPSSE
// response polling loop assumes 1ms.
func (f *FtdiDevice) SetLatencyTimer(ms uint8) error {
	return f.control(ftdiReqSetLatencyTimer, uint16(ms))
}

// SetBitmode switches the chip's I/O mode; mask selects which pins the mode
// applies to.
func (f *FtdiDevice) SetBitmode(mask uint8, mode uint8) error {
	return f.control(ftdiReqSetBitmode, uint16(mode)<<8|uint16(mask))
}

// Write sends an MPSSE command stream. A short write is a transport failure.
func (f *FtdiDevice) Write(buffer []byte) error {
	written, err := f.outEp.Write(buffer)
	if err != nil {
		return errors.Annotate(err, "FTDI bulk write")
	}
	if written != len(buffer) {
		return errors.Annotatef(
			NewSwdError(ErrorTimeout, "short write: %d of %d bytes", written, len(buffer)),
			"FTDI bulk write")
	}

	logger.Tracef("wrote %d bytes to MPSSE", written)
	return nil
}

// Read fills out with MPSSE response bytes, blocking until either enough
// data has arrived or the deadline expires. Each USB packet from the chip
// leads with two modem status bytes, which are stripped here.
func (f *FtdiDevice) Read(out []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	packet := make([]byte, f.inEp.Desc.MaxPacketSize)
	got := 0

	for got < len(out) {
		n, err := f.inEp.ReadContext(ctx, packet)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Annotatef(
					NewSwdError(ErrorTimeout, "read %d of %d bytes before deadline", got, len(out)),
					"FTDI bulk read")
			}
			return errors.Annotate(err, "FTDI bulk read")
		}

		if n > 2 {
			got += copy(out[got:], packet[2:n])
		}
	}

	logger.Tracef("read %d bytes from MPSSE", got)
	return nil
}

// Close restores the chip to its reset bitmode and releases the USB handle.
func (f *FtdiDevice) Close() {
	if f.device == nil {
		return
	}

	logger.Debugf("closing FTDI device [%04x:%04x]",
		uint16(f.device.Desc.Vendor), uint16(f.device.Desc.Product))

	f.control(ftdiReqSetBitmode, uint16(ftdiBitmodeReset)<<8|0xff)

	if f.intf != nil {
		f.intf.Close()
	}
	if f.config != nil {
		f.config.Close()
	}
	f.device.Close()
	f.device = nil
}
