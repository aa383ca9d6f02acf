// Copyright 2021 The goswd authors. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package goswd

import (
	"github.com/google/gousb"
	"github.com/juju/errors"
)

var usbCtx *gousb.Context = nil

// InitializeUSB creates the process-wide libusb context. Call once before
// opening any programmer.
func InitializeUSB() error {
	if usbCtx != nil {
		logger.Warn("USB already initialized")
		return nil
	}

	usbCtx = gousb.NewContext()
	if usbCtx == nil {
		return errors.New("could not initialize libusb")
	}

	logger.Debug("initialized libusb")
	return nil
}

// CloseUSB tears down the libusb context created by InitializeUSB.
func CloseUSB() {
	if usbCtx != nil {
		usbCtx.Close()
		usbCtx = nil
	} else {
		logger.Warn("could not close uninitialized usb context")
	}
}

func usbFindDevices(vid gousb.ID, pid gousb.ID) ([]*gousb.Device, error) {
	devices, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor == vid && desc.Product == pid {
			logger.Infof("found USB device [%04x:%04x] on bus %03d:%03d",
				uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)
			return true
		}
		return false
	})

	if err != nil {
		logger.Error("error during usb device scan: ", err)
		return nil, errors.Trace(err)
	}

	return devices, nil
}
