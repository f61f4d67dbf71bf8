// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package probe finds ST-Link debug probes on the USB bus. A probe is what
// reads and writes the flash image of a board holding the NVM region.
package probe

import (
	"fmt"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const VendorID gousb.ID = 0x0483

const (
	v1Pid          gousb.ID = 0x3744
	v2Pid          gousb.ID = 0x3748
	v21Pid         gousb.ID = 0x374B
	v21NoMsdPid    gousb.ID = 0x3752
	v3UsbLoaderPid gousb.ID = 0x374D
	v3EPid         gousb.ID = 0x374E
	v3SPid         gousb.ID = 0x374F
	v32VcpPid      gousb.ID = 0x3753
)

// Family is the ST-Link hardware generation.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyV1
	FamilyV2
	FamilyV21
	FamilyV3
)

func (f Family) String() string {
	switch f {
	case FamilyV1:
		return "ST-Link/V1"
	case FamilyV2:
		return "ST-Link/V2"
	case FamilyV21:
		return "ST-Link/V2-1"
	case FamilyV3:
		return "STLINK-V3"
	default:
		return "unknown"
	}
}

// FamilyOf classifies an ST-Link product id.
func FamilyOf(pid gousb.ID) Family {
	switch pid {
	case v1Pid:
		return FamilyV1
	case v2Pid:
		return FamilyV2
	case v21Pid, v21NoMsdPid:
		return FamilyV21
	case v3UsbLoaderPid, v3EPid, v3SPid, v32VcpPid:
		return FamilyV3
	default:
		return FamilyUnknown
	}
}

// Info describes a connected probe.
type Info struct {
	Product gousb.ID
	Family  Family
	Serial  string
	Bus     int
	Address int
}

func (i Info) String() string {
	return fmt.Sprintf("%v [%04x] serial %s on bus %03d:%03d", i.Family, uint16(i.Product), i.Serial, i.Bus, i.Address)
}

// List enumerates the connected probes.
func List() ([]Info, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != VendorID || FamilyOf(desc.Product) == FamilyUnknown {
			return false
		}

		logger.Debugf("found usb device [%04x:%04x] on bus %03d:%03d", uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)

		return true
	})

	defer func() {
		for _, dev := range devices {
			dev.Close()
		}
	}()

	if err != nil && len(devices) == 0 {
		return nil, errors.Wrap(err, "usb device scan failed")
	}

	if err != nil {
		logger.Warnf("usb device scan incomplete: %v", err)
	}

	probes := make([]Info, 0, len(devices))

	for _, dev := range devices {
		serial, err := dev.SerialNumber()

		if err != nil {
			logger.Debugf("could not read serial number: %v", err)
		}

		probes = append(probes, Info{
			Product: dev.Desc.Product,
			Family:  FamilyOf(dev.Desc.Product),
			Serial:  serial,
			Bus:     dev.Desc.Bus,
			Address: dev.Desc.Address,
		})
	}

	return probes, nil
}

// Find returns the probe with the given serial number, or the only
// connected probe when serial is empty.
func Find(serial string) (Info, error) {
	probes, err := List()

	if err != nil {
		return Info{}, err
	}

	if len(probes) == 0 {
		return Info{}, errors.New("could not find any ST-Link connected to computer")
	}

	return selectProbe(probes, serial)
}

func selectProbe(probes []Info, serial string) (Info, error) {
	if serial == "" {
		if len(probes) > 1 {
			return Info{}, errors.New("could not identify exact ST-Link, a serial number is missing")
		}
		return probes[0], nil
	}

	for _, p := range probes {
		if p.Serial == serial {
			return p, nil
		}
	}

	return Info{}, errors.Errorf("could not find ST-Link with serial number %s", serial)
}
