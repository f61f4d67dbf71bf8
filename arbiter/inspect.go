// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"github.com/bbnote/gostnvm/crcctrl"
	"github.com/bbnote/gostnvm/flash"
)

// BankReport describes one bank of an image.
type BankReport struct {
	Index   int
	Address uint32
	State   BankState
	Header  BankHeader
	Restore bool
}

// NvmReport describes the banks of one NVM.
type NvmReport struct {
	ID    int
	Name  string
	Banks []BankReport
}

// Inspect scans the banks configured by cfg without modifying flash. The bank
// Init would restore from is flagged.
func Inspect(dev flash.Driver, cfg Config) ([]NvmReport, error) {
	layouts, err := cfg.placement(dev.Geometry())

	if err != nil {
		return nil, err
	}

	crc := crcctrl.New()
	handle, err := crc.Register()

	if err != nil {
		return nil, NewError(ErrorCrcInit, "%v", err)
	}
	defer crc.Unregister(handle)

	reader := bankReader{dev: dev, crc: crc, handle: handle, crcRetries: defaultCrcRetries}
	reports := make([]NvmReport, len(layouts))

	for i, l := range layouts {
		report := NvmReport{ID: i, Name: cfg.Nvms[i].Name}
		restore := -1

		for b := 0; b < l.banks; b++ {
			state, h, err := reader.check(i, l.bankAddress(b), l.bankBytes)

			if err != nil {
				return nil, err
			}

			report.Banks = append(report.Banks, BankReport{
				Index:   b,
				Address: l.bankAddress(b),
				State:   state,
				Header:  h,
			})

			if state != BankValid {
				continue
			}

			if restore < 0 || secondIsNewer(report.Banks[restore].Header.Counter, h.Counter) {
				restore = b
			}
		}

		if restore >= 0 {
			report.Banks[restore].Restore = true
		}

		reports[i] = report
	}

	return reports, nil
}
