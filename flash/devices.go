// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package flash

import "strings"

// Geometry describes the flash array of a target device.
type Geometry struct {
	Base       uint32 // address of the first flash byte
	Size       uint32 // flash size in bytes
	SectorSize uint32 // erase granularity in bytes
}

// End returns the first address after the flash array.
func (g Geometry) End() uint32 {
	return g.Base + g.Size
}

// SectorCount returns the number of erasable sectors.
func (g Geometry) SectorCount() uint32 {
	if g.SectorSize == 0 {
		return 0
	}
	return g.Size / g.SectorSize
}

// Contains reports whether [addr, addr+size) lies inside the flash array.
func (g Geometry) Contains(addr uint32, size uint32) bool {
	if addr < g.Base || size > g.Size {
		return false
	}
	return addr-g.Base <= g.Size-size
}

// SectorIndex returns the sector holding addr.
func (g Geometry) SectorIndex(addr uint32) uint32 {
	return (addr - g.Base) / g.SectorSize
}

// SectorAddress returns the start address of sector index.
func (g Geometry) SectorAddress(index uint32) uint32 {
	return g.Base + index*g.SectorSize
}

var supportedDevices = map[string]Geometry{
	"STM32WB55xG":  {0x08000000, 0x100000, 0x1000},
	"STM32WB55xE":  {0x08000000, 0x80000, 0x1000},
	"STM32WB55xC":  {0x08000000, 0x40000, 0x1000},
	"STM32WB35xC":  {0x08000000, 0x40000, 0x1000},
	"STM32WB15xC":  {0x08000000, 0x50000, 0x800},
	"STM32WB5MxG":  {0x08000000, 0x100000, 0x1000},
	"STM32WBA52xG": {0x08000000, 0x100000, 0x2000},
	"STM32WBA54xG": {0x08000000, 0x100000, 0x2000},
	"STM32WBA55xG": {0x08000000, 0x100000, 0x2000},
	"STM32WBA65xI": {0x08000000, 0x200000, 0x2000},
}

// LookupDevice returns the flash geometry of a known device name. Matching is
// case insensitive.
func LookupDevice(name string) (Geometry, bool) {
	for k, v := range supportedDevices {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return Geometry{}, false
}
