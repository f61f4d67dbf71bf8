// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package arbiter

import (
	"os"

	"github.com/bbnote/gostnvm/flash"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BufferConfig describes a buffer an application registers. The arbiter
// itself only needs it for tools working on images.
type BufferConfig struct {
	ID    uint8  `yaml:"id"`
	Name  string `yaml:"name"`
	Words int    `yaml:"words"`
}

// NvmConfig is one entry of the static NVM table.
type NvmConfig struct {
	Name      string         `yaml:"name"`
	BankCount int            `yaml:"banks"`
	BankSize  int            `yaml:"bank_sectors"`
	Buffers   []BufferConfig `yaml:"buffers"`
}

// FlashConfig overrides or replaces the device flash geometry.
type FlashConfig struct {
	Base       uint32 `yaml:"base"`
	Size       uint32 `yaml:"size"`
	SectorSize uint32 `yaml:"sector_size"`
}

// Config is the arbiter configuration table.
type Config struct {
	Device       string       `yaml:"device"`
	Flash        *FlashConfig `yaml:"flash"`
	StartAddress uint32       `yaml:"start_address"`
	Nvms         []NvmConfig  `yaml:"nvms"`
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "could not parse nvm configuration")
	}

	return cfg, nil
}

// LoadConfig reads and decodes a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)

	if err != nil {
		return Config{}, errors.Wrapf(err, "could not read %s", path)
	}

	return ParseConfig(data)
}

// Geometry resolves the flash geometry from the device name, overridden by
// the non zero fields of Flash.
func (c Config) Geometry() (flash.Geometry, error) {
	var geo flash.Geometry

	if c.Device != "" {
		g, ok := flash.LookupDevice(c.Device)
		if !ok && c.Flash == nil {
			return geo, errors.Errorf("unknown device %s", c.Device)
		}
		geo = g
	}

	if c.Flash != nil {
		if c.Flash.Base != 0 {
			geo.Base = c.Flash.Base
		}
		if c.Flash.Size != 0 {
			geo.Size = c.Flash.Size
		}
		if c.Flash.SectorSize != 0 {
			geo.SectorSize = c.Flash.SectorSize
		}
	}

	if geo.Size == 0 || geo.SectorSize == 0 || geo.Size%geo.SectorSize != 0 {
		return geo, errors.New("flash geometry is incomplete")
	}

	return geo, nil
}

// nvmLayout is the placement of one NVM inside flash.
type nvmLayout struct {
	base      uint32 // address of bank 0
	bankBytes uint32
	banks     int
}

func (l nvmLayout) bankAddress(bank int) uint32 {
	return l.base + uint32(bank)*l.bankBytes
}

// placement validates the table against geo and places the NVMs one after
// the other from StartAddress.
func (c Config) placement(geo flash.Geometry) ([]nvmLayout, error) {
	start := c.StartAddress

	if start == 0 {
		return nil, NewError(ErrorNvmNull, "")
	}

	if len(c.Nvms) == 0 || len(c.Nvms) > MaxNvm {
		return nil, NewError(ErrorNvmNumber, "%d nvms configured", len(c.Nvms))
	}

	if start < geo.Base || start >= geo.End() {
		return nil, NewError(ErrorNvmOverlapFlash, "start 0x%08x outside of flash", start)
	}

	if start%flash.QuadWordSize != 0 || (start-geo.Base)%geo.SectorSize != 0 {
		return nil, NewError(ErrorNvmNotAligned, "start 0x%08x", start)
	}

	layouts := make([]nvmLayout, len(c.Nvms))
	sectors := uint64(0)

	for i, n := range c.Nvms {
		if n.BankCount < 2 || n.BankCount > 255 {
			return nil, NewError(ErrorNvmBankNumber, "nvm %d has %d banks", i, n.BankCount)
		}

		if n.BankSize <= 0 {
			return nil, NewError(ErrorNvmBankSize, "nvm %d has banks of %d sectors", i, n.BankSize)
		}

		layouts[i] = nvmLayout{
			base:      start + uint32(sectors)*geo.SectorSize,
			bankBytes: uint32(n.BankSize) * geo.SectorSize,
			banks:     n.BankCount,
		}

		sectors += uint64(n.BankCount) * uint64(n.BankSize)

		if sectors*uint64(geo.SectorSize) > uint64(geo.End()-start) {
			return nil, NewError(ErrorNvmOverlapFlash, "nvm %d ends beyond 0x%08x", i, geo.End())
		}
	}

	return layouts, nil
}
