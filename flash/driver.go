// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// Package flash describes the flash driver capability consumed by the flash
// manager and the NVM arbiter, together with an in-memory implementation
// following STM32WB/WBA programming rules.
package flash

import (
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/pkg/errors"
)

const (
	WordSize     = 4                       // bytes per flash word
	QuadWordSize = 16                      // bytes per programming operation
	QuadWords    = QuadWordSize / WordSize // words per programming operation

	ErasedByte = 0xFF
	ErasedWord = 0xFFFFFFFF
)

var (
	ErrAccessDenied = errors.New("flash access is not granted")
	ErrNotAligned   = errors.New("destination is not quad-word aligned")
	ErrOutOfRange   = errors.New("address outside of flash")
	ErrNotErased    = errors.New("programming a quad-word that is not erased")
	ErrSize         = errors.New("data size is not a multiple of a quad-word")
	ErrPowerLoss    = errors.New("flash operation lost power")
	ErrInjected     = errors.New("injected flash failure")
)

// AccessSource identifies who opens or closes flash access. Programming and
// erasing are only possible while every source has access enabled.
type AccessSource int

const (
	AccessSystem AccessSource = 0 // application / low power manager
	AccessRFTS   AccessSource = 1 // radio timing synchronizer

	accessSourceCount = 2
)

func (s AccessSource) String() string {
	switch s {
	case AccessSystem:
		return "system"
	case AccessRFTS:
		return "rfts"
	default:
		return "unknown"
	}
}

// AccessGate arbitrates flash access between sources.
type AccessGate interface {
	SetStatus(src AccessSource, enable bool)
	Allowed() bool
}

// Driver is the raw flash capability: program one or more quad-words at a
// quad-word aligned destination, erase one sector, read back memory.
// Each call is atomic and reports success or failure only.
type Driver interface {
	AccessGate

	Geometry() Geometry
	Write(dest uint32, words []uint32) error
	EraseSector(index uint32) error
	ReadAt(p []byte, addr uint32) error
}

// Gate is an AccessGate keeping one enable bit per source.
type Gate struct {
	mu     sync.Mutex
	status bitmap.Bitmap
}

// NewGate returns a gate with access enabled for every source.
func NewGate() *Gate {
	g := &Gate{status: bitmap.New(accessSourceCount)}

	for i := 0; i < accessSourceCount; i++ {
		g.status.Set(i, true)
	}

	return g
}

func (g *Gate) SetStatus(src AccessSource, enable bool) {
	if src < 0 || src >= accessSourceCount {
		return
	}

	g.mu.Lock()
	g.status.Set(int(src), enable)
	g.mu.Unlock()
}

func (g *Gate) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < accessSourceCount; i++ {
		if !g.status.Get(i) {
			return false
		}
	}

	return true
}

// Status reports the enable bit of a single source.
func (g *Gate) Status(src AccessSource) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.status.Get(int(src))
}
